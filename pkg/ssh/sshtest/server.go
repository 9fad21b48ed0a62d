// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password and public key logins as configured, answers
// exec requests through a Handler and implements the sink side of scp so
// uploads can be inspected.
package sshtest

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Handler runs one exec request and returns its exit status. done is closed
// when the client goes away or the server shuts down.
type Handler func(cmd string, stdin io.Reader, stdout, stderr io.Writer, done <-chan struct{}) int

// Config controls what the server accepts.
type Config struct {
	// Passwords maps user to password. Nil disables password auth.
	Passwords map[string]string
	// AuthorizedKeys enables public key auth for any user holding one of them.
	AuthorizedKeys []ssh.PublicKey
	// Handler answers exec requests. Nil answers from Respond registrations.
	Handler Handler
}

// Response is a canned answer for commands containing a substring.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// File is an upload received by the scp sink.
type File struct {
	Mode    uint32
	Content []byte
}

// Server is a running test server.
type Server struct {
	Addr    string
	Port    int
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	handler  Handler
	done     chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	commands  []string
	files     map[string]File
	responses map[string]Response
	logins    []string
}

// NewServer listens on a random loopback port.
func NewServer(cfg Config) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		l.Close()
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		l.Close()
		return nil, err
	}

	s := &Server{
		Addr:      "127.0.0.1",
		Port:      l.Addr().(*net.TCPAddr).Port,
		HostKey:   signer.PublicKey(),
		listener:  l,
		handler:   cfg.Handler,
		done:      make(chan struct{}),
		files:     make(map[string]File),
		responses: make(map[string]Response),
	}

	sc := &ssh.ServerConfig{}
	if cfg.Passwords != nil {
		sc.PasswordCallback = func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if want, ok := cfg.Passwords[meta.User()]; ok && want == string(pw) {
				s.recordLogin(meta.User() + ":password")
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		}
	}
	if cfg.AuthorizedKeys != nil {
		sc.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range cfg.AuthorizedKeys {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					s.recordLogin(meta.User() + ":publickey")
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %s", meta.User())
		}
	}
	sc.AddHostKey(signer)
	s.config = sc
	if s.handler == nil {
		s.handler = s.cannedHandler
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Respond registers a canned response for commands containing substr.
func (s *Server) Respond(substr string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[substr] = r
}

// Commands returns the exec requests seen so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Logins returns "user:method" for each successful authentication.
func (s *Server) Logins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

// File returns an uploaded file by its full path.
func (s *Server) File(path string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

// Close stops the listener and waits for connections to finish.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) recordLogin(l string) {
	s.mu.Lock()
	s.logins = append(s.logins, l)
	s.mu.Unlock()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	connDone := make(chan struct{})
	go func() {
		sconn.Wait()
		close(connDone)
	}()
	go func() {
		select {
		case <-s.done:
			sconn.Close()
		case <-connDone:
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests, connDone)
	}
}

func (s *Server) handleSession(channel ssh.Channel, in <-chan *ssh.Request, done <-chan struct{}) {
	defer func() {
		channel.Close()
		go ssh.DiscardRequests(in)
	}()

	for req := range in {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			var code int
			if dir, ok := scpTarget(payload.Command); ok {
				code = s.scpSink(dir, channel)
			} else {
				code = s.handler(payload.Command, channel, channel, channel.Stderr(), done)
			}
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ ExitStatus uint32 }{uint32(code)}))
			return
		default:
			req.Reply(req.WantReply, nil)
		}
	}
}

func (s *Server) cannedHandler(cmd string, _ io.Reader, stdout, stderr io.Writer, _ <-chan struct{}) int {
	s.mu.Lock()
	var match string
	var resp Response
	for k, v := range s.responses {
		// longest match wins so specific responses override general ones
		if strings.Contains(cmd, k) && len(k) > len(match) {
			match, resp = k, v
		}
	}
	s.mu.Unlock()

	io.WriteString(stdout, resp.Stdout)
	io.WriteString(stderr, resp.Stderr)
	return resp.ExitCode
}

func scpTarget(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 3 || fields[0] != "scp" {
		return "", false
	}
	if fields[1] != "-t" && fields[1] != "-qt" {
		return "", false
	}
	return strings.Trim(strings.Join(fields[2:], " "), "'"), true
}

// scpSink implements the receiving end of "scp -t" for a single file.
func (s *Server) scpSink(dir string, channel ssh.Channel) int {
	r := bufio.NewReader(channel)
	ack := func() { channel.Write([]byte{0}) }
	fail := func(msg string) int {
		channel.Write([]byte("\x02" + msg + "\n"))
		return 1
	}

	ack()
	header, err := r.ReadString('\n')
	if err != nil {
		return 1
	}
	if !strings.HasPrefix(header, "C") {
		return fail("unsupported scp directive")
	}
	parts := strings.SplitN(strings.TrimSpace(header[1:]), " ", 3)
	if len(parts) != 3 {
		return fail("malformed header")
	}
	mode, err := strconv.ParseUint(parts[0], 8, 32)
	if err != nil {
		return fail("bad mode")
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fail("bad size")
	}
	ack()

	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return 1
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return 1
	}

	s.mu.Lock()
	s.files[strings.TrimSuffix(dir, "/")+"/"+parts[2]] = File{Mode: uint32(mode), Content: content}
	s.mu.Unlock()

	ack()
	return 0
}
