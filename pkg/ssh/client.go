// Package ssh implements the transport session: one authenticated SSH
// connection to a single host.
//
// A Session is opened with resolved credential material, runs commands or
// uploads files, and is released deterministically by Close. Every failure
// to open is classified:
//
//   - ErrAuthMethodUnsupported: the server does not offer the method the
//     credential needs
//   - ErrCredentialRejected: the server refused the key or the password
//   - ErrConnectTimeout: dial or handshake did not finish in time
//   - ErrConnectFailed: anything else on the way to a session
//
// Command execution enforces a wall-clock timeout; when it fires the
// connection is closed and the call returns ErrExecutionTimeout with the
// output captured so far.
//
// Example Usage:
//
//	cred, err := resolver.Resolve(host)
//	if err != nil {
//	    return err
//	}
//	sess, err := ssh.Open(ctx, host.Address, host.Port, host.Username, cred, 10*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	res, err := sess.Exec(ctx, "uptime", 30*time.Second)
package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/liliang-cn/execd/pkg/credential"
)

var (
	ErrAuthMethodUnsupported = errors.New("authentication method not supported by host")
	ErrCredentialRejected    = errors.New("credential rejected")
	ErrConnectTimeout        = errors.New("connect timeout")
	ErrConnectFailed         = errors.New("connect failed")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrSessionClosed         = errors.New("session closed")
)

// ConnectError describes why Open failed. It matches its class with
// errors.Is and carries the message shown to users.
type ConnectError struct {
	Class error
	Addr  string
	Kind  credential.Kind
	Err   error
}

func (e *ConnectError) Error() string {
	switch e.Class {
	case ErrAuthMethodUnsupported:
		return fmt.Sprintf("%s: host does not accept %s authentication: %v", e.Addr, e.Kind, e.Err)
	case ErrCredentialRejected:
		if e.Kind == credential.KindPassword {
			return fmt.Sprintf("%s: password authentication failed, check the password", e.Addr)
		}
		return fmt.Sprintf("%s: private key authentication failed, check that the key is authorized on the host", e.Addr)
	case ErrConnectTimeout:
		return fmt.Sprintf("%s: connection timed out, check the network and that the port is reachable", e.Addr)
	}
	return fmt.Sprintf("%s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{e.Class, e.Err} }

// Dialer opens sessions. The zero value accepts any host key.
type Dialer struct {
	HostKeyCallback ssh.HostKeyCallback
	// KeepAlive is the TCP keepalive period; zero uses the net default.
	KeepAlive time.Duration
}

// DefaultDialer is used by Open.
var DefaultDialer = &Dialer{}

// Open dials address:port and authenticates as username with cred.
// timeout bounds both the TCP dial and the SSH handshake. Callers outside
// the dispatcher may pass port 0 for the standard SSH port.
func Open(ctx context.Context, address string, port int, username string, cred credential.Credential, timeout time.Duration) (*Session, error) {
	return DefaultDialer.Open(ctx, address, port, username, cred, timeout)
}

// Open is like the package level Open but uses d's settings.
func (d *Dialer) Open(ctx context.Context, address string, port int, username string, cred credential.Credential, timeout time.Duration) (*Session, error) {
	addr := hostPort(address, port)

	methods := cred.AuthMethods()
	if len(methods) == 0 {
		return nil, &ConnectError{Class: ErrConnectFailed, Addr: addr, Err: credential.ErrCredentialUnavailable}
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(addr, cred.Kind, err)
	}

	// the handshake has no context of its own
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, &ConnectError{Class: ErrConnectFailed, Addr: addr, Kind: cred.Kind, Err: ctx.Err()}
		}
		return nil, classifyHandshake(addr, cred.Kind, err)
	}
	conn.SetDeadline(time.Time{})

	return &Session{
		client: ssh.NewClient(c, chans, reqs),
		addr:   addr,
	}, nil
}

// hostPort joins address and port, using 22 for port 0.
func hostPort(address string, port int) string {
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func classifyDial(addr string, kind credential.Kind, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &ConnectError{Class: ErrConnectTimeout, Addr: addr, Kind: kind, Err: err}
	}
	return &ConnectError{Class: ErrConnectFailed, Addr: addr, Kind: kind, Err: err}
}

var attemptedRe = regexp.MustCompile(`attempted methods \[([^\]]*)\]`)

// classifyHandshake maps x/crypto handshake failures. The client reports
// the methods it actually tried; if the method our credential needs is not
// among them the server never offered it.
func classifyHandshake(addr string, kind credential.Kind, err error) error {
	msg := err.Error()
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || strings.Contains(msg, "i/o timeout") {
		return &ConnectError{Class: ErrConnectTimeout, Addr: addr, Kind: kind, Err: err}
	}

	if !strings.Contains(msg, "unable to authenticate") {
		return &ConnectError{Class: ErrConnectFailed, Addr: addr, Kind: kind, Err: err}
	}

	var attempted []string
	if m := attemptedRe.FindStringSubmatch(msg); m != nil {
		attempted = strings.Fields(m[1])
	}
	wanted := map[credential.Kind][]string{
		credential.KindKey:      {"publickey"},
		credential.KindPassword: {"password", "keyboard-interactive"},
	}[kind]
	for _, a := range attempted {
		for _, w := range wanted {
			if a == w {
				return &ConnectError{Class: ErrCredentialRejected, Addr: addr, Kind: kind, Err: err}
			}
		}
	}
	return &ConnectError{Class: ErrAuthMethodUnsupported, Addr: addr, Kind: kind, Err: err}
}

// Session is one authenticated connection. Exec and Upload may be called
// repeatedly; Close releases the connection and is safe to call twice.
type Session struct {
	client *ssh.Client
	addr   string

	mu     sync.Mutex
	closed bool
}

// Addr returns host:port.
func (s *Session) Addr() string { return s.addr }

// Close releases the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ExecResult contains the result of executing a command on a remote host.
type ExecResult struct {
	// Output is stdout and stderr in the order they arrived.
	Output []byte
	// ExitCode is the exit status returned by the command.
	ExitCode int
	Duration time.Duration
}

// orderedBuffer is the shared sink for stdout and stderr.
type orderedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *orderedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *orderedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Exec runs cmd and waits for it to finish or for timeout to pass.
// A non-zero exit status is not an error; it is reported in ExitCode.
func (s *Session) Exec(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	return s.ExecInput(ctx, cmd, nil, timeout)
}

// ExecInput is Exec with stdin attached.
func (s *Session) ExecInput(ctx context.Context, cmd string, stdin io.Reader, timeout time.Duration) (*ExecResult, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var out orderedBuffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != nil {
		session.Stdin = stdin
	}

	start := time.Now()
	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return finish(out.Bytes(), time.Since(start), err)
	case <-expired:
		s.abort(session, done)
		return &ExecResult{Output: out.Bytes(), ExitCode: -1, Duration: time.Since(start)},
			fmt.Errorf("%w after %v", ErrExecutionTimeout, timeout)
	case <-ctx.Done():
		s.abort(session, done)
		return &ExecResult{Output: out.Bytes(), ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
	}
}

// abort interrupts the remote process and closes the whole connection so
// no goroutine stays blocked on it.
func (s *Session) abort(session *ssh.Session, done <-chan error) {
	_ = session.Signal(ssh.SIGKILL)
	s.Close()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}
}

func finish(output []byte, d time.Duration, err error) (*ExecResult, error) {
	res := &ExecResult{Output: output, Duration: d}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
		return res, nil
	}
	res.ExitCode = -1
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return res, fmt.Errorf("remote command ended without exit status: %w", err)
	}
	return res, err
}

// Upload copies content to dest on the host using the scp sink protocol.
func (s *Session) Upload(ctx context.Context, content []byte, dest string, mode uint32, timeout time.Duration) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr orderedBuffer
	session.Stderr = &stderr

	destDir := path.Dir(dest)
	if err := session.Start("scp -t " + ShellQuote(destDir)); err != nil {
		return fmt.Errorf("scp failed: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- sendFile(stdin, bufio.NewReader(stdout), content, path.Base(dest), mode)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("scp to %s failed: %w", dest, err)
		}
	case <-expired:
		s.Close()
		return fmt.Errorf("%w: upload to %s after %v", ErrExecutionTimeout, dest, timeout)
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}

	if err := session.Wait(); err != nil {
		if msg := strings.TrimSpace(string(stderr.Bytes())); msg != "" {
			return fmt.Errorf("scp to %s failed: %s", dest, msg)
		}
		return fmt.Errorf("scp to %s failed: %w", dest, err)
	}
	return nil
}

func sendFile(w io.WriteCloser, r *bufio.Reader, content []byte, name string, mode uint32) error {
	defer w.Close()
	if mode == 0 {
		mode = 0644
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode&0o7777, len(content), name); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return readAck(r)
}

// readAck reads one scp status byte: 0 ok, 1 warning, 2 fatal.
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("remote scp: %s", strings.TrimSpace(msg))
}

// AddPublicKey appends an authorized_keys line unless it is already there.
func (s *Session) AddPublicKey(ctx context.Context, authorizedKey string, timeout time.Duration) error {
	key := strings.TrimSpace(authorizedKey)
	if key == "" {
		return errors.New("empty public key")
	}
	q := ShellQuote(key)
	cmd := "mkdir -p -m 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && " +
		"(grep -qxF " + q + " ~/.ssh/authorized_keys || echo " + q + " >> ~/.ssh/authorized_keys)"
	res, err := s.Exec(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to install public key (exit %d): %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

// Ping checks that the connection is alive.
func (s *Session) Ping() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
