package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/credential"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/ssh/sshtest"
	"github.com/liliang-cn/execd/pkg/task"
)

func startServer(t *testing.T, cfg sshtest.Config) *sshtest.Server {
	t.Helper()
	if cfg.Passwords == nil && cfg.AuthorizedKeys == nil {
		cfg.Passwords = map[string]string{"root": "pw"}
	}
	srv, err := sshtest.NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func hostOf(srv *sshtest.Server, name string) task.HostConnectionDescriptor {
	return task.HostConnectionDescriptor{Name: name, Address: srv.Addr, Port: srv.Port, Username: "root", Password: "pw"}
}

type fixture struct {
	d     *Dispatcher
	reg   *registry.Memory
	audit *audit.Memory
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{reg: registry.NewMemory(), audit: audit.NewMemory()}
	opts := Options{
		Registry:       f.reg,
		Audit:          f.audit,
		Logger:         logger.Discard(),
		ConnectTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	f.d = d
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
		f.reg.Close()
	})
	return f
}

func (f *fixture) wait(t *testing.T, token task.Token) registry.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		snap, err := f.reg.Read(context.Background(), token)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not finish, output so far:\n%s", token, snap.Output)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newKey(t *testing.T) (gossh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return signer, string(pem.EncodeToMemory(block))
}

func TestTwoHostsSucceed(t *testing.T) {
	srv1 := startServer(t, sshtest.Config{})
	srv2 := startServer(t, sshtest.Config{})
	for _, s := range []*sshtest.Server{srv1, srv2} {
		s.Respond("uptime", sshtest.Response{Stdout: "up 3 days\n"})
	}
	f := newFixture(t, nil)

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Kind:      task.KindShell,
		Body:      "uptime",
		Hosts:     []task.HostConnectionDescriptor{hostOf(srv1, "web1"), hostOf(srv2, "web2")},
		Submitter: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status != task.StatusSucceeded {
		t.Fatalf("status = %v\n%s", snap.Status, snap.Output)
	}
	if n := strings.Count(snap.Output, colorSuccess); n != 3 {
		t.Errorf("expected 2 host success banners and a closing one, got %d\n%s", n, snap.Output)
	}
	if !strings.Contains(snap.Output, "up 3 days\r\n") {
		t.Errorf("host output missing or not CRLF terminated:\n%q", snap.Output)
	}
	if !strings.HasPrefix(snap.Output, colorInfo+"### Connecting to 2 target host(s)") {
		t.Errorf("run should open with the connection banner:\n%q", snap.Output)
	}
	if !strings.Contains(snap.Output, "# host2: 127.0.0.1:") || !strings.Contains(snap.Output, "(password auth)") {
		t.Errorf("target summary missing:\n%s", snap.Output)
	}

	rows, _ := f.audit.List(context.Background(), audit.Query{Submitter: "alice"})
	if len(rows) != 1 || rows[0].Token != token || rows[0].Kind != task.KindShell {
		t.Errorf("expected one audit record for the run, got %+v", rows)
	}
}

func TestHostFailureDoesNotStopOthers(t *testing.T) {
	srv1 := startServer(t, sshtest.Config{})
	srv2 := startServer(t, sshtest.Config{})
	srv1.Respond("deploy", sshtest.Response{Stderr: "boom\n", ExitCode: 1})
	srv2.Respond("deploy", sshtest.Response{Stdout: "ok\n"})
	f := newFixture(t, nil)

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Body:  "./deploy.sh",
		Hosts: []task.HostConnectionDescriptor{hostOf(srv1, "a"), hostOf(srv2, "b")},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status.Kind() != task.HostFailed || snap.Status.Code() != 1 {
		t.Fatalf("status = %v, want 1", snap.Status)
	}
	if !strings.Contains(snap.Output, "a(127.0.0.1:") || !strings.Contains(snap.Output, "failed with exit code 1") {
		t.Errorf("failure banner for host 1 missing:\n%s", snap.Output)
	}
	if !strings.Contains(snap.Output, "ok\r\n") || !strings.Contains(snap.Output, "finished in") {
		t.Errorf("host 2 should still complete:\n%s", snap.Output)
	}
}

func TestAggregateUsesLowestFailingIndex(t *testing.T) {
	slow := startServer(t, sshtest.Config{Handler: func(cmd string, _ io.Reader, _, _ io.Writer, done <-chan struct{}) int {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-done:
		}
		return 3
	}})
	fast := startServer(t, sshtest.Config{})
	fast.Respond("job", sshtest.Response{ExitCode: 5})
	f := newFixture(t, nil)

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Body:  "job",
		Hosts: []task.HostConnectionDescriptor{hostOf(slow, "first"), hostOf(fast, "second")},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status.Code() != 3 {
		t.Errorf("status = %v, want 3 from the first host even though it finished last", snap.Status)
	}
}

func TestCredentialUnavailable(t *testing.T) {
	srv := startServer(t, sshtest.Config{})
	f := newFixture(t, nil)

	h := hostOf(srv, "nokey")
	h.Password = ""
	token, err := f.d.Submit(context.Background(), &task.TaskRequest{Body: "true", Hosts: []task.HostConnectionDescriptor{h}})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status.Kind() != task.HostFailed || snap.Status.Code() != 1 {
		t.Errorf("status = %v, want 1", snap.Status)
	}
	if !strings.Contains(snap.Output, credential.ErrCredentialUnavailable.Error()) {
		t.Errorf("banner should name the credential error:\n%s", snap.Output)
	}
	if len(srv.Commands()) != 0 {
		t.Errorf("nothing should run without a credential: %v", srv.Commands())
	}
}

func TestValidationCreatesNothing(t *testing.T) {
	srv := startServer(t, sshtest.Config{})
	f := newFixture(t, nil)

	requests := map[string]*task.TaskRequest{
		"no hosts":     {Body: "true"},
		"empty body":   {Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")}},
		"missing user": {Body: "true", Hosts: []task.HostConnectionDescriptor{{Address: "10.0.0.1", Port: 22}}},
		"bad param":    {Body: "true", Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")}, Params: map[string]string{"not-a-name": "x"}},
	}
	for name, req := range requests {
		_, err := f.d.Submit(context.Background(), req)
		if !task.IsValidation(err) {
			t.Errorf("%s: expected a validation error, got %v", name, err)
		}
	}

	_, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Kind:  task.KindPlaybook,
		Body:  "not: a list",
		Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")},
	})
	if err == nil {
		t.Error("expected the playbook to be rejected by planning")
	}

	if f.reg.Len() != 0 {
		t.Errorf("rejected submissions created %d registry entries", f.reg.Len())
	}
	if rows, _ := f.audit.List(context.Background(), audit.Query{}); len(rows) != 0 {
		t.Errorf("rejected submissions wrote %d audit records", len(rows))
	}
}

// blockingServer holds every command until release is closed.
func blockingServer(t *testing.T, release <-chan struct{}) *sshtest.Server {
	return startServer(t, sshtest.Config{Handler: func(cmd string, _ io.Reader, stdout, _ io.Writer, done <-chan struct{}) int {
		select {
		case <-release:
			io.WriteString(stdout, "released\n")
			return 0
		case <-done:
			return 255
		}
	}})
}

func TestSubmitDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	f := newFixture(t, nil)

	hosts := make([]task.HostConnectionDescriptor, 20)
	for i := range hosts {
		hosts[i] = hostOf(srv, fmt.Sprintf("h%d", i))
	}

	start := time.Now()
	token, err := f.d.Submit(context.Background(), &task.TaskRequest{Body: "sleep", Hosts: hosts})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Submit took %v", elapsed)
	}

	snap, err := f.d.Poll(context.Background(), token)
	if err != nil || snap.Status != task.StatusRunning {
		t.Errorf("fresh run should be running: %v %v", snap.Status, err)
	}

	close(release)
	if snap := f.wait(t, token); snap.Status != task.StatusSucceeded {
		t.Errorf("status = %v", snap.Status)
	}
}

var bannerRe = regexp.MustCompile(`### \[(\d+)\] `)

func TestTriadsStayContiguous(t *testing.T) {
	srv := startServer(t, sshtest.Config{Handler: func(cmd string, _ io.Reader, stdout, stderr io.Writer, _ <-chan struct{}) int {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(stdout, "line %d\n", i)
			fmt.Fprintf(stderr, "err %d\n", i)
		}
		return 0
	}})
	f := newFixture(t, nil)

	const n = 8
	hosts := make([]task.HostConnectionDescriptor, n)
	for i := range hosts {
		hosts[i] = hostOf(srv, fmt.Sprintf("node%d", i))
	}
	token, err := f.d.Submit(context.Background(), &task.TaskRequest{Body: "work", Hosts: hosts,
		Policy: task.PolicyOverrides{Parallel: n}})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)

	matches := bannerRe.FindAllStringSubmatch(snap.Output, -1)
	if len(matches) != 2*n {
		t.Fatalf("expected %d banners, got %d\n%s", 2*n, len(matches), snap.Output)
	}
	seen := make(map[string]bool)
	for i := 0; i < len(matches); i += 2 {
		if matches[i][1] != matches[i+1][1] {
			t.Fatalf("triad of host %s interrupted by host %s", matches[i][1], matches[i+1][1])
		}
		seen[matches[i][1]] = true
	}
	if len(seen) != n {
		t.Errorf("expected every host once, got %v", seen)
	}
}

func TestAbortOnFirstFailure(t *testing.T) {
	bad := startServer(t, sshtest.Config{})
	bad.Respond("step", sshtest.Response{ExitCode: 7})
	good := startServer(t, sshtest.Config{})
	f := newFixture(t, nil)

	abort := true
	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Body:  "step",
		Hosts: []task.HostConnectionDescriptor{hostOf(bad, "a"), hostOf(good, "b"), hostOf(good, "c")},
		Policy: task.PolicyOverrides{
			Ordering:       task.Sequential,
			AbortOnFailure: &abort,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status.Code() != 7 {
		t.Errorf("status = %v, want 7", snap.Status)
	}
	if n := strings.Count(snap.Output, "skipped after an earlier failure"); n != 2 {
		t.Errorf("expected 2 skipped hosts, got %d\n%s", n, snap.Output)
	}
	if len(good.Commands()) != 0 {
		t.Errorf("skipped hosts must not run: %v", good.Commands())
	}
}

func TestPoolSaturation(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	f := newFixture(t, func(o *Options) {
		o.Workers = 1
		o.Queue = -1
	})
	req := &task.TaskRequest{Body: "hold", Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")}}

	first, err := f.d.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Submit(context.Background(), req); !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}
	if f.reg.Len() != 1 {
		t.Errorf("a saturated submit must not create an entry, have %d", f.reg.Len())
	}

	close(release)
	f.wait(t, first)

	// the slot is free again once the run is finalized
	deadline := time.Now().Add(5 * time.Second)
	for {
		tok, err := f.d.Submit(context.Background(), req)
		if err == nil {
			f.wait(t, tok)
			break
		}
		if !errors.Is(err, ErrPoolSaturated) || time.Now().After(deadline) {
			t.Fatalf("slot never freed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownFinalizesCancelledRuns(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := blockingServer(t, release)
	f := newFixture(t, nil)

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{Body: "hold", Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")}})
	if err != nil {
		t.Fatal(err)
	}
	// let the host start
	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Commands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the drain to time out, got %v", err)
	}

	snap, err := f.reg.Read(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != task.StatusDispatchFailed {
		t.Errorf("cancelled run should be finalized as a dispatch failure, got %v", snap.Status)
	}

	if _, err := f.d.Submit(context.Background(), &task.TaskRequest{Body: "x", Hosts: []task.HostConnectionDescriptor{hostOf(srv, "a")}}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestScriptAndTransfer(t *testing.T) {
	srv := startServer(t, sshtest.Config{})
	srv.Respond("/tmp/execd-", sshtest.Response{Stdout: "script ran\n"})
	f := newFixture(t, nil)

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Kind:        task.KindScript,
		Body:        "#!/bin/bash\necho $GREETING\n",
		Interpreter: "bash",
		Params:      map[string]string{"GREETING": "hello world"},
		Hosts:       []task.HostConnectionDescriptor{hostOf(srv, "a")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap := f.wait(t, token); snap.Status != task.StatusSucceeded {
		t.Fatalf("script status = %v\n%s", snap.Status, snap.Output)
	}
	path := scriptPath(token, 0)
	file, ok := srv.File(path)
	if !ok || !strings.Contains(string(file.Content), "echo $GREETING") || file.Mode != 0o700 {
		t.Errorf("script not uploaded to %s: %+v", path, file)
	}
	var ran string
	for _, c := range srv.Commands() {
		if strings.Contains(c, "bash "+path) {
			ran = c
		}
	}
	if !strings.Contains(ran, "export GREETING='hello world'; ") || !strings.Contains(ran, "rm -f "+path) {
		t.Errorf("unexpected script command %q", ran)
	}

	token, err = f.d.Submit(context.Background(), &task.TaskRequest{
		Kind:        task.KindTransfer,
		Body:        "key=value\n",
		Destination: "/etc/app/app.conf",
		Mode:        0o640,
		Hosts:       []task.HostConnectionDescriptor{hostOf(srv, "a")},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status != task.StatusSucceeded || !strings.Contains(snap.Output, "uploaded 10 bytes to /etc/app/app.conf") {
		t.Fatalf("transfer: %v\n%s", snap.Status, snap.Output)
	}
	if file, ok := srv.File("/etc/app/app.conf"); !ok || string(file.Content) != "key=value\n" || file.Mode != 0o640 {
		t.Errorf("transfer not stored: %+v", file)
	}
}

func TestShellWrapping(t *testing.T) {
	srv := startServer(t, sshtest.Config{})
	f := newFixture(t, func(o *Options) { o.Shell = "/bin/sh" })

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Body:   "echo \"$A\"",
		Params: map[string]string{"A": "1"},
		Hosts:  []task.HostConnectionDescriptor{hostOf(srv, "a")},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.wait(t, token)
	cmds := srv.Commands()
	if len(cmds) != 1 || cmds[0] != `/bin/sh -c 'export A=1; echo "$A"'` {
		t.Errorf("unexpected command %q", cmds)
	}
}

// fakeRunner records ansible-playbook invocations.
type fakeRunner struct {
	mu        sync.Mutex
	calls     [][]string
	inventory string
	vars      string
	codes     map[string]int
}

func (r *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if data, err := os.ReadFile(args[1]); err == nil {
		r.inventory = string(data)
	}
	for _, a := range args {
		if strings.HasPrefix(a, "@") {
			data, _ := os.ReadFile(a[1:])
			r.vars = string(data)
		}
	}
	alias := args[4]
	return []byte("PLAY [all] " + alias + "\n"), r.codes[alias], nil
}

func TestPlaybookRun(t *testing.T) {
	_, keyPEM := newKey(t)
	runner := &fakeRunner{codes: map[string]int{"host2": 2}}
	workDir := t.TempDir()
	f := newFixture(t, func(o *Options) {
		o.Runner = runner
		o.WorkDir = workDir
	})

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Kind: task.KindPlaybook,
		Body: "- hosts: all\n  tasks:\n    - ping:\n",
		Hosts: []task.HostConnectionDescriptor{
			{Address: "10.0.0.1", Port: 22, Username: "root", PrivateKey: keyPEM},
			{Address: "10.0.0.2", Port: 2222, Username: "deploy", Password: "s3cret"},
		},
		Params:    map[string]string{"env": "staging"},
		ExtraVars: `{"release": "1.4"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status.Code() != 2 {
		t.Errorf("status = %v, want 2 from host2\n%s", snap.Status, snap.Output)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected one ansible-playbook call per host, got %v", runner.calls)
	}
	first := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(first, "ansible-playbook -i ") || !strings.Contains(first, "--limit host1 -T 30 --extra-vars @") {
		t.Errorf("unexpected command line %q", first)
	}
	if !strings.Contains(runner.inventory, "host2 ansible_host=10.0.0.2 ansible_port=2222 ansible_user=deploy ansible_ssh_pass=s3cret") ||
		!strings.Contains(runner.inventory, "ansible_ssh_private_key_file=") {
		t.Errorf("unexpected inventory:\n%s", runner.inventory)
	}
	if !strings.Contains(runner.vars, "release:") || !strings.Contains(runner.vars, "env: staging") {
		t.Errorf("unexpected vars file:\n%s", runner.vars)
	}
	if strings.Contains(snap.Output, "s3cret") || !strings.Contains(snap.Output, "# extra vars: env, release") {
		t.Errorf("output should show the redacted inventory and var names:\n%s", snap.Output)
	}

	entries, _ := os.ReadDir(workDir)
	if len(entries) != 0 {
		t.Errorf("workspace not removed: %v", entries)
	}
}

func TestPlaybookWorkspaceFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	os.WriteFile(file, nil, 0o600)
	f := newFixture(t, func(o *Options) {
		o.Runner = &fakeRunner{}
		o.WorkDir = filepath.Join(file, "work")
	})

	token, err := f.d.Submit(context.Background(), &task.TaskRequest{
		Kind:  task.KindPlaybook,
		Body:  "- hosts: all\n",
		Hosts: []task.HostConnectionDescriptor{{Address: "10.0.0.1", Port: 22, Username: "root", Password: "pw"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.wait(t, token)
	if snap.Status != task.StatusDispatchFailed {
		t.Errorf("status = %v, want a dispatch failure", snap.Status)
	}
	if !strings.Contains(snap.Output, "Failed to prepare the playbook run") {
		t.Errorf("missing failure banner:\n%s", snap.Output)
	}
}

func TestVerify(t *testing.T) {
	fleetSigner, fleetPEM := newKey(t)
	fleetCred, err := credential.KeyCredential(fleetPEM)
	if err != nil {
		t.Fatal(err)
	}
	fleet := credential.Static{Credential: fleetCred}
	hostSigner, hostPEM := newKey(t)

	f := newFixture(t, func(o *Options) { o.Fleet = fleet })
	ctx := context.Background()

	t.Run("host key", func(t *testing.T) {
		srv := startServer(t, sshtest.Config{AuthorizedKeys: []gossh.PublicKey{hostSigner.PublicKey()}})
		h := hostOf(srv, "a")
		h.Password, h.PrivateKey = "", hostPEM
		if ok, err := f.d.Verify(ctx, h, ""); !ok || err != nil {
			t.Errorf("Verify = %v, %v", ok, err)
		}
	})

	t.Run("install fleet key", func(t *testing.T) {
		srv := startServer(t, sshtest.Config{
			Passwords:      map[string]string{"root": "pw"},
			AuthorizedKeys: []gossh.PublicKey{fleetSigner.PublicKey()},
		})
		h := hostOf(srv, "a")
		h.Password = ""
		if ok, err := f.d.Verify(ctx, h, "pw"); !ok || err != nil {
			t.Fatalf("Verify = %v, %v", ok, err)
		}
		var installed bool
		for _, c := range srv.Commands() {
			if strings.Contains(c, "authorized_keys") && strings.Contains(c, strings.TrimSpace(string(gossh.MarshalAuthorizedKey(fleetSigner.PublicKey())))) {
				installed = true
			}
		}
		if !installed {
			t.Errorf("fleet key not installed: %v", srv.Commands())
		}
	})

	t.Run("password unsupported", func(t *testing.T) {
		srv := startServer(t, sshtest.Config{AuthorizedKeys: []gossh.PublicKey{fleetSigner.PublicKey()}})
		_, err := f.d.Verify(ctx, hostOf(srv, "a"), "pw")
		var ve *VerifyError
		if !errors.As(err, &ve) || ve.Code != CodePasswordUnsupported {
			t.Errorf("expected E00, got %v", err)
		}
	})

	t.Run("key still rejected", func(t *testing.T) {
		other, _ := newKey(t)
		srv := startServer(t, sshtest.Config{
			Passwords:      map[string]string{"root": "pw"},
			AuthorizedKeys: []gossh.PublicKey{other.PublicKey()},
		})
		_, err := f.d.Verify(ctx, hostOf(srv, "a"), "pw")
		var ve *VerifyError
		if !errors.As(err, &ve) || ve.Code != CodeKeyStillRejected {
			t.Errorf("expected E02, got %v", err)
		}
	})

	t.Run("not authorized without password", func(t *testing.T) {
		other, _ := newKey(t)
		srv := startServer(t, sshtest.Config{AuthorizedKeys: []gossh.PublicKey{other.PublicKey()}})
		ok, err := f.d.Verify(ctx, hostOf(srv, "a"), "")
		if ok || err != nil {
			t.Errorf("Verify = %v, %v, want false without error", ok, err)
		}
	})
}
