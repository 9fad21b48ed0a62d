package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liliang-cn/execd/pkg/ssh"
	"github.com/liliang-cn/execd/pkg/task"
)

// hostResult is what one host contributes to a run.
type hostResult struct {
	output   []byte
	exitCode int
	err      error
	duration time.Duration
	skipped  bool
}

// failed reports whether the host counts against the run.
func (r hostResult) failed() bool {
	return !r.skipped && (r.err != nil || r.exitCode != 0)
}

// code is the host's contribution to the aggregate status. Failures
// without an exit status count as 1.
func (r hostResult) code() int {
	if r.exitCode > 0 {
		return r.exitCode
	}
	if r.failed() {
		return 1
	}
	return 0
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateParams(params map[string]string) error {
	for k := range params {
		if !envName.MatchString(k) {
			return &task.ValidationError{Field: "params", Reason: fmt.Sprintf("%q is not a valid variable name", k)}
		}
	}
	return nil
}

// envPrefix exports params for the remote command, sorted for stable
// command lines.
func envPrefix(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, ssh.ShellQuote(params[k]))
	}
	return b.String()
}

// buildCommand wraps cmd in the configured shell with params exported.
func (d *Dispatcher) buildCommand(cmd string, params map[string]string) string {
	full := envPrefix(params) + cmd
	if d.shell == "" {
		return full
	}
	return d.shell + " -c " + ssh.ShellQuote(full)
}

// scriptPath is where a script body is uploaded for one host.
func scriptPath(token task.Token, index int) string {
	return fmt.Sprintf("/tmp/execd-%s-%d", token, index+1)
}

// sessionRunner runs one task kind over an open session.
type sessionRunner func(ctx context.Context, sess *ssh.Session, r *run, index int) hostResult

func (d *Dispatcher) runnerFor(kind task.Kind) sessionRunner {
	switch kind {
	case task.KindScript:
		return d.runScript
	case task.KindTransfer:
		return d.runTransfer
	}
	return d.runShell
}

func (d *Dispatcher) runShell(ctx context.Context, sess *ssh.Session, r *run, _ int) hostResult {
	res, err := sess.Exec(ctx, d.buildCommand(r.req.Body, r.req.Params), r.plan.HostTimeout)
	return fromExec(res, err)
}

func (d *Dispatcher) runScript(ctx context.Context, sess *ssh.Session, r *run, index int) hostResult {
	start := time.Now()
	p := scriptPath(r.token, index)
	if err := sess.Upload(ctx, []byte(r.req.Body), p, 0o700, r.plan.HostTimeout); err != nil {
		return hostResult{err: err, duration: time.Since(start)}
	}
	interpreter := r.req.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}
	q := ssh.ShellQuote(p)
	cmd := fmt.Sprintf("%s %s; rc=$?; rm -f %s; exit $rc", interpreter, q, q)
	remaining := r.plan.HostTimeout - time.Since(start)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	res, err := sess.Exec(ctx, d.buildCommand(cmd, r.req.Params), remaining)
	out := fromExec(res, err)
	out.duration = time.Since(start)
	return out
}

func (d *Dispatcher) runTransfer(ctx context.Context, sess *ssh.Session, r *run, _ int) hostResult {
	start := time.Now()
	mode := r.req.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := sess.Upload(ctx, []byte(r.req.Body), r.req.Destination, mode, r.plan.HostTimeout); err != nil {
		return hostResult{err: err, duration: time.Since(start)}
	}
	msg := fmt.Sprintf("uploaded %d bytes to %s (mode %04o)\n", len(r.req.Body), r.req.Destination, mode)
	return hostResult{output: []byte(msg), duration: time.Since(start)}
}

func fromExec(res *ssh.ExecResult, err error) hostResult {
	var out hostResult
	if res != nil {
		out.output = res.Output
		out.duration = res.Duration
		if res.ExitCode > 0 {
			out.exitCode = res.ExitCode
		}
	}
	out.err = err
	return out
}

// CommandRunner runs a local program; playbook runs go through it.
type CommandRunner interface {
	// Run starts name with args in dir and returns combined output and the
	// exit status. A non-zero exit is not an error.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() != nil {
		return out.Bytes(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.Bytes(), -1, err
	}
	return out.Bytes(), 0, nil
}

// playbookArgs is the ansible-playbook command line for one host.
func playbookArgs(inventory, playbook, alias, varsFile string) []string {
	args := []string{"-i", inventory, playbook, "--limit", alias, "-T", strconv.Itoa(30)}
	if varsFile != "" {
		args = append(args, "--extra-vars", "@"+varsFile)
	}
	return args
}
