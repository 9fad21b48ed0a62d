package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liliang-cn/execd/pkg/credential"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/policy"
	"github.com/liliang-cn/execd/pkg/ssh"
)

// workspace holds the files of one playbook run: the inventory, one key
// file per key-authenticated host, the playbook and the extra vars.
type workspace struct {
	dir       string
	inventory string
	playbook  string
	vars      string
	// credErrs[i] is set when host i has no usable credential; the host
	// fails at its turn while the others still run.
	credErrs []error
	auth     []policy.HostAuth
}

// prepareWorkspace resolves every host's credential and writes the run
// files. Any write failure is fatal to the run.
func (d *Dispatcher) prepareWorkspace(r *run) (*workspace, error) {
	inv := r.plan.Inventory
	if inv == nil {
		return nil, errors.New("playbook plan has no inventory")
	}

	if d.workDir != "" {
		if err := os.MkdirAll(d.workDir, 0o700); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(d.workDir, "execd-"+string(r.token)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &workspace{
		dir:      dir,
		credErrs: make([]error, len(r.req.Hosts)),
		auth:     make([]policy.HostAuth, len(r.req.Hosts)),
	}
	fail := func(err error) (*workspace, error) {
		os.RemoveAll(dir)
		return nil, err
	}

	for i, h := range r.req.Hosts {
		cred, err := d.resolver.Resolve(h)
		if err != nil {
			ws.credErrs[i] = err
			continue
		}
		switch {
		case cred.Kind == credential.KindPassword:
			ws.auth[i].Password = cred.Password
		case cred.PEM != "":
			keyFile := filepath.Join(dir, inv.Hosts[i].Alias+".key")
			pem := cred.PEM
			if !strings.HasSuffix(pem, "\n") {
				pem += "\n"
			}
			if err := os.WriteFile(keyFile, []byte(pem), 0o600); err != nil {
				return fail(fmt.Errorf("write key file: %w", err))
			}
			ws.auth[i].KeyFile = keyFile
		}
		// agent-only keys need no file: ansible asks the agent itself
	}

	ws.inventory = filepath.Join(dir, "inventory.ini")
	if err := os.WriteFile(ws.inventory, []byte(inv.Render(ws.auth, false)), 0o600); err != nil {
		return fail(fmt.Errorf("write inventory: %w", err))
	}
	ws.playbook = filepath.Join(dir, "playbook.yml")
	if err := os.WriteFile(ws.playbook, []byte(r.req.Body), 0o600); err != nil {
		return fail(fmt.Errorf("write playbook: %w", err))
	}
	if len(r.plan.Vars) > 0 {
		data, err := policy.MarshalVars(r.plan.Vars)
		if err != nil {
			return fail(fmt.Errorf("encode extra vars: %w", err))
		}
		ws.vars = filepath.Join(dir, "extra_vars.yml")
		if err := os.WriteFile(ws.vars, data, 0o600); err != nil {
			return fail(fmt.Errorf("write extra vars: %w", err))
		}
	}
	return ws, nil
}

// banner shows the rendered inventory with passwords masked.
func (ws *workspace) banner(plan *policy.ExecutionPlan) string {
	var b strings.Builder
	b.WriteString("# inventory:" + crlf)
	for _, line := range strings.Split(strings.TrimRight(plan.Inventory.Render(ws.auth, true), "\n"), "\n") {
		b.WriteString("#   " + line + crlf)
	}
	if names := policy.VarNames(plan.Vars); len(names) > 0 {
		b.WriteString("# extra vars: " + strings.Join(names, ", ") + crlf)
	}
	return b.String()
}

// runHost returns the host function running ansible-playbook limited to
// one inventory alias.
func (ws *workspace) runHost(d *Dispatcher) hostFunc {
	return func(ctx context.Context, r *run, index int) hostResult {
		if err := ws.credErrs[index]; err != nil {
			r.log.WithField("host", r.req.Hosts[index].Label()).Warn("%v", err)
			return hostResult{err: err}
		}
		alias := r.plan.Inventory.Hosts[index].Alias
		timeout := r.plan.HostTimeout

		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		out, code, err := d.runner.Run(hctx, ws.dir, d.ansible, playbookArgs(ws.inventory, ws.playbook, alias, ws.vars)...)
		res := hostResult{output: out, err: err, duration: time.Since(start)}
		if code > 0 {
			res.exitCode = code
		}
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w after %v", ssh.ErrExecutionTimeout, timeout)
		}
		return res
	}
}

func (ws *workspace) cleanup(log *logger.Entry) {
	if err := os.RemoveAll(ws.dir); err != nil {
		log.Warn("failed to remove workspace %s: %v", ws.dir, err)
	}
}
