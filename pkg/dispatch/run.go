package dispatch

import (
	"context"
	"time"

	"github.com/liliang-cn/execd/pkg/inventory"
	"github.com/liliang-cn/execd/pkg/task"
)

// ExecOption tunes one run.
type ExecOption func(*execOptions)

type execOptions struct {
	parallel       int
	timeout        time.Duration
	ordering       task.Ordering
	abortOnFailure *bool
	params         map[string]string
	submitter      string
	interpreter    string
	mode           uint32
	extraVars      string
	pollInterval   time.Duration
	streamCallback func(chunk string)
}

// WithParallel caps the hosts in flight.
func WithParallel(n int) ExecOption {
	return func(o *execOptions) { o.parallel = n }
}

// WithSequential runs hosts one after another.
func WithSequential() ExecOption {
	return func(o *execOptions) { o.ordering = task.Sequential }
}

// WithTimeout bounds each host's execution.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithAbortOnFailure skips hosts not yet started once one fails.
func WithAbortOnFailure(abort bool) ExecOption {
	return func(o *execOptions) { o.abortOnFailure = &abort }
}

// WithEnv exports params as environment variables for shell and script
// runs, or passes them as variables to playbooks.
func WithEnv(params map[string]string) ExecOption {
	return func(o *execOptions) { o.params = params }
}

// WithSubmitter records who asked for the run.
func WithSubmitter(name string) ExecOption {
	return func(o *execOptions) { o.submitter = name }
}

// WithInterpreter sets the script interpreter, default sh.
func WithInterpreter(interp string) ExecOption {
	return func(o *execOptions) { o.interpreter = interp }
}

// WithMode sets the permission bits of transferred files.
func WithMode(mode uint32) ExecOption {
	return func(o *execOptions) { o.mode = mode }
}

// WithExtraVars passes a YAML document as playbook extra vars.
func WithExtraVars(yamlText string) ExecOption {
	return func(o *execOptions) { o.extraVars = yamlText }
}

// WithPollInterval sets how often Wait reads the registry.
func WithPollInterval(d time.Duration) ExecOption {
	return func(o *execOptions) { o.pollInterval = d }
}

// WithStreamCallback receives output as it is appended.
func WithStreamCallback(callback func(chunk string)) ExecOption {
	return func(o *execOptions) { o.streamCallback = callback }
}

// Result is a finished run.
type Result struct {
	Token  task.Token
	Output string
	Status task.Status
}

// Succeeded reports whether every host succeeded.
func (r *Result) Succeeded() bool { return r.Status == task.StatusSucceeded }

// ExitCode is the wire status: 0, -1 or the first failing host's code.
func (r *Result) ExitCode() int { return r.Status.Code() }

// Exec runs cmd on the hosts matching patterns and waits for the result.
func (d *Dispatch) Exec(ctx context.Context, hosts []string, cmd string, opts ...ExecOption) (*Result, error) {
	return d.run(ctx, task.KindShell, hosts, cmd, "", opts)
}

// Script uploads and runs script on the hosts matching patterns.
func (d *Dispatch) Script(ctx context.Context, hosts []string, script string, opts ...ExecOption) (*Result, error) {
	return d.run(ctx, task.KindScript, hosts, script, "", opts)
}

// Playbook runs an Ansible playbook against the hosts matching patterns.
func (d *Dispatch) Playbook(ctx context.Context, hosts []string, playbook string, opts ...ExecOption) (*Result, error) {
	return d.run(ctx, task.KindPlaybook, hosts, playbook, "", opts)
}

// Copy writes content to dest on the hosts matching patterns.
func (d *Dispatch) Copy(ctx context.Context, hosts []string, content []byte, dest string, opts ...ExecOption) (*Result, error) {
	return d.run(ctx, task.KindTransfer, hosts, string(content), dest, opts)
}

func (d *Dispatch) run(ctx context.Context, kind task.Kind, patterns []string, body, dest string, opts []ExecOption) (*Result, error) {
	o := &execOptions{}
	for _, opt := range opts {
		opt(o)
	}
	targets, err := d.inv.ListTargets(inventory.Filter{Patterns: patterns})
	if err != nil {
		return nil, err
	}
	req := &task.TaskRequest{
		Kind:        kind,
		Body:        body,
		Interpreter: o.interpreter,
		Hosts:       targets,
		Params:      o.params,
		ExtraVars:   o.extraVars,
		Submitter:   o.submitter,
		Destination: dest,
		Mode:        o.mode,
		Policy: task.PolicyOverrides{
			Ordering:       o.ordering,
			Timeout:        o.timeout,
			AbortOnFailure: o.abortOnFailure,
			Parallel:       o.parallel,
		},
	}
	token, err := d.dispatcher.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx, token, o.pollInterval, o.streamCallback)
}

// Submit starts req and returns its token without waiting.
func (d *Dispatch) Submit(ctx context.Context, req *task.TaskRequest) (task.Token, error) {
	return d.dispatcher.Submit(ctx, req)
}

// Wait polls token until the run is terminal or ctx is done. onChunk, when
// set, receives output increments in order.
func (d *Dispatch) Wait(ctx context.Context, token task.Token, interval time.Duration, onChunk func(string)) (*Result, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := 0
	for {
		snap, err := d.dispatcher.Poll(ctx, token)
		if err != nil {
			return nil, err
		}
		if onChunk != nil && len(snap.Output) > seen {
			onChunk(snap.Output[seen:])
			seen = len(snap.Output)
		}
		if snap.Status.Terminal() {
			return &Result{Token: token, Output: snap.Output, Status: snap.Status}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verify checks key authentication to host, installing the fleet key with
// password first when one is given.
func (d *Dispatch) Verify(ctx context.Context, host task.HostConnectionDescriptor, password string) (bool, error) {
	return d.dispatcher.Verify(ctx, host, password)
}
