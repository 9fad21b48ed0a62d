// Package executor is the dispatcher: it accepts task submissions, runs
// them on a supervised worker pool and records their progress in the run
// registry.
//
// Submit validates a request, plans it, writes the audit record, mints a
// token and creates the registry entry, then hands the run to the pool and
// returns. Nothing in Submit touches a remote host.
//
// A run fans out over its hosts according to the plan. Each host
// contributes one contiguous block to the run output: a start banner, the
// host's combined output and a result banner, written with a single
// registry append once the host is done. When every host has finished the
// entry is finalized with the aggregate status.
//
// Example Usage:
//
//	d, err := executor.New(executor.Options{
//	    Registry: registry.NewMemory(),
//	    Resolver: credential.NewResolver(&credential.FleetKey{}),
//	})
//	if err != nil {
//	    return err
//	}
//	defer d.Shutdown(context.Background())
//
//	token, err := d.Submit(ctx, &task.TaskRequest{
//	    Kind:  task.KindShell,
//	    Body:  "uptime",
//	    Hosts: hosts,
//	})
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/credential"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/policy"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/ssh"
	"github.com/liliang-cn/execd/pkg/task"
)

const (
	DefaultWorkers        = 8
	DefaultQueue          = 64
	DefaultConnectTimeout = 10 * time.Second
	defaultIOTimeout      = 5 * time.Second
)

// FleetSource is the fleet default credential plus its public half, which
// host verification installs on hosts.
type FleetSource interface {
	credential.DefaultSource
	AuthorizedKey() (string, error)
}

// Options configures a Dispatcher. Registry is required.
type Options struct {
	Registry registry.Registry
	// Audit defaults to audit.Discard.
	Audit audit.Recorder
	// Resolver defaults to one backed by Fleet.
	Resolver *credential.Resolver
	Fleet    FleetSource
	Dialer   *ssh.Dialer
	Policy   *policy.Engine
	Logger   *logger.Logger

	// Workers is the number of runs executing at once; Queue the number
	// that may wait for a worker. A negative Queue disables waiting.
	Workers int
	Queue   int

	ConnectTimeout time.Duration
	// Shell wraps shell and script commands as "<Shell> -c '...'"; empty
	// runs them as is.
	Shell string

	// WorkDir holds playbook workspaces; empty uses the system temp dir.
	WorkDir         string
	AnsiblePlaybook string
	Runner          CommandRunner

	// IOTimeout bounds each registry and audit call.
	IOTimeout time.Duration
	Now       func() time.Time
}

// Dispatcher accepts and executes runs.
type Dispatcher struct {
	registry registry.Registry
	audit    audit.Recorder
	resolver *credential.Resolver
	fleet    FleetSource
	dialer   *ssh.Dialer
	policy   *policy.Engine
	log      *logger.Logger
	pool     *pool

	connectTimeout time.Duration
	shell          string
	workDir        string
	ansible        string
	runner         CommandRunner
	ioTimeout      time.Duration
	now            func() time.Time
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("executor: a run registry is required")
	}
	d := &Dispatcher{
		registry:       opts.Registry,
		audit:          opts.Audit,
		resolver:       opts.Resolver,
		fleet:          opts.Fleet,
		dialer:         opts.Dialer,
		policy:         opts.Policy,
		log:            opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		shell:          opts.Shell,
		workDir:        opts.WorkDir,
		ansible:        opts.AnsiblePlaybook,
		runner:         opts.Runner,
		ioTimeout:      opts.IOTimeout,
		now:            opts.Now,
	}
	if d.audit == nil {
		d.audit = audit.Discard{}
	}
	if d.resolver == nil {
		var src credential.DefaultSource
		if d.fleet != nil {
			src = d.fleet
		}
		d.resolver = credential.NewResolver(src)
	}
	if d.dialer == nil {
		d.dialer = ssh.DefaultDialer
	}
	if d.policy == nil {
		d.policy = policy.New(policy.Defaults{})
	}
	if d.log == nil {
		d.log = logger.Default()
	}
	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}
	if d.ansible == "" {
		d.ansible = "ansible-playbook"
	}
	if d.runner == nil {
		d.runner = ExecRunner{}
	}
	if d.ioTimeout <= 0 {
		d.ioTimeout = defaultIOTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	workers, queue := opts.Workers, opts.Queue
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queue == 0 {
		queue = DefaultQueue
	}
	d.pool = newPool(workers, queue)
	return d, nil
}

// run is one accepted submission.
type run struct {
	token task.Token
	req   *task.TaskRequest
	plan  *policy.ExecutionPlan
	log   *logger.Entry
}

// hostFunc executes host index of r.
type hostFunc func(ctx context.Context, r *run, index int) hostResult

// Submit accepts req and returns its token without waiting for the run.
// Validation, planning and saturation errors are returned before any
// audit record or registry entry exists.
func (d *Dispatcher) Submit(ctx context.Context, req *task.TaskRequest) (task.Token, error) {
	if req == nil {
		return "", &task.ValidationError{Field: "request", Reason: "empty request"}
	}
	kind, err := task.ParseKind(string(req.Kind))
	if err != nil {
		return "", &task.ValidationError{Field: "kind", Reason: err.Error()}
	}
	// the run owns its copy; callers may reuse req
	rc := *req
	rc.Kind = kind
	rc.Hosts = append([]task.HostConnectionDescriptor(nil), req.Hosts...)

	if err := rc.Validate(); err != nil {
		return "", err
	}
	if kind == task.KindShell || kind == task.KindScript {
		if err := validateParams(rc.Params); err != nil {
			return "", err
		}
	}
	plan, err := d.policy.Plan(&rc)
	if err != nil {
		return "", err
	}

	slot, err := d.pool.reserve()
	if err != nil {
		return "", err
	}

	token, err := task.NewToken()
	if err != nil {
		slot.Release()
		return "", err
	}

	ioCtx, cancel := context.WithTimeout(ctx, d.ioTimeout)
	defer cancel()
	if err := d.audit.Record(ioCtx, audit.FromRequest(token, &rc, d.now())); err != nil {
		slot.Release()
		return "", fmt.Errorf("failed to record execution history: %w", err)
	}
	if err := d.registry.Create(ioCtx, token); err != nil {
		slot.Release()
		return "", fmt.Errorf("failed to create run entry: %w", err)
	}

	r := &run{
		token: token,
		req:   &rc,
		plan:  plan,
		log:   d.log.WithField("token", token),
	}
	r.log.Info("accepted %s run on %d host(s) from %q", kind, len(rc.Hosts), rc.Submitter)
	r.log.Debug("targets: %s", describeTargets(rc.Hosts))
	slot.Go(func(ctx context.Context) { d.execute(ctx, r) })
	return token, nil
}

// Poll reads the current state of a run.
func (d *Dispatcher) Poll(ctx context.Context, token task.Token) (registry.Snapshot, error) {
	return d.registry.Read(ctx, token)
}

// History lists audit records.
func (d *Dispatcher) History(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	return d.audit.List(ctx, q)
}

// Shutdown stops accepting runs and waits for in-flight ones until ctx
// expires. Runs still going at that point are cancelled and finalized as
// dispatch failures before Shutdown returns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.pool.shutdown(ctx)
	if err != nil {
		d.log.Warn("shutdown deadline passed, in-flight runs were cancelled")
	}
	return err
}

// execute is the body of one run. Every path ends in finalize.
func (d *Dispatcher) execute(ctx context.Context, r *run) {
	status := task.StatusDispatchFailed
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run panicked: %v", p)
			d.append(r, colored(colorFailure, fmt.Sprintf("### Internal error: %v ###", p)))
			status = task.StatusDispatchFailed
		}
		d.finalize(r, status)
	}()

	if ctx.Err() != nil {
		d.append(r, colored(colorFailure, "### Run cancelled before it started: dispatcher shutting down ###"))
		return
	}
	if err := d.append(r, openingBanner(r.req)); err != nil {
		return
	}

	fn := d.runRemote
	if r.plan.Kind == task.KindPlaybook {
		ws, err := d.prepareWorkspace(r)
		if err != nil {
			r.log.Error("failed to prepare playbook workspace: %v", err)
			d.append(r, colored(colorFailure, fmt.Sprintf("### Failed to prepare the playbook run: %v ###", err)))
			return
		}
		defer ws.cleanup(r.log)
		d.append(r, ws.banner(r.plan))
		fn = ws.runHost(d)
	}

	results, err := d.fanOut(ctx, r, fn)
	if err != nil {
		d.append(r, colored(colorFailure, "### Run interrupted: dispatcher shutting down ###"))
		return
	}
	status = aggregate(results)
	d.append(r, closingBanner(status))
}

// fanOut runs fn for every host within the plan's parallelism. With abort
// on failure, hosts that have not started when a failure is recorded are
// skipped; hosts already running finish. A host failure never cancels its
// siblings, so the group carries no context.
func (d *Dispatcher) fanOut(ctx context.Context, r *run, fn hostFunc) ([]hostResult, error) {
	results := make([]hostResult, len(r.req.Hosts))
	var aborted atomic.Bool

	var g errgroup.Group
	g.SetLimit(r.plan.Parallelism)
	for i := range r.req.Hosts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h := r.req.Hosts[i]
			var res hostResult
			if r.plan.AbortOnFailure && aborted.Load() {
				res.skipped = true
			} else {
				res = d.runHost(ctx, r, i, fn)
				if res.failed() && r.plan.AbortOnFailure {
					aborted.Store(true)
				}
			}
			results[i] = res
			d.append(r, triad(i, h, res)...)
			return nil
		})
	}
	g.Wait()
	return results, ctx.Err()
}

// runHost contains a host worker's panics to that host.
func (d *Dispatcher) runHost(ctx context.Context, r *run, index int, fn hostFunc) (res hostResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("host", r.req.Hosts[index].Label()).Error("host worker panicked: %v", p)
			res = hostResult{err: fmt.Errorf("internal error: %v", p)}
		}
	}()
	return fn(ctx, r, index)
}

// runRemote opens a transport session to the host and runs the task on it.
func (d *Dispatcher) runRemote(ctx context.Context, r *run, index int) hostResult {
	h := r.req.Hosts[index]
	log := r.log.WithField("host", h.Label())
	start := time.Now()

	cred, err := d.resolver.Resolve(h)
	if err != nil {
		log.Warn("%v", err)
		return hostResult{err: err, duration: time.Since(start)}
	}

	sess, err := d.dialer.Open(ctx, h.Address, h.Port, h.Username, cred, d.connectTimeout)
	if err != nil {
		log.Warn("connect with %s failed: %v", cred.Describe(), err)
		return hostResult{err: err, duration: time.Since(start)}
	}
	defer sess.Close()

	res := d.runnerFor(r.plan.Kind)(ctx, sess, r, index)
	if res.err != nil {
		log.Warn("%s failed: %v", r.plan.Kind, res.err)
	} else {
		log.Debug("exit code %d in %v", res.exitCode, res.duration)
	}
	return res
}

// aggregate is 0 when every executed host succeeded, otherwise the code of
// the failing host with the lowest index.
func aggregate(results []hostResult) task.Status {
	for _, res := range results {
		if res.failed() {
			return task.StatusHostFailed(res.code())
		}
	}
	return task.StatusSucceeded
}

// append writes chunks as one contiguous block. It deliberately ignores
// the run context so output is still recorded while shutting down.
func (d *Dispatcher) append(r *run, chunks ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.ioTimeout)
	defer cancel()
	if err := d.registry.Append(ctx, r.token, chunks...); err != nil {
		r.log.Error("failed to append output: %v", err)
		return err
	}
	return nil
}

func (d *Dispatcher) finalize(r *run, status task.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), d.ioTimeout)
	defer cancel()
	if err := d.registry.SetStatus(ctx, r.token, status); err != nil {
		r.log.Error("failed to finalize run with status %v: %v", status, err)
		return
	}
	if status.Kind() == task.Succeeded {
		r.log.Info("run finished: %v", status)
	} else {
		r.log.Warn("run finished: %v", status)
	}
}

// describeTargets is for logs.
func describeTargets(hosts []task.HostConnectionDescriptor) string {
	labels := make([]string, len(hosts))
	for i, h := range hosts {
		labels[i] = h.Label()
	}
	return strings.Join(labels, ", ")
}
