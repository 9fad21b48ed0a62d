// Package policy computes how a task runs: host ordering, per-host
// timeout, whether the first failure aborts the rest, and for playbooks
// the inventory and variables handed to ansible-playbook.
//
// Plan is a pure function of the request and the configured defaults.
package policy

import (
	"fmt"
	"time"

	"github.com/liliang-cn/execd/pkg/task"
)

const (
	DefaultHostTimeout = 300 * time.Second
	DefaultParallelism = 10
)

// Defaults are the values used when a request carries no override.
type Defaults struct {
	HostTimeout    time.Duration
	Parallelism    int
	AbortOnFailure bool
}

// ExecutionPlan is the declarative input to the dispatcher.
type ExecutionPlan struct {
	Kind           task.Kind
	Ordering       task.Ordering
	HostTimeout    time.Duration
	AbortOnFailure bool
	// Parallelism caps hosts in flight; 1 for sequential plans.
	Parallelism int

	// Inventory and Vars are set for playbook plans only.
	Inventory *Inventory
	Vars      map[string]interface{}
}

// Engine plans requests against fixed defaults.
type Engine struct {
	defaults Defaults
}

// New creates an engine. Zero fields in d fall back to package defaults.
func New(d Defaults) *Engine {
	if d.HostTimeout <= 0 {
		d.HostTimeout = DefaultHostTimeout
	}
	if d.Parallelism <= 0 {
		d.Parallelism = DefaultParallelism
	}
	return &Engine{defaults: d}
}

// Defaults returns the engine's effective defaults.
func (e *Engine) Defaults() Defaults { return e.defaults }

// Plan builds the execution plan for req. Playbook requests get their
// inventory and variables built here, so a host that cannot be rendered
// fails the plan with *InventoryBuildError before anything connects.
func (e *Engine) Plan(req *task.TaskRequest) (*ExecutionPlan, error) {
	kind, err := task.ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		Kind:           kind,
		Ordering:       task.Parallel,
		HostTimeout:    e.defaults.HostTimeout,
		AbortOnFailure: e.defaults.AbortOnFailure,
		Parallelism:    e.defaults.Parallelism,
	}
	// one ansible-playbook run at a time, host by host
	if kind == task.KindPlaybook {
		plan.Ordering = task.Sequential
	}

	o := req.Policy
	switch o.Ordering {
	case "":
	case task.Parallel, task.Sequential:
		plan.Ordering = o.Ordering
	default:
		return nil, fmt.Errorf("unknown ordering %q", o.Ordering)
	}
	if o.Timeout > 0 {
		plan.HostTimeout = o.Timeout
	}
	if o.AbortOnFailure != nil {
		plan.AbortOnFailure = *o.AbortOnFailure
	}
	if o.Parallel > 0 {
		plan.Parallelism = o.Parallel
	}
	if plan.Ordering == task.Sequential {
		plan.Parallelism = 1
	}
	if plan.Parallelism > len(req.Hosts) && len(req.Hosts) > 0 {
		plan.Parallelism = len(req.Hosts)
	}

	if kind == task.KindPlaybook {
		if err := ValidatePlaybook(req.Body); err != nil {
			return nil, err
		}
		inv, err := BuildInventory(req.Hosts)
		if err != nil {
			return nil, err
		}
		vars, err := MergeVars(req.Params, req.ExtraVars)
		if err != nil {
			return nil, err
		}
		plan.Inventory = inv
		plan.Vars = vars
	}

	return plan, nil
}
