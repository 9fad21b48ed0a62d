package task

import "fmt"

// Wire codes of the non-host statuses.
const (
	CodeRunning        = -2
	CodeDispatchFailed = -1
	CodeSucceeded      = 0
)

// StatusKind tags a Status.
type StatusKind int

const (
	Running StatusKind = iota
	DispatchFailed
	Succeeded
	HostFailed
)

// Status is the state of a run. The zero value is Running.
type Status struct {
	kind StatusKind
	code int
}

var (
	StatusRunning        = Status{kind: Running, code: CodeRunning}
	StatusDispatchFailed = Status{kind: DispatchFailed, code: CodeDispatchFailed}
	StatusSucceeded      = Status{kind: Succeeded, code: CodeSucceeded}
)

// StatusHostFailed returns the status for a run whose first failing host
// exited with code. Codes below one are clamped to one.
func StatusHostFailed(code int) Status {
	if code < 1 {
		code = 1
	}
	return Status{kind: HostFailed, code: code}
}

// StatusFromCode decodes the wire form.
func StatusFromCode(code int) Status {
	switch {
	case code == CodeRunning:
		return StatusRunning
	case code == CodeDispatchFailed:
		return StatusDispatchFailed
	case code == CodeSucceeded:
		return StatusSucceeded
	case code > 0:
		return StatusHostFailed(code)
	}
	return StatusDispatchFailed
}

// Kind returns the tag.
func (s Status) Kind() StatusKind { return s.kind }

// Code returns the wire encoding: -2 running, -1 dispatch failure, 0 success,
// otherwise the first failing host's exit code.
func (s Status) Code() int {
	if s.kind == Running {
		return CodeRunning
	}
	return s.code
}

// Terminal reports whether the run is finished.
func (s Status) Terminal() bool { return s.kind != Running }

func (s Status) String() string {
	switch s.kind {
	case Running:
		return "running"
	case DispatchFailed:
		return "dispatch-failed"
	case Succeeded:
		return "succeeded"
	}
	return fmt.Sprintf("host-failed(%d)", s.code)
}
