// Package task defines the value types shared by the execution core.
//
// A TaskRequest is what a client submits: a body (command line, script,
// playbook or file content), the target hosts and optional parameters.
// Every component consumes hosts as HostConnectionDescriptor values; adapters
// at the boundary translate whatever inventory representation exists into
// descriptors.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of work a task performs on each host.
type Kind string

const (
	// KindShell runs Body as a single command line.
	KindShell Kind = "shell"
	// KindScript uploads Body to the host and runs it with Interpreter.
	KindScript Kind = "script"
	// KindPlaybook runs Body as an Ansible playbook against a generated inventory.
	KindPlaybook Kind = "playbook"
	// KindTransfer uploads Body to Destination.
	KindTransfer Kind = "transfer"
)

// ParseKind parses a kind name. An empty name means KindShell.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindShell:
		return KindShell, nil
	case KindScript:
		return KindScript, nil
	case KindPlaybook, "ansible":
		return KindPlaybook, nil
	case KindTransfer:
		return KindTransfer, nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// Ordering controls how hosts of one run are scheduled.
type Ordering string

const (
	Parallel   Ordering = "parallel"
	Sequential Ordering = "sequential"
)

// HostConnectionDescriptor is the read-only view of a target host.
type HostConnectionDescriptor struct {
	// ID is the host directory identifier, 0 for ad-hoc hosts.
	ID int64
	// Name is a display label; Address is used when empty.
	Name     string
	Address  string
	Port     int
	Username string
	// Password is an optional inline password.
	Password string
	// PrivateKey is optional PEM encoded key material.
	PrivateKey string
	// UseDefault makes the host authenticate with the fleet default even
	// when Password or PrivateKey is set.
	UseDefault bool
}

// Label returns the name used in banners and logs.
func (h HostConnectionDescriptor) Label() string {
	if h.Name != "" && h.Name != h.Address {
		return fmt.Sprintf("%s(%s:%d)", h.Name, h.Address, h.Port)
	}
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// Validate checks the fields every connection needs.
func (h HostConnectionDescriptor) Validate() error {
	var missing []string
	if strings.TrimSpace(h.Address) == "" {
		missing = append(missing, "address")
	}
	if h.Port <= 0 || h.Port > 65535 {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(h.Username) == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("host %q is missing %s", h.Address, strings.Join(missing, ", "))
	}
	return nil
}

// PolicyOverrides are optional per-request policy settings.
type PolicyOverrides struct {
	Ordering       Ordering
	Timeout        time.Duration
	AbortOnFailure *bool
	Parallel       int
}

// TaskRequest is a transient client submission.
type TaskRequest struct {
	Kind        Kind
	Body        string
	Interpreter string
	Hosts       []HostConnectionDescriptor
	Params      map[string]string
	ExtraVars   string
	Submitter   string
	TemplateID  int64
	Policy      PolicyOverrides
	// Destination and Mode apply to KindTransfer.
	Destination string
	Mode        uint32
}

// HostIDs returns the directory ids of the targets in order.
func (r *TaskRequest) HostIDs() []int64 {
	ids := make([]int64, len(r.Hosts))
	for i, h := range r.Hosts {
		ids[i] = h.ID
	}
	return ids
}

// ValidationError reports a request rejected before anything was created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate fails fast on an empty host list, incomplete hosts or an empty body.
func (r *TaskRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return &ValidationError{Field: "kind", Reason: err.Error()}
	}
	if len(r.Hosts) == 0 {
		return &ValidationError{Field: "host_list", Reason: "at least one target host is required"}
	}
	for i, h := range r.Hosts {
		if err := h.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("host_list[%d]", i), Reason: err.Error()}
		}
	}
	if strings.TrimSpace(r.Body) == "" {
		return &ValidationError{Field: "body", Reason: "task body is empty"}
	}
	if r.Kind == KindTransfer && strings.TrimSpace(r.Destination) == "" {
		return &ValidationError{Field: "destination", Reason: "transfer needs a destination path"}
	}
	return nil
}

// Token names one run. It is the only key into the run registry.
type Token string

// NewToken mints a token from 128 random bits, hex encoded.
func NewToken() (Token, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return Token(strings.ReplaceAll(id.String(), "-", "")), nil
}

// Valid reports whether t looks like a token.
func (t Token) Valid() bool {
	if len(t) != 32 {
		return false
	}
	for _, c := range t {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (t Token) String() string { return string(t) }
