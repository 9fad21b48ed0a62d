// Package registry stores the output and status of runs, keyed by run token.
//
// An entry is created in the running state, accumulates output through
// Append and becomes immutable once SetStatus records a terminal status.
// Entries expire a fixed TTL after creation whether or not the run
// finished; reads of an expired or unknown token return ErrNotFound.
//
// Mutations on one token are linearizable. Append takes several chunks so a
// writer can add a multi-part block (a host's banner, output and result
// banner) without another writer's chunk landing inside it.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/liliang-cn/execd/pkg/task"
)

var (
	// ErrNotFound is returned for tokens never created or past their TTL.
	ErrNotFound = errors.New("token not found or expired")
	// ErrFinalized is returned when mutating an entry that has a terminal status.
	ErrFinalized = errors.New("run already finalized")
	// ErrExists is returned by Create for a token already in use.
	ErrExists = errors.New("token already exists")
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = time.Hour

// Snapshot is a point-in-time copy of an entry.
type Snapshot struct {
	Output    string
	Status    task.Status
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Registry is the run registry contract shared by every backend.
type Registry interface {
	Create(ctx context.Context, token task.Token) error
	Append(ctx context.Context, token task.Token, chunks ...string) error
	SetStatus(ctx context.Context, token task.Token, status task.Status) error
	Read(ctx context.Context, token task.Token) (Snapshot, error)
	Close() error
}
