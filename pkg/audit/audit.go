// Package audit is the execution history sink.
//
// One Record is written per accepted submission, before the run starts, so
// an interrupted run still leaves a trail. Records are never updated.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liliang-cn/execd/pkg/task"
)

// ErrClosed is returned by a recorder after Close.
var ErrClosed = errors.New("audit recorder closed")

// Record is one history row.
type Record struct {
	ID          int64
	Token       task.Token
	Submitter   string
	Kind        task.Kind
	HostIDs     []int64
	Params      map[string]string
	TemplateID  int64
	Body        string
	Interpreter string
	// Destination is set for transfers.
	Destination string
	CreatedAt   time.Time
}

// Query selects history rows. Zero fields match everything.
type Query struct {
	Submitter string
	Kind      task.Kind
	// Limit caps the result; 0 means 50.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

// Recorder persists history rows.
type Recorder interface {
	Record(ctx context.Context, r Record) error
	// List returns matching rows, newest first.
	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// FromRequest builds the row for a submission.
func FromRequest(token task.Token, req *task.TaskRequest, now time.Time) Record {
	return Record{
		Token:       token,
		Submitter:   req.Submitter,
		Kind:        req.Kind,
		HostIDs:     req.HostIDs(),
		Params:      req.Params,
		TemplateID:  req.TemplateID,
		Body:        req.Body,
		Interpreter: req.Interpreter,
		Destination: req.Destination,
		CreatedAt:   now,
	}
}

// Memory keeps rows in process.
type Memory struct {
	mu     sync.Mutex
	rows   []Record
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r.ID = int64(len(m.rows) + 1)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *Memory) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for i := len(m.rows) - 1; i >= 0 && len(out) < q.limit(); i-- {
		r := m.rows[i]
		if q.Submitter != "" && r.Submitter != q.Submitter {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) error           { return nil }
func (Discard) List(context.Context, Query) ([]Record, error) { return nil, nil }
func (Discard) Close() error                                   { return nil }
