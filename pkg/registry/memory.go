package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/task"
)

type entry struct {
	mu        sync.Mutex
	output    strings.Builder
	status    task.Status
	createdAt time.Time
	expiresAt time.Time
}

// Memory is the in-process registry. Each entry has its own lock, so
// unrelated runs never contend; the map lock is held only to find entries.
type Memory struct {
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu      sync.RWMutex
	entries map[task.Token]*entry

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval sets how often expired entries are reclaimed.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l *logger.Logger) MemoryOption {
	return func(m *Memory) { m.log = l }
}

// NewMemory creates an in-memory registry. Call Start to run the sweeper
// and Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:      DefaultTTL,
		interval: time.Minute,
		now:      time.Now,
		log:      logger.Discard(),
		entries:  make(map[task.Token]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the TTL sweeper. It is a no-op after the first call.
func (m *Memory) Start() {
	m.startOnce.Do(func() {
		go m.sweepLoop()
	})
}

// Close stops the sweeper and waits for it to exit.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		started := true
		m.startOnce.Do(func() { started = false })
		if started {
			<-m.done
		}
	})
	return nil
}

func (m *Memory) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("registry sweep reclaimed %d entries", n)
			}
		case <-m.stop:
			return
		}
	}
}

// Sweep removes expired entries and returns how many it removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, tok)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included until
// the next sweep.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Create(_ context.Context, token task.Token) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[token]; ok && now.Before(e.expiresAt) {
		return ErrExists
	}
	m.entries[token] = &entry{
		status:    task.StatusRunning,
		createdAt: now,
		expiresAt: now.Add(m.ttl),
	}
	return nil
}

// lookup returns the live entry for token with its lock held.
func (m *Memory) lookup(token task.Token) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if !m.now().Before(e.expiresAt) {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Append(_ context.Context, token task.Token, chunks ...string) error {
	e, err := m.lookup(token)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return ErrFinalized
	}
	for _, c := range chunks {
		e.output.WriteString(c)
	}
	return nil
}

func (m *Memory) SetStatus(_ context.Context, token task.Token, status task.Status) error {
	e, err := m.lookup(token)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return ErrFinalized
	}
	e.status = status
	return nil
}

func (m *Memory) Read(_ context.Context, token task.Token) (Snapshot, error) {
	e, err := m.lookup(token)
	if err != nil {
		return Snapshot{}, err
	}
	defer e.mu.Unlock()
	return Snapshot{
		Output:    e.output.String(),
		Status:    e.status,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
	}, nil
}
