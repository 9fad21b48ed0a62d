package executor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolSaturated is returned by Submit when every worker is busy and
	// the queue is full.
	ErrPoolSaturated = errors.New("dispatcher is saturated, retry later")
	// ErrShuttingDown is returned by Submit after Shutdown was called.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// pool runs at most workers jobs at a time and admits at most
// workers+queue jobs. Admission happens in reserve, before the caller
// creates anything for the job, so a rejected submission leaves no trace.
type pool struct {
	admit   *semaphore.Weighted
	workers *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newPool(workers, queue int) *pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		admit:   semaphore.NewWeighted(int64(workers + queue)),
		workers: semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// reservation is an admitted slot. Exactly one of Go or Release must be
// called.
type reservation struct {
	p    *pool
	once sync.Once
}

func (p *pool) reserve() (*reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShuttingDown
	}
	if !p.admit.TryAcquire(1) {
		return nil, ErrPoolSaturated
	}
	p.wg.Add(1)
	return &reservation{p: p}, nil
}

// Release gives the slot back without running anything.
func (r *reservation) Release() {
	r.once.Do(func() {
		r.p.admit.Release(1)
		r.p.wg.Done()
	})
}

// Go runs job once a worker is free. job receives the pool context, which
// is cancelled when a shutdown gives up waiting. If the pool is cancelled
// before a worker frees up, job still runs with the cancelled context so
// it can finalize its state.
func (r *reservation) Go(job func(ctx context.Context)) {
	p := r.p
	go func() {
		defer r.Release()
		if err := p.workers.Acquire(p.ctx, 1); err != nil {
			job(p.ctx)
			return
		}
		defer p.workers.Release(1)
		job(p.ctx)
	}()
}

// shutdown stops admission and waits for admitted jobs. When ctx expires
// first the pool context is cancelled and shutdown waits for the jobs to
// return, then reports ctx's error.
func (p *pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
