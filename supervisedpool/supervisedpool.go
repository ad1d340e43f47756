// Package supervisedpool implements a supervised worker pool: spawn a fixed
// cohort of workers, cancel them cooperatively, wait for them with a bounded
// join, and abandon whatever refuses to exit. The pattern generalizes the
// spawn/signal/join/terminate lifecycle used by asynchronous trainers.
package supervisedpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("pool is stopped")

// Pool supervises a set of worker goroutines sharing one cancelable context.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	alive   int64
	mu      sync.Mutex
	workers []chan struct{}
	stopped bool
}

// New creates a pool whose workers observe cancellation of parent through
// their own derived context.
func New(parent context.Context) *Pool {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{ctx: ctx, cancel: cancel}
}

// Spawn starts fn in a new worker goroutine. The worker's exit is tracked
// regardless of how fn returns.
func (p *Pool) Spawn(fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	done := make(chan struct{})
	p.workers = append(p.workers, done)
	p.mu.Unlock()

	atomic.AddInt64(&p.alive, 1)
	go func() {
		defer close(done)
		defer atomic.AddInt64(&p.alive, -1)
		fn(p.ctx)
	}()
	return nil
}

// AliveCount returns the number of workers that have not yet exited.
func (p *Pool) AliveCount() int {
	return int(atomic.LoadInt64(&p.alive))
}

// AllDone reports whether every spawned worker has exited.
func (p *Pool) AllDone() bool {
	p.mu.Lock()
	spawned := len(p.workers)
	p.mu.Unlock()
	return spawned > 0 && p.AliveCount() == 0
}

// Stop cancels the pool context. Workers are expected to observe it
// cooperatively; Stop never blocks.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
}

// Join waits up to timeout for all workers to exit. Workers still running at
// the deadline are abandoned and reported as leaked; every spawned worker is
// counted exactly once, so joined+leaked equals the spawn count.
func (p *Pool) Join(timeout time.Duration) (joined, leaked int) {
	p.mu.Lock()
	workers := make([]chan struct{}, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expired := false
	for _, done := range workers {
		if expired {
			select {
			case <-done:
				joined++
			default:
				leaked++
			}
			continue
		}
		select {
		case <-done:
			joined++
		case <-timer.C:
			expired = true
			select {
			case <-done:
				joined++
			default:
				leaked++
			}
		}
	}
	return joined, leaked
}
