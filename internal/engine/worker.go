package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Peak      int64 `json:"peak"`
	Submitted int64 `json:"submitted"`
	Panics    int64 `json:"panics"`
}

// pool is a bounded goroutine pool. It gates how many node bodies are in
// flight at once; the run loop never submits more than the pool size, so
// Go blocks only if that invariant is broken.
type pool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	active    atomic.Int64
	peak      atomic.Int64
	submitted atomic.Int64
	panics    atomic.Int64
}

func newPool(size int) *pool {
	if size <= 0 {
		size = 1
	}
	return &pool{sem: make(chan struct{}, size)}
}

// Go acquires a slot and runs fn in its own goroutine. It returns ctx.Err()
// if the context is cancelled while waiting for a slot. A panic in fn is
// counted and swallowed; callers that need the value recover themselves.
func (p *pool) Go(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.submitted.Add(1)
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until all submitted work has returned.
func (p *pool) Wait() {
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Peak:      p.peak.Load(),
		Submitted: p.submitted.Load(),
		Panics:    p.panics.Load(),
	}
}
