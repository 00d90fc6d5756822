// Package locks provides the small synchronization vocabulary the frame
// loop is built from: exclusive binary gates with bounded waits, and a
// repeating bounded wait that interleaves a health check.
package locks

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate is an exclusive binary semaphore. Unlike sync.Mutex it supports
// bounded and context-aware acquisition, and acquire/release may happen on
// different goroutines, which the frame loop's tiered locking protocol
// relies on (a consumer goroutine may hold the window gate to suspend
// rendering and release it later from another goroutine).
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is acquired or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire acquires the gate without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// AcquireFor attempts to acquire the gate, giving up after d.
// It reports whether the gate was acquired.
func (g *Gate) AcquireFor(d time.Duration) bool {
	if g.sem.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return g.sem.Acquire(ctx, 1) == nil
}

// Release opens the gate. Releasing a gate that was never acquired is a
// programming error and panics, matching semaphore semantics.
func (g *Gate) Release() {
	g.sem.Release(1)
}
