// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"container/heap"
	"context"
	"sync"
)

// DrawQueue is the ephemeral per-frame priority collection of draw
// operations. The frame loop rebuilds one per render level every frame,
// enqueues that level's operations at their preferred priority, and render
// targets consume the result in one pass: highest priority first, FIFO
// among equal priorities.
//
// Enqueue and dequeue share one exclusive lock rather than a reader/writer
// split: both mutate the underlying heap. The blocking Context variants
// exist for consumers that drain a queue filled from another goroutine.
type DrawQueue struct {
	mu     sync.Mutex
	items  drawHeap
	seq    uint64
	notify chan struct{}
}

// NewDrawQueue creates an empty queue.
func NewDrawQueue() *DrawQueue {
	return &DrawQueue{notify: make(chan struct{}, 1)}
}

// Enqueue adds an operation at the given priority.
func (q *DrawQueue) Enqueue(op DrawOperation, priority float64) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, drawEntry{op: op, priority: priority, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the highest-priority operation, or
// reports ok=false if the queue is empty.
func (q *DrawQueue) TryDequeue() (op DrawOperation, priority float64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, 0, false
	}
	e := heap.Pop(&q.items).(drawEntry)
	return e.op, e.priority, true
}

// EnqueueContext adds an operation unless ctx is already done. It exists
// so producers and consumers can share one cancellation signal; the queue
// itself never blocks on enqueue.
func (q *DrawQueue) EnqueueContext(ctx context.Context, op DrawOperation, priority float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.Enqueue(op, priority)
	return nil
}

// DequeueContext removes and returns the highest-priority operation,
// blocking until one is available or ctx is done.
func (q *DrawQueue) DequeueContext(ctx context.Context) (DrawOperation, float64, error) {
	for {
		if op, priority, ok := q.TryDequeue(); ok {
			return op, priority, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Len returns the number of queued operations.
func (q *DrawQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued operations. The frame loop clears and reuses one
// queue per render level rather than allocating a fresh one.
func (q *DrawQueue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}

// drain pops every operation into an ordered slice. Each render target of
// a level replays the identical drained sequence, so every target sees the
// full set of that level's operations in priority order.
func (q *DrawQueue) drain() []DrawOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DrawOperation, 0, len(q.items))
	for len(q.items) > 0 {
		e := heap.Pop(&q.items).(drawEntry)
		out = append(out, e.op)
	}
	return out
}

// drawEntry is one queued operation. seq breaks priority ties so equal
// priorities dequeue in insertion order.
type drawEntry struct {
	op       DrawOperation
	priority float64
	seq      uint64
}

// drawHeap orders entries highest priority first, then lowest seq.
type drawHeap []drawEntry

func (h drawHeap) Len() int { return len(h) }

func (h drawHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h drawHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *drawHeap) Push(x any) { *h = append(*h, x.(drawEntry)) }

func (h *drawHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = drawEntry{}
	*h = old[:n-1]
	return e
}
