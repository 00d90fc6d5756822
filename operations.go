// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/stage/internal/locks"
)

// RenderLevel is an integer-ordered layer of drawing. Levels are rendered
// in ascending numeric order within a frame: terrain below objects below
// GUI, for example.
type RenderLevel uint32

// Scene is what the frame loop asks, once per render level per frame, for
// the draw operations to render. A scene without operations is logged once
// and skipped, never a frame failure.
type Scene interface {
	DrawOperations() *Operations
}

// SceneFunc adapts a function to the Scene interface.
type SceneFunc func() *Operations

// DrawOperations calls f.
func (f SceneFunc) DrawOperations() *Operations { return f() }

// Operations owns the set of registered draw operations for one scene,
// organized by render level. An operation belongs to exactly one render
// level within exactly one Operations set at a time; removal is driven by
// the operation's own disposal, never by external mutation of the set.
//
// Operations is safe for concurrent use: registration goroutines add while
// the frame goroutine enumerates.
type Operations struct {
	mu     sync.Mutex
	levels map[RenderLevel][]DrawOperation

	// dispose and drawing serialize on this gate. Before the set is
	// attached to a Manager it is a private gate; attach swaps in the
	// manager's draw tier so disposal excludes in-flight frames.
	drawGate *locks.Gate

	fault      func() error
	readyPollD time.Duration

	loadWG sync.WaitGroup
}

// NewOperations creates an empty draw-operation set.
func NewOperations() *Operations {
	return &Operations{
		levels:   make(map[RenderLevel][]DrawOperation),
		drawGate: locks.NewGate(),
	}
}

// Add registers op at the given render level: the operation is bound to
// this set (an operation already owned elsewhere is rejected), its
// asynchronous CPU resource load is started off the frame goroutine, and
// it becomes eligible for enqueueing once the load completes.
func (s *Operations) Add(level RenderLevel, op DrawOperation) error {
	if err := op.base().bind(s, level, op); err != nil {
		return err
	}

	s.mu.Lock()
	s.levels[level] = append(s.levels[level], op)
	s.mu.Unlock()

	if loader, ok := op.(ResourceLoader); ok {
		s.loadWG.Add(1)
		go func() {
			defer s.loadWG.Done()
			if err := loader.LoadResources(context.Background()); err != nil {
				// Surfaces on the next frame touch of this operation.
				op.base().recordError(err)
				Logger().Warn("stage: resource load failed", "level", uint32(level), "error", err)
			}
			op.base().loaded.Store(true)
		}()
	} else {
		op.base().loaded.Store(true)
	}

	Logger().Debug("stage: draw operation registered", "level", uint32(level))
	return nil
}

// remove detaches op from its level. Only the operation's own disposal
// calls this.
func (s *Operations) remove(op DrawOperation) {
	level := op.base().Level()
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.levels[level]
	for i, candidate := range ops {
		if candidate == op {
			s.levels[level] = append(ops[:i:i], ops[i+1:]...)
			break
		}
	}
	if len(s.levels[level]) == 0 {
		delete(s.levels, level)
	}
}

// Levels returns the render levels that currently have operations, in
// ascending order.
func (s *Operations) Levels() []RenderLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels := make([]RenderLevel, 0, len(s.levels))
	for level := range s.levels {
		levels = append(levels, level)
	}
	slices.Sort(levels)
	return levels
}

// OperationCount returns the total number of registered operations.
func (s *Operations) OperationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ops := range s.levels {
		n += len(ops)
	}
	return n
}

// enqueueLevel pushes every eligible operation of one level into q at its
// preferred priority.
func (s *Operations) enqueueLevel(level RenderLevel, q *DrawQueue) int {
	s.mu.Lock()
	ops := slices.Clone(s.levels[level])
	s.mu.Unlock()

	n := 0
	for _, op := range ops {
		if op.base().eligible() {
			q.Enqueue(op, op.base().PreferredPriority())
			n++
		}
	}
	return n
}

// AwaitLoaded blocks until every pending asynchronous resource load has
// finished or ctx is done. Useful in tests and scene setup.
func (s *Operations) AwaitLoaded(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.loadWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisposeAll disposes every registered operation.
func (s *Operations) DisposeAll() {
	s.mu.Lock()
	var all []DrawOperation
	for _, ops := range s.levels {
		all = append(all, ops...)
	}
	s.mu.Unlock()

	for _, op := range all {
		op.base().Dispose()
	}
}

// attach hands the set the manager's draw tier and fault probe. Called by
// Manager.SetScene before frames run against this set.
func (s *Operations) attach(gate *locks.Gate, fault func() error, readyPoll time.Duration) {
	s.mu.Lock()
	s.drawGate = gate
	s.fault = fault
	s.readyPollD = readyPoll
	s.mu.Unlock()
}

func (s *Operations) gate() *locks.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawGate
}

func (s *Operations) faultCheck() error {
	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()
	if fault == nil {
		return nil
	}
	return fault()
}

func (s *Operations) readyPoll() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyPollD
}
