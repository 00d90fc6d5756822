// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/stage/internal/locks"
	"github.com/gogpu/stage/transform"
)

// Drawer is the contract a drawable subtype implements. The Operation base
// decides when each hook runs; the subtype only supplies the backend work.
//
//   - CreateGPUResources runs exactly once over the operation's lifetime,
//     on the frame goroutine, on the first draw invocation.
//   - UpdateGPUState runs at most once per frame, only in frames where the
//     operation was marked dirty (transform change, color change, or an
//     explicit NotifyPendingGPUUpdate).
//   - Draw runs once per render target per frame, after any update.
//   - ReleaseGPUResources runs once, during disposal.
//
// Hooks may freely call the operation's own accessors and mutators
// (Transform, NotifyPendingGPUUpdate, PreferredPriority, ...); the base
// never holds the parameter lock across a hook.
type Drawer interface {
	CreateGPUResources(gc Context) error
	UpdateGPUState(gc Context) error
	Draw(delta float64, gc Context, target RenderTarget) error
	ReleaseGPUResources()
}

// ResourceLoader is optionally implemented by drawables that need an
// asynchronous CPU-side resource load (geometry generation, file reads)
// before they are eligible to be drawn. The owning Operations set awaits it
// exactly once, off the frame goroutine, after registration.
type ResourceLoader interface {
	LoadResources(ctx context.Context) error
}

// DrawOperation is one renderable unit: a user type that embeds
// [Operation] and implements [Drawer].
type DrawOperation interface {
	Drawer

	// Render runs the Draw hook under the lifecycle mutex. Targets call
	// it from RenderDrawOperation.
	Render(delta float64, gc Context, target RenderTarget) error

	// base is provided by the embedded Operation.
	base() *Operation
}

// Operation is the embeddable base of a drawable unit. It owns the
// lifecycle state machine:
//
//	unregistered -> registered -> resources loaded -> GPU ready
//	             -> [update <-> draw]* -> disposed
//
// The zero value is ready to use; registration happens by handing the
// operation to [Operations.Add]. An operation has at most one owner,
// assigned exactly once, never reassigned.
//
// Two mutexes split the locking. The lifecycle mutex serializes the only
// three activities that touch the operation's GPU state: first GPU
// resource creation, per-frame update+draw, and disposal. The parameter
// mutex guards the mutable drawing parameters and is never held across a
// subtype hook, so a hook may call the operation's own accessors and
// mutators without deadlocking.
type Operation struct {
	// mu guards the drawing parameters. Lock order: gpuMu before mu.
	mu sync.Mutex

	// gpuMu is the lifecycle mutex, held across subtype hooks.
	gpuMu sync.Mutex

	owner *Operations
	level RenderLevel
	self  DrawOperation

	state   *transform.State
	pending []transform.Changes

	created      bool
	updatedFrame uint64
	dirty        bool

	inactive       bool
	priority       float64
	colorTransform mgl32.Mat4
	colorSet       bool

	readyOnce sync.Once
	readyCh   chan struct{}
	chOnce    sync.Once

	loaded   atomic.Bool
	disposed atomic.Bool

	errMu      sync.Mutex
	recordedEr []error
}

func (o *Operation) base() *Operation { return o }

// ready returns the readiness gate channel, creating it lazily so the zero
// value works. The channel is closed exactly once, when the first draw
// invocation finishes creating GPU resources.
func (o *Operation) ready() chan struct{} {
	o.chOnce.Do(func() { o.readyCh = make(chan struct{}) })
	return o.readyCh
}

// bind assigns the owning manager. Called by Operations.Add, exactly once;
// a second registration attempt fails.
func (o *Operation) bind(owner *Operations, level RenderLevel, self DrawOperation) error {
	if o.disposed.Load() {
		return ErrDisposed
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner != nil {
		return fmt.Errorf("%w (level %d)", ErrAlreadyRegistered, o.level)
	}
	o.owner = owner
	o.level = level
	o.self = self
	return nil
}

// Active reports whether the operation participates in frames.
func (o *Operation) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.inactive
}

// SetActive toggles participation. An inactive operation stays registered
// and keeps its GPU resources, it is simply not enqueued.
func (o *Operation) SetActive(active bool) {
	o.mu.Lock()
	o.inactive = !active
	o.mu.Unlock()
}

// PreferredPriority returns the priority used when the operation is
// enqueued. Higher priorities draw earlier within a render level.
func (o *Operation) PreferredPriority() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priority
}

// SetPreferredPriority sets the enqueue priority. A NaN priority cannot be
// ordered; the failure is recorded and surfaces on the next frame touch
// rather than corrupting the queue from a logic goroutine.
func (o *Operation) SetPreferredPriority(p float64) {
	if math.IsNaN(p) {
		o.recordError(errors.New("stage: preferred priority must not be NaN"))
		return
	}
	o.mu.Lock()
	o.priority = p
	o.mu.Unlock()
}

// ColorTransform returns the current color transformation matrix, identity
// if none was set.
func (o *Operation) ColorTransform() mgl32.Mat4 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.colorSet {
		return mgl32.Ident4()
	}
	return o.colorTransform
}

// SetColorTransform sets the color transformation matrix and marks the
// operation for a GPU state update.
func (o *Operation) SetColorTransform(m mgl32.Mat4) {
	o.mu.Lock()
	o.colorTransform = m
	o.colorSet = true
	o.dirty = true
	o.mu.Unlock()
}

// Transform applies spatial changes. Before the first draw the operation
// has no transformation state yet; changes are buffered and replayed when
// the state is built, so early mutation from game logic is not lost.
func (o *Operation) Transform(c transform.Changes) {
	o.mu.Lock()
	if o.state == nil {
		o.pending = append(o.pending, c)
		o.dirty = true
		o.mu.Unlock()
		return
	}
	state := o.state
	o.mu.Unlock()
	// The state's change callback marks the operation dirty.
	state.Transform(c)
}

// Transformation returns the operation's transformation state, or nil
// before the first draw invocation has built it.
func (o *Operation) Transformation() *transform.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// NotifyPendingGPUUpdate marks the operation dirty so UpdateGPUState runs
// on the next frame even though no tracked parameter changed.
func (o *Operation) NotifyPendingGPUUpdate() {
	o.mu.Lock()
	o.dirty = true
	o.mu.Unlock()
}

// markDirty is the change callback wired into the transformation state.
func (o *Operation) markDirty() {
	o.mu.Lock()
	o.dirty = true
	o.mu.Unlock()
}

// IsReady reports whether GPU resources have been created.
func (o *Operation) IsReady() bool {
	select {
	case <-o.ready():
		return true
	default:
		return false
	}
}

// Level returns the render level the operation was registered at.
func (o *Operation) Level() RenderLevel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// recordError stores a failure raised by a mutation off the frame
// goroutine. Throwing there would leave shared state half-applied with
// nobody responsible; instead the aggregate re-surfaces on the next frame
// touch, where the frame loop makes the corrupted operation's failure
// visible.
func (o *Operation) recordError(err error) {
	if err == nil {
		return
	}
	o.errMu.Lock()
	o.recordedEr = append(o.recordedEr, err)
	o.errMu.Unlock()
}

// RecordError lets subtypes participate in the same deferred-error scheme
// for their own cross-goroutine mutations.
func (o *Operation) RecordError(err error) {
	o.recordError(err)
}

// takeRecordedErrors drains recorded mutation failures as one aggregate.
func (o *Operation) takeRecordedErrors() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	if len(o.recordedEr) == 0 {
		return nil
	}
	errs := o.recordedEr
	o.recordedEr = nil
	return errors.Join(errs...)
}

// prepare runs the frame-side half of the lifecycle: re-raise recorded
// mutation failures, create GPU resources on first use, refresh GPU state
// if dirty. Called by the Manager once per operation per frame, before any
// target draws it.
func (o *Operation) prepare(frame uint64, gc Context) error {
	if o.disposed.Load() {
		return ErrDisposed
	}
	if err := o.takeRecordedErrors(); err != nil {
		return err
	}

	o.gpuMu.Lock()
	defer o.gpuMu.Unlock()

	if !o.created {
		if err := o.create(gc); err != nil {
			return err
		}
	}

	o.mu.Lock()
	refresh := o.dirty && o.updatedFrame != frame
	if refresh {
		// Cleared before the hook runs: a hook calling
		// NotifyPendingGPUUpdate re-marks for the next frame.
		o.dirty = false
		o.updatedFrame = frame
	}
	self := o.self
	o.mu.Unlock()

	if refresh {
		if err := self.UpdateGPUState(gc); err != nil {
			return fmt.Errorf("stage: update GPU state: %w", err)
		}
	}
	return nil
}

// create performs the one-time GPU resource creation: build the
// transformation state, replay buffered changes, wire the dirty
// notifications, run the subtype hook, release the readiness gate.
// Caller holds o.gpuMu; the parameter mutex stays free for the hook.
func (o *Operation) create(gc Context) error {
	state := transform.NewState()
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	self := o.self
	o.mu.Unlock()
	for _, c := range pending {
		state.Transform(c)
	}
	state.OnChange(o.markDirty)

	if err := self.CreateGPUResources(gc); err != nil {
		return fmt.Errorf("stage: create GPU resources: %w", err)
	}

	o.mu.Lock()
	o.state = state
	replay := o.pending // changes buffered by the hook itself
	o.pending = nil
	o.dirty = true // first update always runs
	o.mu.Unlock()
	for _, c := range replay {
		state.Transform(c)
	}
	o.created = true
	o.readyOnce.Do(func() { close(o.ready()) })
	return nil
}

// Render runs the subtype draw hook for one target. Render targets call it
// from RenderDrawOperation; it holds the lifecycle mutex so a draw can
// never interleave with creation or disposal, while the parameter mutex
// stays free for the hook's own calls.
func (o *Operation) Render(delta float64, gc Context, target RenderTarget) error {
	if o.disposed.Load() {
		return ErrDisposed
	}
	o.gpuMu.Lock()
	defer o.gpuMu.Unlock()
	if !o.created {
		return errors.New("stage: draw before GPU resources were created")
	}
	o.mu.Lock()
	self := o.self
	o.mu.Unlock()
	return self.Draw(delta, gc, target)
}

// failOnFrame makes a frame-side failure fatal for this operation: it is
// taken out of the draw set and its resources are released, while the rest
// of the frame continues. Called from the frame goroutine, which already
// holds the draw lock, so it must not re-acquire it.
func (o *Operation) failOnFrame() {
	if o.disposed.Swap(true) {
		return
	}
	o.mu.Lock()
	owner := o.owner
	self := o.self
	o.mu.Unlock()
	o.gpuMu.Lock()
	if o.created && self != nil {
		self.ReleaseGPUResources()
		o.created = false
	}
	o.gpuMu.Unlock()
	if owner != nil && self != nil {
		owner.remove(self)
	}
}

// WaitUntilReady blocks the calling goroutine (never the frame goroutine)
// until the first draw invocation has created the operation's GPU
// resources. The wait is a bounded repeating one: every slice it checks
// whether the owning manager's frame loop has faulted and, if so, returns
// the loop's error instead of hanging forever on a gate nobody will open.
func (o *Operation) WaitUntilReady(ctx context.Context) error {
	return locks.WaitBounded(ctx, o.ready(), o.pollInterval(), func() error {
		if o.disposed.Load() {
			return ErrDisposed
		}
		o.mu.Lock()
		owner := o.owner
		o.mu.Unlock()
		if owner == nil {
			return nil // not registered yet; keep waiting
		}
		return owner.faultCheck()
	})
}

func (o *Operation) pollInterval() time.Duration {
	o.mu.Lock()
	owner := o.owner
	o.mu.Unlock()
	if owner != nil {
		if d := owner.readyPoll(); d > 0 {
			return d
		}
	}
	return 10 * time.Millisecond
}

// eligible reports whether the operation may be enqueued this frame.
func (o *Operation) eligible() bool {
	if o.disposed.Load() || !o.loaded.Load() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.inactive
}

// Dispose removes the operation from its manager and releases its GPU
// resources via the subtype hook. It is idempotent: repeated disposal is a
// no-op. Disposal takes the manager's draw lock, so it cannot race an
// in-flight frame; for that reason it must not be called from inside a
// draw hook (defer it with Manager.RunOnWindowThread instead).
func (o *Operation) Dispose() {
	if o.disposed.Swap(true) {
		return
	}

	o.mu.Lock()
	owner := o.owner
	self := o.self
	o.mu.Unlock()

	var gate *locks.Gate
	if owner != nil {
		gate = owner.gate()
		_ = gate.Acquire(context.Background())
	}

	o.gpuMu.Lock()
	if o.created && self != nil {
		self.ReleaseGPUResources()
		o.created = false
	}
	o.gpuMu.Unlock()

	if gate != nil {
		gate.Release()
	}
	if owner != nil && self != nil {
		owner.remove(self)
	}
}
