// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/stage/internal/locks"
)

// errStopped aborts a frame because the manager is shutting down. It is
// the one frame error that is a clean exit, not a fault.
var errStopped = errors.New("stage: frame loop stopping")

// Config holds the frame loop's behavior knobs.
type Config struct {
	// WindowWaitSlice is the bounded synchronous wait on the window gate
	// before the loop falls back to the not-rendering polling branch that
	// services the platform pump.
	WindowWaitSlice time.Duration

	// ReadyPollInterval is the slice used by bounded waits that also probe
	// the frame loop's health (Operation.WaitUntilReady).
	ReadyPollInterval time.Duration

	// FrameTimeSmoothing is the weight of the newest frame in the rolling
	// frame-time average, in (0, 1]. Smaller is smoother.
	FrameTimeSmoothing float64

	// DeferredQueueSize bounds the queue of actions deferred to the window
	// goroutine via RunOnWindowThread.
	DeferredQueueSize int
}

// DefaultConfig returns the configuration used by most applications.
func DefaultConfig() Config {
	return Config{
		WindowWaitSlice:    100 * time.Millisecond,
		ReadyPollInterval:  10 * time.Millisecond,
		FrameTimeSmoothing: 0.05,
		DeferredQueueSize:  64,
	}
}

// GUIRenderer is an optional immediate-mode overlay pass. When set, it
// runs each frame after the general draw pass, under its own lock tier
// nested inside the frame lock.
type GUIRenderer interface {
	RenderGUI(delta float64, gc Context) error
}

// Manager is the frame driver: it owns the tiered lock protocol, the
// render loop for one output surface, and the render target list, and it
// orchestrates scene operations through the draw queue into the targets
// once per frame.
//
// Lock tiers, acquired in nesting order, each an exclusive gate:
//
//  1. window gate - held while the surface is being rendered to; released
//     between frames so a consumer needing exclusive window access (or the
//     platform pump) can take it.
//  2. frame gate - held for one whole frame's CPU+GPU work; holding it
//     from outside excludes frame progression entirely.
//  3. draw gate - nested inside the frame gate around the general draw
//     pass; operation disposal serializes on it.
//  4. GUI gate - nested inside the frame gate, after the draw pass.
type Manager struct {
	cfg     Config
	window  Window
	factory ContextFactory

	windowGate *locks.Gate
	frameGate  *locks.Gate
	drawGate   *locks.Gate
	guiGate    *locks.Gate

	mu          sync.Mutex
	scene       Scene
	targets     map[RenderLevel][]RenderTarget
	guiRenderer GUIRenderer
	inputSubs   []func(InputSnapshot)
	lastInput   InputSnapshot

	// gc is touched only by the frame goroutine and teardown.
	gc Context

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	faultMu  sync.Mutex
	faultErr error

	frameCount    atomic.Uint64
	avgFrameNanos atomic.Uint64
	lastFrame     time.Time

	deferred chan func()

	// inputCh feeds the fan-out goroutine; capacity 1, latest wins.
	inputCh chan InputSnapshot

	shotMu sync.Mutex
	shots  []screenshotRequest

	hookMu sync.Mutex
	hooks  []*FrameHook

	warnedNoScene   atomic.Bool
	warnedNoTargets atomic.Bool
}

// New creates a Manager driving frames for window, creating its graphics
// context lazily through factory on the first frame.
func New(window Window, factory ContextFactory, cfg Config) (*Manager, error) {
	if window == nil {
		return nil, errors.New("stage: window must not be nil")
	}
	if factory == nil {
		return nil, errors.New("stage: context factory must not be nil")
	}
	if cfg.WindowWaitSlice <= 0 {
		cfg.WindowWaitSlice = DefaultConfig().WindowWaitSlice
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = DefaultConfig().ReadyPollInterval
	}
	if cfg.FrameTimeSmoothing <= 0 || cfg.FrameTimeSmoothing > 1 {
		cfg.FrameTimeSmoothing = DefaultConfig().FrameTimeSmoothing
	}
	if cfg.DeferredQueueSize <= 0 {
		cfg.DeferredQueueSize = DefaultConfig().DeferredQueueSize
	}

	m := &Manager{
		cfg:        cfg,
		window:     window,
		factory:    factory,
		windowGate: locks.NewGate(),
		frameGate:  locks.NewGate(),
		drawGate:   locks.NewGate(),
		guiGate:    locks.NewGate(),
		targets:    make(map[RenderLevel][]RenderTarget),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		deferred:   make(chan func(), cfg.DeferredQueueSize),
		inputCh:    make(chan InputSnapshot, 1),
	}
	window.OnResize(m.handleResize)
	return m, nil
}

// SetScene installs the scene whose draw operations are rendered. The
// scene's operation set adopts the manager's draw tier so that operation
// disposal excludes in-flight frames.
func (m *Manager) SetScene(scene Scene) {
	m.mu.Lock()
	m.scene = scene
	m.mu.Unlock()
	if scene != nil {
		if ops := scene.DrawOperations(); ops != nil {
			ops.attach(m.drawGate, m.Err, m.cfg.ReadyPollInterval)
		}
	}
}

// AddRenderTarget registers target at the given render level. Multiple
// targets may share a level; each receives the full sequence of that
// level's operations every frame. A target that rejects the manager's
// context type fails here, at registration time, not mid-frame.
func (m *Manager) AddRenderTarget(level RenderLevel, target RenderTarget) error {
	if target == nil {
		return errors.New("stage: render target must not be nil")
	}
	if checker, ok := target.(ContextChecker); ok {
		m.mu.Lock()
		gc := m.gc
		m.mu.Unlock()
		if gc != nil {
			if err := checker.Compatible(gc); err != nil {
				return fmt.Errorf("%w: %w", ErrIncompatibleTarget, err)
			}
		}
	}
	m.mu.Lock()
	m.targets[level] = append(m.targets[level], target)
	m.mu.Unlock()
	return nil
}

// RemoveRenderTarget deregisters target and reports whether it was found.
func (m *Manager) RemoveRenderTarget(level RenderLevel, target RenderTarget) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := m.targets[level]
	for i, t := range targets {
		if t == target {
			m.targets[level] = append(targets[:i:i], targets[i+1:]...)
			if len(m.targets[level]) == 0 {
				delete(m.targets, level)
			}
			return true
		}
	}
	return false
}

// SetGUIRenderer installs the optional immediate-mode overlay pass.
func (m *Manager) SetGUIRenderer(g GUIRenderer) {
	m.mu.Lock()
	m.guiRenderer = g
	m.mu.Unlock()
}

// SubscribeInput registers fn to receive each frame's accumulated input
// snapshot. Subscribers run on one fan-out goroutine, so they observe
// snapshots in frame order; a slow subscriber never blocks the next
// frame, it just skips to the newest snapshot once it catches up.
func (m *Manager) SubscribeInput(fn func(InputSnapshot)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.inputSubs = append(m.inputSubs, fn)
	m.mu.Unlock()
}

// LastInput returns the most recent frame's input snapshot.
func (m *Manager) LastInput() InputSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

// RunOnWindowThread queues fn to run on the frame goroutine during the
// next frame's window-locked housekeeping phase. It fails when the
// deferred queue is full rather than blocking the caller.
func (m *Manager) RunOnWindowThread(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case m.deferred <- fn:
		return nil
	default:
		return errors.New("stage: deferred action queue is full")
	}
}

// Start launches the frame loop on its own goroutine.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}
	go func() { _ = m.Run(context.Background()) }()
}

// Run drives the frame loop on the calling goroutine until ctx is done or
// Stop is called, then tears down the graphics context. It returns the
// loop fault, if any.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer close(m.done)
	defer m.running.Store(false)

	Logger().Info("stage: frame loop started")
	m.lastFrame = time.Now()
	go m.inputFanOut()

	for {
		select {
		case <-m.stopCh:
			m.teardown()
			return nil
		case <-ctx.Done():
			m.teardown()
			return nil
		default:
		}

		snap, err := m.frame(ctx)
		if err != nil {
			if errors.Is(err, errStopped) {
				m.teardown()
				return nil
			}
			m.setFault(err)
			Logger().Error("stage: frame loop faulted", "error", err)
			m.teardown()
			return err
		}

		// Outside all locks: input fan-out and frame statistics.
		if _, ok := m.window.(InputSource); ok {
			m.propagateInput(snap)
		}
		m.updateFrameStats()
	}
}

// Stop requests a clean shutdown. It does not wait; use AwaitIfFaulted or
// Run's return to observe completion.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// IsRunning reports whether the frame loop is live. A faulted loop forces
// this false so future frames do not proceed.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Err returns the frame loop's fault, or nil.
func (m *Manager) Err() error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	return m.faultErr
}

// AwaitIfFaulted blocks until the frame loop has terminated or ctx is
// done, then returns the loop's fault (nil after a clean stop). Dependent
// waiters use it to learn about a crashed loop instead of hanging forever.
func (m *Manager) AwaitIfFaulted(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FrameCount returns the number of completed frames.
func (m *Manager) FrameCount() uint64 {
	return m.frameCount.Load()
}

// AverageFrameTime returns the exponentially weighted rolling average of
// recent frame durations.
func (m *Manager) AverageFrameTime() time.Duration {
	return time.Duration(m.avgFrameNanos.Load())
}

// FPS returns the frame rate implied by the rolling average.
func (m *Manager) FPS() float64 {
	avg := m.AverageFrameTime()
	if avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(avg)
}

// LockFrame acquires the frame gate from outside the loop, excluding both
// frame progression and draw-operation mutation until the returned release
// function is called.
func (m *Manager) LockFrame(ctx context.Context) (release func(), err error) {
	if err := m.frameGate.Acquire(ctx); err != nil {
		return nil, err
	}
	return m.frameGate.Release, nil
}

// SuspendRendering acquires the window gate, pausing the frame loop before
// its next frame, for consumers that need exclusive window access. The
// loop keeps servicing the platform pump while suspended.
func (m *Manager) SuspendRendering(ctx context.Context) (resume func(), err error) {
	if err := m.windowGate.Acquire(ctx); err != nil {
		return nil, err
	}
	return m.windowGate.Release, nil
}

func (m *Manager) setFault(err error) {
	m.faultMu.Lock()
	if m.faultErr == nil {
		m.faultErr = err
	}
	m.faultMu.Unlock()
	m.running.Store(false)
}

// stopped reports whether shutdown was requested.
func (m *Manager) stopped(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// frame runs one frame, steps 1-7 of the per-frame protocol. Step 8 (input
// fan-out, statistics) happens in Run, outside all locks, using the
// snapshot returned here.
func (m *Manager) frame(ctx context.Context) (InputSnapshot, error) {
	// Step 1: bounded wait for the window, falling back to a polling
	// branch that services the platform pump without holding any lock.
	for !m.windowGate.AcquireFor(m.cfg.WindowWaitSlice) {
		m.window.PumpEvents()
		if m.stopped(ctx) {
			return InputSnapshot{}, errStopped
		}
	}
	defer m.windowGate.Release()

	now := time.Now()
	delta := now.Sub(m.lastFrame).Seconds()
	m.lastFrame = now

	// Step 2: clear last frame's snapshot, run window-locked housekeeping.
	m.mu.Lock()
	m.lastInput = InputSnapshot{}
	m.mu.Unlock()
	m.drainDeferred()

	// Step 3: frame lock, lazy context creation, per-frame context update.
	if err := m.frameGate.Acquire(ctx); err != nil {
		return InputSnapshot{}, errStopped
	}
	defer m.frameGate.Release()

	if m.gc == nil {
		gc, err := m.factory(m.window)
		if err != nil {
			return InputSnapshot{}, fmt.Errorf("stage: create graphics context: %w", err)
		}
		m.mu.Lock()
		m.gc = gc
		m.mu.Unlock()
		Logger().Info("stage: graphics context created")
	}
	if err := m.gc.Update(delta); err != nil {
		return InputSnapshot{}, fmt.Errorf("stage: context update: %w", err)
	}
	if err := m.gc.BeginFrame(); err != nil {
		return InputSnapshot{}, fmt.Errorf("stage: begin frame: %w", err)
	}

	frameNo := m.frameCount.Load() + 1

	// Step 4: general draw pass under the draw gate.
	if err := m.drawGate.Acquire(ctx); err != nil {
		return InputSnapshot{}, errStopped
	}
	err := m.drawPass(frameNo, delta)
	m.drawGate.Release()
	if err != nil {
		return InputSnapshot{}, err
	}

	// Step 5: GUI overlay pass under its own gate.
	m.mu.Lock()
	gui := m.guiRenderer
	m.mu.Unlock()
	if gui != nil {
		if err := m.guiGate.Acquire(ctx); err != nil {
			return InputSnapshot{}, errStopped
		}
		err := gui.RenderGUI(delta, m.gc)
		m.guiGate.Release()
		if err != nil {
			return InputSnapshot{}, fmt.Errorf("stage: GUI pass: %w", err)
		}
	}

	// Step 6: pre-submit hooks, then submission.
	m.serviceFrameCaptures(m.gc)
	if err := m.gc.EndAndSubmitFrame(); err != nil {
		return InputSnapshot{}, fmt.Errorf("stage: submit frame: %w", err)
	}

	m.frameCount.Store(frameNo)

	// Step 7: the deferred releases unwind frame gate then window gate.
	var snap InputSnapshot
	if src, ok := m.window.(InputSource); ok {
		snap = src.TakeInput()
		m.mu.Lock()
		m.lastInput = snap
		m.mu.Unlock()
	}
	return snap, nil
}

// drawPass visits render levels in ascending order; within each level it
// enqueues the scene's operations into a freshly cleared draw queue and
// replays the drained priority order into every target at that level.
func (m *Manager) drawPass(frameNo uint64, delta float64) error {
	m.mu.Lock()
	scene := m.scene
	targetsByLevel := make(map[RenderLevel][]RenderTarget, len(m.targets))
	for level, targets := range m.targets {
		targetsByLevel[level] = append([]RenderTarget(nil), targets...)
	}
	m.mu.Unlock()

	if scene == nil {
		m.logOncePerManager(&m.warnedNoScene, "stage: no scene set, skipping draw pass")
		return nil
	}
	ops := scene.DrawOperations()
	if ops == nil {
		m.logOncePerManager(&m.warnedNoScene, "stage: scene has no draw operations for this context")
		return nil
	}
	if len(targetsByLevel) == 0 {
		m.logOncePerManager(&m.warnedNoTargets, "stage: no render targets registered")
		return nil
	}

	// Visit every level that has operations or targets: a target at a
	// level with no eligible operations still gets its Begin/End bracket,
	// so its clear pass runs and it never holds stale content.
	levels := ops.Levels()
	for level := range targetsByLevel {
		if !slices.Contains(levels, level) {
			levels = append(levels, level)
		}
	}
	slices.Sort(levels)

	queue := NewDrawQueue()
	for _, level := range levels {
		targets := targetsByLevel[level]
		if len(targets) == 0 {
			Logger().Debug("stage: render level has no targets", "level", uint32(level))
			continue
		}

		queue.Clear()
		if n := ops.enqueueLevel(level, queue); n == 0 {
			Logger().Debug("stage: render level has no eligible operations", "level", uint32(level))
		}
		drained := queue.drain()

		// Lifecycle work happens once per operation per frame, before any
		// target draws it: first-use resource creation, dirty refresh.
		live := drained[:0]
		for _, op := range drained {
			if err := op.base().prepare(frameNo, m.gc); err != nil {
				Logger().Warn("stage: draw operation failed, removing from draw set",
					"level", uint32(level), "error", err)
				op.base().failOnFrame()
				continue
			}
			live = append(live, op)
		}

		for _, target := range targets {
			if err := target.BeginFrame(delta, m.gc); err != nil {
				return fmt.Errorf("stage: target begin frame (level %d): %w", level, err)
			}
			for _, op := range live {
				if err := target.RenderDrawOperation(delta, m.gc, op); err != nil {
					Logger().Warn("stage: render draw operation failed, removing from draw set",
						"level", uint32(level), "error", err)
					op.base().failOnFrame()
				}
			}
			if err := target.EndFrame(m.gc); err != nil {
				return fmt.Errorf("stage: target end frame (level %d): %w", level, err)
			}
		}
	}
	return nil
}

// logOncePerManager logs a nuisance condition at Warn the first time and
// Debug afterwards, so a persistent misconfiguration does not spam every
// frame.
func (m *Manager) logOncePerManager(flag *atomic.Bool, msg string) {
	if !flag.Swap(true) {
		Logger().Warn(msg)
		return
	}
	Logger().Debug(msg)
}

// drainDeferred runs queued window-thread actions. Bounded by the queue
// capacity, so a producer enqueueing during the drain cannot starve the
// frame.
func (m *Manager) drainDeferred() {
	for i := 0; i < cap(m.deferred); i++ {
		select {
		case fn := <-m.deferred:
			fn()
		default:
			return
		}
	}
}

// propagateInput hands the snapshot to the fan-out goroutine without
// blocking the loop on subscriber completion. When the previous snapshot
// was not consumed yet it is replaced, never reordered.
func (m *Manager) propagateInput(snap InputSnapshot) {
	for {
		select {
		case m.inputCh <- snap:
			return
		default:
		}
		select {
		case <-m.inputCh:
		default:
		}
	}
}

// inputFanOut delivers snapshots to subscribers in order, on one
// goroutine, for the lifetime of the frame loop.
func (m *Manager) inputFanOut() {
	for {
		select {
		case snap := <-m.inputCh:
			m.mu.Lock()
			subs := slices.Clone(m.inputSubs)
			m.mu.Unlock()
			for _, fn := range subs {
				fn(snap)
			}
		case <-m.done:
			return
		}
	}
}

// updateFrameStats folds the last frame's duration into the rolling
// average with exponential weighting.
func (m *Manager) updateFrameStats() {
	cur := time.Since(m.lastFrame)
	w := m.cfg.FrameTimeSmoothing
	prev := time.Duration(m.avgFrameNanos.Load())
	if prev == 0 {
		prev = cur
	}
	avg := time.Duration((1-w)*float64(prev) + w*float64(cur))
	m.avgFrameNanos.Store(uint64(avg))
}

// handleResize re-derives cached projection state while the frame lock is
// held, so no frame observes a half-updated projection.
func (m *Manager) handleResize(width, height int) {
	_ = m.frameGate.Acquire(context.Background())
	defer m.frameGate.Release()
	m.mu.Lock()
	gc := m.gc
	m.mu.Unlock()
	if r, ok := gc.(Resizer); ok {
		r.Resize(width, height)
	}
	Logger().Debug("stage: window resized", "width", width, "height", height)
}

// teardown disposes backend resources while holding the frame gate, so no
// draw operation observes a half-torn-down context.
func (m *Manager) teardown() {
	if !m.frameGate.AcquireFor(time.Second) {
		Logger().Warn("stage: teardown could not take frame lock, disposing anyway")
	} else {
		defer m.frameGate.Release()
	}
	m.failPendingScreenshots(ErrNotRunning)
	if m.gc != nil {
		m.gc.Dispose()
		m.gc = nil
	}
	Logger().Info("stage: frame loop stopped", "frames", m.frameCount.Load())
}
