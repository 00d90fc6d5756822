// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/stage/transform"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// rig wires a headless window, context, manager, and scene together.
type rig struct {
	window  *HeadlessWindow
	gc      *HeadlessContext
	manager *Manager
	ops     *Operations
}

func newRig(t *testing.T) *rig {
	t.Helper()
	window := NewHeadlessWindow(320, 240)
	gc := NewHeadlessContext(320, 240)
	m, err := New(window, func(Window) (Context, error) { return gc, nil }, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ops := NewOperations()
	m.SetScene(SceneFunc(func() *Operations { return ops }))
	return &rig{window: window, gc: gc, manager: m, ops: ops}
}

func (r *rig) run(t *testing.T) {
	t.Helper()
	runErr := make(chan error, 1)
	go func() { runErr <- r.manager.Run(context.Background()) }()
	t.Cleanup(func() {
		r.manager.Stop()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after Stop")
		}
	})
}

func TestManager_NewValidation(t *testing.T) {
	factory := func(Window) (Context, error) { return NewHeadlessContext(1, 1), nil }

	if _, err := New(nil, factory, DefaultConfig()); err == nil {
		t.Error("New(nil window) error = nil, want failure")
	}
	if _, err := New(NewHeadlessWindow(1, 1), nil, DefaultConfig()); err == nil {
		t.Error("New(nil factory) error = nil, want failure")
	}

	// A zero config is filled with defaults, not rejected.
	m, err := New(NewHeadlessWindow(1, 1), factory, Config{})
	if err != nil {
		t.Fatalf("New(zero config) error = %v", err)
	}
	if m.cfg.WindowWaitSlice != DefaultConfig().WindowWaitSlice {
		t.Errorf("WindowWaitSlice = %v, want default %v",
			m.cfg.WindowWaitSlice, DefaultConfig().WindowWaitSlice)
	}
}

func TestManager_FramesAdvance(t *testing.T) {
	r := newRig(t)
	r.run(t)

	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 3 })
	if !r.manager.IsRunning() {
		t.Error("IsRunning() = false while loop is live")
	}
	if r.manager.AverageFrameTime() <= 0 {
		t.Error("AverageFrameTime() = 0 after frames ran")
	}
	if r.manager.FPS() <= 0 {
		t.Error("FPS() = 0 after frames ran")
	}
}

func TestManager_DrawOrderByPriority(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	if err := r.manager.AddRenderTarget(0, target); err != nil {
		t.Fatalf("AddRenderTarget() error = %v", err)
	}

	five := &labeledOp{name: "five"}
	one := &labeledOp{name: "one"}
	three := &labeledOp{name: "three"}
	for _, op := range []*labeledOp{five, one, three} {
		if err := r.ops.Add(0, op); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	five.SetPreferredPriority(5)
	one.SetPreferredPriority(1)
	three.SetPreferredPriority(3)
	if err := r.ops.AwaitLoaded(context.Background()); err != nil {
		t.Fatalf("AwaitLoaded() error = %v", err)
	}

	r.run(t)
	waitFor(t, "captured frames", func() bool { return len(target.Frames()) >= 2 })

	// The newest record may belong to an in-progress frame; inspect the
	// previous one, which is complete.
	frames := target.Frames()
	last := frames[len(frames)-2]
	want := []string{"five", "three", "one"}
	if len(last) != len(want) {
		t.Fatalf("captured frame has %d operations, want %d", len(last), len(want))
	}
	for i, w := range want {
		if name(last[i]) != w {
			t.Errorf("draw order[%d] = %q, want %q", i, name(last[i]), w)
		}
	}
}

func TestManager_LevelsRenderAscending(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	for _, level := range []RenderLevel{0, 2} {
		if err := r.manager.AddRenderTarget(level, target); err != nil {
			t.Fatalf("AddRenderTarget() error = %v", err)
		}
	}

	background := &labeledOp{name: "background"}
	overlay := &labeledOp{name: "overlay"}
	if err := r.ops.Add(2, overlay); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.ops.Add(0, background); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.ops.AwaitLoaded(context.Background()); err != nil {
		t.Fatalf("AwaitLoaded() error = %v", err)
	}

	r.run(t)
	// The target is registered at two levels, so each frame appends two
	// records: level 0 first, level 2 second.
	waitFor(t, "two level records", func() bool { return len(target.Frames()) >= 4 })

	frames := target.Frames()
	found := false
	for i := 0; i+1 < len(frames); i++ {
		if len(frames[i]) == 1 && name(frames[i][0]) == "background" &&
			len(frames[i+1]) == 1 && name(frames[i+1][0]) == "overlay" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no [background] record followed by [overlay] record in %d records", len(frames))
	}
}

func opNames(ops []DrawOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = name(op)
	}
	return out
}

func TestManager_MultipleTargetsSeeFullLevel(t *testing.T) {
	r := newRig(t)
	first := NewCaptureTarget()
	second := NewCaptureTarget()
	_ = r.manager.AddRenderTarget(0, first)
	_ = r.manager.AddRenderTarget(0, second)

	a := &labeledOp{name: "a"}
	b := &labeledOp{name: "b"}
	_ = r.ops.Add(0, a)
	_ = r.ops.Add(0, b)
	a.SetPreferredPriority(2)
	b.SetPreferredPriority(1)
	_ = r.ops.AwaitLoaded(context.Background())

	r.run(t)
	waitFor(t, "both targets captured", func() bool {
		return len(first.Frames()) >= 2 && len(second.Frames()) >= 2
	})

	for i, target := range []*CaptureTarget{first, second} {
		frames := target.Frames()
		got := opNames(frames[len(frames)-2])
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("target %d saw %v, want [a b]", i, got)
		}
	}
}

func TestManager_WaitUntilReadyResolvesViaFrames(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	_ = r.manager.AddRenderTarget(0, target)

	op := &countingOp{}
	if err := r.ops.Add(0, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if op.IsReady() {
		t.Fatal("IsReady() = true before any frame ran")
	}

	r.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := op.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}
	if n := op.creates.Load(); n != 1 {
		t.Errorf("CreateGPUResources calls = %d, want 1", n)
	}
}

func TestManager_DisposeRemovesFromSubsequentFrames(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	_ = r.manager.AddRenderTarget(0, target)

	keeper := &labeledOp{name: "keeper"}
	doomed := &labeledOp{name: "doomed"}
	_ = r.ops.Add(0, keeper)
	_ = r.ops.Add(0, doomed)
	_ = r.ops.AwaitLoaded(context.Background())

	r.run(t)
	waitFor(t, "both drawn", func() bool {
		frames := target.Frames()
		return len(frames) > 0 && len(frames[len(frames)-1]) == 2
	})

	doomed.Dispose()
	mark := len(target.Frames())
	waitFor(t, "frames after disposal", func() bool { return len(target.Frames()) > mark+2 })

	frames := target.Frames()
	last := frames[len(frames)-2]
	if len(last) != 1 || name(last[0]) != "keeper" {
		t.Errorf("post-disposal frame = %v, want [keeper]", opNames(last))
	}
	if r.ops.OperationCount() != 1 {
		t.Errorf("OperationCount() = %d, want 1", r.ops.OperationCount())
	}
}

func TestManager_FailingOperationRemovedLoopSurvives(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	_ = r.manager.AddRenderTarget(0, target)

	healthy := &labeledOp{name: "healthy"}
	broken := &countingOp{createErr: errors.New("out of device memory")}
	_ = r.ops.Add(0, healthy)
	_ = r.ops.Add(0, broken)
	_ = r.ops.AwaitLoaded(context.Background())

	r.run(t)
	waitFor(t, "healthy op drawn alone", func() bool {
		frames := target.Frames()
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1]
		return len(last) == 1 && name(last[0]) == "healthy"
	})

	if err := r.manager.Err(); err != nil {
		t.Errorf("Err() = %v, want nil (op failure must not fault the loop)", err)
	}
	if n := broken.creates.Load(); n != 1 {
		t.Errorf("broken op creation attempts = %d, want 1", n)
	}
	if r.ops.OperationCount() != 1 {
		t.Errorf("OperationCount() = %d, want 1 (broken op removed)", r.ops.OperationCount())
	}
}

func TestManager_FactoryFailureFaultsLoop(t *testing.T) {
	wantErr := errors.New("no adapter")
	window := NewHeadlessWindow(64, 64)
	m, err := New(window, func(Window) (Context, error) { return nil, wantErr }, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	runErr := m.Run(context.Background())
	if !errors.Is(runErr, wantErr) {
		t.Fatalf("Run() error = %v, want %v", runErr, wantErr)
	}
	if !errors.Is(m.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", m.Err(), wantErr)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true after fault")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.AwaitIfFaulted(ctx); !errors.Is(err, wantErr) {
		t.Errorf("AwaitIfFaulted() = %v, want %v", err, wantErr)
	}
}

func TestManager_WaitUntilReadyObservesLoopFault(t *testing.T) {
	window := NewHeadlessWindow(64, 64)
	wantErr := errors.New("context exploded")
	m, err := New(window, func(Window) (Context, error) { return nil, wantErr }, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ops := NewOperations()
	m.SetScene(SceneFunc(func() *Operations { return ops }))

	op := &countingOp{}
	if err := ops.Add(0, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	go func() { _ = m.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := op.WaitUntilReady(ctx); !errors.Is(err, wantErr) {
		t.Errorf("WaitUntilReady() error = %v, want loop fault %v", err, wantErr)
	}
}

func TestManager_StopDisposesContext(t *testing.T) {
	r := newRig(t)
	runErr := make(chan error, 1)
	go func() { runErr <- r.manager.Run(context.Background()) }()

	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })
	r.manager.Stop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Stop")
	}

	if err := r.gc.Update(0.016); !errors.Is(err, ErrDisposed) {
		t.Errorf("context Update after teardown: error = %v, want ErrDisposed", err)
	}
	if r.manager.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestManager_RunOnWindowThread(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	var ran atomic.Bool
	if err := r.manager.RunOnWindowThread(func() { ran.Store(true) }); err != nil {
		t.Fatalf("RunOnWindowThread() error = %v", err)
	}
	waitFor(t, "deferred action", func() bool { return ran.Load() })
}

func TestManager_RunOnWindowThreadQueueFull(t *testing.T) {
	window := NewHeadlessWindow(64, 64)
	cfg := DefaultConfig()
	cfg.DeferredQueueSize = 2
	m, err := New(window, func(Window) (Context, error) { return NewHeadlessContext(64, 64), nil }, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The loop is not running, so the queue only drains when full.
	if err := m.RunOnWindowThread(func() {}); err != nil {
		t.Fatalf("RunOnWindowThread() #1 error = %v", err)
	}
	if err := m.RunOnWindowThread(func() {}); err != nil {
		t.Fatalf("RunOnWindowThread() #2 error = %v", err)
	}
	if err := m.RunOnWindowThread(func() {}); err == nil {
		t.Error("RunOnWindowThread() on full queue: error = nil, want failure")
	}
}

func TestManager_SuspendRendering(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	resume, err := r.manager.SuspendRendering(context.Background())
	if err != nil {
		t.Fatalf("SuspendRendering() error = %v", err)
	}

	// Let any in-flight frame finish, then verify progression stopped but
	// the loop keeps servicing the platform pump.
	settled := r.manager.FrameCount()
	waitFor(t, "pump while suspended", func() bool {
		r.window.mu.Lock()
		defer r.window.mu.Unlock()
		return r.window.pumped > 0
	})
	time.Sleep(20 * time.Millisecond)
	if got := r.manager.FrameCount(); got > settled+1 {
		t.Errorf("FrameCount() advanced from %d to %d while suspended", settled, got)
	}

	resume()
	waitFor(t, "frames after resume", func() bool {
		return r.manager.FrameCount() > settled+1
	})
}

func TestManager_LockFrameExcludesProgression(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	release, err := r.manager.LockFrame(context.Background())
	if err != nil {
		t.Fatalf("LockFrame() error = %v", err)
	}
	settled := r.manager.FrameCount()
	time.Sleep(20 * time.Millisecond)
	if got := r.manager.FrameCount(); got > settled+1 {
		t.Errorf("FrameCount() advanced from %d to %d while frame-locked", settled, got)
	}
	release()
	waitFor(t, "frames after release", func() bool {
		return r.manager.FrameCount() > settled+1
	})
}

func TestManager_InputFanOut(t *testing.T) {
	r := newRig(t)

	var mu sync.Mutex
	var keys []uint32
	r.manager.SubscribeInput(func(snap InputSnapshot) {
		mu.Lock()
		keys = append(keys, snap.Keys...)
		mu.Unlock()
	})

	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	r.window.InjectKey(42)
	waitFor(t, "key delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			if k == 42 {
				return true
			}
		}
		return false
	})
}

// animatedOp repositions itself inside UpdateGPUState and requests the
// next update from Draw, mirroring the orbit example's drawables.
type animatedOp struct {
	Operation
	updates atomic.Int64
}

func (o *animatedOp) CreateGPUResources(Context) error { return nil }

func (o *animatedOp) UpdateGPUState(Context) error {
	n := o.updates.Add(1)
	pos := mgl32.Vec3{float32(n), 0, 0}
	o.Transform(transform.Changes{Translation: &pos})
	return nil
}

func (o *animatedOp) Draw(float64, Context, RenderTarget) error {
	o.NotifyPendingGPUUpdate()
	return nil
}

func (o *animatedOp) ReleaseGPUResources() {}

func TestManager_SelfMutatingOperationAnimates(t *testing.T) {
	r := newRig(t)
	op := &animatedOp{}
	if err := r.ops.Add(0, op); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.manager.AddRenderTarget(0, NewCaptureTarget()); err != nil {
		t.Fatalf("AddRenderTarget() error = %v", err)
	}
	r.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := op.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady() error = %v", err)
	}

	// The operation keeps animating: every frame's draw requests the next
	// update, and every update moves it one unit further.
	waitFor(t, "animated position", func() bool {
		state := op.Transformation()
		return state != nil && state.Translation().X() >= 3
	})
	if n := op.updates.Load(); n < 3 {
		t.Errorf("updates = %d, want >= 3", n)
	}
}

func TestManager_TargetWithoutOperationsStillBracketed(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	if err := r.manager.AddRenderTarget(2, target); err != nil {
		t.Fatalf("AddRenderTarget() error = %v", err)
	}
	r.run(t)

	// The scene has no operations at level 2, yet the target must receive
	// its BeginFrame/EndFrame bracket every frame so its clear pass runs.
	waitFor(t, "empty-level frame brackets", func() bool { return len(target.Frames()) >= 3 })
	for i, frame := range target.Frames() {
		if len(frame) != 0 {
			t.Fatalf("frame %d recorded %d operations, want 0", i, len(frame))
		}
	}
}

func TestManager_InputDeliveredInFrameOrder(t *testing.T) {
	r := newRig(t)

	var mu sync.Mutex
	var keys []uint32
	r.manager.SubscribeInput(func(snap InputSnapshot) {
		mu.Lock()
		keys = append(keys, snap.Keys...)
		mu.Unlock()
	})

	r.run(t)
	for k := uint32(1); k <= 10; k++ {
		r.window.InjectKey(k)
		mark := r.manager.FrameCount()
		waitFor(t, "frame advance", func() bool { return r.manager.FrameCount() >= mark+2 })
	}

	// Snapshots may be dropped under backlog but never reordered.
	waitFor(t, "key delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("keys delivered out of order: %v", keys)
		}
	}
}

func TestManager_ResizeReachesContext(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	r.window.SetSize(800, 600)

	waitFor(t, "resized projection", func() bool {
		info := r.gc.FrameInfo()
		return info.Width == 800 && info.Height == 600
	})
}

type guiSpy struct {
	renders atomic.Int64
}

func (g *guiSpy) RenderGUI(float64, Context) error {
	g.renders.Add(1)
	return nil
}

func TestManager_GUIRendererRunsEachFrame(t *testing.T) {
	r := newRig(t)
	gui := &guiSpy{}
	r.manager.SetGUIRenderer(gui)

	r.run(t)
	waitFor(t, "GUI passes", func() bool { return gui.renders.Load() >= 3 })

	if gui.renders.Load() > int64(r.manager.FrameCount())+1 {
		t.Errorf("GUI passes = %d, frames = %d: at most one pass per frame",
			gui.renders.Load(), r.manager.FrameCount())
	}
}

func TestManager_TargetRegistrationChecksCompatibility(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "context creation", func() bool { return r.manager.FrameCount() >= 1 })

	if err := r.manager.AddRenderTarget(0, &incompatibleTarget{}); !errors.Is(err, ErrIncompatibleTarget) {
		t.Errorf("AddRenderTarget() error = %v, want ErrIncompatibleTarget", err)
	}
}

type incompatibleTarget struct{}

func (t *incompatibleTarget) Compatible(Context) error {
	return ErrIncompatibleTarget
}
func (t *incompatibleTarget) BeginFrame(float64, Context) error { return nil }
func (t *incompatibleTarget) RenderDrawOperation(float64, Context, DrawOperation) error {
	return nil
}
func (t *incompatibleTarget) EndFrame(Context) error { return nil }

func TestManager_RemoveRenderTarget(t *testing.T) {
	r := newRig(t)
	target := NewCaptureTarget()
	_ = r.manager.AddRenderTarget(0, target)

	if !r.manager.RemoveRenderTarget(0, target) {
		t.Error("RemoveRenderTarget() = false, want true")
	}
	if r.manager.RemoveRenderTarget(0, target) {
		t.Error("RemoveRenderTarget() repeated = true, want false")
	}
}
