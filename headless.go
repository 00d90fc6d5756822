package stage

import (
	"errors"
	"image"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// HeadlessContext is a Context without a GPU behind it. It tracks the
// frame protocol strictly, erroring on out-of-order calls, which makes it
// the reference backend for tests, tools, and CI machines without a
// device. CaptureFrame returns a blank surface-sized image so the
// screenshot boundary works end to end.
type HeadlessContext struct {
	mu       sync.Mutex
	width    int
	height   int
	elapsed  float64
	inFrame  bool
	updated  bool
	frames   uint64
	disposed bool
}

// NewHeadlessContext creates a headless context for a surface of the
// given size.
func NewHeadlessContext(width, height int) *HeadlessContext {
	return &HeadlessContext{width: width, height: height}
}

// Update advances the elapsed clock. Must be called before BeginFrame.
func (c *HeadlessContext) Update(delta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.inFrame {
		return errors.New("stage: Update called inside a frame")
	}
	c.elapsed += delta
	c.updated = true
	return nil
}

// BeginFrame opens a frame. Requires a preceding Update.
func (c *HeadlessContext) BeginFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if !c.updated {
		return errors.New("stage: BeginFrame without preceding Update")
	}
	if c.inFrame {
		return errors.New("stage: BeginFrame called twice")
	}
	c.inFrame = true
	c.updated = false
	return nil
}

// EndAndSubmitFrame closes the frame opened by BeginFrame.
func (c *HeadlessContext) EndAndSubmitFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if !c.inFrame {
		return errors.New("stage: EndAndSubmitFrame without BeginFrame")
	}
	c.inFrame = false
	c.frames++
	return nil
}

// FrameInfo returns an orthographic projection over the surface and the
// elapsed clock.
func (c *HeadlessContext) FrameInfo() FrameInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FrameInfo{
		Projection: mgl32.Ortho2D(0, float32(c.width), float32(c.height), 0),
		Elapsed:    c.elapsed,
		Width:      c.width,
		Height:     c.height,
	}
}

// CaptureFrame returns a blank RGBA image of the surface size.
func (c *HeadlessContext) CaptureFrame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	return image.NewRGBA(image.Rect(0, 0, c.width, c.height)), nil
}

// Resize records the new surface size; the projection follows.
func (c *HeadlessContext) Resize(width, height int) {
	c.mu.Lock()
	c.width = width
	c.height = height
	c.mu.Unlock()
}

// Frames returns the number of submitted frames.
func (c *HeadlessContext) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Dispose marks the context unusable.
func (c *HeadlessContext) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
}

var (
	_ Context       = (*HeadlessContext)(nil)
	_ FrameCapturer = (*HeadlessContext)(nil)
	_ Resizer       = (*HeadlessContext)(nil)
)

// HeadlessWindow is a Window without a platform behind it. Tests and
// tools inject input and resizes programmatically.
type HeadlessWindow struct {
	mu     sync.Mutex
	width  int
	height int
	resize func(int, int)
	input  InputSnapshot
	pumped uint64
}

// NewHeadlessWindow creates a window of the given size.
func NewHeadlessWindow(width, height int) *HeadlessWindow {
	return &HeadlessWindow{width: width, height: height}
}

// Size returns the current drawable size.
func (w *HeadlessWindow) Size() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

// PumpEvents counts pump calls; there is no real event queue.
func (w *HeadlessWindow) PumpEvents() {
	w.mu.Lock()
	w.pumped++
	w.mu.Unlock()
}

// OnResize registers the resize callback.
func (w *HeadlessWindow) OnResize(fn func(width, height int)) {
	w.mu.Lock()
	w.resize = fn
	w.mu.Unlock()
}

// SetSize changes the drawable size and fires the resize callback, the
// way a platform window would on the windowing thread.
func (w *HeadlessWindow) SetSize(width, height int) {
	w.mu.Lock()
	w.width = width
	w.height = height
	fn := w.resize
	w.mu.Unlock()
	if fn != nil {
		fn(width, height)
	}
}

// InjectKey records a key press into the accumulating snapshot.
func (w *HeadlessWindow) InjectKey(code uint32) {
	w.mu.Lock()
	w.input.Keys = append(w.input.Keys, code)
	w.mu.Unlock()
}

// InjectPointer records the pointer position and button mask.
func (w *HeadlessWindow) InjectPointer(x, y float64, buttons uint8) {
	w.mu.Lock()
	w.input.MouseX = x
	w.input.MouseY = y
	w.input.Buttons = buttons
	w.mu.Unlock()
}

// TakeInput returns the accumulated snapshot and clears it.
func (w *HeadlessWindow) TakeInput() InputSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := w.input
	w.input = InputSnapshot{MouseX: snap.MouseX, MouseY: snap.MouseY}
	return snap
}

var (
	_ Window      = (*HeadlessWindow)(nil)
	_ InputSource = (*HeadlessWindow)(nil)
)

// CaptureTarget is a RenderTarget that records the order of the draw
// calls it receives. Each BeginFrame starts a new frame record.
type CaptureTarget struct {
	mu     sync.Mutex
	frames [][]DrawOperation
	begun  bool
}

// NewCaptureTarget creates an empty capture target.
func NewCaptureTarget() *CaptureTarget {
	return &CaptureTarget{}
}

// BeginFrame starts a new frame record.
func (t *CaptureTarget) BeginFrame(_ float64, _ Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.begun {
		return errors.New("stage: BeginFrame called twice on capture target")
	}
	t.begun = true
	t.frames = append(t.frames, nil)
	return nil
}

// RenderDrawOperation records the operation and forwards to its draw hook.
func (t *CaptureTarget) RenderDrawOperation(delta float64, gc Context, op DrawOperation) error {
	t.mu.Lock()
	if !t.begun {
		t.mu.Unlock()
		return errors.New("stage: RenderDrawOperation outside a frame")
	}
	last := len(t.frames) - 1
	t.frames[last] = append(t.frames[last], op)
	t.mu.Unlock()
	return op.base().Render(delta, gc, t)
}

// EndFrame closes the current frame record.
func (t *CaptureTarget) EndFrame(_ Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.begun {
		return errors.New("stage: EndFrame without BeginFrame")
	}
	t.begun = false
	return nil
}

// Frames returns a copy of all recorded frames in order.
func (t *CaptureTarget) Frames() [][]DrawOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]DrawOperation, len(t.frames))
	for i, frame := range t.frames {
		out[i] = append([]DrawOperation(nil), frame...)
	}
	return out
}

var _ RenderTarget = (*CaptureTarget)(nil)
