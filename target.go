// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/stage/transform"
)

// RenderTarget receives one render level's ordered draw calls for a single
// destination surface: a window swapchain, an offscreen framebuffer, a
// camera view.
//
// Per frame, per level, the frame loop invokes BeginFrame once, then
// RenderDrawOperation once per dequeued operation in priority order, then
// EndFrame once. Multiple targets registered at the same level each
// receive the full sequence of that level's operations.
//
// RenderDrawOperation implementations submit by calling op.Render(delta,
// gc, target), bracketed by whatever target-specific command-buffer state
// the backend requires. The lifecycle work (resource creation, GPU state
// refresh) has already happened by the time the target sees the operation.
type RenderTarget interface {
	BeginFrame(delta float64, gc Context) error
	RenderDrawOperation(delta float64, gc Context, op DrawOperation) error
	EndFrame(gc Context) error
}

// ContextChecker is optionally implemented by render targets that only
// work with a specific Context implementation. AddRenderTarget consults it
// and rejects mismatches at registration time instead of mid-frame.
type ContextChecker interface {
	Compatible(gc Context) error
}

// TargetBase is an embeddable helper for render target implementations:
// it owns the target's view transformation and the lazily-created
// target-specific resources (e.g. a transformation uniform buffer).
type TargetBase struct {
	mu      sync.Mutex
	width   int
	height  int
	format  gputypes.TextureFormat
	view    *transform.State
	created bool
}

// NewTargetBase returns a base for a surface of the given size and format.
func NewTargetBase(width, height int, format gputypes.TextureFormat) TargetBase {
	return TargetBase{
		width:  width,
		height: height,
		format: format,
		view:   transform.NewState(),
	}
}

// Width returns the target width in pixels.
func (t *TargetBase) Width() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width
}

// Height returns the target height in pixels.
func (t *TargetBase) Height() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height
}

// Format returns the pixel format of the target.
func (t *TargetBase) Format() gputypes.TextureFormat {
	return t.format
}

// View returns the target's own transformation, e.g. a camera view fed
// into a per-target transformation buffer.
func (t *TargetBase) View() *transform.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.view == nil {
		t.view = transform.NewState()
	}
	return t.view
}

// Resize records a new surface size and invalidates the lazily-created
// resources so the next BeginFrame rebuilds them.
func (t *TargetBase) Resize(width, height int) {
	t.mu.Lock()
	t.width = width
	t.height = height
	t.created = false
	t.mu.Unlock()
}

// EnsureResources runs create once per (re)creation cycle. Targets call it
// from BeginFrame to build target-specific GPU resources on first use.
func (t *TargetBase) EnsureResources(gc Context, create func(gc Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.created {
		return nil
	}
	if create != nil {
		if err := create(gc); err != nil {
			return err
		}
	}
	t.created = true
	return nil
}
