// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"image"

	"github.com/go-gl/mathgl/mgl32"
)

// Context is the backend-specific bundle the frame loop drives. A Context
// bundles the device handle, the per-frame uniform data, and the command
// recording state for one output surface.
//
// The Manager calls the three frame methods in a fixed order once per
// frame, always from the frame goroutine, always under the frame lock:
//
//	Update(delta) -> BeginFrame() -> (draw pass) -> EndAndSubmitFrame()
//
// Implementations live outside the core: the wgpu subpackage provides a
// GPU-backed Context, and [HeadlessContext] provides a no-GPU Context for
// tests and tools. Implementations need not be safe for concurrent use;
// the lock protocol guarantees single-goroutine access.
type Context interface {
	// Update advances per-frame uniform data (elapsed time, projection)
	// by delta seconds. Called before BeginFrame.
	Update(delta float64) error

	// BeginFrame prepares command recording for a new frame.
	BeginFrame() error

	// EndAndSubmitFrame finishes command recording and submits the frame
	// to the backend queue.
	EndAndSubmitFrame() error

	// FrameInfo returns the per-frame uniform data draw operations read
	// during their update and draw hooks.
	FrameInfo() FrameInfo

	// Dispose releases backend resources. Called by the Manager during
	// teardown while the frame lock is held, so no draw operation ever
	// observes a half-torn-down context.
	Dispose()
}

// FrameInfo is the per-frame uniform data a Context exposes to draw
// operations: the projection matrix for the output surface, the total
// elapsed time in seconds, and the surface size in pixels.
type FrameInfo struct {
	Projection mgl32.Mat4
	Elapsed    float64
	Width      int
	Height     int
}

// FrameCapturer is implemented by contexts that can copy the current
// frame into CPU-readable memory. The Manager's screenshot and frame-hook
// boundaries require it; requesting a screenshot from a context without
// CaptureFrame fails with a descriptive error.
type FrameCapturer interface {
	CaptureFrame() (image.Image, error)
}

// Resizer is implemented by contexts whose projection and surface-sized
// resources must be re-derived when the window size changes. The Manager
// invokes Resize while holding the frame lock.
type Resizer interface {
	Resize(width, height int)
}

// ContextFactory lazily creates the Context for a window. The Manager
// invokes it at most once, on the frame goroutine, under the frame lock,
// the first time a frame runs.
type ContextFactory func(w Window) (Context, error)
