// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"
)

// screenshotRequest is one queued screenshot: the destination stream and
// the one-shot completion channel the producer signals.
type screenshotRequest struct {
	w    io.Writer
	done chan error
}

// RequestScreenshot queues a capture of the next rendered frame, encoded
// as PNG into w before final submission. The returned channel receives
// exactly one value: nil on success, or the capture/encode error. If the
// manager stops before the next frame, the request fails with
// ErrNotRunning.
func (m *Manager) RequestScreenshot(w io.Writer) <-chan error {
	done := make(chan error, 1)
	if w == nil {
		done <- errors.New("stage: screenshot writer must not be nil")
		return done
	}
	m.shotMu.Lock()
	m.shots = append(m.shots, screenshotRequest{w: w, done: done})
	m.shotMu.Unlock()
	return done
}

// FrameHook receives a CPU-readable copy of every rendered frame on a
// bounded queue. When the consumer falls behind, the oldest pending frame
// is dropped; the frame loop never blocks on a hook.
type FrameHook struct {
	frames chan *image.RGBA
	width  int
	height int
	closed atomic.Bool
	m      *Manager
}

// AddFrameHook registers a frame hook holding up to capacity pending
// frames. If width and height are positive, captured frames are scaled to
// that size; otherwise they keep the surface size.
func (m *Manager) AddFrameHook(capacity, width, height int) *FrameHook {
	if capacity <= 0 {
		capacity = 2
	}
	h := &FrameHook{
		frames: make(chan *image.RGBA, capacity),
		width:  width,
		height: height,
		m:      m,
	}
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
	return h
}

// TryNext returns the oldest pending frame copy, or ok=false when none is
// pending. Consumers poll it at their own pace.
func (h *FrameHook) TryNext() (frame *image.RGBA, ok bool) {
	select {
	case frame = <-h.frames:
		return frame, true
	default:
		return nil, false
	}
}

// Close detaches the hook. Pending frames are discarded.
func (h *FrameHook) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.m.hookMu.Lock()
	hooks := h.m.hooks
	for i, other := range hooks {
		if other == h {
			h.m.hooks = append(hooks[:i:i], hooks[i+1:]...)
			break
		}
	}
	h.m.hookMu.Unlock()
}

// push enqueues a frame, dropping the oldest pending one on overflow.
func (h *FrameHook) push(frame *image.RGBA) {
	for {
		select {
		case h.frames <- frame:
			return
		default:
		}
		select {
		case <-h.frames:
		default:
		}
	}
}

// serviceFrameCaptures drains pending screenshot requests and feeds
// registered frame hooks. Runs on the frame goroutine right before
// submission, so the captured surface is the frame being submitted.
func (m *Manager) serviceFrameCaptures(gc Context) {
	m.shotMu.Lock()
	shots := m.shots
	m.shots = nil
	m.shotMu.Unlock()

	m.hookMu.Lock()
	hooks := append([]*FrameHook(nil), m.hooks...)
	m.hookMu.Unlock()

	if len(shots) == 0 && len(hooks) == 0 {
		return
	}

	capturer, ok := gc.(FrameCapturer)
	if !ok {
		err := errors.New("stage: graphics context does not support frame capture")
		for _, s := range shots {
			s.done <- err
		}
		return
	}

	src, err := capturer.CaptureFrame()
	if err != nil {
		err = fmt.Errorf("stage: capture frame: %w", err)
		Logger().Warn("stage: frame capture failed", "error", err)
		for _, s := range shots {
			s.done <- err
		}
		return
	}

	for _, s := range shots {
		s.done <- writePNG(s.w, src)
	}
	for _, h := range hooks {
		if h.closed.Load() {
			continue
		}
		h.push(rgbaCopy(src, h.width, h.height))
	}
}

// failPendingScreenshots completes queued requests with err during
// teardown so no waiter hangs on a frame that will never render.
func (m *Manager) failPendingScreenshots(err error) {
	m.shotMu.Lock()
	shots := m.shots
	m.shots = nil
	m.shotMu.Unlock()
	for _, s := range shots {
		s.done <- err
	}
}

// writePNG encodes src as PNG into w.
func writePNG(w io.Writer, src image.Image) error {
	if err := png.Encode(w, src); err != nil {
		return fmt.Errorf("stage: encode screenshot: %w", err)
	}
	return nil
}

// rgbaCopy converts src into a fresh RGBA image, scaling to width x height
// when both are positive. Captured surfaces may be BGRA or padded; the
// draw fallback path handles any source format.
func rgbaCopy(src image.Image, width, height int) *image.RGBA {
	bounds := src.Bounds()
	if width <= 0 || height <= 0 {
		dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		xdraw.Draw(dst, dst.Bounds(), src, bounds.Min, xdraw.Src)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst
}
