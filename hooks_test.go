// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package stage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"
)

func TestManager_RequestScreenshot(t *testing.T) {
	r := newRig(t)
	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	var buf bytes.Buffer
	done := r.manager.RequestScreenshot(&buf)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RequestScreenshot() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("screenshot did not complete")
	}

	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if got := img.Bounds().Dx(); got != 320 {
		t.Errorf("screenshot width = %d, want 320", got)
	}
	if got := img.Bounds().Dy(); got != 240 {
		t.Errorf("screenshot height = %d, want 240", got)
	}
}

func TestManager_RequestScreenshotNilWriter(t *testing.T) {
	r := newRig(t)

	select {
	case err := <-r.manager.RequestScreenshot(nil):
		if err == nil {
			t.Error("RequestScreenshot(nil) error = nil, want failure")
		}
	case <-time.After(time.Second):
		t.Fatal("nil-writer request did not complete immediately")
	}
}

func TestManager_ScreenshotFailsOnStop(t *testing.T) {
	r := newRig(t)
	runErr := make(chan error, 1)
	go func() { runErr <- r.manager.Run(context.Background()) }()
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 1 })

	// Suspend so the queued request cannot be serviced, then stop.
	resume, err := r.manager.SuspendRendering(context.Background())
	if err != nil {
		t.Fatalf("SuspendRendering() error = %v", err)
	}
	var buf bytes.Buffer
	done := r.manager.RequestScreenshot(&buf)
	r.manager.Stop()
	resume()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("pending screenshot error = %v, want ErrNotRunning", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending screenshot was not failed on stop")
	}
	<-runErr
}

func TestManager_ScreenshotUnsupportedContext(t *testing.T) {
	window := NewHeadlessWindow(64, 64)
	m, err := New(window, func(Window) (Context, error) { return &noCaptureContext{}, nil }, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	go func() { _ = m.Run(context.Background()) }()
	defer m.Stop()
	waitFor(t, "frames", func() bool { return m.FrameCount() >= 1 })

	var buf bytes.Buffer
	select {
	case err := <-m.RequestScreenshot(&buf):
		if err == nil {
			t.Error("screenshot on capture-less context: error = nil, want failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("screenshot did not complete")
	}
}

// noCaptureContext is a minimal Context without FrameCapturer.
type noCaptureContext struct{}

func (*noCaptureContext) Update(float64) error     { return nil }
func (*noCaptureContext) BeginFrame() error        { return nil }
func (*noCaptureContext) EndAndSubmitFrame() error { return nil }
func (*noCaptureContext) FrameInfo() FrameInfo     { return FrameInfo{} }
func (*noCaptureContext) Dispose()                 {}

func TestManager_FrameHookReceivesFrames(t *testing.T) {
	r := newRig(t)
	hook := r.manager.AddFrameHook(4, 0, 0)
	defer hook.Close()

	r.run(t)
	waitFor(t, "hook frame", func() bool {
		frame, ok := hook.TryNext()
		if !ok {
			return false
		}
		if got := frame.Bounds().Dx(); got != 320 {
			t.Errorf("hook frame width = %d, want 320", got)
		}
		return true
	})
}

func TestManager_FrameHookScales(t *testing.T) {
	r := newRig(t)
	hook := r.manager.AddFrameHook(4, 32, 24)
	defer hook.Close()

	r.run(t)
	waitFor(t, "scaled hook frame", func() bool {
		frame, ok := hook.TryNext()
		if !ok {
			return false
		}
		if frame.Bounds().Dx() != 32 || frame.Bounds().Dy() != 24 {
			t.Errorf("hook frame size = %dx%d, want 32x24",
				frame.Bounds().Dx(), frame.Bounds().Dy())
		}
		return true
	})
}

func TestManager_FrameHookClosedStopsDelivery(t *testing.T) {
	r := newRig(t)
	hook := r.manager.AddFrameHook(2, 0, 0)
	hook.Close()

	r.run(t)
	waitFor(t, "frames", func() bool { return r.manager.FrameCount() >= 3 })

	if _, ok := hook.TryNext(); ok {
		t.Error("TryNext() on closed hook delivered a frame")
	}
}

func TestFrameHook_PushDropsOldest(t *testing.T) {
	h := &FrameHook{frames: make(chan *image.RGBA, 2)}

	first := image.NewRGBA(image.Rect(0, 0, 1, 1))
	second := image.NewRGBA(image.Rect(0, 0, 2, 2))
	third := image.NewRGBA(image.Rect(0, 0, 3, 3))
	h.push(first)
	h.push(second)
	h.push(third) // overflow drops first

	frame, ok := h.TryNext()
	if !ok || frame.Bounds().Dx() != 2 {
		t.Errorf("TryNext() = %v, %v, want the 2x2 frame", frame, ok)
	}
	frame, ok = h.TryNext()
	if !ok || frame.Bounds().Dx() != 3 {
		t.Errorf("TryNext() = %v, %v, want the 3x3 frame", frame, ok)
	}
	if _, ok := h.TryNext(); ok {
		t.Error("TryNext() on drained hook: ok = true")
	}
}
