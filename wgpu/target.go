// Copyright 2026 The gogpu Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/stage"
)

// TextureTarget renders a level's draw operations into an offscreen
// color texture. It opens one render pass per frame on the context's
// frame encoder and hands the pass encoder to each operation's Draw.
type TextureTarget struct {
	stage.TargetBase

	label string
	clear gputypes.Color

	tex  hal.Texture
	view hal.TextureView

	pass hal.RenderPassEncoder
}

// NewTextureTarget creates an offscreen target of the given size. The
// backing texture is allocated on first BeginFrame.
func NewTextureTarget(label string, width, height int, clear gputypes.Color) *TextureTarget {
	return &TextureTarget{
		TargetBase: stage.NewTargetBase(width, height, gputypes.TextureFormatBGRA8Unorm),
		label:      label,
		clear:      clear,
	}
}

// Compatible reports whether the context is this package's Context.
func (t *TextureTarget) Compatible(gc stage.Context) error {
	if _, ok := gc.(*Context); !ok {
		return fmt.Errorf("%w: texture target needs a wgpu context, got %T",
			stage.ErrIncompatibleTarget, gc)
	}
	return nil
}

// Texture returns the backing color texture, nil before the first frame.
func (t *TextureTarget) Texture() hal.Texture { return t.tex }

// BeginFrame allocates the texture on first use and opens the frame's
// render pass with a clear load.
func (t *TextureTarget) BeginFrame(delta float64, gc stage.Context) error {
	c := gc.(*Context)
	if err := t.EnsureResources(gc, t.createTexture); err != nil {
		return err
	}
	encoder, err := c.Encoder()
	if err != nil {
		return err
	}
	t.pass = encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: t.label + "_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       t.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: t.clear,
		}},
	})
	if t.pass == nil {
		return errors.New("wgpu: begin render pass failed")
	}
	return nil
}

// RenderDrawOperation submits one operation into the open pass.
func (t *TextureTarget) RenderDrawOperation(delta float64, gc stage.Context, op stage.DrawOperation) error {
	if t.pass == nil {
		return ErrNotInFrame
	}
	return op.Render(delta, gc, t)
}

// Pass returns the open render pass encoder for Draw implementations.
// Valid only between BeginFrame and EndFrame.
func (t *TextureTarget) Pass() hal.RenderPassEncoder { return t.pass }

// EndFrame closes the pass. Submission happens once per frame in
// Context.EndAndSubmitFrame.
func (t *TextureTarget) EndFrame(gc stage.Context) error {
	if t.pass == nil {
		return ErrNotInFrame
	}
	t.pass.End()
	t.pass = nil
	return nil
}

func (t *TextureTarget) createTexture(gc stage.Context) error {
	c := gc.(*Context)
	t.Release(c)

	w, h := t.Width(), t.Height()
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label: t.label + "_color",
		Size: hal.Extent3D{
			Width:              uint32(w),
			Height:             uint32(h),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        t.Format(),
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create target texture: %w", err)
	}
	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: t.label + "_color_view",
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return fmt.Errorf("wgpu: create target view: %w", err)
	}
	t.tex = tex
	t.view = view
	return nil
}

// Release destroys the backing texture. The next BeginFrame reallocates
// it at the current size.
func (t *TextureTarget) Release(c *Context) {
	if t.view != nil {
		c.device.DestroyTextureView(t.view)
		t.view = nil
	}
	if t.tex != nil {
		c.device.DestroyTexture(t.tex)
		t.tex = nil
	}
}

var (
	_ stage.RenderTarget   = (*TextureTarget)(nil)
	_ stage.ContextChecker = (*TextureTarget)(nil)
)
