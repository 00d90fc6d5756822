// Copyright 2026 The gogpu Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wgpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/stage/registry"
)

// Resource kinds for the context's stores. Shaders and named shared
// resources are registered once; pipelines and layouts may be replaced
// as render state evolves.
const (
	KindShader registry.Kind = iota + 1
	KindPipeline
	KindPipelineLayout
	KindBindGroupLayout
	KindShared
)

// Shader is a compiled shader module with its SPIR-V retained for
// pipeline construction.
type Shader struct {
	Module hal.ShaderModule
	SPIRV  []uint32
}

// Resources holds the per-context GPU object stores. Shader registration
// rejects duplicates; pipeline and layout stores replace, returning the
// previous object to the caller for destruction. Compiled SPIR-V is
// cached by source so identical WGSL is compiled once.
type Resources struct {
	ctx *Context

	shaders   *registry.Registry[*Shader]
	pipelines *registry.Registry[hal.RenderPipeline]
	compute   *registry.Registry[hal.ComputePipeline]
	layouts   *registry.Registry[hal.PipelineLayout]
	binds     *registry.Registry[hal.BindGroupLayout]
	shared    *registry.Registry[any]

	spirv *registry.Cache[string, []uint32]
}

func newResources(c *Context) *Resources {
	return &Resources{
		ctx:       c,
		shaders:   registry.NewRegistry[*Shader](),
		pipelines: registry.NewRegistry[hal.RenderPipeline](),
		compute:   registry.NewRegistry[hal.ComputePipeline](),
		layouts:   registry.NewRegistry[hal.PipelineLayout](),
		binds:     registry.NewRegistry[hal.BindGroupLayout](),
		shared:    registry.NewRegistry[any](),
		spirv:     registry.NewCache[string, []uint32](registry.StringHasher),
	}
}

// RegisterShader compiles WGSL source and registers the resulting module
// under name. Registering the same name twice returns
// registry.ErrDuplicateKey.
func (r *Resources) RegisterShader(name, wgslSource string) (*Shader, error) {
	spirv, err := r.compileWGSL(name, wgslSource)
	if err != nil {
		return nil, err
	}
	module, err := r.ctx.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %q: %w", name, err)
	}
	shader := &Shader{Module: module, SPIRV: spirv}
	if err := r.shaders.Register(registry.K(KindShader, name), shader); err != nil {
		r.ctx.device.DestroyShaderModule(module)
		return nil, err
	}
	return shader, nil
}

// Shader returns a registered shader by name.
func (r *Resources) Shader(name string) (*Shader, error) {
	return r.shaders.Get(registry.K(KindShader, name))
}

// compileWGSL compiles WGSL to SPIR-V words, serving repeats from the
// source cache.
func (r *Resources) compileWGSL(name, wgslSource string) ([]uint32, error) {
	return r.spirv.GetOrCreate(wgslSource, func() ([]uint32, error) {
		spirvBytes, err := naga.Compile(wgslSource)
		if err != nil {
			return nil, fmt.Errorf("wgpu: compile shader %q: %w", name, err)
		}
		// SPIR-V is little-endian 32-bit words.
		code := make([]uint32, len(spirvBytes)/4)
		for i := range code {
			code[i] = uint32(spirvBytes[i*4]) |
				uint32(spirvBytes[i*4+1])<<8 |
				uint32(spirvBytes[i*4+2])<<16 |
				uint32(spirvBytes[i*4+3])<<24
		}
		return code, nil
	})
}

// SetRenderPipeline stores a render pipeline under name, destroying the
// one it replaces.
func (r *Resources) SetRenderPipeline(name string, p hal.RenderPipeline) {
	if prev, replaced := r.pipelines.Swap(registry.K(KindPipeline, name), p); replaced {
		r.ctx.device.DestroyRenderPipeline(prev)
	}
}

// RenderPipeline returns a stored render pipeline by name.
func (r *Resources) RenderPipeline(name string) (hal.RenderPipeline, error) {
	return r.pipelines.Get(registry.K(KindPipeline, name))
}

// SetComputePipeline stores a compute pipeline under name, destroying the
// one it replaces.
func (r *Resources) SetComputePipeline(name string, p hal.ComputePipeline) {
	if prev, replaced := r.compute.Swap(registry.K(KindPipeline, name), p); replaced {
		r.ctx.device.DestroyComputePipeline(prev)
	}
}

// ComputePipeline returns a stored compute pipeline by name.
func (r *Resources) ComputePipeline(name string) (hal.ComputePipeline, error) {
	return r.compute.Get(registry.K(KindPipeline, name))
}

// SetPipelineLayout stores a pipeline layout under name, destroying the
// one it replaces.
func (r *Resources) SetPipelineLayout(name string, l hal.PipelineLayout) {
	if prev, replaced := r.layouts.Swap(registry.K(KindPipelineLayout, name), l); replaced {
		r.ctx.device.DestroyPipelineLayout(prev)
	}
}

// PipelineLayout returns a stored pipeline layout by name.
func (r *Resources) PipelineLayout(name string) (hal.PipelineLayout, error) {
	return r.layouts.Get(registry.K(KindPipelineLayout, name))
}

// SetBindGroupLayout stores a bind group layout under name, destroying
// the one it replaces.
func (r *Resources) SetBindGroupLayout(name string, l hal.BindGroupLayout) {
	if prev, replaced := r.binds.Swap(registry.K(KindBindGroupLayout, name), l); replaced {
		r.ctx.device.DestroyBindGroupLayout(prev)
	}
}

// BindGroupLayout returns a stored bind group layout by name.
func (r *Resources) BindGroupLayout(name string) (hal.BindGroupLayout, error) {
	return r.binds.Get(registry.K(KindBindGroupLayout, name))
}

// RegisterShared registers an application-defined shared resource under
// name. Values implementing Releaser are released when the store is
// cleared. Registering the same name twice returns
// registry.ErrDuplicateKey.
func (r *Resources) RegisterShared(name string, value any) error {
	return r.shared.Register(registry.K(KindShared, name), value)
}

// Shared returns a shared resource by name.
func (r *Resources) Shared(name string) (any, error) {
	return r.shared.Get(registry.K(KindShared, name))
}

// Releaser is implemented by shared resources that own GPU objects.
type Releaser interface {
	Release()
}

// release destroys all stored GPU objects: pipelines first, then
// layouts, then shaders, matching the dependency order the driver
// expects.
func (r *Resources) release() {
	r.pipelines.Clear(func(p hal.RenderPipeline) {
		r.ctx.device.DestroyRenderPipeline(p)
	})
	r.compute.Clear(func(p hal.ComputePipeline) {
		r.ctx.device.DestroyComputePipeline(p)
	})
	r.layouts.Clear(func(l hal.PipelineLayout) {
		r.ctx.device.DestroyPipelineLayout(l)
	})
	r.binds.Clear(func(l hal.BindGroupLayout) {
		r.ctx.device.DestroyBindGroupLayout(l)
	})
	r.shaders.Clear(func(s *Shader) {
		r.ctx.device.DestroyShaderModule(s.Module)
	})
	r.shared.Clear(func(v any) {
		if rel, ok := v.(Releaser); ok {
			rel.Release()
		}
	})
	r.spirv.Clear(nil)
}
