// Package wgpu provides the GPU-backed [stage.Context] implementation on
// top of gogpu/wgpu's hardware abstraction layer.
//
// A Context either opens its own device (standalone mode: backend
// selection, adapter enumeration, device open) or adopts the device and
// queue of a host application through a gpucontext.DeviceProvider, the way
// an embedding framework shares one GPU across libraries.
//
// Besides the per-frame contract (Update / BeginFrame / EndAndSubmitFrame
// with fence-synchronized submission), the Context owns the resource
// stores the rest of the engine pulls backend singletons from:
//
//   - Pipelines and layouts use the swap policy: rebuilding after device
//     invalidation replaces the entry and hands back the previous value
//     for release.
//   - Shaders and named shared resources use the duplicate-rejecting
//     policy: overwriting one by accident is a caller bug. Shader sources
//     are WGSL, compiled to SPIR-V through gogpu/naga at registration.
package wgpu
