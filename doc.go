// Package stage is a real-time rendering engine layer that sits between
// application scenes and a GPU-abstraction backend.
//
// # Overview
//
// stage does not rasterize anything itself. It owns the part of a rendering
// engine that is hardest to get right: the frame-synchronization and
// draw-operation lifecycle machinery. Frame after frame it decides in what
// order CPU-side scene state is locked, GPU resources are lazily created,
// per-frame GPU state is refreshed, and draw commands are handed to one or
// more render targets, while drawable objects are concurrently registered,
// mutated, and disposed from other goroutines.
//
// The building blocks:
//
//   - [Manager]: the frame driver. One goroutine per Manager runs the frame
//     loop under a tiered lock protocol (window, frame, draw, optional GUI).
//   - [Operation]: the embeddable base for a drawable unit. It carries the
//     lifecycle state machine: registration, asynchronous CPU resource load,
//     first-use GPU resource creation behind a readiness gate, conditional
//     per-frame GPU update, draw submission, disposal.
//   - [Operations]: the per-scene set of registered draw operations, grouped
//     by render level.
//   - [DrawQueue]: the ephemeral per-frame priority queue consumed by render
//     targets.
//   - [RenderTarget]: a destination surface receiving an ordered
//     BeginFrame / RenderDrawOperation* / EndFrame call sequence.
//   - [Context]: the backend contract the frame loop drives
//     (Update, BeginFrame, EndAndSubmitFrame).
//
// Keyed caches and registries for backend singletons (pipelines, layouts,
// shaders, named shared resources) live in the registry subpackage; cached
// spatial transforms live in the transform subpackage; a wgpu-backed Context
// lives in the wgpu subpackage.
//
// # A minimal frame loop
//
//	window := stage.NewHeadlessWindow(800, 600)
//	mgr, err := stage.New(window, func(w stage.Window) (stage.Context, error) {
//	    width, height := w.Size()
//	    return stage.NewHeadlessContext(width, height), nil
//	}, stage.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ops := stage.NewOperations()
//	_ = ops.Add(0, op) // op embeds stage.Operation and implements stage.Drawer
//	mgr.SetScene(stage.SceneFunc(func() *stage.Operations { return ops }))
//	_ = mgr.AddRenderTarget(0, target)
//
//	mgr.Start()
//	defer mgr.Stop()
//
// # Concurrency
//
// All exported types are safe for concurrent use unless documented
// otherwise. Game-logic goroutines interact with operations and registries
// through explicit locks and atomic registries; the frame goroutine is the
// only place GPU-side state is touched, and every operation's first GPU
// creation, per-frame update+draw, and disposal are serialized against each
// other by the operation's own mutex.
package stage
