// Package fxcore is the resource-management and scheduling core of a GPU
// image and video filter pipeline.
//
// # Overview
//
// A Renderer owns one GPU device and the components built on it:
//
//   - a resource manager (package resource) caching compiled shader
//     modules, bind-group layouts and pipelines under content keys with
//     strict LRU eviction
//   - a texture pool (package texpool) recycling textures by exact shape
//   - a command batcher (package batch) grouping recorded passes into
//     shared submissions
//   - a render queue (package queue) scheduling work by priority with a
//     fast path, cancellation and timeouts
//   - a recovery controller (package recovery) rebuilding everything
//     after a device loss
//
// # Quick Start
//
//	r := fxcore.New(
//	    fxcore.WithAdapters(adapters),
//	    fxcore.WithConfig(cfg),
//	    fxcore.WithShaderLoader(resource.FSLoader{FS: shaders}),
//	    fxcore.WithCanvasSize(1920, 1080),
//	)
//	if err := r.Setup(ctx); err != nil {
//	    return err
//	}
//	defer r.Dispose()
//
//	h := r.RunFilter(ctx, "blur", nil, queue.Normal)
//	if _, err := h.Wait(ctx); err != nil {
//	    return err
//	}
//
// # Scheduling
//
// All GPU state is touched from work run by the render queue, one
// operation at a time. Submit and RunFilter return a *queue.Handle that
// settles exactly once. The read-only views (Status, CacheStats,
// MemoryStats) may be called from any goroutine.
//
// # Device Loss
//
// Work that fails with an error wrapping ErrDeviceLost or hal.ErrDeviceLost
// starts a recovery in the background (see Settings.AutoRecover). Recovery
// suspends the queue, snapshots the caches, tears down every GPU object in
// dependency order, reopens an adapter from the registry, reconfigures the
// surface, rebuilds the configured filters, restores compatible cache
// entries and patches stale passes. After DefaultRetryAttempts failures the
// renderer stays in the failed-fatal state; listeners registered with
// OnRecovery observe every transition.
//
// # Logging
//
// fxcore is silent by default. Use SetLogger or WithLogger to enable
// structured logging via log/slog.
package fxcore

// Version is the library version.
const Version = "0.4.0"
