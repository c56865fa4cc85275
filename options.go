package fxcore

import (
	"log/slog"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/filter"
	"github.com/gogpu/fxcore/queue"
	"github.com/gogpu/fxcore/resource"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	r := fxcore.New(
//	    fxcore.WithAdapters(adapters),
//	    fxcore.WithConfig(cfg),
//	    fxcore.WithSettings(settings),
//	)
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	settings Settings
	log      *slog.Logger
	adapters *gpucontext.Registry[hal.Adapter]
	surface  hal.Surface
	config   *filter.Config
	loader   resource.ShaderLoader
	compiler resource.Compiler
	hooks    []func(queue.Info)
}

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		settings: DefaultSettings(),
		config:   &filter.Config{},
		loader:   resource.MapLoader{},
	}
}

// WithSettings replaces the renderer tunables. Zero fields take their
// defaults.
//
// Example:
//
//	s, err := fxcore.LoadSettings("fx.yaml")
//	if err != nil {
//	    return err
//	}
//	r := fxcore.New(fxcore.WithSettings(s))
func WithSettings(s Settings) Option {
	return func(o *options) {
		o.settings = s
	}
}

// WithLogger sets the logger used by the renderer and its components
// instead of the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithAdapters sets the registry of adapter factories. Setup and recovery
// open the adapter named by Settings.Adapter, falling back to the
// registry's highest-priority adapter.
//
// Example:
//
//	adapters := gpucontext.NewRegistry[hal.Adapter](
//	    gpucontext.WithPriority("vulkan", "metal", "noop"),
//	)
//	adapters.Register("noop", func() hal.Adapter { return &noop.Adapter{} })
//	r := fxcore.New(fxcore.WithAdapters(adapters))
func WithAdapters(reg *gpucontext.Registry[hal.Adapter]) Option {
	return func(o *options) {
		o.adapters = reg
	}
}

// WithSurface sets the presentation surface configured at setup and
// reconfigured after recovery.
func WithSurface(s hal.Surface) Option {
	return func(o *options) {
		o.surface = s
	}
}

// WithConfig sets the filter configuration. The configuration is
// validated by Setup.
func WithConfig(cfg *filter.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithShaderLoader sets the loader that resolves pass shader URLs to
// WGSL source.
func WithShaderLoader(l resource.ShaderLoader) Option {
	return func(o *options) {
		if l != nil {
			o.loader = l
		}
	}
}

// WithCompiler replaces the default naga shader compiler.
func WithCompiler(c resource.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithCanvasSize sets the initial canvas size, overriding the settings.
func WithCanvasSize(width, height uint32) Option {
	return func(o *options) {
		o.settings.Width, o.settings.Height = width, height
	}
}

// WithDispatchHook registers fn to observe every operation the render
// queue starts. A panicking hook fails the drain loop, settling the
// running and pending operations.
func WithDispatchHook(fn func(queue.Info)) Option {
	return func(o *options) {
		if fn != nil {
			o.hooks = append(o.hooks, fn)
		}
	}
}
