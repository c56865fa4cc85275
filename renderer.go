package fxcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/batch"
	"github.com/gogpu/fxcore/queue"
	"github.com/gogpu/fxcore/recovery"
	"github.com/gogpu/fxcore/resource"
	"github.com/gogpu/fxcore/texpool"
)

// disposeTimeout bounds how long Dispose waits for running work.
const disposeTimeout = 5 * time.Second

// Renderer owns one GPU device and every object built on it: the resource
// caches, the texture pool, the command batcher, the render queue and the
// recovery controller.
//
// Renderer is safe for concurrent use. GPU state is mutated only by work
// running on the render queue, by Setup and by recovery while the queue is
// suspended.
type Renderer struct {
	opts     options
	settings Settings
	log      *slog.Logger

	resources *resource.Manager
	pool      *texpool.Pool
	queue     *queue.Queue
	recovery  *recovery.Controller

	// ctx is cancelled by Dispose; background recoveries run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	adapter     hal.Adapter
	adapterName string
	device      hal.Device
	gpuQueue    hal.Queue
	batcher     *batch.Batcher
	configured  bool
	textures    map[string]*texpool.Texture
	filterErrs  map[string]error
	width       uint32
	height      uint32
	setUp       bool
	// lost is set while recovery has torn the device down and cleared
	// once a rebuild succeeds.
	lost     bool
	disposed bool
}

// New creates a renderer. No GPU work happens until Setup.
func New(opts ...Option) *Renderer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := o.settings.withDefaults()
	log := o.log
	if log == nil {
		log = Logger()
	}

	r := &Renderer{
		opts:       o,
		settings:   s,
		log:        log,
		textures:   make(map[string]*texpool.Texture),
		filterErrs: make(map[string]error),
		width:      s.Width,
		height:     s.Height,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	mopts := []resource.Option{
		resource.WithCacheLimit(s.CacheLimit),
		resource.WithLogger(log),
	}
	if o.compiler != nil {
		mopts = append(mopts, resource.WithCompiler(o.compiler))
	}
	r.resources = resource.NewManager(nil, nil, mopts...)
	r.pool = texpool.New(nil, texpool.WithLogger(log))

	qopts := []queue.Option{
		queue.WithLogger(log),
		queue.WithFrameBudget(s.FrameBudget.D()),
		queue.WithSchedulingBudget(s.SchedulingBudget.D()),
		queue.WithPoolSize(s.PoolSize),
		queue.WithContext(r.ctx),
	}
	if hooks := o.hooks; len(hooks) > 0 {
		qopts = append(qopts, queue.WithDispatchHook(func(info queue.Info) {
			for _, h := range hooks {
				h(info)
			}
		}))
	}
	r.queue = queue.New(qopts...)

	r.recovery = recovery.New(&recoveryTarget{r: r},
		recovery.WithMaxAttempts(s.RetryAttempts),
		recovery.WithRetryDelay(s.RetryDelay.D()),
		recovery.WithLogger(log),
		recovery.WithContext(r.ctx),
	)
	return r
}

// Settings returns the effective settings.
func (r *Renderer) Settings() Settings { return r.settings }

// Setup validates the filter configuration, opens a device, configures the
// surface and builds every configured filter. A filter whose passes all
// fail to build is logged and left out; FilterErr reports why. Setup fails
// if no configured filter could be built. Calling Setup again after
// success does nothing. After recovery has torn the device down, Setup
// returns ErrDeviceLost; StartRecovery brings the renderer back.
func (r *Renderer) Setup(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.disposed:
		r.mu.Unlock()
		return ErrDisposed
	case r.setUp:
		r.mu.Unlock()
		return nil
	case r.lost:
		r.mu.Unlock()
		return ErrDeviceLost
	}
	r.mu.Unlock()

	if err := r.opts.config.Validate(); err != nil {
		return fmt.Errorf("fxcore: invalid filter config: %w", err)
	}
	if err := r.openDevice(); err != nil {
		return err
	}
	if err := r.configureSurface(); err != nil {
		r.teardown()
		return err
	}
	if err := r.buildFilters(ctx); err != nil {
		r.teardown()
		return err
	}

	r.mu.Lock()
	r.setUp = true
	name := r.adapterName
	r.mu.Unlock()
	r.log.Info("fxcore: set up", "adapter", name, "filters", len(r.opts.config.Filters),
		"width", r.width, "height", r.height)
	return nil
}

// openDevice opens the preferred adapter from the registry and attaches
// the new device to every component.
func (r *Renderer) openDevice() error {
	reg := r.opts.adapters
	if reg == nil || reg.Count() == 0 {
		return ErrNoAdapter
	}
	name := r.settings.Adapter
	if name == "" || !reg.Has(name) {
		name = reg.BestName()
	}
	adapter := reg.Get(name)
	if adapter == nil {
		return fmt.Errorf("%w: factory %q returned nil", ErrNoAdapter, name)
	}
	od, err := adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		adapter.Destroy()
		return fmt.Errorf("fxcore: open device on %s: %w", name, err)
	}

	b := batch.New(od.Device, od.Queue,
		batch.WithMaxCommands(r.settings.BatchLimit),
		batch.WithLogger(r.log),
		batch.WithLabel("fx_batch"))

	r.mu.Lock()
	r.adapter, r.adapterName = adapter, name
	r.device, r.gpuQueue = od.Device, od.Queue
	r.batcher = b
	r.mu.Unlock()

	r.resources.SetDevice(od.Device, od.Queue)
	r.pool.SetDevice(od.Device)
	r.log.Info("fxcore: device opened", "adapter", name)
	return nil
}

// configureSurface configures the surface, if any, for the canvas size.
func (r *Renderer) configureSurface() error {
	surface := r.opts.surface
	if surface == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return ErrNotSetUp
	}
	if r.configured {
		surface.Unconfigure(r.device)
		r.configured = false
	}
	err := surface.Configure(r.device, &hal.SurfaceConfiguration{
		Width:       r.width,
		Height:      r.height,
		Format:      r.settings.SurfaceFormat.TextureFormat(),
		Usage:       gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
		PresentMode: gputypes.PresentModeFifo,
		AlphaMode:   gputypes.CompositeAlphaModeOpaque,
	})
	if err != nil {
		return fmt.Errorf("fxcore: configure surface %dx%d: %w", r.width, r.height, err)
	}
	r.configured = true
	return nil
}

// buildFilters builds every configured filter. A filter that fails keeps
// its previous state, if any, for RevalidateFilters to patch. It fails only
// when the context ends or every filter failed to build.
func (r *Renderer) buildFilters(ctx context.Context) error {
	cfg := r.opts.config
	var errs []error
	built := 0
	failed := make(map[string]error)
	for i := range cfg.Filters {
		name := cfg.Filters[i].Name
		if _, err := r.resources.SetupFilter(ctx, cfg, name, r.opts.loader); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed[name] = err
			errs = append(errs, err)
			r.log.Warn("fxcore: filter disabled", "filter", name, "err", err)
			continue
		}
		built++
	}

	r.mu.Lock()
	r.filterErrs = failed
	r.mu.Unlock()

	if built == 0 && len(errs) > 0 {
		return fmt.Errorf("fxcore: no filter could be built: %w", errors.Join(errs...))
	}
	return nil
}

// FilterErr returns the error that disabled the named filter during the
// last setup or rebuild, or nil.
func (r *Renderer) FilterErr(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterErrs[name]
}

// teardown releases every GPU object in dependency order: pending
// commands, bind groups, pipelines (with layouts and shader modules),
// textures, buffers, then the surface configuration, device and adapter.
func (r *Renderer) teardown() {
	r.mu.Lock()
	b := r.batcher
	r.batcher = nil
	r.mu.Unlock()
	if b != nil {
		b.Dispose()
	}

	bindGroups := r.resources.ReleaseBindGroups()
	pipelines := r.resources.ReleasePipelines()
	r.mu.Lock()
	clear(r.textures)
	r.mu.Unlock()
	r.pool.Teardown()
	buffers := r.resources.ReleaseBuffers()
	r.resources.SetDevice(nil, nil)

	r.mu.Lock()
	device, adapter := r.device, r.adapter
	if r.configured && r.opts.surface != nil && device != nil {
		r.opts.surface.Unconfigure(device)
	}
	r.configured = false
	r.setUp = false
	r.device, r.gpuQueue, r.adapter = nil, nil, nil
	r.mu.Unlock()

	if device != nil {
		device.Destroy()
	}
	if adapter != nil {
		adapter.Destroy()
	}
	r.log.Debug("fxcore: torn down", "bindGroups", bindGroups, "cached", pipelines, "buffers", buffers)
}

// Dispose cancels queued work, waits briefly for the running operation
// and any background recovery, and releases every GPU object. Dispose is
// idempotent.
func (r *Renderer) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()

	r.cancel()
	if err := r.queue.Close(ctx); err != nil {
		r.log.Warn("fxcore: dispose: running operation did not finish", "err", err)
	}
	if err := r.recovery.Wait(ctx); err != nil {
		r.log.Warn("fxcore: dispose: recovery did not stop", "err", err)
	}
	r.teardown()
	r.resources.Dispose()
	r.log.Info("fxcore: disposed")
}

// Resize changes the canvas size. Canvas-sized textures go back to the
// pool and the surface is reconfigured. Resize runs as urgent work on the
// render queue and waits for it; it must not be called from queued work.
func (r *Renderer) Resize(ctx context.Context, width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("fxcore: invalid canvas size %dx%d", width, height)
	}
	h := r.queue.Enqueue(func(context.Context) (any, error) {
		r.mu.Lock()
		if r.width == width && r.height == height {
			r.mu.Unlock()
			return nil, nil
		}
		r.width, r.height = width, height
		var released []*texpool.Texture
		for name, tex := range r.textures {
			t, ok := r.opts.config.Texture(name)
			if ok && t.Fixed() {
				continue
			}
			released = append(released, tex)
			delete(r.textures, name)
		}
		r.mu.Unlock()

		for _, tex := range released {
			r.pool.Release(tex)
		}
		r.log.Debug("fxcore: resized", "width", width, "height", height, "released", len(released))
		return nil, r.configureSurface()
	}, queue.Urgent, queue.WithLabel("resize"))
	_, err := h.Wait(ctx)
	return err
}

// Size returns the canvas size.
func (r *Renderer) Size() (width, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Submit enqueues work on the render queue. Metadata tags, a label and a
// timeout are given as options:
//
//	h := r.Submit(queue.High, work,
//	    queue.WithTag("clip", "intro"),
//	    queue.WithTimeout(100*time.Millisecond))
//
// If work fails with an error wrapping ErrDeviceLost or hal.ErrDeviceLost
// and Settings.AutoRecover is set, a recovery starts in the background.
func (r *Renderer) Submit(priority queue.Priority, work queue.Work, opts ...queue.EnqueueOption) *queue.Handle {
	if work == nil {
		return r.queue.Enqueue(nil, priority, opts...)
	}
	return r.queue.Enqueue(func(ctx context.Context) (any, error) {
		v, err := work(ctx)
		if err != nil && IsDeviceLost(err) {
			r.deviceLost(err)
		}
		return v, err
	}, priority, opts...)
}

// Cancel rejects the pending operation id. It reports false if the
// operation is not pending.
func (r *Renderer) Cancel(id uint64) bool { return r.queue.Cancel(id) }

// CancelByTag rejects every pending operation tagged key=value and
// returns how many were rejected.
func (r *Renderer) CancelByTag(key, value string) int { return r.queue.CancelByTag(key, value) }

// StopAfterCurrent rejects every pending operation and lets the running
// one finish.
func (r *Renderer) StopAfterCurrent() int { return r.queue.StopAfterCurrent() }

// Clear rejects every pending operation. With force, the running
// operation is also settled as cancelled and its context cancelled.
func (r *Renderer) Clear(force bool) int { return r.queue.Clear(force) }

// Status is a read-only view of the renderer.
type Status struct {
	SetUp    bool
	Disposed bool
	Adapter  string
	Width    uint32
	Height   uint32
	Queue    queue.Status
	Recovery recovery.Status
}

func (s Status) String() string {
	return fmt.Sprintf("Renderer[%s %dx%d, set up %t, recovery %s] %s",
		s.Adapter, s.Width, s.Height, s.SetUp, s.Recovery.State, s.Queue)
}

// Status returns the renderer status.
func (r *Renderer) Status() Status {
	r.mu.Lock()
	s := Status{
		SetUp:    r.setUp,
		Disposed: r.disposed,
		Adapter:  r.adapterName,
		Width:    r.width,
		Height:   r.height,
	}
	r.mu.Unlock()
	s.Queue = r.queue.Status()
	s.Recovery = r.recovery.Status()
	return s
}

// CacheStats returns resource cache statistics.
func (r *Renderer) CacheStats() resource.Stats { return r.resources.Stats() }

// MemoryStats contains memory statistics.
type MemoryStats struct {
	Textures texpool.Stats
	Batch    batch.Stats
	// BindGroups and Buffers are the live tracked objects.
	BindGroups int
	Buffers    int
	// Retired is the number of evicted objects kept alive by a filter.
	Retired int
}

func (s MemoryStats) String() string {
	return fmt.Sprintf("%s, bind groups %d, buffers %d, retired %d", s.Textures, s.BindGroups, s.Buffers, s.Retired)
}

// MemoryStats returns texture, buffer and batch statistics.
func (r *Renderer) MemoryStats() MemoryStats {
	cs := r.resources.Stats()
	s := MemoryStats{
		Textures:   r.pool.Stats(),
		BindGroups: cs.BindGroups,
		Buffers:    cs.Buffers,
		Retired:    cs.Retired,
	}
	r.mu.Lock()
	b := r.batcher
	r.mu.Unlock()
	if b != nil {
		s.Batch = b.Stats()
	}
	return s
}
