// Package resource deduplicates construction of expensive GPU objects.
//
// A Manager owns three caches keyed by content-derived keys: compiled
// shader modules (keyed by source text), bind-group layouts (keyed by
// binding shape) and pipelines (keyed by a canonical description of their
// configuration). Each cache holds at most DefaultCacheLimit entries and
// evicts in strict least-recently-used order.
//
// The manager also builds per-filter state (SetupFilter) with pass-level
// failure isolation, tracks bind groups and buffers for ordered teardown,
// and can snapshot its caches before a device loss and replay them on the
// replacement device.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/internal/cache"
)

// DefaultCacheLimit is the default number of entries per cache.
const DefaultCacheLimit = 100

// Stats contains resource manager statistics.
type Stats struct {
	Shaders   cache.Stats
	Layouts   cache.Stats
	Pipelines cache.Stats

	ShadersCompiled  uint64
	ShaderWarnings   uint64
	LayoutsCreated   uint64
	LayoutsReused    uint64
	PipelinesCreated uint64
	PipelinesReused  uint64
	// Restored is the number of objects rebuilt by Restore.
	Restored uint64

	// BindGroups and Buffers are the number of live tracked objects.
	BindGroups int
	Buffers    int
	// Retired is the number of evicted objects still referenced by a filter.
	Retired int
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheLimit sets the entry limit of every cache.
func WithCacheLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithCompiler replaces the default naga compiler.
func WithCompiler(c Compiler) Option {
	return func(m *Manager) {
		if c != nil {
			m.compiler = c
		}
	}
}

// WithLogger sets the logger used for manager diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type counters struct {
	shadersCompiled  uint64
	shaderWarnings   uint64
	layoutsCreated   uint64
	layoutsReused    uint64
	pipelinesCreated uint64
	pipelinesReused  uint64
	restored         uint64
}

// Manager caches shader modules, layouts and pipelines for one device.
//
// Cache mutation is expected to happen from one goroutine at a time (the
// render queue runner, or recovery while the queue is suspended). Stats
// may be called from any goroutine.
type Manager struct {
	mu       sync.Mutex
	device   hal.Device
	queue    hal.Queue
	compiler Compiler
	log      *slog.Logger
	now      func() time.Time
	limit    int

	shaders   *cache.Cache[Key, *Shader]
	layouts   *cache.Cache[Key, *Layout]
	pipelines *cache.Cache[Key, *Pipeline]

	// Evicted objects that a registered filter still references.
	retired []retiredObject

	nextID      uint64
	bindGroups  map[uint64]*BindGroup
	buffers     map[uint64]*Buffer
	sampler     hal.Sampler
	placeholder *Placeholder
	states      map[string]*FilterState

	stats    counters
	disposed bool
}

type retiredObject struct {
	key     Key
	destroy func(hal.Device)
}

// NewManager creates a manager for device. queue is used to upload
// initial buffer contents and may be nil.
func NewManager(device hal.Device, queue hal.Queue, opts ...Option) *Manager {
	m := &Manager{
		device:     device,
		queue:      queue,
		compiler:   NagaCompiler{},
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
		limit:      DefaultCacheLimit,
		bindGroups: make(map[uint64]*BindGroup),
		buffers:    make(map[uint64]*Buffer),
		states:     make(map[string]*FilterState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.shaders = cache.New(m.limit,
		cache.WithEvictFunc(func(k Key, s *Shader) { m.retire(k, s.destroy) }),
		cache.WithClock[Key, *Shader](m.now))
	m.layouts = cache.New(m.limit,
		cache.WithEvictFunc(func(k Key, l *Layout) { m.retire(k, l.destroy) }),
		cache.WithClock[Key, *Layout](m.now))
	m.pipelines = cache.New(m.limit,
		cache.WithEvictFunc(func(k Key, p *Pipeline) { m.retire(k, p.destroy) }),
		cache.WithClock[Key, *Pipeline](m.now))
	return m
}

// Device returns the current device, or nil after a teardown.
func (m *Manager) Device() hal.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// SetDevice attaches the manager to a (new) device and queue.
func (m *Manager) SetDevice(device hal.Device, queue hal.Queue) {
	m.mu.Lock()
	m.device = device
	m.queue = queue
	m.mu.Unlock()
}

func (m *Manager) ready() (hal.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if m.device == nil {
		return nil, ErrNoDevice
	}
	return m.device, nil
}

// GetOrCompile returns the shader module for source, compiling it on a
// miss. Compiler warnings are kept on the returned Shader; errors yield a
// *ShaderCompilationError.
func (m *Manager) GetOrCompile(ctx context.Context, source, label string) (*Shader, error) {
	device, err := m.ready()
	if err != nil {
		return nil, err
	}
	key := ShaderKey(source)
	shader, created, err := m.shaders.GetOrCreate(key, func() (*Shader, error) {
		return m.compileShader(ctx, device, key, source, label)
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.mu.Lock()
		m.stats.shadersCompiled++
		m.stats.shaderWarnings += uint64(len(shader.Warnings))
		m.mu.Unlock()
		for _, w := range shader.Warnings {
			m.log.Warn("resource: shader warning", "label", label, "diagnostic", w.String())
		}
		m.log.Debug("resource: compiled shader", "label", label, "key", string(key))
	}
	return shader, nil
}

func (m *Manager) compileShader(ctx context.Context, device hal.Device, key Key, source, label string) (*Shader, error) {
	compiled, err := m.compiler.Compile(ctx, source, label)
	if err != nil {
		return nil, err
	}
	mod, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{WGSL: compiled.WGSL, SPIRV: compiled.SPIRV},
	})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "shader", Name: label, Err: err}
	}
	return &Shader{
		Key:       key,
		Label:     label,
		Source:    source,
		Module:    mod,
		Warnings:  compiled.Diagnostics,
		CreatedAt: m.now(),
	}, nil
}

// Evict trims every cache above its limit in strict LRU order and
// returns the number of entries evicted.
func (m *Manager) Evict() int {
	return m.pipelines.Evict() + m.layouts.Evict() + m.shaders.Evict()
}

// retire destroys an evicted object, or defers destruction while a
// registered filter still references it.
func (m *Manager) retire(key Key, destroy func(hal.Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.referencedLocked(key) {
		m.retired = append(m.retired, retiredObject{key: key, destroy: destroy})
		m.log.Debug("resource: retired in-use entry", "key", string(key))
		return
	}
	destroy(m.device)
	m.log.Debug("resource: evicted", "key", string(key))
}

// referencedLocked reports whether any registered filter uses key.
// Caller must hold m.mu.
func (m *Manager) referencedLocked(key Key) bool {
	for _, st := range m.states {
		for _, ps := range st.Passes {
			if (ps.Shader != nil && ps.Shader.Key == key) ||
				(ps.Layout != nil && ps.Layout.Key == key) ||
				(ps.Pipeline != nil && ps.Pipeline.Key == key) {
				return true
			}
		}
	}
	return false
}

// collectRetiredLocked destroys retired objects no filter references any
// longer. Caller must hold m.mu.
func (m *Manager) collectRetiredLocked() {
	kept := m.retired[:0]
	for _, r := range m.retired {
		if m.referencedLocked(r.key) {
			kept = append(kept, r)
			continue
		}
		r.destroy(m.device)
	}
	clear(m.retired[len(kept):])
	m.retired = kept
}

// defaultSampler returns the shared linear clamp sampler.
func (m *Manager) defaultSampler(device hal.Device) (hal.Sampler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampler != nil {
		return m.sampler, nil
	}
	s, err := device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "fx_linear_clamp",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
	})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "sampler", Name: "fx_linear_clamp", Err: err}
	}
	m.sampler = s
	return s, nil
}

// ReleaseBindGroups destroys every tracked bind group, including the
// placeholder. It is the first step of a teardown.
func (m *Manager) ReleaseBindGroups() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, bg := range m.bindGroups {
		if !bg.destroyed.Swap(true) && m.device != nil {
			m.device.DestroyBindGroup(bg.Group)
		}
		delete(m.bindGroups, id)
		n++
	}
	if ph := m.placeholder; ph != nil {
		ph.destroy(m.device)
		m.placeholder = nil
	}
	return n
}

// ReleasePipelines destroys every cached pipeline, layout and shader
// module plus all retired objects and the shared sampler. Caches are
// emptied; counters are kept.
func (m *Manager) ReleasePipelines() int {
	pipelines := m.pipelines.Entries()
	layouts := m.layouts.Entries()
	shaders := m.shaders.Entries()
	m.pipelines.Clear()
	m.layouts.Clear()
	m.shaders.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.device
	for _, e := range pipelines {
		e.Value.destroy(d)
	}
	for _, e := range layouts {
		e.Value.destroy(d)
	}
	for _, e := range shaders {
		e.Value.destroy(d)
	}
	for _, r := range m.retired {
		r.destroy(d)
	}
	n := len(pipelines) + len(layouts) + len(shaders) + len(m.retired)
	clear(m.retired)
	m.retired = m.retired[:0]
	if m.sampler != nil && d != nil {
		d.DestroySampler(m.sampler)
	}
	m.sampler = nil
	return n
}

// ReleaseBuffers destroys every tracked buffer. It is the last step of a
// teardown, after textures.
func (m *Manager) ReleaseBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, b := range m.buffers {
		if !b.destroyed.Swap(true) && m.device != nil {
			m.device.DestroyBuffer(b.Raw)
		}
		delete(m.buffers, id)
		n++
	}
	return n
}

// Teardown releases every GPU object in dependency order and detaches
// the device. Textures live in the texture pool and are released by the
// caller between ReleasePipelines and ReleaseBuffers; Teardown is for
// callers without a pool.
func (m *Manager) Teardown() {
	m.ReleaseBindGroups()
	m.ReleasePipelines()
	m.ReleaseBuffers()
	m.SetDevice(nil, nil)
}

// Dispose releases everything and rejects further use.
func (m *Manager) Dispose() {
	m.Teardown()
	m.mu.Lock()
	m.disposed = true
	clear(m.states)
	m.mu.Unlock()
}

// Stats returns a snapshot of manager statistics.
func (m *Manager) Stats() Stats {
	s := Stats{
		Shaders:   m.shaders.Stats(),
		Layouts:   m.layouts.Stats(),
		Pipelines: m.pipelines.Stats(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ShadersCompiled = m.stats.shadersCompiled
	s.ShaderWarnings = m.stats.shaderWarnings
	s.LayoutsCreated = m.stats.layoutsCreated
	s.LayoutsReused = m.stats.layoutsReused
	s.PipelinesCreated = m.stats.pipelinesCreated
	s.PipelinesReused = m.stats.pipelinesReused
	s.Restored = m.stats.restored
	s.BindGroups = len(m.bindGroups)
	s.Buffers = len(m.buffers)
	s.Retired = len(m.retired)
	return s
}

// String returns a one-line summary of the statistics.
func (s Stats) String() string {
	return fmt.Sprintf("Resources[shaders %d/%d (compiled %d), layouts %d/%d (created %d, reused %d), pipelines %d/%d (created %d, reused %d), restored %d]",
		s.Shaders.Len, s.Shaders.Capacity, s.ShadersCompiled,
		s.Layouts.Len, s.Layouts.Capacity, s.LayoutsCreated, s.LayoutsReused,
		s.Pipelines.Len, s.Pipelines.Capacity, s.PipelinesCreated, s.PipelinesReused, s.Restored)
}
