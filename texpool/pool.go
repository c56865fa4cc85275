// Package texpool recycles GPU textures by exact shape.
//
// Textures are bucketed by their Key (format, size, usage, sample count).
// Acquire pops a free texture from the matching bucket or allocates a new
// one; Release returns it. There is no in-place resize: a texture of a
// different size always lands in a different bucket.
//
// The pool tracks how many bytes are held by textures in use (active) and
// by textures waiting for reuse (pooled).
package texpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pool errors.
var (
	// ErrInvalidDescriptor is returned for zero-sized or formatless descriptors.
	ErrInvalidDescriptor = errors.New("texpool: invalid texture descriptor")

	// ErrNoDevice is returned when the pool has no device to allocate on.
	ErrNoDevice = errors.New("texpool: no device")
)

// Descriptor describes the shape of a pooled texture.
type Descriptor struct {
	// Label is a debug name. It does not participate in matching.
	Label       string
	Format      gputypes.TextureFormat
	Width       uint32
	Height      uint32
	Usage       gputypes.TextureUsage
	SampleCount uint32
}

// Key identifies a pool bucket. Two descriptors share a bucket only when
// every field of their keys is equal.
type Key struct {
	Format      gputypes.TextureFormat
	Width       uint32
	Height      uint32
	Usage       gputypes.TextureUsage
	SampleCount uint32
}

// String returns a compact form such as "RGBA8Unorm/256x256/u0x14/s1".
func (k Key) String() string {
	return fmt.Sprintf("%s/%dx%d/u%#x/s%d", k.Format, k.Width, k.Height, uint64(k.Usage), k.SampleCount)
}

// Key returns the bucket key. A zero sample count is treated as 1.
func (d Descriptor) Key() Key {
	samples := d.SampleCount
	if samples == 0 {
		samples = 1
	}
	return Key{
		Format:      d.Format,
		Width:       d.Width,
		Height:      d.Height,
		Usage:       d.Usage,
		SampleCount: samples,
	}
}

// SizeBytes returns the memory footprint of a texture with this shape.
func (d Descriptor) SizeBytes() uint64 {
	k := d.Key()
	return BytesPerPixel(k.Format) * uint64(k.Width) * uint64(k.Height) * uint64(k.SampleCount)
}

type textureState uint8

const (
	stateActive textureState = iota
	statePooled
	stateLost
)

// Texture is a GPU texture owned by a Pool.
//
// Texture implements gpucontext.Texture.
type Texture struct {
	id     uint64
	raw    hal.Texture
	view   hal.TextureView
	desc   *Descriptor
	size   uint64
	reused uint64
	state  textureState
	width  uint32
	height uint32
}

var _ gpucontext.Texture = (*Texture)(nil)

// ID returns the pool-unique identifier of the texture.
func (t *Texture) ID() uint64 { return t.id }

// Raw returns the underlying HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// View returns the default 2D view of the texture.
func (t *Texture) View() hal.TextureView { return t.view }

// Width returns the texture width in pixels.
func (t *Texture) Width() int { return int(t.width) }

// Height returns the texture height in pixels.
func (t *Texture) Height() int { return int(t.height) }

// SizeBytes returns the accounted size of the texture.
func (t *Texture) SizeBytes() uint64 { return t.size }

// ReuseCount returns how many times the texture was handed out again
// after being released.
func (t *Texture) ReuseCount() uint64 { return t.reused }

// Descriptor returns the shape the texture was allocated with.
// Textures created by Wrap have no descriptor.
func (t *Texture) Descriptor() (Descriptor, bool) {
	if t.desc == nil {
		return Descriptor{}, false
	}
	return *t.desc, true
}

// Stats contains texture pool statistics.
type Stats struct {
	// ActiveBytes is the memory held by textures currently in use.
	ActiveBytes uint64
	// PooledBytes is the memory held by released textures awaiting reuse.
	PooledBytes uint64
	// ActiveCount is the number of textures in use.
	ActiveCount int
	// PooledCount is the number of released textures awaiting reuse.
	PooledCount int
	// Buckets is the number of distinct shapes with pooled textures.
	Buckets int
	// Created is the number of fresh allocations.
	Created uint64
	// Reused is the number of acquisitions served from the pool.
	Reused uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("TexturePool[active %d (%d KB), pooled %d (%d KB), created %d, reused %d]",
		s.ActiveCount, s.ActiveBytes/1024, s.PooledCount, s.PooledBytes/1024, s.Created, s.Reused)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for pool diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// Pool recycles textures by exact shape.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	device hal.Device
	log    *slog.Logger

	free   map[Key][]*Texture
	active map[uint64]*Texture
	nextID uint64

	activeBytes uint64
	pooledBytes uint64
	created     uint64
	reused      uint64
}

// New creates a pool allocating on device. device may be nil until
// SetDevice is called.
func New(device hal.Device, opts ...Option) *Pool {
	p := &Pool{
		device: device,
		log:    slog.New(slog.DiscardHandler),
		free:   make(map[Key][]*Texture),
		active: make(map[uint64]*Texture),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetDevice switches the device used for new allocations.
// Call Teardown first when replacing a lost device.
func (p *Pool) SetDevice(device hal.Device) {
	p.mu.Lock()
	p.device = device
	p.mu.Unlock()
}

// Acquire returns a texture matching desc exactly, reusing a pooled one
// when available.
func (p *Pool) Acquire(desc Descriptor) (*Texture, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Format == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, desc.Key())
	}
	key := desc.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if bucket := p.free[key]; len(bucket) > 0 {
		tex := bucket[len(bucket)-1]
		bucket[len(bucket)-1] = nil
		if len(bucket) == 1 {
			delete(p.free, key)
		} else {
			p.free[key] = bucket[:len(bucket)-1]
		}
		tex.state = stateActive
		tex.reused++
		p.reused++
		p.pooledBytes -= tex.size
		p.activeBytes += tex.size
		p.active[tex.id] = tex
		p.log.Debug("texpool: reuse", "key", key.String(), "id", tex.id, "reuse", tex.reused)
		return tex, nil
	}

	if p.device == nil {
		return nil, ErrNoDevice
	}
	tex, err := p.allocate(desc, key)
	if err != nil {
		return nil, err
	}
	p.created++
	p.activeBytes += tex.size
	p.active[tex.id] = tex
	p.log.Debug("texpool: allocate", "key", key.String(), "id", tex.id, "bytes", tex.size)
	return tex, nil
}

// allocate creates a texture and its default view. Caller must hold p.mu.
func (p *Pool) allocate(desc Descriptor, key Key) (*Texture, error) {
	raw, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              key.Width,
			Height:             key.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   key.SampleCount,
		Dimension:     gputypes.TextureDimension2D,
		Format:        key.Format,
		Usage:         key.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("texpool: create texture %s: %w", key, err)
	}
	view, err := p.device.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          key.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		p.device.DestroyTexture(raw)
		return nil, fmt.Errorf("texpool: create view %s: %w", key, err)
	}

	p.nextID++
	d := desc
	d.SampleCount = key.SampleCount
	return &Texture{
		id:     p.nextID,
		raw:    raw,
		view:   view,
		desc:   &d,
		size:   desc.SizeBytes(),
		state:  stateActive,
		width:  key.Width,
		height: key.Height,
	}, nil
}

// Wrap adopts an externally owned texture, such as a surface image or a
// video frame, so it can be passed where a *Texture is expected.
// Wrapped textures carry no descriptor; releasing them is a no-op.
func (p *Pool) Wrap(raw hal.Texture, view hal.TextureView, width, height uint32) *Texture {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	return &Texture{
		id:     p.nextID,
		raw:    raw,
		view:   view,
		state:  stateActive,
		width:  width,
		height: height,
	}
}

// Release returns tex to the pool. Releasing a texture without a
// descriptor, a texture that is already pooled, or a texture lost in a
// teardown does nothing.
func (p *Pool) Release(tex *Texture) {
	if tex == nil || tex.desc == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tex.state != stateActive {
		return
	}
	if _, ok := p.active[tex.id]; !ok {
		return
	}
	delete(p.active, tex.id)
	tex.state = statePooled
	key := tex.desc.Key()
	p.free[key] = append(p.free[key], tex)
	p.activeBytes -= tex.size
	p.pooledBytes += tex.size
}

// Destroy frees every pooled texture and resets the pool counters.
// Active textures stay valid and accounted until released.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.destroyPooled()
	p.pooledBytes = 0
	p.created = 0
	p.reused = 0
	p.log.Debug("texpool: destroyed pooled textures", "count", n)
}

// Teardown forgets every texture after a device loss. Pooled textures are
// destroyed; active ones are marked lost so a later Release is ignored.
// The device is cleared; call SetDevice before the next Acquire.
func (p *Pool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	pooled := p.destroyPooled()
	for id, tex := range p.active {
		if p.device != nil {
			p.destroyTexture(tex)
		}
		tex.state = stateLost
		delete(p.active, id)
	}
	p.log.Debug("texpool: teardown", "pooled", pooled)
	p.activeBytes = 0
	p.pooledBytes = 0
	p.created = 0
	p.reused = 0
	p.device = nil
}

// destroyPooled destroys all pooled textures. Caller must hold p.mu.
func (p *Pool) destroyPooled() int {
	n := 0
	for key, bucket := range p.free {
		for _, tex := range bucket {
			if p.device != nil {
				p.destroyTexture(tex)
			}
			tex.state = stateLost
			n++
		}
		delete(p.free, key)
	}
	return n
}

func (p *Pool) destroyTexture(tex *Texture) {
	if tex.view != nil {
		p.device.DestroyTextureView(tex.view)
	}
	if tex.raw != nil {
		p.device.DestroyTexture(tex.raw)
	}
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pooled := 0
	for _, bucket := range p.free {
		pooled += len(bucket)
	}
	return Stats{
		ActiveBytes: p.activeBytes,
		PooledBytes: p.pooledBytes,
		ActiveCount: len(p.active),
		PooledCount: pooled,
		Buckets:     len(p.free),
		Created:     p.created,
		Reused:      p.reused,
	}
}
