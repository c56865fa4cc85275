package resource

import (
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Size is a canvas or texture size in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// IsZero reports whether the size is unset.
func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

// Fits reports whether s is unconstrained or no larger than canvas in
// either dimension.
func (s Size) Fits(canvas Size) bool {
	return s.IsZero() || (s.Width <= canvas.Width && s.Height <= canvas.Height)
}

// Shader is a cached, compiled shader module.
type Shader struct {
	Key       Key
	Label     string
	Source    string
	Module    hal.ShaderModule
	Warnings  []Diagnostic
	CreatedAt time.Time

	destroyed atomic.Bool
}

// Destroyed reports whether the module has been released.
func (s *Shader) Destroyed() bool { return s.destroyed.Load() }

func (s *Shader) destroy(d hal.Device) {
	if s.destroyed.Swap(true) {
		return
	}
	if d != nil && s.Module != nil {
		d.DestroyShaderModule(s.Module)
	}
}

// SlotType is the kind of resource bound at a layout slot.
type SlotType uint8

const (
	// SlotSampler is a filtering sampler.
	SlotSampler SlotType = iota
	// SlotTexture is a sampled input texture.
	SlotTexture
	// SlotStorageTexture is the write-only output of a compute pass.
	SlotStorageTexture
	// SlotBuffer is the filter's attached buffer.
	SlotBuffer
)

func (t SlotType) String() string {
	switch t {
	case SlotSampler:
		return "sampler"
	case SlotTexture:
		return "texture"
	case SlotStorageTexture:
		return "storage-texture"
	case SlotBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// Binding is one concrete slot of a bind-group layout.
type Binding struct {
	Index uint32
	Type  SlotType
}

// Layout is a cached bind-group layout together with the pipeline layout
// built from it and its concrete binding slots.
type Layout struct {
	Key       Key
	Shape     LayoutShape
	Bindings  []Binding
	Group     hal.BindGroupLayout
	Pipeline  hal.PipelineLayout
	CreatedAt time.Time

	destroyed atomic.Bool
}

// Destroyed reports whether the layout has been released.
func (l *Layout) Destroyed() bool { return l.destroyed.Load() }

func (l *Layout) destroy(d hal.Device) {
	if l.destroyed.Swap(true) || d == nil {
		return
	}
	if l.Pipeline != nil {
		d.DestroyPipelineLayout(l.Pipeline)
	}
	if l.Group != nil {
		d.DestroyBindGroupLayout(l.Group)
	}
}

// Pipeline is a cached render or compute pipeline.
type Pipeline struct {
	Key        Key
	Label      string
	Config     PipelineConfig
	Render     hal.RenderPipeline
	Compute    hal.ComputePipeline
	CreatedAt  time.Time
	Constraint Size

	destroyed atomic.Bool
}

// IsCompute reports whether the pipeline is a compute pipeline.
func (p *Pipeline) IsCompute() bool { return p.Compute != nil }

// Destroyed reports whether the pipeline has been released.
func (p *Pipeline) Destroyed() bool { return p.destroyed.Load() }

func (p *Pipeline) destroy(d hal.Device) {
	if p.destroyed.Swap(true) || d == nil {
		return
	}
	if p.Render != nil {
		d.DestroyRenderPipeline(p.Render)
	}
	if p.Compute != nil {
		d.DestroyComputePipeline(p.Compute)
	}
}

// BindGroup is a tracked bind group. Bind groups are not cached; they are
// released explicitly or in bulk before pipelines during teardown.
type BindGroup struct {
	Label  string
	Layout *Layout
	Group  hal.BindGroup

	m         *Manager
	id        uint64
	destroyed atomic.Bool
}

// Destroyed reports whether the bind group has been released.
func (b *BindGroup) Destroyed() bool { return b.destroyed.Load() }

// Release destroys the bind group. Releasing twice is a no-op.
func (b *BindGroup) Release() {
	if b == nil || b.m == nil {
		return
	}
	b.m.releaseBindGroup(b)
}

// Buffer is a tracked GPU buffer owned by a filter.
type Buffer struct {
	Label  string
	Size   uint64
	Usage  gputypes.BufferUsage
	Raw    hal.Buffer
	Handle uintptr

	m         *Manager
	id        uint64
	destroyed atomic.Bool
}

// Destroyed reports whether the buffer has been released.
func (b *Buffer) Destroyed() bool { return b.destroyed.Load() }

// Release destroys the buffer. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.m == nil {
		return
	}
	b.m.releaseBuffer(b)
}
