// Package filter defines the declarative filter and texture configuration
// consumed by the renderer.
//
// A Config lists named textures and filters. Each filter is either a
// render filter or a compute filter (see Kind) and consists of ordered
// passes that read input textures and write one output texture. Filters
// may attach a single buffer, bound after the pass inputs.
//
// Configs are normally validated upstream; Validate reproduces those
// checks so a misconfigured Config fails before any GPU work.
package filter

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Kind is the execution model of a filter. It is a closed union:
// the only implementations are Render and Compute.
type Kind interface {
	// Name returns "render" or "compute".
	Name() string

	sealed()
}

// Render is a fullscreen render filter: one draw per pass into the
// pass output texture.
type Render struct {
	// VertexEntry is the vertex entry point (default "vs_main").
	VertexEntry string
	// FragmentEntry is the fragment entry point (default "fs_main").
	FragmentEntry string
	// Blend enables premultiplied alpha blending on the output.
	Blend bool
}

// Compute is a compute filter: one dispatch per pass covering the output
// texture in WorkgroupSize tiles.
type Compute struct {
	// EntryPoint is the compute entry point (default "main").
	EntryPoint string
	// WorkgroupSize is the declared @workgroup_size of the shader.
	// Zero components are treated as 1. Defaults to 8x8x1.
	WorkgroupSize [3]uint32
}

// Name implements Kind.
func (Render) Name() string { return "render" }

// Name implements Kind.
func (Compute) Name() string { return "compute" }

func (Render) sealed()  {}
func (Compute) sealed() {}

// Entries returns the vertex and fragment entry points with defaults applied.
func (r Render) Entries() (vertex, fragment string) {
	vertex, fragment = r.VertexEntry, r.FragmentEntry
	if vertex == "" {
		vertex = "vs_main"
	}
	if fragment == "" {
		fragment = "fs_main"
	}
	return vertex, fragment
}

// Entry returns the compute entry point with its default applied.
func (c Compute) Entry() string {
	if c.EntryPoint == "" {
		return "main"
	}
	return c.EntryPoint
}

// Workgroups returns the number of workgroups needed to cover a
// width x height target.
func (c Compute) Workgroups(width, height uint32) (x, y, z uint32) {
	size := c.WorkgroupSize
	if size == [3]uint32{} {
		size = [3]uint32{8, 8, 1}
	}
	for i := range size {
		if size[i] == 0 {
			size[i] = 1
		}
	}
	return ceilDiv(width, size[0]), ceilDiv(height, size[1]), 1
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// BufferKind selects how an attached buffer is bound.
type BufferKind uint8

const (
	// BufferNone means the filter has no attached buffer.
	BufferNone BufferKind = iota
	// BufferUniform binds the buffer as a uniform buffer.
	BufferUniform
	// BufferStorage binds the buffer as a read-write storage buffer.
	BufferStorage
	// BufferReadOnlyStorage binds the buffer as a read-only storage buffer.
	BufferReadOnlyStorage
)

// String returns the buffer kind name.
func (k BufferKind) String() string {
	switch k {
	case BufferNone:
		return "none"
	case BufferUniform:
		return "uniform"
	case BufferStorage:
		return "storage"
	case BufferReadOnlyStorage:
		return "read-only-storage"
	default:
		return fmt.Sprintf("BufferKind(%d)", k)
	}
}

// BindingType maps the kind to its gputypes binding type.
func (k BufferKind) BindingType() gputypes.BufferBindingType {
	switch k {
	case BufferUniform:
		return gputypes.BufferBindingTypeUniform
	case BufferStorage:
		return gputypes.BufferBindingTypeStorage
	case BufferReadOnlyStorage:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeUndefined
	}
}

// Usage returns the buffer usage flags needed for this kind.
func (k BufferKind) Usage() gputypes.BufferUsage {
	switch k {
	case BufferUniform:
		return gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	case BufferStorage, BufferReadOnlyStorage:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	default:
		return 0
	}
}

// Buffer describes a buffer attached to every pass of a filter.
type Buffer struct {
	Kind BufferKind
	Size uint64
	// Data is uploaded once after creation. May be nil.
	Data []byte
}

// Pass is one step of a filter.
type Pass struct {
	// Name identifies the pass in logs and errors.
	Name string
	// Shader is the URL handed to the shader loader.
	Shader string
	// Inputs are the names of textures sampled by the pass, in binding order.
	Inputs []string
	// Output is the name of the texture written by the pass.
	Output string
}

// Filter is a named sequence of passes sharing one execution model.
type Filter struct {
	Name   string
	Kind   Kind
	Passes []Pass
	Buffer *Buffer
}

// HasBuffer reports whether the filter attaches a buffer.
func (f *Filter) HasBuffer() bool {
	return f.Buffer != nil && f.Buffer.Kind != BufferNone
}

// BufferKind returns the attached buffer kind or BufferNone.
func (f *Filter) BufferKind() BufferKind {
	if f.Buffer == nil {
		return BufferNone
	}
	return f.Buffer.Kind
}

// Texture describes a named texture.
type Texture struct {
	Name   string
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
	// SampleCount is 1 or 4. Zero means 1.
	SampleCount uint32
	// Width and Height fix the texture size. Zero means "follow the canvas".
	Width, Height uint32
}

// Samples returns the sample count with its default applied.
func (t Texture) Samples() uint32 {
	if t.SampleCount == 0 {
		return 1
	}
	return t.SampleCount
}

// Fixed reports whether the texture has a fixed size.
func (t Texture) Fixed() bool {
	return t.Width != 0 && t.Height != 0
}

// Size returns the texture size for a canvas of the given size.
func (t Texture) Size(canvasW, canvasH uint32) (uint32, uint32) {
	if t.Fixed() {
		return t.Width, t.Height
	}
	return canvasW, canvasH
}

// Config is the complete declarative configuration.
type Config struct {
	Textures []Texture
	Filters  []Filter
}

// Filter returns the named filter.
func (c *Config) Filter(name string) (*Filter, bool) {
	for i := range c.Filters {
		if c.Filters[i].Name == name {
			return &c.Filters[i], true
		}
	}
	return nil, false
}

// Texture returns the named texture.
func (c *Config) Texture(name string) (Texture, bool) {
	for _, t := range c.Textures {
		if t.Name == name {
			return t, true
		}
	}
	return Texture{}, false
}
