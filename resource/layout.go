package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/filter"
)

// LayoutShape is the binding shape of a pass. Passes with equal shapes
// share one bind-group layout.
//
// Slot order is fixed: binding 0 is the sampler, the input textures
// follow, a compute pass then binds its storage output, and the filter
// buffer (if any) comes last at BindingIndex.
type LayoutShape struct {
	// Kind is "render" or "compute".
	Kind          string
	InputTextures int
	HasBuffer     bool
	BufferKind    filter.BufferKind
	// BindingIndex is the slot of the buffer, or of the next free slot when
	// there is no buffer.
	BindingIndex uint32
	// StorageFormat is the format of a compute pass output. It is
	// TextureFormatUndefined for render passes.
	StorageFormat gputypes.TextureFormat
}

// ShapeOf derives the layout shape of pass p of filter f writing to a
// texture of format output.
func ShapeOf(f *filter.Filter, p *filter.Pass, output gputypes.TextureFormat) LayoutShape {
	s := LayoutShape{
		Kind:          f.Kind.Name(),
		InputTextures: len(p.Inputs),
		HasBuffer:     f.HasBuffer(),
		BufferKind:    f.BufferKind(),
	}
	next := uint32(1 + len(p.Inputs)) //nolint:gosec // pass inputs are a handful of textures
	if _, ok := f.Kind.(filter.Compute); ok {
		s.StorageFormat = output
		next++
	}
	s.BindingIndex = next
	return s
}

// Bindings returns the concrete slot list for the shape.
func (s LayoutShape) Bindings() []Binding {
	out := make([]Binding, 0, s.InputTextures+3)
	out = append(out, Binding{Index: 0, Type: SlotSampler})
	for i := 0; i < s.InputTextures; i++ {
		out = append(out, Binding{Index: uint32(1 + i), Type: SlotTexture}) //nolint:gosec // bounded by InputTextures
	}
	if s.Kind == "compute" {
		out = append(out, Binding{Index: uint32(1 + s.InputTextures), Type: SlotStorageTexture}) //nolint:gosec // bounded by InputTextures
	}
	if s.HasBuffer {
		out = append(out, Binding{Index: s.BindingIndex, Type: SlotBuffer})
	}
	return out
}

func (s LayoutShape) visibility() gputypes.ShaderStages {
	if s.Kind == "compute" {
		return gputypes.ShaderStageCompute
	}
	return gputypes.ShaderStageFragment
}

// entries converts the slot list into HAL layout entries.
func (s LayoutShape) entries() []gputypes.BindGroupLayoutEntry {
	vis := s.visibility()
	bindings := s.Bindings()
	out := make([]gputypes.BindGroupLayoutEntry, 0, len(bindings))
	for _, b := range bindings {
		e := gputypes.BindGroupLayoutEntry{Binding: b.Index, Visibility: vis}
		switch b.Type {
		case SlotSampler:
			e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
		case SlotTexture:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case SlotStorageTexture:
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        s.StorageFormat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case SlotBuffer:
			e.Visibility = vis | gputypes.ShaderStageVertex
			if s.Kind == "compute" {
				e.Visibility = vis
			}
			e.Buffer = &gputypes.BufferBindingLayout{Type: s.BufferKind.BindingType()}
		}
		out = append(out, e)
	}
	return out
}

// GetOrCreateLayout returns the layout for pass p of filter f. output is
// the format of the pass output texture; it only affects compute passes.
// A second call with a structurally identical pass returns the same
// *Layout and counts as a reuse.
func (m *Manager) GetOrCreateLayout(f *filter.Filter, p *filter.Pass, output gputypes.TextureFormat) (*Layout, error) {
	if f.Kind == nil {
		return nil, &ResourceConstructionError{Kind: "layout", Name: f.Name, Err: fmt.Errorf("filter has no kind")}
	}
	return m.layoutForShape(ShapeOf(f, p, output))
}

func (m *Manager) layoutForShape(shape LayoutShape) (*Layout, error) {
	device, err := m.ready()
	if err != nil {
		return nil, err
	}
	key := shape.Key()
	layout, created, err := m.layouts.GetOrCreate(key, func() (*Layout, error) {
		return m.createLayout(device, key, shape)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if created {
		m.stats.layoutsCreated++
	} else {
		m.stats.layoutsReused++
	}
	m.mu.Unlock()
	return layout, nil
}

func (m *Manager) createLayout(device hal.Device, key Key, shape LayoutShape) (*Layout, error) {
	label := fmt.Sprintf("fx_%s_layout_%d", shape.Kind, shape.InputTextures)
	group, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: shape.entries(),
	})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "layout", Name: string(key), Err: err}
	}
	pl, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: []hal.BindGroupLayout{group},
	})
	if err != nil {
		device.DestroyBindGroupLayout(group)
		return nil, &ResourceConstructionError{Kind: "layout", Name: string(key), Err: err}
	}
	m.log.Debug("resource: created layout", "key", string(key), "slots", len(shape.Bindings()))
	return &Layout{
		Key:       key,
		Shape:     shape,
		Bindings:  shape.Bindings(),
		Group:     group,
		Pipeline:  pl,
		CreatedAt: m.now(),
	}, nil
}
