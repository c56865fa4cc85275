package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// BindGroupResources are the concrete objects bound for one pass run.
type BindGroupResources struct {
	// Inputs are the views of the input textures, in pass order.
	Inputs []hal.TextureView
	// Output is the storage view written by a compute pass.
	Output hal.TextureView
	// Buffer is the filter buffer, required when the layout has one.
	Buffer *Buffer
}

// CreateBindGroup builds a bind group for layout. The group is tracked
// until Release or the next ReleaseBindGroups.
func (m *Manager) CreateBindGroup(label string, layout *Layout, res BindGroupResources) (*BindGroup, error) {
	device, err := m.ready()
	if err != nil {
		return nil, err
	}
	if layout == nil || layout.Destroyed() {
		return nil, &ResourceConstructionError{Kind: "bind group", Name: label, Err: ErrDestroyed}
	}
	if len(res.Inputs) != layout.Shape.InputTextures {
		return nil, &ResourceConstructionError{Kind: "bind group", Name: label,
			Err: fmt.Errorf("layout expects %d inputs, got %d", layout.Shape.InputTextures, len(res.Inputs))}
	}
	sampler, err := m.defaultSampler(device)
	if err != nil {
		return nil, err
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(layout.Bindings))
	for _, b := range layout.Bindings {
		var r gputypes.BindingResource
		switch b.Type {
		case SlotSampler:
			r = gputypes.SamplerBinding{Sampler: sampler.NativeHandle()}
		case SlotTexture:
			r = gputypes.TextureViewBinding{TextureView: res.Inputs[b.Index-1].NativeHandle()}
		case SlotStorageTexture:
			if res.Output == nil {
				return nil, &ResourceConstructionError{Kind: "bind group", Name: label, Err: fmt.Errorf("missing storage output")}
			}
			r = gputypes.TextureViewBinding{TextureView: res.Output.NativeHandle()}
		case SlotBuffer:
			if res.Buffer == nil || res.Buffer.Destroyed() {
				return nil, &ResourceConstructionError{Kind: "bind group", Name: label, Err: fmt.Errorf("missing buffer")}
			}
			r = gputypes.BufferBinding{Buffer: res.Buffer.Handle, Size: res.Buffer.Size}
		}
		entries = append(entries, gputypes.BindGroupEntry{Binding: b.Index, Resource: r})
	}

	group, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  layout.Group,
		Entries: entries,
	})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "bind group", Name: label, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	bg := &BindGroup{Label: label, Layout: layout, Group: group, m: m, id: m.nextID}
	m.bindGroups[bg.id] = bg
	return bg, nil
}

func (m *Manager) releaseBindGroup(bg *BindGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bg.destroyed.Swap(true) {
		return
	}
	if _, ok := m.bindGroups[bg.id]; ok && m.device != nil {
		m.device.DestroyBindGroup(bg.Group)
	}
	delete(m.bindGroups, bg.id)
}

// CreateBuffer allocates a tracked buffer and uploads data when given.
func (m *Manager) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage, data []byte) (*Buffer, error) {
	device, err := m.ready()
	if err != nil {
		return nil, err
	}
	raw, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "buffer", Name: label, Err: err}
	}

	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if len(data) > 0 && queue != nil {
		if err := queue.WriteBuffer(raw, 0, data); err != nil {
			device.DestroyBuffer(raw)
			return nil, &ResourceConstructionError{Kind: "buffer", Name: label, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b := &Buffer{Label: label, Size: size, Usage: usage, Raw: raw, Handle: raw.NativeHandle(), m: m, id: m.nextID}
	m.buffers[b.id] = b
	return b, nil
}

func (m *Manager) releaseBuffer(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.destroyed.Swap(true) {
		return
	}
	if _, ok := m.buffers[b.id]; ok && m.device != nil {
		m.device.DestroyBuffer(b.Raw)
	}
	delete(m.buffers, b.id)
}

// Placeholder is a minimal empty binding used to keep stale passes
// harmless until their real resources are rebuilt.
type Placeholder struct {
	Layout hal.BindGroupLayout
	Group  hal.BindGroup
}

func (p *Placeholder) destroy(d hal.Device) {
	if d == nil {
		return
	}
	if p.Group != nil {
		d.DestroyBindGroup(p.Group)
	}
	if p.Layout != nil {
		d.DestroyBindGroupLayout(p.Layout)
	}
}

// Placeholder returns the manager's placeholder binding, creating it on
// the current device if needed.
func (m *Manager) Placeholder() (*Placeholder, error) {
	device, err := m.ready()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeholder != nil {
		return m.placeholder, nil
	}

	layout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: "fx_placeholder"})
	if err != nil {
		return nil, &ResourceConstructionError{Kind: "layout", Name: "fx_placeholder", Err: err}
	}
	group, err := device.CreateBindGroup(&hal.BindGroupDescriptor{Label: "fx_placeholder", Layout: layout})
	if err != nil {
		device.DestroyBindGroupLayout(layout)
		return nil, &ResourceConstructionError{Kind: "bind group", Name: "fx_placeholder", Err: err}
	}
	m.placeholder = &Placeholder{Layout: layout, Group: group}
	return m.placeholder, nil
}
