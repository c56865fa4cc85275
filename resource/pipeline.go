package resource

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/filter"
)

// PipelineConfig describes a pipeline to build.
//
// The cache key covers Kind (including entry points and blending),
// ShaderURL, TargetFormat, SampleCount and the layout shape. Label,
// Constraint and the identity of Shader and Layout do not participate.
type PipelineConfig struct {
	Label string
	Kind  filter.Kind
	// ShaderURL identifies the shader. Two pipelines with the same URL
	// are assumed to use the same source.
	ShaderURL    string
	Shader       *Shader
	Layout       *Layout
	TargetFormat gputypes.TextureFormat
	SampleCount  uint32
	// Constraint is the output size the pipeline was built for, if fixed.
	// Restore skips pipelines whose constraint exceeds the new canvas.
	Constraint Size
}

func (c *PipelineConfig) samples() uint32 {
	if c.SampleCount == 0 {
		return 1
	}
	return c.SampleCount
}

func (c *PipelineConfig) validate() error {
	switch {
	case c.Kind == nil:
		return errors.New("missing kind")
	case c.Shader == nil:
		return errors.New("missing shader")
	case c.Layout == nil:
		return errors.New("missing layout")
	case c.Shader.Destroyed():
		return fmt.Errorf("shader %q: %w", c.Shader.Label, ErrDestroyed)
	case c.Layout.Destroyed():
		return fmt.Errorf("layout %s: %w", c.Layout.Key, ErrDestroyed)
	}
	if _, ok := c.Kind.(filter.Render); ok && c.TargetFormat == gputypes.TextureFormatUndefined {
		return errors.New("render pipeline needs a target format")
	}
	return nil
}

// GetOrCreatePipeline returns the pipeline for cfg, building it on a miss.
func (m *Manager) GetOrCreatePipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, &ResourceConstructionError{Kind: "pipeline", Name: cfg.Label, Err: err}
	}
	device, err := m.ready()
	if err != nil {
		return nil, err
	}

	key := PipelineKey(&cfg)
	p, created, err := m.pipelines.GetOrCreate(key, func() (*Pipeline, error) {
		return m.createPipeline(device, key, cfg)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if created {
		m.stats.pipelinesCreated++
	} else {
		m.stats.pipelinesReused++
	}
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) createPipeline(device hal.Device, key Key, cfg PipelineConfig) (*Pipeline, error) {
	p := &Pipeline{
		Key:        key,
		Label:      cfg.Label,
		Config:     cfg,
		CreatedAt:  m.now(),
		Constraint: cfg.Constraint,
	}

	switch k := cfg.Kind.(type) {
	case filter.Render:
		vs, fs := k.Entries()
		target := gputypes.ColorTargetState{
			Format:    cfg.TargetFormat,
			WriteMask: gputypes.ColorWriteMaskAll,
		}
		if k.Blend {
			blend := gputypes.BlendStatePremultiplied()
			target.Blend = &blend
		}
		ms := gputypes.DefaultMultisampleState()
		ms.Count = cfg.samples()
		rp, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
			Label:  cfg.Label,
			Layout: cfg.Layout.Pipeline,
			Vertex: hal.VertexState{
				Module:     cfg.Shader.Module,
				EntryPoint: vs,
			},
			Primitive:   gputypes.DefaultPrimitiveState(),
			Multisample: ms,
			Fragment: &hal.FragmentState{
				Module:     cfg.Shader.Module,
				EntryPoint: fs,
				Targets:    []gputypes.ColorTargetState{target},
			},
		})
		if err != nil {
			return nil, &ResourceConstructionError{Kind: "pipeline", Name: cfg.Label, Err: err}
		}
		p.Render = rp
	case filter.Compute:
		cp, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  cfg.Label,
			Layout: cfg.Layout.Pipeline,
			Compute: hal.ComputeState{
				Module:     cfg.Shader.Module,
				EntryPoint: k.Entry(),
			},
		})
		if err != nil {
			return nil, &ResourceConstructionError{Kind: "pipeline", Name: cfg.Label, Err: err}
		}
		p.Compute = cp
	default:
		return nil, &ResourceConstructionError{Kind: "pipeline", Name: cfg.Label, Err: fmt.Errorf("unknown kind %T", k)}
	}

	m.log.Debug("resource: created pipeline", "label", cfg.Label, "kind", cfg.Kind.Name(), "key", string(key))
	return p, nil
}
