package fxcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/batch"
	"github.com/gogpu/fxcore/filter"
	"github.com/gogpu/fxcore/queue"
	"github.com/gogpu/fxcore/resource"
	"github.com/gogpu/fxcore/texpool"
)

// ErrFilterInactive is returned by RunFilter when no pass of a filter is
// built or patched.
var ErrFilterInactive = errors.New("fxcore: filter has no runnable pass")

// FilterResult is the value of a completed RunFilter handle.
type FilterResult struct {
	Filter string
	// Output is the texture written by the last pass that ran.
	Output *texpool.Texture
	// Passes is the number of passes recorded, Placeholders how many of
	// them ran on the placeholder binding and Skipped the number of
	// disabled passes left out.
	Passes       int
	Placeholders int
	Skipped      int
	// Submission is the queue submission index of the run.
	Submission uint64
}

// RunFilter enqueues one execution of the named filter. Inputs override
// configured textures by name, for example to feed a decoded video frame
// wrapped with WrapTexture as "source"; every other texture a pass names is
// taken from the pool at its configured size and kept for later runs.
//
// The handle settles with a *FilterResult once the GPU has consumed the
// submission. Operations are tagged filter=<name> and labelled
// "filter:<name>"; opts may add tags or a timeout. If ctx ends before the
// operation starts, it settles with ctx's error.
func (r *Renderer) RunFilter(ctx context.Context, name string, inputs map[string]*texpool.Texture, priority queue.Priority, opts ...queue.EnqueueOption) *queue.Handle {
	opts = append([]queue.EnqueueOption{queue.WithLabel("filter:" + name), queue.WithTag("filter", name)}, opts...)
	return r.Submit(priority, func(opCtx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return r.runFilter(opCtx, name, inputs)
	}, opts...)
}

func (r *Renderer) runFilter(ctx context.Context, name string, inputs map[string]*texpool.Texture) (*FilterResult, error) {
	b, err := r.activeBatcher()
	if err != nil {
		return nil, err
	}
	st, ok := r.resources.FilterState(name)
	if !ok {
		if ferr := r.FilterErr(name); ferr != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrUnknownFilter, name, ferr)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownFilter, name)
	}
	passes := st.RunnablePasses()
	if len(passes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFilterInactive, name)
	}

	// Resolve every texture and bind group before recording, so a failure
	// leaves nothing behind in the shared encoder.
	res := &FilterResult{Filter: name, Skipped: len(st.Passes) - len(passes)}
	recs := make([]batch.Recorder, 0, len(passes))
	for _, ps := range passes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.texture(ps.Pass.Output, inputs)
		if err != nil {
			return nil, err
		}
		res.Output = out
		if ps.Patched() {
			label := fmt.Sprintf("fx_%s_pass%d_placeholder", st.Filter.Name, ps.Index)
			recs = append(recs, recordPlaceholder(st.Filter, label, ps.Placeholder, out))
			res.Placeholders++
			continue
		}

		views := make([]hal.TextureView, len(ps.Pass.Inputs))
		for i, in := range ps.Pass.Inputs {
			tex, err := r.texture(in, inputs)
			if err != nil {
				return nil, err
			}
			views[i] = tex.View()
		}
		bgr := resource.BindGroupResources{Inputs: views, Buffer: st.Buffer}
		if ps.Pipeline.IsCompute() {
			bgr.Output = out.View()
		}

		ps.BindGroup.Release()
		bg, err := r.resources.CreateBindGroup(ps.Pipeline.Label, ps.Layout, bgr)
		if err != nil {
			ps.BindGroup = nil
			return nil, err
		}
		ps.BindGroup = bg
		recs = append(recs, recordPass(st.Filter, ps.Pipeline, bg, out))
	}

	for i, rec := range recs {
		if err := b.AddCommand(rec); err != nil {
			b.Discard()
			return nil, fmt.Errorf("fxcore: record %s pass %d: %w", name, passes[i].Index, err)
		}
		res.Passes++
	}

	sub, err := b.Flush()
	if err != nil {
		return nil, err
	}
	if err := sub.Wait(ctx); err != nil {
		return nil, err
	}
	res.Submission = sub.Index()
	return res, nil
}

// recordPass returns the recorder of one pass: a fullscreen draw for
// render filters, a dispatch covering the output for compute filters.
func recordPass(f *filter.Filter, p *resource.Pipeline, bg *resource.BindGroup, out *texpool.Texture) batch.Recorder {
	label := p.Label
	if k, ok := f.Kind.(filter.Compute); ok {
		x, y, z := k.Workgroups(uint32(out.Width()), uint32(out.Height())) //nolint:gosec // texture sizes fit uint32
		pipeline := p.Compute
		return func(enc hal.CommandEncoder) error {
			pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
			pass.SetPipeline(pipeline)
			pass.SetBindGroup(0, bg.Group, nil)
			pass.Dispatch(x, y, z)
			pass.End()
			return nil
		}
	}
	pipeline := p.Render
	view := out.View()
	return func(enc hal.CommandEncoder) error {
		pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: label,
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:    view,
				LoadOp:  gputypes.LoadOpClear,
				StoreOp: gputypes.StoreOpStore,
			}},
		})
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, bg.Group, nil)
		pass.Draw(3, 1, 0, 0)
		pass.End()
		return nil
	}
}

// recordPlaceholder returns the recorder of a patched pass. It binds the
// placeholder group without drawing; a render output is cleared to
// transparent black, a compute output keeps its contents.
func recordPlaceholder(f *filter.Filter, label string, ph *resource.Placeholder, out *texpool.Texture) batch.Recorder {
	group := ph.Group
	if _, ok := f.Kind.(filter.Compute); ok {
		return func(enc hal.CommandEncoder) error {
			pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
			pass.SetBindGroup(0, group, nil)
			pass.End()
			return nil
		}
	}
	view := out.View()
	return func(enc hal.CommandEncoder) error {
		pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: label,
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:    view,
				LoadOp:  gputypes.LoadOpClear,
				StoreOp: gputypes.StoreOpStore,
			}},
		})
		pass.SetBindGroup(0, group, nil)
		pass.End()
		return nil
	}
}

// activeBatcher returns the batcher of the current device.
func (r *Renderer) activeBatcher() (*batch.Batcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.disposed:
		return nil, ErrDisposed
	case r.lost, r.setUp && r.batcher == nil:
		return nil, ErrDeviceLost
	case !r.setUp:
		return nil, ErrNotSetUp
	}
	return r.batcher, nil
}

// texture resolves a texture name: caller inputs first, then the
// renderer's textures, then a fresh one from the pool.
func (r *Renderer) texture(name string, inputs map[string]*texpool.Texture) (*texpool.Texture, error) {
	if tex, ok := inputs[name]; ok && tex != nil {
		return tex, nil
	}
	r.mu.Lock()
	tex, ok := r.textures[name]
	w, h := r.width, r.height
	r.mu.Unlock()
	if ok {
		return tex, nil
	}

	t, ok := r.opts.config.Texture(name)
	if !ok {
		return nil, &resource.ResourceNotFoundError{Kind: "texture", Name: name}
	}
	tex, err := r.pool.Acquire(textureDescriptor(t, w, h))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.textures[name] = tex
	r.mu.Unlock()
	return tex, nil
}

// textureDescriptor returns the pool descriptor of a configured texture
// on a canvas of w x h. Sampling is always allowed so that one pass can
// read what another wrote.
func textureDescriptor(t filter.Texture, w, h uint32) texpool.Descriptor {
	width, height := t.Size(w, h)
	return texpool.Descriptor{
		Label:       "fx_" + t.Name,
		Format:      t.Format,
		Width:       width,
		Height:      height,
		Usage:       t.Usage | gputypes.TextureUsageTextureBinding,
		SampleCount: t.Samples(),
	}
}

// Texture returns the renderer texture of the given name, if it has been
// allocated by a run.
func (r *Renderer) Texture(name string) (*texpool.Texture, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tex, ok := r.textures[name]
	return tex, ok
}

// WrapTexture adopts an externally owned texture, such as a decoded video
// frame, for use as a RunFilter input.
func (r *Renderer) WrapTexture(raw hal.Texture, view hal.TextureView, width, height uint32) *texpool.Texture {
	return r.pool.Wrap(raw, view, width, height)
}
