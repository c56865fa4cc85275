package fxcore

import (
	"context"
	"fmt"

	"github.com/gogpu/fxcore/resource"
	"github.com/gogpu/fxcore/texpool"
)

// ResourceRequest is a request for AcquireResource. It is a closed set:
// ShaderRequest, LayoutRequest, PipelineRequest and TextureRequest.
type ResourceRequest interface {
	// Kind returns the kind of resource requested.
	Kind() string

	sealed()
}

// ShaderRequest asks for a compiled shader module. Source is compiled
// when set; otherwise the source is loaded from URL. The result is a
// *resource.Shader.
type ShaderRequest struct {
	URL    string
	Source string
}

// LayoutRequest asks for the bind-group layout of one pass of a
// configured filter. The result is a *resource.Layout.
type LayoutRequest struct {
	Filter string
	Pass   int
}

// PipelineRequest asks for the pipeline of one pass of a configured
// filter, building its shader and layout as needed. The result is a
// *resource.Pipeline.
type PipelineRequest struct {
	Filter string
	Pass   int
}

// TextureRequest asks the pool for a texture. The result is a
// *texpool.Texture the caller returns with ReleaseTexture.
type TextureRequest struct {
	Descriptor texpool.Descriptor
}

// Kind implements ResourceRequest.
func (ShaderRequest) Kind() string { return "shader" }

// Kind implements ResourceRequest.
func (LayoutRequest) Kind() string { return "layout" }

// Kind implements ResourceRequest.
func (PipelineRequest) Kind() string { return "pipeline" }

// Kind implements ResourceRequest.
func (TextureRequest) Kind() string { return "texture" }

func (ShaderRequest) sealed()   {}
func (LayoutRequest) sealed()   {}
func (PipelineRequest) sealed() {}
func (TextureRequest) sealed()  {}

// AcquireResource returns the cached or newly built resource for req.
// Failures are *ResourceError values wrapping the underlying error.
//
// Like all cache mutation, AcquireResource is meant to be called from
// queued work or before work is submitted.
func (r *Renderer) AcquireResource(ctx context.Context, req ResourceRequest) (any, error) {
	if r.isDisposed() {
		return nil, &ResourceError{Kind: kindOf(req), Err: ErrDisposed}
	}
	v, name, err := r.acquire(ctx, req)
	if err != nil {
		return nil, &ResourceError{Kind: kindOf(req), Name: name, Err: err}
	}
	return v, nil
}

func kindOf(req ResourceRequest) string {
	if req == nil {
		return "unknown"
	}
	return req.Kind()
}

func (r *Renderer) acquire(ctx context.Context, req ResourceRequest) (any, string, error) {
	cfg := r.opts.config
	switch q := req.(type) {
	case ShaderRequest:
		src := q.Source
		if src == "" {
			var err error
			if src, err = r.opts.loader.Load(ctx, q.URL); err != nil {
				return nil, q.URL, err
			}
		}
		s, err := r.resources.GetOrCompile(ctx, src, q.URL)
		return s, q.URL, err

	case LayoutRequest:
		name := fmt.Sprintf("%s[%d]", q.Filter, q.Pass)
		f, ok := cfg.Filter(q.Filter)
		if !ok {
			return nil, name, &resource.ResourceNotFoundError{Kind: "filter", Name: q.Filter}
		}
		if q.Pass < 0 || q.Pass >= len(f.Passes) {
			return nil, name, &resource.ResourceNotFoundError{Kind: "pass", Name: name}
		}
		p := &f.Passes[q.Pass]
		out, ok := cfg.Texture(p.Output)
		if !ok {
			return nil, name, &resource.ResourceNotFoundError{Kind: "texture", Name: p.Output}
		}
		l, err := r.resources.GetOrCreateLayout(f, p, out.Format)
		return l, name, err

	case PipelineRequest:
		name := fmt.Sprintf("%s[%d]", q.Filter, q.Pass)
		ps, err := r.resources.BuildPass(ctx, cfg, q.Filter, q.Pass, r.opts.loader)
		if err != nil {
			return nil, name, err
		}
		return ps.Pipeline, name, nil

	case TextureRequest:
		t, err := r.pool.Acquire(q.Descriptor)
		return t, q.Descriptor.Key().String(), err

	default:
		return nil, "", fmt.Errorf("unsupported request %T", req)
	}
}

// ReleaseTexture returns a texture obtained from AcquireResource to the
// pool.
func (r *Renderer) ReleaseTexture(tex *texpool.Texture) { r.pool.Release(tex) }
