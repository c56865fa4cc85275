package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gogpu/fxcore/filter"
)

// ShaderLoader fetches shader source text by URL.
type ShaderLoader interface {
	Load(ctx context.Context, url string) (string, error)
}

// LoaderFunc adapts a function to the ShaderLoader interface.
type LoaderFunc func(ctx context.Context, url string) (string, error)

// Load implements ShaderLoader.
func (f LoaderFunc) Load(ctx context.Context, url string) (string, error) { return f(ctx, url) }

// MapLoader serves shader sources from memory.
type MapLoader map[string]string

// Load implements ShaderLoader.
func (l MapLoader) Load(_ context.Context, url string) (string, error) {
	src, ok := l[url]
	if !ok {
		return "", &ResourceNotFoundError{Kind: "shader", Name: url}
	}
	return src, nil
}

// FSLoader serves shader sources from a file system, for example an
// embed.FS holding the shader directory.
type FSLoader struct {
	FS fs.FS
}

// Load implements ShaderLoader.
func (l FSLoader) Load(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := fs.ReadFile(l.FS, url)
	if errors.Is(err, fs.ErrNotExist) {
		return "", &ResourceNotFoundError{Kind: "shader", Name: url}
	}
	if err != nil {
		return "", fmt.Errorf("resource: load shader %q: %w", url, err)
	}
	return string(data), nil
}

// PassState is the built state of one filter pass.
type PassState struct {
	Index int
	Pass  filter.Pass

	Shader   *Shader
	Layout   *Layout
	Pipeline *Pipeline
	// BindGroup is the group last bound for this pass. PatchStale clears
	// it together with Pipeline.
	BindGroup *BindGroup
	// Placeholder is the binding a patched pass records with until it is
	// rebuilt.
	Placeholder *Placeholder

	// Active is false when construction failed or the pass was patched.
	Active bool
	// Stale is set by PatchStale until the pass is rebuilt.
	Stale bool
	// Err is the construction error of an inactive pass.
	Err error
	// Constraint is the fixed output size of the pass, if any.
	Constraint Size
}

// FilterState is the built state of a filter.
type FilterState struct {
	Filter *filter.Filter
	Passes []*PassState
	Buffer *Buffer
}

// Patched reports whether the pass runs on the placeholder binding.
func (p *PassState) Patched() bool {
	return !p.Active && p.Stale && p.Placeholder != nil
}

// stale reports whether the pass still points at a destroyed pipeline or
// bind group.
func (p *PassState) stale() bool {
	return (p.Pipeline != nil && p.Pipeline.Destroyed()) ||
		(p.BindGroup != nil && p.BindGroup.Destroyed())
}

// RunnablePasses returns the active passes and the patched ones, in pass
// order.
func (s *FilterState) RunnablePasses() []*PassState {
	out := make([]*PassState, 0, len(s.Passes))
	for _, p := range s.Passes {
		if p.Active || p.Patched() {
			out = append(out, p)
		}
	}
	return out
}

// ActivePasses returns the passes with a built pipeline.
func (s *FilterState) ActivePasses() []*PassState {
	out := make([]*PassState, 0, len(s.Passes))
	for _, p := range s.Passes {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// PatchStale points every pass whose pipeline or bind group has been
// destroyed at the placeholder binding and deactivates it. Passes patched
// earlier move to ph. It returns the number of passes on the placeholder.
func (s *FilterState) PatchStale(ph *Placeholder) int {
	n := 0
	for _, p := range s.Passes {
		switch {
		case p.Stale:
		case p.stale():
			p.Pipeline = nil
			p.BindGroup = nil
			p.Active = false
			p.Stale = true
		default:
			continue
		}
		p.Placeholder = ph
		n++
	}
	return n
}

// SetupFilter builds shaders, layouts and pipelines for every pass of f.
//
// A pass that fails to build is logged, marked inactive with its error and
// skipped; its siblings are still built. If no pass survives, SetupFilter
// returns a *ResourceConstructionError joining the pass errors. The
// returned state is registered with the manager so that evicted objects
// it references are not destroyed under it.
func (m *Manager) SetupFilter(ctx context.Context, cfg *filter.Config, name string, loader ShaderLoader) (*FilterState, error) {
	f, ok := cfg.Filter(name)
	if !ok {
		return nil, &ResourceNotFoundError{Kind: "filter", Name: name}
	}
	if _, err := m.ready(); err != nil {
		return nil, err
	}

	st := &FilterState{Filter: f}
	if f.HasBuffer() {
		b, err := m.CreateBuffer("fx_"+f.Name+"_buffer", f.Buffer.Size, f.Buffer.Kind.Usage(), f.Buffer.Data)
		if err != nil {
			return nil, &ResourceConstructionError{Kind: "filter", Name: f.Name, Err: err}
		}
		st.Buffer = b
	}

	var errs []error
	for i := range f.Passes {
		ps := &PassState{Index: i, Pass: f.Passes[i]}
		st.Passes = append(st.Passes, ps)
		if err := m.setupPass(ctx, cfg, f, ps, loader); err != nil {
			if ctx.Err() != nil {
				st.release()
				return nil, ctx.Err()
			}
			ps.Err = err
			errs = append(errs, fmt.Errorf("pass %d (%s): %w", i, passName(ps), err))
			m.log.Warn("resource: pass disabled", "filter", f.Name, "pass", passName(ps), "err", err)
			continue
		}
		ps.Active = true
	}

	if len(st.ActivePasses()) == 0 {
		st.release()
		return nil, &ResourceConstructionError{Kind: "filter", Name: f.Name, Err: errors.Join(errs...)}
	}

	m.mu.Lock()
	m.states[f.Name] = st
	m.collectRetiredLocked()
	m.mu.Unlock()
	m.log.Debug("resource: filter ready", "filter", f.Name, "passes", len(st.Passes), "active", len(st.ActivePasses()))
	return st, nil
}

// BuildPass builds the shader, layout and pipeline of one pass of the named
// filter without registering any filter state.
func (m *Manager) BuildPass(ctx context.Context, cfg *filter.Config, name string, index int, loader ShaderLoader) (*PassState, error) {
	f, ok := cfg.Filter(name)
	if !ok {
		return nil, &ResourceNotFoundError{Kind: "filter", Name: name}
	}
	if index < 0 || index >= len(f.Passes) {
		return nil, &ResourceNotFoundError{Kind: "pass", Name: fmt.Sprintf("%s[%d]", name, index)}
	}
	ps := &PassState{Index: index, Pass: f.Passes[index]}
	if err := m.setupPass(ctx, cfg, f, ps, loader); err != nil {
		return nil, err
	}
	ps.Active = true
	return ps, nil
}

func (m *Manager) setupPass(ctx context.Context, cfg *filter.Config, f *filter.Filter, ps *PassState, loader ShaderLoader) error {
	p := &ps.Pass
	out, ok := cfg.Texture(p.Output)
	if !ok {
		return &ResourceNotFoundError{Kind: "texture", Name: p.Output}
	}
	if out.Fixed() {
		ps.Constraint = Size{Width: out.Width, Height: out.Height}
	}

	if loader == nil {
		return &ResourceNotFoundError{Kind: "shader", Name: p.Shader}
	}
	src, err := loader.Load(ctx, p.Shader)
	if err != nil {
		return err
	}
	shader, err := m.GetOrCompile(ctx, src, p.Shader)
	if err != nil {
		return err
	}
	layout, err := m.GetOrCreateLayout(f, p, out.Format)
	if err != nil {
		return err
	}
	pipeline, err := m.GetOrCreatePipeline(PipelineConfig{
		Label:        fmt.Sprintf("fx_%s_%s", f.Name, passName(ps)),
		Kind:         f.Kind,
		ShaderURL:    p.Shader,
		Shader:       shader,
		Layout:       layout,
		TargetFormat: out.Format,
		SampleCount:  out.Samples(),
		Constraint:   ps.Constraint,
	})
	if err != nil {
		return err
	}
	ps.Shader, ps.Layout, ps.Pipeline = shader, layout, pipeline
	return nil
}

func passName(ps *PassState) string {
	if ps.Pass.Name != "" {
		return ps.Pass.Name
	}
	return fmt.Sprintf("pass%d", ps.Index)
}

// release frees the objects a filter state owns outright. Cached objects
// stay in their caches.
func (s *FilterState) release() {
	for _, p := range s.Passes {
		p.BindGroup.Release()
		p.BindGroup = nil
	}
	s.Buffer.Release()
	s.Buffer = nil
}

// FilterState returns the registered state of the named filter.
func (m *Manager) FilterState(name string) (*FilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return st, ok
}

// FilterStates returns all registered filter states.
func (m *Manager) FilterStates() []*FilterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FilterState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out
}

// RemoveFilter unregisters and releases the named filter state.
func (m *Manager) RemoveFilter(name string) {
	m.mu.Lock()
	st, ok := m.states[name]
	delete(m.states, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.release()

	m.mu.Lock()
	m.collectRetiredLocked()
	m.mu.Unlock()
}

// PatchStale patches every registered filter with the placeholder and
// returns the number of passes patched.
func (m *Manager) PatchStale() (int, error) {
	states := m.FilterStates()
	stale := false
	for _, st := range states {
		for _, p := range st.Passes {
			if p.Stale || p.stale() {
				stale = true
			}
		}
	}
	if !stale {
		return 0, nil
	}
	ph, err := m.Placeholder()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range states {
		n += st.PatchStale(ph)
	}
	m.log.Debug("resource: patched stale passes", "count", n)
	return n, nil
}
