package resource

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/fxcore/filter"
)

// fakeCompiler counts compilations. Sources containing "syntax error"
// fail; sources containing "unused" produce one warning.
type fakeCompiler struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeCompiler) Compile(_ context.Context, source, label string) (*CompiledShader, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if strings.Contains(source, "syntax error") {
		return nil, &ShaderCompilationError{
			Label:       label,
			Diagnostics: []Diagnostic{{Severity: SeverityError, Line: 3, Column: 7, Message: "expected ';'"}},
		}
	}
	out := &CompiledShader{WGSL: source}
	if strings.Contains(source, "unused") {
		out.Diagnostics = []Diagnostic{{Severity: SeverityWarning, Line: 1, Column: 1, Message: "unused variable"}}
	}
	return out, nil
}

func (c *fakeCompiler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// failingDevice fails pipeline creation for labels containing failLabel.
type failingDevice struct {
	noop.Device
	failLabel string
}

func (d *failingDevice) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	if d.failLabel != "" && strings.Contains(desc.Label, d.failLabel) {
		return nil, errors.New("pipeline rejected")
	}
	return d.Device.CreateRenderPipeline(desc)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeCompiler) {
	t.Helper()
	fc := &fakeCompiler{}
	opts = append([]Option{WithCompiler(fc)}, opts...)
	return NewManager(&noop.Device{}, &noop.Queue{}, opts...), fc
}

func testConfig() *filter.Config {
	return &filter.Config{
		Textures: []filter.Texture{
			{Name: "source", Format: gputypes.TextureFormatRGBA8Unorm},
			{Name: "canvas", Format: gputypes.TextureFormatBGRA8Unorm},
			{Name: "scratch", Format: gputypes.TextureFormatRGBA16Float},
			{Name: "thumb", Format: gputypes.TextureFormatRGBA8Unorm, Width: 512, Height: 512},
			{Name: "poster", Format: gputypes.TextureFormatRGBA8Unorm, Width: 4096, Height: 4096},
		},
		Filters: []filter.Filter{
			{
				Name: "blur",
				Kind: filter.Render{},
				Passes: []filter.Pass{
					{Name: "horizontal", Shader: "blur_h.wgsl", Inputs: []string{"source"}, Output: "scratch"},
					{Name: "vertical", Shader: "blur_v.wgsl", Inputs: []string{"scratch"}, Output: "canvas"},
				},
			},
			{
				Name:   "invert",
				Kind:   filter.Render{},
				Passes: []filter.Pass{{Shader: "invert.wgsl", Inputs: []string{"source"}, Output: "canvas"}},
			},
			{
				Name:   "thumbnail",
				Kind:   filter.Render{},
				Passes: []filter.Pass{{Shader: "thumb.wgsl", Inputs: []string{"source"}, Output: "thumb"}},
			},
			{
				Name:   "poster",
				Kind:   filter.Render{},
				Passes: []filter.Pass{{Shader: "poster.wgsl", Inputs: []string{"source"}, Output: "poster"}},
			},
			{
				Name: "levels",
				Kind: filter.Compute{},
				Passes: []filter.Pass{
					{Shader: "levels.wgsl", Inputs: []string{"source"}, Output: "scratch"},
				},
				Buffer: &filter.Buffer{Kind: filter.BufferUniform, Size: 16, Data: make([]byte, 16)},
			},
		},
	}
}

func testLoader() MapLoader {
	return MapLoader{
		"blur_h.wgsl": "// blur horizontal",
		"blur_v.wgsl": "// blur vertical",
		"invert.wgsl": "// invert",
		"thumb.wgsl":  "// thumb",
		"poster.wgsl": "// poster",
		"levels.wgsl": "// levels",
	}
}

func TestGetOrCompileIdenticalSourceCompilesOnce(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()
	const src = "@fragment fn fs_main() -> @location(0) vec4<f32> { return vec4<f32>(1.0); }"

	first, err := m.GetOrCompile(ctx, src, "a.wgsl")
	if err != nil {
		t.Fatalf("GetOrCompile: %v", err)
	}
	second, err := m.GetOrCompile(ctx, src, "b.wgsl")
	if err != nil {
		t.Fatalf("GetOrCompile: %v", err)
	}

	if first != second {
		t.Error("identical source returned different shaders")
	}
	if fc.count() != 1 {
		t.Errorf("compiler called %d times, want 1", fc.count())
	}
	s := m.Stats()
	if s.ShadersCompiled != 1 {
		t.Errorf("ShadersCompiled = %d, want 1", s.ShadersCompiled)
	}
	if s.Shaders.Hits != 1 || s.Shaders.Misses != 1 {
		t.Errorf("shader hits/misses = %d/%d, want 1/1", s.Shaders.Hits, s.Shaders.Misses)
	}
}

func TestGetOrCompileErrorsAndWarnings(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCompile(ctx, "fn main( { syntax error", "bad.wgsl")
	var cerr *ShaderCompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ShaderCompilationError", err)
	}
	if got := cerr.Errors(); len(got) != 1 || got[0].Line != 3 || got[0].Column != 7 {
		t.Errorf("Errors() = %+v", got)
	}
	if m.Stats().Shaders.Len != 0 {
		t.Error("failed compilation was cached")
	}

	sh, err := m.GetOrCompile(ctx, "// unused", "warn.wgsl")
	if err != nil {
		t.Fatalf("warning must not fail compilation: %v", err)
	}
	if len(sh.Warnings) != 1 {
		t.Errorf("Warnings = %d, want 1", len(sh.Warnings))
	}
	if got := m.Stats().ShaderWarnings; got != 1 {
		t.Errorf("ShaderWarnings = %d, want 1", got)
	}
}

func TestShaderCacheStrictLRU(t *testing.T) {
	m, _ := newTestManager(t, WithCacheLimit(3))
	ctx := context.Background()

	shaders := map[string]*Shader{}
	for _, src := range []string{"a", "b", "c"} {
		sh, err := m.GetOrCompile(ctx, src, src)
		if err != nil {
			t.Fatal(err)
		}
		shaders[src] = sh
	}
	// Touch a so b becomes the oldest.
	if _, err := m.GetOrCompile(ctx, "a", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOrCompile(ctx, "d", "d"); err != nil {
		t.Fatal(err)
	}

	if got := m.Stats().Shaders.Len; got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
	if !shaders["b"].Destroyed() {
		t.Error("least recently used shader b was not evicted")
	}
	if shaders["a"].Destroyed() || shaders["c"].Destroyed() {
		t.Error("recently used shader was evicted")
	}
	if got := m.Stats().Shaders.Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestDefaultCacheLimit(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < DefaultCacheLimit+10; i++ {
		src := "shader " + string(rune('A'+i%26)) + strings.Repeat("x", i)
		if _, err := m.GetOrCompile(ctx, src, "s"); err != nil {
			t.Fatal(err)
		}
	}
	s := m.Stats().Shaders
	if s.Len != DefaultCacheLimit {
		t.Errorf("Len = %d, want %d", s.Len, DefaultCacheLimit)
	}
	if s.Evictions != 10 {
		t.Errorf("Evictions = %d, want 10", s.Evictions)
	}
}

func TestLayoutReuseAcrossFilters(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := testConfig()
	blur, _ := cfg.Filter("blur")
	invert, _ := cfg.Filter("invert")
	levels, _ := cfg.Filter("levels")

	a, err := m.GetOrCreateLayout(blur, &blur.Passes[0], gputypes.TextureFormatRGBA16Float)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.GetOrCreateLayout(invert, &invert.Passes[0], gputypes.TextureFormatBGRA8Unorm)
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.GetOrCreateLayout(levels, &levels.Passes[0], gputypes.TextureFormatRGBA16Float)
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Error("structurally identical render passes got different layouts")
	}
	if a == c {
		t.Error("compute pass with buffer shares a render layout")
	}
	s := m.Stats()
	if s.LayoutsCreated != 2 || s.LayoutsReused != 1 {
		t.Errorf("created/reused = %d/%d, want 2/1", s.LayoutsCreated, s.LayoutsReused)
	}

	want := []Binding{{0, SlotSampler}, {1, SlotTexture}, {2, SlotStorageTexture}, {3, SlotBuffer}}
	if len(c.Bindings) != len(want) {
		t.Fatalf("compute bindings = %v, want %v", c.Bindings, want)
	}
	for i := range want {
		if c.Bindings[i] != want[i] {
			t.Errorf("binding %d = %v, want %v", i, c.Bindings[i], want[i])
		}
	}
}

func TestPipelineKey(t *testing.T) {
	shape := LayoutShape{Kind: "render", InputTextures: 1, BindingIndex: 2}
	layout := &Layout{Shape: shape}
	base := PipelineConfig{
		Label:        "one",
		Kind:         filter.Render{},
		ShaderURL:    "blur.wgsl",
		Layout:       layout,
		TargetFormat: gputypes.TextureFormatRGBA8Unorm,
	}

	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
		same   bool
	}{
		{"label ignored", func(c *PipelineConfig) { c.Label = "two" }, true},
		{"sample count 0 is 1", func(c *PipelineConfig) { c.SampleCount = 1 }, true},
		{"explicit entry points", func(c *PipelineConfig) { c.Kind = filter.Render{VertexEntry: "vs_main", FragmentEntry: "fs_main"} }, true},
		{"constraint ignored", func(c *PipelineConfig) { c.Constraint = Size{64, 64} }, true},
		{"format", func(c *PipelineConfig) { c.TargetFormat = gputypes.TextureFormatBGRA8Unorm }, false},
		{"msaa", func(c *PipelineConfig) { c.SampleCount = 4 }, false},
		{"blend", func(c *PipelineConfig) { c.Kind = filter.Render{Blend: true} }, false},
		{"shader", func(c *PipelineConfig) { c.ShaderURL = "sharpen.wgsl" }, false},
		{"kind", func(c *PipelineConfig) { c.Kind = filter.Compute{} }, false},
		{"layout", func(c *PipelineConfig) { c.Layout = &Layout{Shape: LayoutShape{Kind: "render", InputTextures: 2, BindingIndex: 3}} }, false},
	}
	want := PipelineKey(&base)
	if want.Kind() != "pipeline" {
		t.Errorf("Kind() = %q", want.Kind())
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			got := PipelineKey(&cfg)
			if (got == want) != tt.same {
				t.Errorf("key equal = %v, want %v", got == want, tt.same)
			}
		})
	}
}

func TestPipelineCacheCounters(t *testing.T) {
	m, _ := newTestManager(t, WithCacheLimit(2))
	ctx := context.Background()
	sh, err := m.GetOrCompile(ctx, "src", "src")
	if err != nil {
		t.Fatal(err)
	}
	layout, err := m.layoutForShape(LayoutShape{Kind: "render", InputTextures: 1, BindingIndex: 2})
	if err != nil {
		t.Fatal(err)
	}

	formats := []gputypes.TextureFormat{
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA16Float,
	}
	var pipelines []*Pipeline
	for _, f := range formats {
		p, err := m.GetOrCreatePipeline(PipelineConfig{
			Kind: filter.Render{}, ShaderURL: "src", Shader: sh, Layout: layout, TargetFormat: f,
		})
		if err != nil {
			t.Fatal(err)
		}
		pipelines = append(pipelines, p)
	}

	s := m.Stats()
	if s.PipelinesCreated != 3 || s.PipelinesReused != 1 {
		t.Errorf("created/reused = %d/%d, want 3/1", s.PipelinesCreated, s.PipelinesReused)
	}
	if pipelines[0] != pipelines[2] {
		t.Error("identical config built a second pipeline")
	}
	// RGBA8 was touched after BGRA8, so BGRA8 is the one evicted.
	if !pipelines[1].Destroyed() || pipelines[0].Destroyed() {
		t.Error("eviction did not follow LRU order")
	}
}

func TestGetOrCreatePipelineRejectsDestroyedInputs(t *testing.T) {
	m, _ := newTestManager(t)
	sh, _ := m.GetOrCompile(context.Background(), "src", "src")
	layout, _ := m.layoutForShape(LayoutShape{Kind: "render", InputTextures: 1, BindingIndex: 2})
	m.ReleasePipelines()

	_, err := m.GetOrCreatePipeline(PipelineConfig{
		Kind: filter.Render{}, Shader: sh, Layout: layout, TargetFormat: gputypes.TextureFormatRGBA8Unorm,
	})
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("err = %v, want ErrDestroyed", err)
	}
}

func TestManagerWithoutDevice(t *testing.T) {
	m, _ := newTestManager(t)
	m.Teardown()
	if _, err := m.GetOrCompile(context.Background(), "src", "src"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("after Teardown: err = %v, want ErrNoDevice", err)
	}
	m.SetDevice(&noop.Device{}, &noop.Queue{})
	if _, err := m.GetOrCompile(context.Background(), "src", "src"); err != nil {
		t.Errorf("after SetDevice: %v", err)
	}
	m.Dispose()
	if _, err := m.GetOrCompile(context.Background(), "src", "src"); !errors.Is(err, ErrDisposed) {
		t.Errorf("after Dispose: err = %v, want ErrDisposed", err)
	}
}

func TestStatsString(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetOrCompile(context.Background(), "src", "src"); err != nil {
		t.Fatal(err)
	}
	s := m.Stats().String()
	if !strings.Contains(s, "shaders 1/100") {
		t.Errorf("String() = %q", s)
	}
}
