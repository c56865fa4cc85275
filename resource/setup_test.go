package resource

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

func TestSetupFilterBuildsEveryPass(t *testing.T) {
	m, _ := newTestManager(t)
	st, err := m.SetupFilter(context.Background(), testConfig(), "blur", testLoader())
	if err != nil {
		t.Fatalf("SetupFilter: %v", err)
	}
	if got := len(st.ActivePasses()); got != 2 {
		t.Fatalf("active passes = %d, want 2", got)
	}
	for _, p := range st.Passes {
		if p.Shader == nil || p.Layout == nil || p.Pipeline == nil {
			t.Errorf("pass %d incomplete: %+v", p.Index, p)
		}
	}
	if got, ok := m.FilterState("blur"); !ok || got != st {
		t.Error("state not registered")
	}
	// Both passes sample one texture, so the layout is shared.
	if s := m.Stats(); s.LayoutsCreated != 1 || s.LayoutsReused != 1 {
		t.Errorf("layouts created/reused = %d/%d, want 1/1", s.LayoutsCreated, s.LayoutsReused)
	}
}

func TestSetupFilterIsolatesFailingPass(t *testing.T) {
	tests := []struct {
		name    string
		loader  MapLoader
		device  hal.Device
		failing int
		check   func(error) bool
	}{
		{
			name:    "missing shader",
			loader:  MapLoader{"blur_v.wgsl": "// blur vertical"},
			device:  &noop.Device{},
			failing: 0,
			check: func(err error) bool {
				var nf *ResourceNotFoundError
				return errors.As(err, &nf) && nf.Name == "blur_h.wgsl"
			},
		},
		{
			name:    "compile error",
			loader:  MapLoader{"blur_h.wgsl": "// blur", "blur_v.wgsl": "syntax error"},
			device:  &noop.Device{},
			failing: 1,
			check: func(err error) bool {
				var ce *ShaderCompilationError
				return errors.As(err, &ce)
			},
		},
		{
			name:    "pipeline rejected",
			loader:  testLoader(),
			device:  &failingDevice{failLabel: "vertical"},
			failing: 1,
			check: func(err error) bool {
				var rc *ResourceConstructionError
				return errors.As(err, &rc) && rc.Kind == "pipeline"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.device, &noop.Queue{}, WithCompiler(&fakeCompiler{}))
			st, err := m.SetupFilter(context.Background(), testConfig(), "blur", tt.loader)
			if err != nil {
				t.Fatalf("SetupFilter: %v", err)
			}
			if got := len(st.ActivePasses()); got != 1 {
				t.Fatalf("active passes = %d, want 1", got)
			}
			bad := st.Passes[tt.failing]
			if bad.Active {
				t.Error("failing pass is active")
			}
			if !tt.check(bad.Err) {
				t.Errorf("pass error = %v", bad.Err)
			}
			if !st.Passes[1-tt.failing].Active {
				t.Error("sibling pass was not built")
			}
		})
	}
}

func TestSetupFilterEscalatesWhenNoPassSurvives(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SetupFilter(context.Background(), testConfig(), "blur", MapLoader{})

	var rc *ResourceConstructionError
	if !errors.As(err, &rc) {
		t.Fatalf("err = %v, want *ResourceConstructionError", err)
	}
	if rc.Kind != "filter" || rc.Name != "blur" {
		t.Errorf("error = %+v", rc)
	}
	var nf *ResourceNotFoundError
	if !errors.As(err, &nf) {
		t.Error("pass errors are not joined into the escalated error")
	}
	if _, ok := m.FilterState("blur"); ok {
		t.Error("failed filter was registered")
	}
}

func TestSetupFilterUnknownFilter(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SetupFilter(context.Background(), testConfig(), "sepia", testLoader())
	var nf *ResourceNotFoundError
	if !errors.As(err, &nf) || nf.Kind != "filter" {
		t.Errorf("err = %v, want filter not found", err)
	}
}

func TestBuildPass(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()

	ps, err := m.BuildPass(ctx, testConfig(), "thumbnail", 0, testLoader())
	if err != nil {
		t.Fatalf("BuildPass: %v", err)
	}
	if !ps.Active || ps.Pipeline == nil || ps.Constraint != (Size{Width: 512, Height: 512}) {
		t.Errorf("pass = %+v", ps)
	}
	if _, ok := m.FilterState("thumbnail"); ok {
		t.Error("BuildPass registered a filter state")
	}

	again, err := m.BuildPass(ctx, testConfig(), "thumbnail", 0, testLoader())
	if err != nil {
		t.Fatal(err)
	}
	if again.Pipeline != ps.Pipeline || fc.count() != 1 {
		t.Errorf("second build: same pipeline %t, compiles %d", again.Pipeline == ps.Pipeline, fc.count())
	}

	tests := []struct {
		name  string
		index int
		kind  string
	}{
		{"sepia", 0, "filter"},
		{"blur", 2, "pass"},
		{"blur", -1, "pass"},
	}
	for _, tt := range tests {
		_, err := m.BuildPass(ctx, testConfig(), tt.name, tt.index, testLoader())
		var nf *ResourceNotFoundError
		if !errors.As(err, &nf) || nf.Kind != tt.kind {
			t.Errorf("BuildPass(%s, %d) = %v, want %s not found", tt.name, tt.index, err, tt.kind)
		}
	}
}

func TestSetupFilterCreatesBuffer(t *testing.T) {
	m, _ := newTestManager(t)
	st, err := m.SetupFilter(context.Background(), testConfig(), "levels", testLoader())
	if err != nil {
		t.Fatal(err)
	}
	if st.Buffer == nil || st.Buffer.Size != 16 {
		t.Fatalf("buffer = %+v", st.Buffer)
	}
	if !st.Passes[0].Pipeline.IsCompute() {
		t.Error("compute filter built a render pipeline")
	}
	if got := m.Stats().Buffers; got != 1 {
		t.Errorf("Buffers = %d, want 1", got)
	}
	buf := st.Buffer
	m.RemoveFilter("levels")
	if !buf.Destroyed() {
		t.Error("RemoveFilter kept the buffer")
	}
	if got := m.Stats().Buffers; got != 0 {
		t.Errorf("Buffers after RemoveFilter = %d, want 0", got)
	}
}

func TestEvictedEntriesInUseAreRetired(t *testing.T) {
	m, _ := newTestManager(t, WithCacheLimit(1))
	ctx := context.Background()
	st, err := m.SetupFilter(ctx, testConfig(), "invert", testLoader())
	if err != nil {
		t.Fatal(err)
	}
	shader := st.Passes[0].Shader

	if _, err := m.GetOrCompile(ctx, "// another", "another.wgsl"); err != nil {
		t.Fatal(err)
	}
	if shader.Destroyed() {
		t.Fatal("shader referenced by a registered filter was destroyed")
	}
	if got := m.Stats().Retired; got != 1 {
		t.Errorf("Retired = %d, want 1", got)
	}

	m.RemoveFilter("invert")
	if !shader.Destroyed() {
		t.Error("retired shader survived its last user")
	}
	if got := m.Stats().Retired; got != 0 {
		t.Errorf("Retired = %d, want 0", got)
	}
}

func TestSnapshotRestoreFiltersByDimension(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cfg := testConfig()
	for _, name := range []string{"thumbnail", "poster"} {
		if _, err := m.SetupFilter(ctx, cfg, name, testLoader()); err != nil {
			t.Fatal(err)
		}
	}

	snap := m.Snapshot()
	if snap.Len("pipeline") != 2 || snap.Len("shader") != 2 || snap.Len("layout") != 1 {
		t.Fatalf("snapshot = %d pipelines, %d shaders, %d layouts",
			snap.Len("pipeline"), snap.Len("shader"), snap.Len("layout"))
	}
	dead := snap.Entries[0]
	dead.Key = "shader:dead"
	dead.Destroyed = true
	snap.Entries = append(snap.Entries, dead)

	m.ReleaseBindGroups()
	m.ReleasePipelines()
	m.SetDevice(&noop.Device{}, &noop.Queue{})

	rep, err := m.Restore(ctx, snap, Size{Width: 1024, Height: 1024})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want := RestoreReport{Restored: 4, SkippedDimension: 1, SkippedDestroyed: 1}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	s := m.Stats()
	if s.Pipelines.Len != 1 || s.Shaders.Len != 2 || s.Layouts.Len != 1 {
		t.Errorf("after restore: %s", s)
	}
}

func TestRestoreOnLargerCanvasKeepsEverything(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.SetupFilter(ctx, testConfig(), "poster", testLoader()); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	m.ReleasePipelines()

	rep, err := m.Restore(ctx, snap, Size{Width: 8192, Height: 8192})
	if err != nil {
		t.Fatal(err)
	}
	if rep.SkippedDimension != 0 || rep.Restored != 3 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRestoreLeavesCacheStatsAndOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	m, _ := newTestManager(t, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()
	cfg := testConfig()
	for _, name := range []string{"blur", "invert"} {
		if _, err := m.SetupFilter(ctx, cfg, name, testLoader()); err != nil {
			t.Fatal(err)
		}
	}
	before := m.Stats()
	oldestShader, _ := m.shaders.Oldest()
	oldestPipeline, _ := m.pipelines.Oldest()
	snap := m.Snapshot()
	total := snap.Len("")

	// Every entry is still cached.
	rep, err := m.Restore(ctx, snap, Size{Width: 1024, Height: 1024})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rep.Live != total || rep.Restored != 0 {
		t.Errorf("report = %+v, want %d live", rep, total)
	}
	after := m.Stats()
	if after.Shaders.Hits != before.Shaders.Hits || after.Layouts.Hits != before.Layouts.Hits ||
		after.Pipelines.Hits != before.Pipelines.Hits {
		t.Errorf("cache hits changed: before %+v after %+v", before, after)
	}
	if after.LayoutsReused != before.LayoutsReused || after.PipelinesReused != before.PipelinesReused {
		t.Errorf("reuse counters changed: %s -> %s", before, after)
	}
	if after.Restored != 0 {
		t.Errorf("Restored = %d, want 0", after.Restored)
	}
	if k, _ := m.shaders.Oldest(); k != oldestShader {
		t.Errorf("oldest shader = %s, want %s", k, oldestShader)
	}
	if k, _ := m.pipelines.Oldest(); k != oldestPipeline {
		t.Errorf("oldest pipeline = %s, want %s", k, oldestPipeline)
	}

	// Nothing is cached.
	m.ReleasePipelines()
	rep, err = m.Restore(ctx, snap, Size{Width: 1024, Height: 1024})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rep.Restored != total || rep.Live != 0 {
		t.Errorf("report = %+v, want %d restored", rep, total)
	}
	after = m.Stats()
	if after.Restored != uint64(total) {
		t.Errorf("Restored = %d, want %d", after.Restored, total)
	}
	if after.ShadersCompiled != before.ShadersCompiled || after.LayoutsCreated != before.LayoutsCreated ||
		after.PipelinesCreated != before.PipelinesCreated {
		t.Errorf("creation counters changed: %s -> %s", before, after)
	}
	if after.Pipelines.Hits != before.Pipelines.Hits || after.LayoutsReused != before.LayoutsReused {
		t.Errorf("replay counted as reuse: %s -> %s", before, after)
	}
	if k, _ := m.shaders.Oldest(); k != oldestShader {
		t.Errorf("oldest shader after rebuild = %s, want %s", k, oldestShader)
	}
	if k, _ := m.pipelines.Oldest(); k != oldestPipeline {
		t.Errorf("oldest pipeline after rebuild = %s, want %s", k, oldestPipeline)
	}
}

func TestPatchStaleUsesPlaceholder(t *testing.T) {
	m, _ := newTestManager(t)
	st, err := m.SetupFilter(context.Background(), testConfig(), "invert", testLoader())
	if err != nil {
		t.Fatal(err)
	}
	pass := st.Passes[0]
	bg, err := m.CreateBindGroup("invert", pass.Layout, BindGroupResources{Inputs: []hal.TextureView{&noop.Resource{}}})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}
	pass.BindGroup = bg

	if n, err := m.PatchStale(); err != nil || n != 0 {
		t.Fatalf("PatchStale on live state = %d, %v", n, err)
	}

	m.ReleaseBindGroups()
	m.ReleasePipelines()
	n, err := m.PatchStale()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("patched = %d, want 1", n)
	}
	if pass.Active || !pass.Stale || pass.Pipeline != nil || pass.BindGroup != nil {
		t.Errorf("pass after patch = %+v", pass)
	}
	if !pass.Patched() || pass.Placeholder == nil || pass.Placeholder.Group == nil {
		t.Fatal("placeholder binding not attached")
	}
	if got := len(st.RunnablePasses()); got != 1 {
		t.Errorf("RunnablePasses() = %d, want 1", got)
	}
	if got := len(st.ActivePasses()); got != 0 {
		t.Errorf("ActivePasses() = %d, want 0", got)
	}

	// Another teardown destroys the placeholder; the pass moves to the new one.
	first := pass.Placeholder
	m.ReleaseBindGroups()
	n, err = m.PatchStale()
	if err != nil || n != 1 {
		t.Fatalf("second PatchStale = %d, %v", n, err)
	}
	if pass.Placeholder == first || pass.Placeholder == nil {
		t.Error("pass kept the destroyed placeholder")
	}
}

func TestCreateBindGroupChecksInputs(t *testing.T) {
	m, _ := newTestManager(t)
	layout, err := m.layoutForShape(LayoutShape{Kind: "render", InputTextures: 2, BindingIndex: 3})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.CreateBindGroup("short", layout, BindGroupResources{Inputs: []hal.TextureView{&noop.Resource{}}})
	var rc *ResourceConstructionError
	if !errors.As(err, &rc) || rc.Kind != "bind group" {
		t.Errorf("err = %v, want bind group construction error", err)
	}

	bg, err := m.CreateBindGroup("ok", layout, BindGroupResources{Inputs: []hal.TextureView{&noop.Resource{}, &noop.Resource{}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().BindGroups; got != 1 {
		t.Errorf("BindGroups = %d, want 1", got)
	}
	bg.Release()
	bg.Release()
	if got := m.Stats().BindGroups; got != 0 {
		t.Errorf("BindGroups after Release = %d, want 0", got)
	}
}

func TestFSLoader(t *testing.T) {
	l := FSLoader{FS: fstest.MapFS{
		"shaders/invert.wgsl": &fstest.MapFile{Data: []byte("// invert")},
	}}
	src, err := l.Load(context.Background(), "shaders/invert.wgsl")
	if err != nil || src != "// invert" {
		t.Errorf("Load = %q, %v", src, err)
	}
	_, err = l.Load(context.Background(), "shaders/missing.wgsl")
	var nf *ResourceNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("missing file: err = %v, want *ResourceNotFoundError", err)
	}
}
