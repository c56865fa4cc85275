package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
)

func validConfig() Config {
	return Config{
		Textures: []Texture{
			{Name: "src", Format: gputypes.TextureFormatRGBA8Unorm, Usage: gputypes.TextureUsageTextureBinding},
			{Name: "dst", Format: gputypes.TextureFormatRGBA8Unorm, Usage: gputypes.TextureUsageRenderAttachment, Width: 256, Height: 256},
		},
		Filters: []Filter{
			{
				Name:   "copy",
				Kind:   Render{},
				Passes: []Pass{{Name: "p0", Shader: "copy.wgsl", Inputs: []string{"src"}, Output: "dst"}},
			},
		},
	}
}

func TestConfigValidateOK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestConfigValidateProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad format", func(c *Config) { c.Textures[0].Format = gputypes.TextureFormatDepth32Float }, "textures[src].format"},
		{"bad samples", func(c *Config) { c.Textures[0].SampleCount = 2 }, "textures[src].sampleCount"},
		{"too large", func(c *Config) { c.Textures[1].Width = MaxTextureDimension + 1 }, "textures[dst].size"},
		{"half size", func(c *Config) { c.Textures[1].Height = 0 }, "textures[dst].size"},
		{"no kind", func(c *Config) { c.Filters[0].Kind = nil }, "filters[copy].kind"},
		{"no passes", func(c *Config) { c.Filters[0].Passes = nil }, "filters[copy].passes"},
		{"unknown input", func(c *Config) { c.Filters[0].Passes[0].Inputs = []string{"nope"} }, "filters[copy].passes[0].inputs"},
		{"unknown output", func(c *Config) { c.Filters[0].Passes[0].Output = "nope" }, "filters[copy].passes[0].output"},
		{"empty shader", func(c *Config) { c.Filters[0].Passes[0].Shader = "" }, "filters[copy].passes[0].shader"},
		{"zero buffer", func(c *Config) { c.Filters[0].Buffer = &Buffer{Kind: BufferUniform} }, "filters[copy].buffer.size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestKindUnion(t *testing.T) {
	kinds := []Kind{Render{}, Compute{}}
	var names []string
	for _, k := range kinds {
		switch k.(type) {
		case Render:
			names = append(names, k.Name())
		case Compute:
			names = append(names, k.Name())
		}
	}
	if strings.Join(names, ",") != "render,compute" {
		t.Errorf("unexpected kind names %v", names)
	}
}

func TestRenderEntriesDefaults(t *testing.T) {
	v, f := Render{}.Entries()
	if v != "vs_main" || f != "fs_main" {
		t.Errorf("defaults = %s/%s", v, f)
	}
	v, f = Render{VertexEntry: "v", FragmentEntry: "f"}.Entries()
	if v != "v" || f != "f" {
		t.Errorf("explicit = %s/%s", v, f)
	}
}

func TestComputeWorkgroups(t *testing.T) {
	tests := []struct {
		c      Compute
		w, h   uint32
		gx, gy uint32
	}{
		{Compute{}, 256, 256, 32, 32},
		{Compute{}, 250, 10, 32, 2},
		{Compute{WorkgroupSize: [3]uint32{16, 16, 1}}, 100, 100, 7, 7},
		{Compute{WorkgroupSize: [3]uint32{64, 0, 0}}, 100, 3, 2, 3},
	}
	for _, tt := range tests {
		x, y, z := tt.c.Workgroups(tt.w, tt.h)
		if x != tt.gx || y != tt.gy || z != 1 {
			t.Errorf("Workgroups(%d,%d) with %v = %d,%d,%d want %d,%d,1", tt.w, tt.h, tt.c.WorkgroupSize, x, y, z, tt.gx, tt.gy)
		}
	}
}

func TestTextureSize(t *testing.T) {
	canvas := Texture{Name: "c"}
	if w, h := canvas.Size(800, 600); w != 800 || h != 600 {
		t.Errorf("canvas texture size = %dx%d", w, h)
	}
	fixed := Texture{Name: "f", Width: 64, Height: 32}
	if w, h := fixed.Size(800, 600); w != 64 || h != 32 {
		t.Errorf("fixed texture size = %dx%d", w, h)
	}
	if canvas.Samples() != 1 {
		t.Errorf("default samples = %d", canvas.Samples())
	}
}

func TestBufferKind(t *testing.T) {
	f := Filter{}
	if f.HasBuffer() || f.BufferKind() != BufferNone {
		t.Error("filter without buffer reports one")
	}
	f.Buffer = &Buffer{Kind: BufferStorage, Size: 16}
	if !f.HasBuffer() {
		t.Error("expected HasBuffer")
	}
	if f.BufferKind().BindingType() != gputypes.BufferBindingTypeStorage {
		t.Errorf("binding type = %v", f.BufferKind().BindingType())
	}
	if BufferUniform.Usage()&gputypes.BufferUsageUniform == 0 {
		t.Error("uniform usage missing")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    gputypes.TextureFormat
		wantErr bool
	}{
		{"RGBA8Unorm", gputypes.TextureFormatRGBA8Unorm, false},
		{"bgra8unorm", gputypes.TextureFormatBGRA8Unorm, false},
		{"RGBA16Float", gputypes.TextureFormatRGBA16Float, false},
		{"R8Snorm", gputypes.TextureFormatUndefined, true},
		{"", gputypes.TextureFormatUndefined, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
