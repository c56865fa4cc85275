package fxcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/fxcore/batch"
	"github.com/gogpu/fxcore/filter"
	"github.com/gogpu/fxcore/queue"
	"github.com/gogpu/fxcore/recovery"
	"github.com/gogpu/fxcore/resource"
)

// Default canvas size used when neither settings nor options give one.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Settings are the tunables of a Renderer. The zero value of a field
// means "use the default"; DefaultSettings returns them filled in.
//
// Settings can be loaded from YAML:
//
//	cache_limit: 100
//	batch_limit: 100
//	pool_size: 64
//	frame_budget: 16.7ms
//	scheduling_budget: 5ms
//	retry_attempts: 5
//	retry_delay: 5s
//	auto_recover: true
//	surface_format: BGRA8Unorm
//	width: 1920
//	height: 1080
//	adapter: vulkan
type Settings struct {
	// CacheLimit is the entry ceiling of each resource cache.
	CacheLimit int `yaml:"cache_limit,omitempty"`
	// BatchLimit is the pending command count that forces a flush.
	BatchLimit int `yaml:"batch_limit,omitempty"`
	// PoolSize bounds the queue's recycled operation records.
	PoolSize int `yaml:"pool_size,omitempty"`

	FrameBudget      Duration `yaml:"frame_budget,omitempty"`
	SchedulingBudget Duration `yaml:"scheduling_budget,omitempty"`

	RetryAttempts int      `yaml:"retry_attempts,omitempty"`
	RetryDelay    Duration `yaml:"retry_delay,omitempty"`
	// AutoRecover starts recovery when work reports a lost device.
	AutoRecover bool `yaml:"auto_recover"`

	// SurfaceFormat is the format the surface is configured with.
	SurfaceFormat Format `yaml:"surface_format,omitempty"`
	Width         uint32 `yaml:"width,omitempty"`
	Height        uint32 `yaml:"height,omitempty"`

	// Adapter is the preferred adapter name in the registry. Empty means
	// the registry's best adapter.
	Adapter string `yaml:"adapter,omitempty"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		CacheLimit:       resource.DefaultCacheLimit,
		BatchLimit:       batch.DefaultMaxCommands,
		PoolSize:         queue.DefaultPoolSize,
		FrameBudget:      Duration(queue.DefaultFrameBudget),
		SchedulingBudget: Duration(queue.DefaultSchedulingBudget),
		RetryAttempts:    recovery.DefaultMaxAttempts,
		RetryDelay:       Duration(recovery.DefaultRetryDelay),
		AutoRecover:      true,
		SurfaceFormat:    Format(gputypes.TextureFormatBGRA8Unorm),
		Width:            DefaultWidth,
		Height:           DefaultHeight,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CacheLimit <= 0 {
		s.CacheLimit = d.CacheLimit
	}
	if s.BatchLimit <= 0 {
		s.BatchLimit = d.BatchLimit
	}
	if s.PoolSize <= 0 {
		s.PoolSize = d.PoolSize
	}
	if s.FrameBudget <= 0 {
		s.FrameBudget = d.FrameBudget
	}
	if s.SchedulingBudget <= 0 {
		s.SchedulingBudget = d.SchedulingBudget
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = d.RetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.SurfaceFormat == 0 {
		s.SurfaceFormat = d.SurfaceFormat
	}
	if s.Width == 0 || s.Height == 0 {
		s.Width, s.Height = d.Width, d.Height
	}
	return s
}

// ParseSettings decodes YAML settings on top of DefaultSettings. Unknown
// keys are rejected.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("fxcore: parse settings: %w", err)
	}
	return s, nil
}

// LoadSettings reads YAML settings from path.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("fxcore: load settings: %w", err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return Settings{}, fmt.Errorf("%w (file %s)", err, path)
	}
	return s, nil
}

// Marshal encodes the settings as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Duration is a time.Duration written as a string such as "5s" in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Format is a texture format written by name, e.g. "RGBA8Unorm", in YAML.
type Format gputypes.TextureFormat

// TextureFormat returns the gputypes value.
func (f Format) TextureFormat() gputypes.TextureFormat { return gputypes.TextureFormat(f) }

func (f Format) String() string { return f.TextureFormat().String() }

// MarshalYAML implements yaml.Marshaler.
func (f Format) MarshalYAML() (any, error) {
	return f.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Format) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	tf, err := filter.ParseFormat(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*f = Format(tf)
	return nil
}
