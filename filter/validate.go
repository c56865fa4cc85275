package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// MaxTextureDimension is the largest allowed texture width or height.
const MaxTextureDimension = 16384

// allowedFormats are the texture formats filters may declare.
var allowedFormats = map[gputypes.TextureFormat]bool{
	gputypes.TextureFormatR8Unorm:        true,
	gputypes.TextureFormatRG8Unorm:       true,
	gputypes.TextureFormatRGBA8Unorm:     true,
	gputypes.TextureFormatRGBA8UnormSrgb: true,
	gputypes.TextureFormatBGRA8Unorm:     true,
	gputypes.TextureFormatBGRA8UnormSrgb: true,
	gputypes.TextureFormatR16Float:       true,
	gputypes.TextureFormatRGBA16Float:    true,
	gputypes.TextureFormatR32Float:       true,
	gputypes.TextureFormatRGBA32Float:    true,
}

// AllowedFormat reports whether f may be used for a filter texture.
func AllowedFormat(f gputypes.TextureFormat) bool {
	return allowedFormats[f]
}

// ParseFormat returns the allowed format whose name matches name, ignoring
// case. Names are those of gputypes.TextureFormat.String, e.g.
// "RGBA8Unorm".
func ParseFormat(name string) (gputypes.TextureFormat, error) {
	for f := range allowedFormats {
		if strings.EqualFold(f.String(), name) {
			return f, nil
		}
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("filter: unknown or disallowed texture format %q", name)
}

// ValidationError reports one problem in a Config.
type ValidationError struct {
	// Field locates the problem, e.g. "filters[blur].passes[0].shader".
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("filter: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration and returns every problem found,
// joined with errors.Join. Each problem is a *ValidationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	textures := make(map[string]bool, len(c.Textures))
	for i, t := range c.Textures {
		field := fmt.Sprintf("textures[%d]", i)
		if t.Name == "" {
			add(field+".name", "must not be empty")
			continue
		}
		field = fmt.Sprintf("textures[%s]", t.Name)
		if textures[t.Name] {
			add(field, "duplicate texture name")
		}
		textures[t.Name] = true
		if !AllowedFormat(t.Format) {
			add(field+".format", "format %s is not allowed", t.Format)
		}
		if s := t.Samples(); s != 1 && s != 4 {
			add(field+".sampleCount", "must be 1 or 4, got %d", s)
		}
		if (t.Width == 0) != (t.Height == 0) {
			add(field+".size", "width and height must both be set or both be zero")
		}
		if t.Width > MaxTextureDimension || t.Height > MaxTextureDimension {
			add(field+".size", "%dx%d exceeds maximum dimension %d", t.Width, t.Height, MaxTextureDimension)
		}
	}

	filters := make(map[string]bool, len(c.Filters))
	for i := range c.Filters {
		f := &c.Filters[i]
		field := fmt.Sprintf("filters[%d]", i)
		if f.Name == "" {
			add(field+".name", "must not be empty")
		} else {
			field = fmt.Sprintf("filters[%s]", f.Name)
			if filters[f.Name] {
				add(field, "duplicate filter name")
			}
			filters[f.Name] = true
		}
		if f.Kind == nil {
			add(field+".kind", "must be render or compute")
		}
		if len(f.Passes) == 0 {
			add(field+".passes", "must contain at least one pass")
		}
		if f.Buffer != nil && f.Buffer.Kind != BufferNone && f.Buffer.Size == 0 {
			add(field+".buffer.size", "must be non-zero")
		}
		for j, p := range f.Passes {
			pfield := fmt.Sprintf("%s.passes[%d]", field, j)
			if p.Shader == "" {
				add(pfield+".shader", "must not be empty")
			}
			if p.Output == "" {
				add(pfield+".output", "must not be empty")
			} else if !textures[p.Output] {
				add(pfield+".output", "unknown texture %q", p.Output)
			}
			for _, in := range p.Inputs {
				if !textures[in] {
					add(pfield+".inputs", "unknown texture %q", in)
				}
			}
		}
	}
	return errors.Join(errs...)
}
