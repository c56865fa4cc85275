package resource

import (
	"encoding/binary"
	"encoding/json"
	"hash"
	"hash/fnv"
	"strconv"

	"github.com/gogpu/fxcore/filter"
)

// Key is a content-derived cache key of the form "kind:hash".
// Identical construction parameters always produce identical keys.
type Key string

// Kind returns the kind prefix of the key.
func (k Key) Kind() string {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return string(k[:i])
		}
	}
	return ""
}

func makeKey(kind string, sum uint64) Key {
	return Key(kind + ":" + strconv.FormatUint(sum, 16))
}

// ShaderKey returns the cache key for shader source text.
func ShaderKey(source string) Key {
	h := fnv.New64a()
	hashWriteString(h, source)
	return makeKey("shader", h.Sum64())
}

// Key returns the cache key of the layout shape.
func (s LayoutShape) Key() Key {
	h := fnv.New64a()
	hashWriteString(h, s.Kind)
	hashWriteUint32(h, uint32(s.InputTextures))
	hashWriteBool(h, s.HasBuffer)
	hashWriteUint32(h, uint32(s.BufferKind))
	hashWriteUint32(h, s.BindingIndex)
	hashWriteUint32(h, uint32(s.StorageFormat))
	return makeKey("layout", h.Sum64())
}

// canonical returns the description hashed into a pipeline key.
// Map keys are sorted by encoding/json, so the encoding is stable.
func (c *PipelineConfig) canonical() map[string]any {
	kind := map[string]any{"name": c.Kind.Name()}
	switch k := c.Kind.(type) {
	case filter.Render:
		kind["vertex"], kind["fragment"] = k.Entries()
		kind["blend"] = k.Blend
	case filter.Compute:
		kind["entry"] = k.Entry()
	}
	return map[string]any{
		"type":         kind,
		"shader":       c.ShaderURL,
		"targetFormat": c.TargetFormat.String(),
		"sampleCount":  c.samples(),
		"layout":       string(c.Layout.Shape.Key()),
	}
}

// PipelineKey returns the cache key for a pipeline configuration.
func PipelineKey(c *PipelineConfig) Key {
	data, err := json.Marshal(c.canonical())
	if err != nil {
		// Only strings, bools and numbers are encoded.
		panic("resource: pipeline key: " + err.Error())
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return makeKey("pipeline", h.Sum64())
}

// hashWriteUint32 writes a uint32 to the hash.
func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteString writes a length-prefixed string to the hash.
func hashWriteString(h hash.Hash64, s string) {
	hashWriteUint32(h, uint32(len(s))) //nolint:gosec // shader sources are far below 4 GiB
	_, _ = h.Write([]byte(s))
}

// hashWriteBool writes a bool to the hash.
func hashWriteBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}
