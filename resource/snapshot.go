package resource

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/fxcore/filter"
)

// SnapshotEntry records one cache entry and how to rebuild it.
type SnapshotEntry struct {
	// Kind is "shader", "layout" or "pipeline".
	Kind       string
	Key        Key
	Label      string
	Constraint Size
	// Destroyed is true when the object was already released at snapshot
	// time. Such entries are never replayed.
	Destroyed bool
	CreatedAt time.Time
	LastUsed  time.Time

	// Source is the shader source text (shaders and pipelines).
	Source string
	// Shape is the layout shape (layouts and pipelines).
	Shape LayoutShape

	// Pipeline recipe.
	PipelineKind filter.Kind
	ShaderURL    string
	ShaderLabel  string
	TargetFormat gputypes.TextureFormat
	SampleCount  uint32
}

// Snapshot is a point-in-time copy of the manager's caches.
type Snapshot struct {
	Entries []SnapshotEntry
	Taken   time.Time
}

// Len returns the number of entries of the given kind, or of all kinds if
// kind is empty.
func (s *Snapshot) Len(kind string) int {
	if kind == "" {
		return len(s.Entries)
	}
	n := 0
	for _, e := range s.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Snapshot captures the current cache entries. It is taken before a
// teardown so that Restore can replay them on the next device.
func (m *Manager) Snapshot() *Snapshot {
	snap := &Snapshot{Taken: m.now()}
	for _, e := range m.shaders.Entries() {
		s := e.Value
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Kind:      "shader",
			Key:       e.Key,
			Label:     s.Label,
			Destroyed: s.Destroyed(),
			CreatedAt: e.CreatedAt,
			LastUsed:  e.LastUsed,
			Source:    s.Source,
		})
	}
	for _, e := range m.layouts.Entries() {
		l := e.Value
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Kind:      "layout",
			Key:       e.Key,
			Label:     string(e.Key),
			Destroyed: l.Destroyed(),
			CreatedAt: e.CreatedAt,
			LastUsed:  e.LastUsed,
			Shape:     l.Shape,
		})
	}
	for _, e := range m.pipelines.Entries() {
		p := e.Value
		se := SnapshotEntry{
			Kind:         "pipeline",
			Key:          e.Key,
			Label:        p.Label,
			Constraint:   p.Constraint,
			Destroyed:    p.Destroyed(),
			CreatedAt:    e.CreatedAt,
			LastUsed:     e.LastUsed,
			PipelineKind: p.Config.Kind,
			ShaderURL:    p.Config.ShaderURL,
			TargetFormat: p.Config.TargetFormat,
			SampleCount:  p.Config.SampleCount,
		}
		if sh := p.Config.Shader; sh != nil {
			se.Source = sh.Source
			se.ShaderLabel = sh.Label
		}
		if l := p.Config.Layout; l != nil {
			se.Shape = l.Shape
		}
		snap.Entries = append(snap.Entries, se)
	}
	m.log.Debug("resource: snapshot", "entries", len(snap.Entries))
	return snap
}

// RestoreReport summarizes a Restore call.
type RestoreReport struct {
	// Restored counts entries rebuilt from the snapshot.
	Restored int
	// Live counts entries whose key was already cached. They are left
	// as they are.
	Live             int
	SkippedDimension int
	SkippedDestroyed int
	Failed           int
}

func (r RestoreReport) String() string {
	return fmt.Sprintf("restored %d, live %d, skipped %d (dimension) %d (destroyed), failed %d",
		r.Restored, r.Live, r.SkippedDimension, r.SkippedDestroyed, r.Failed)
}

var restoreOrder = map[string]int{"shader": 0, "layout": 1, "pipeline": 2}

// Restore replays snap on the current device. Only entries that were live
// at snapshot time and whose dimension constraint fits canvas are rebuilt.
// Shaders are replayed first, then layouts, then pipelines, each oldest
// first so the rebuilt entries keep their snapshot LRU order. Entries
// already in a cache are not touched, and replay never counts as a cache
// hit or reuse; rebuilt objects are counted in Stats.Restored. Entry
// failures are collected and returned joined; the other entries are
// still restored.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot, canvas Size) (RestoreReport, error) {
	var rep RestoreReport
	if snap == nil {
		return rep, nil
	}
	device, err := m.ready()
	if err != nil {
		return rep, err
	}

	// Snapshot entries are most recently used first within a kind.
	entries := slices.Clone(snap.Entries)
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b SnapshotEntry) int {
		if d := restoreOrder[a.Kind] - restoreOrder[b.Kind]; d != 0 {
			return d
		}
		return a.LastUsed.Compare(b.LastUsed)
	})

	var errs []error
	for i := range entries {
		e := &entries[i]
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		switch {
		case e.Destroyed:
			rep.SkippedDestroyed++
			continue
		case !e.Constraint.Fits(canvas):
			rep.SkippedDimension++
			m.log.Debug("resource: restore skipped entry", "key", string(e.Key),
				"constraint", fmt.Sprintf("%dx%d", e.Constraint.Width, e.Constraint.Height))
			continue
		}
		built, err := m.replay(ctx, device, e)
		switch {
		case err != nil:
			rep.Failed++
			errs = append(errs, fmt.Errorf("restore %s: %w", e.Key, err))
		case built:
			rep.Restored++
		default:
			rep.Live++
		}
	}

	m.log.Info("resource: restore complete", "report", rep.String())
	return rep, errors.Join(errs...)
}

// replay rebuilds e and reports whether it had to. A key that is already
// cached is only peeked at.
func (m *Manager) replay(ctx context.Context, device hal.Device, e *SnapshotEntry) (bool, error) {
	switch e.Kind {
	case "shader":
		_, built, err := m.restoreShader(ctx, device, e.Source, e.Label)
		return built, err
	case "layout":
		_, built, err := m.restoreLayout(device, e.Shape)
		return built, err
	case "pipeline":
		if _, ok := m.pipelines.Peek(e.Key); ok {
			return false, nil
		}
		shader, _, err := m.restoreShader(ctx, device, e.Source, e.ShaderLabel)
		if err != nil {
			return false, err
		}
		layout, _, err := m.restoreLayout(device, e.Shape)
		if err != nil {
			return false, err
		}
		cfg := PipelineConfig{
			Label:        e.Label,
			Kind:         e.PipelineKind,
			ShaderURL:    e.ShaderURL,
			Shader:       shader,
			Layout:       layout,
			TargetFormat: e.TargetFormat,
			SampleCount:  e.SampleCount,
			Constraint:   e.Constraint,
		}
		if err := cfg.validate(); err != nil {
			return false, &ResourceConstructionError{Kind: "pipeline", Name: cfg.Label, Err: err}
		}
		key := PipelineKey(&cfg)
		if _, ok := m.pipelines.Peek(key); ok {
			return false, nil
		}
		p, err := m.createPipeline(device, key, cfg)
		if err != nil {
			return false, err
		}
		m.pipelines.Set(key, p)
		m.countRestored()
		return true, nil
	default:
		return false, fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

func (m *Manager) restoreShader(ctx context.Context, device hal.Device, source, label string) (*Shader, bool, error) {
	key := ShaderKey(source)
	if s, ok := m.shaders.Peek(key); ok {
		return s, false, nil
	}
	s, err := m.compileShader(ctx, device, key, source, label)
	if err != nil {
		return nil, false, err
	}
	m.shaders.Set(key, s)
	m.countRestored()
	return s, true, nil
}

func (m *Manager) restoreLayout(device hal.Device, shape LayoutShape) (*Layout, bool, error) {
	key := shape.Key()
	if l, ok := m.layouts.Peek(key); ok {
		return l, false, nil
	}
	l, err := m.createLayout(device, key, shape)
	if err != nil {
		return nil, false, err
	}
	m.layouts.Set(key, l)
	m.countRestored()
	return l, true, nil
}

func (m *Manager) countRestored() {
	m.mu.Lock()
	m.stats.restored++
	m.mu.Unlock()
}

// SetLimit changes the entry limit of every cache and evicts down to it.
func (m *Manager) SetLimit(n int) int {
	if n <= 0 {
		return 0
	}
	m.mu.Lock()
	m.limit = n
	m.mu.Unlock()
	m.shaders.SetLimit(n)
	m.layouts.SetLimit(n)
	m.pipelines.SetLimit(n)
	return m.Evict()
}
