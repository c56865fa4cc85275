package cache

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// pipelineKey mimics the keys the resource manager caches under.
func pipelineKey(filter string, pass int) string {
	return filter + "/" + strconv.Itoa(pass)
}

func TestCacheBasics(t *testing.T) {
	c := New[string, int](100)
	if c.Capacity() != 100 || c.Len() != 0 {
		t.Fatalf("New(100) = cap %d len %d", c.Capacity(), c.Len())
	}

	c.Set(pipelineKey("blur", 0), 7)
	c.Set(pipelineKey("blur", 1), 8)

	tests := []struct {
		key    string
		want   int
		wantOK bool
	}{
		{pipelineKey("blur", 0), 7, true},
		{pipelineKey("blur", 1), 8, true},
		{pipelineKey("sepia", 0), 0, false},
	}
	for _, tt := range tests {
		got, ok := c.Get(tt.key)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Get(%q) = (%d, %v), want (%d, %v)", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
	if st := c.Stats(); st.Hits != 2 || st.Misses != 1 {
		t.Errorf("Stats() hits/misses = %d/%d, want 2/1", st.Hits, st.Misses)
	}

	// Peek does not count.
	c.Peek(pipelineKey("blur", 0))
	if st := c.Stats(); st.Hits != 2 {
		t.Errorf("Peek changed hits to %d", st.Hits)
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := New[string, int](10)
	builds := 0
	build := func(v int) func() (int, error) {
		return func() (int, error) {
			builds++
			return v, nil
		}
	}

	v, created, err := c.GetOrCreate("invert/0", build(1))
	if err != nil || !created || v != 1 {
		t.Errorf("first GetOrCreate = (%d, %v, %v), want (1, true, nil)", v, created, err)
	}
	v, created, err = c.GetOrCreate("invert/0", build(2))
	if err != nil || created || v != 1 {
		t.Errorf("second GetOrCreate = (%d, %v, %v), want (1, false, nil)", v, created, err)
	}
	if builds != 1 {
		t.Errorf("built %d times, want 1", builds)
	}

	compile := errors.New("compile failed")
	_, created, err = c.GetOrCreate("levels/0", func() (int, error) { return 0, compile })
	if !errors.Is(err, compile) || created {
		t.Errorf("failing GetOrCreate = (%v, %v)", created, err)
	}
	if _, ok := c.Peek("levels/0"); ok {
		t.Error("failed build was cached")
	}
}

func TestCacheRemoval(t *testing.T) {
	var evicted []string
	c := New[string, int](10, WithEvictFunc(func(k string, _ int) { evicted = append(evicted, k) }))
	for _, f := range []string{"blur", "invert", "levels"} {
		c.Set(pipelineKey(f, 0), 0)
	}

	if !c.Delete("invert/0") || c.Delete("invert/0") {
		t.Error("Delete() should succeed exactly once")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d after Delete, want 2", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", c.Len())
	}
	if _, ok := c.Oldest(); ok {
		t.Error("Oldest() found an entry after Clear")
	}
	if len(evicted) != 0 {
		t.Errorf("explicit removal reported evictions %v", evicted)
	}

	c.Set("blur/0", 1)
	if k, _ := c.Oldest(); k != "blur/0" {
		t.Errorf("Oldest() = %q after reuse", k)
	}
}

func TestCacheStrictLRUEviction(t *testing.T) {
	var evicted []string
	c := New[string, int](3, WithEvictFunc(func(k string, _ int) {
		evicted = append(evicted, k)
	}))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes least recently used.
	c.Get("a")

	c.Set("d", 4)
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected [b] evicted, got %v", evicted)
	}

	c.Set("e", 5)
	if len(evicted) != 2 || evicted[1] != "c" {
		t.Fatalf("expected c evicted second, got %v", evicted)
	}

	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}
	for _, k := range []string{"a", "d", "e"} {
		if _, ok := c.Peek(k); !ok {
			t.Errorf("expected %q to survive", k)
		}
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("expected 2 evictions, got %d", got)
	}
}

func TestCacheNeverExceedsLimit(t *testing.T) {
	c := New[int, int](100)
	for i := 0; i < 1000; i++ {
		c.Set(i, i)
		if c.Len() > 100 {
			t.Fatalf("len %d exceeds limit after %d inserts", c.Len(), i+1)
		}
	}
	// The newest 100 keys survive.
	for i := 900; i < 1000; i++ {
		if _, ok := c.Peek(i); !ok {
			t.Errorf("expected key %d to survive", i)
		}
	}
}

func TestCacheEvictAfterLoweringLimit(t *testing.T) {
	c := New[string, int](10)
	for i := 0; i < 10; i++ {
		c.Set(strconv.Itoa(i), i)
	}
	c.SetLimit(4)
	if c.Len() != 10 {
		t.Fatalf("SetLimit must not evict eagerly, got %d", c.Len())
	}
	if n := c.Evict(); n != 6 {
		t.Errorf("expected 6 evictions, got %d", n)
	}
	if oldest, _ := c.Oldest(); oldest != "6" {
		t.Errorf("expected oldest survivor 6, got %s", oldest)
	}
}

func TestCacheEntriesOrderAndMetadata(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	c := New[string, int](10, WithClock[string, int](clock))

	c.Set("x", 1)
	now = now.Add(time.Second)
	c.Set("y", 2)
	now = now.Add(time.Second)
	c.Get("x")

	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "x" || entries[1].Key != "y" {
		t.Errorf("expected MRU order [x y], got [%s %s]", entries[0].Key, entries[1].Key)
	}
	x := entries[0]
	if !x.CreatedAt.Equal(time.Unix(1000, 0)) {
		t.Errorf("unexpected CreatedAt %v", x.CreatedAt)
	}
	if !x.LastUsed.Equal(time.Unix(1002, 0)) {
		t.Errorf("unexpected LastUsed %v", x.LastUsed)
	}
	if x.Hits != 1 {
		t.Errorf("expected 1 hit on x, got %d", x.Hits)
	}
}

func TestCacheUnlimited(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 500; i++ {
		c.Set(i, i)
	}
	if c.Len() != 500 {
		t.Errorf("expected 500 entries, got %d", c.Len())
	}
}

func TestCacheConcurrency(t *testing.T) {
	c := New[int, int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _, _ = c.GetOrCreate((g*200+i)%120, func() (int, error) { return i, nil })
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Errorf("len %d exceeds limit", c.Len())
	}
}

func TestRecencyRing(t *testing.T) {
	var r recency[int, string]
	r.init()
	if r.back() != nil {
		t.Fatal("back() of empty ring != nil")
	}

	e := make([]*cacheEntry[int, string], 4)
	for i := range e {
		e[i] = &cacheEntry[int, string]{key: i}
		r.pushFront(e[i])
	}
	r.moveToFront(e[1])
	r.remove(e[2])
	r.remove(e[2])

	var keys []int
	r.each(func(x *cacheEntry[int, string]) { keys = append(keys, x.key) })
	if len(keys) != 3 || keys[0] != 1 || keys[1] != 3 || keys[2] != 0 {
		t.Errorf("order = %v, want [1 3 0]", keys)
	}
	if b := r.back(); b != e[0] {
		t.Errorf("back() = %d, want 0", b.key)
	}
	if r.len() != 3 {
		t.Errorf("len() = %d, want 3", r.len())
	}

	r.init()
	if r.len() != 0 || r.back() != nil {
		t.Error("init() left entries behind")
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := New[string, int](1000)
	for i := 0; i < 100; i++ {
		c.Set(strconv.Itoa(i), i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("50")
	}
}

func BenchmarkCacheSetEvicting(b *testing.B) {
	c := New[int, int](100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(i, i)
	}
}
