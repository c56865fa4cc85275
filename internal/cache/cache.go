package cache

import (
	"sync"
	"time"
)

// Cache is a generic thread-safe cache with strict LRU eviction.
// When an insertion pushes the cache past its limit, least recently used
// entries are evicted one at a time until the cache is back at the limit.
//
// Cache is safe for concurrent use.
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*cacheEntry[K, V]
	order   recency[K, V]
	limit   int
	onEvict func(K, V)
	now     func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
}

// cacheEntry holds a cached value with its bookkeeping and its links in
// the recency ring.
type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	createdAt time.Time
	lastUsed  time.Time
	hits      uint64

	prev, next *cacheEntry[K, V]
}

func (e *cacheEntry[K, V]) export() Entry[K, V] {
	return Entry[K, V]{Key: e.key, Value: e.value, CreatedAt: e.createdAt, LastUsed: e.lastUsed, Hits: e.hits}
}

// Entry is a point-in-time copy of a cache entry.
type Entry[K comparable, V any] struct {
	Key       K
	Value     V
	CreatedAt time.Time
	LastUsed  time.Time
	Hits      uint64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithEvictFunc registers a callback invoked for every evicted entry.
// The callback runs after the cache lock is released.
func WithEvictFunc[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new cache holding at most limit entries.
// A limit of 0 means unlimited.
func New[K comparable, V any](limit int, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]*cacheEntry[K, V]),
		limit:   limit,
		now:     time.Now,
	}
	c.order.init()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.touch(e)
	return e.value, true
}

// Peek retrieves a value without affecting recency or statistics.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value, replacing any previous value for key.
// The replaced value is not passed to the evict callback.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.lastUsed = c.now()
		c.order.moveToFront(e)
		c.mu.Unlock()
		return
	}
	c.insert(key, value)
	evicted := c.trim()
	c.mu.Unlock()

	c.notify(evicted)
}

// GetOrCreate returns the cached value for key or creates it.
// create is called under the lock so concurrent callers never build
// the same value twice. A create error leaves the cache unchanged.
// The boolean result reports whether the value was created.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touch(e)
		v := e.value
		c.mu.Unlock()
		return v, false, nil
	}
	c.misses++

	value, err := create()
	if err != nil {
		c.mu.Unlock()
		var zero V
		return zero, false, err
	}
	c.insert(key, value)
	evicted := c.trim()
	c.mu.Unlock()

	c.notify(evicted)
	return value, true, nil
}

// Delete removes an entry without invoking the evict callback.
// Returns true if the entry was found and removed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.remove(e)
	delete(c.entries, key)
	return true
}

// Evict trims the cache down to its limit in strict LRU order and returns
// the number of entries removed.
func (c *Cache[K, V]) Evict() int {
	c.mu.Lock()
	evicted := c.trim()
	c.mu.Unlock()

	c.notify(evicted)
	return len(evicted)
}

// SetLimit changes the capacity. Lowering it does not evict until the
// next insertion or Evict call.
func (c *Cache[K, V]) SetLimit(limit int) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

// Entries returns a copy of all entries, most recently used first.
func (c *Cache[K, V]) Entries() []Entry[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[K, V], 0, c.order.len())
	c.order.each(func(e *cacheEntry[K, V]) {
		out = append(out, e.export())
	})
	return out
}

// Oldest returns the least recently used key.
func (c *Cache[K, V]) Oldest() (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.order.back(); e != nil {
		return e.key, true
	}
	var zero K
	return zero, false
}

// Clear removes all entries without invoking the evict callback.
// Statistics are preserved.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*cacheEntry[K, V])
	c.order.init()
}

// Len returns the number of entries in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Capacity returns the entry limit of the cache.
func (c *Cache[K, V]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.limit
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.entries),
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// touch records a hit. Caller must hold c.mu.
func (c *Cache[K, V]) touch(e *cacheEntry[K, V]) {
	c.hits++
	e.hits++
	e.lastUsed = c.now()
	c.order.moveToFront(e)
}

// insert adds a fresh entry at the front. Caller must hold c.mu.
func (c *Cache[K, V]) insert(key K, value V) {
	now := c.now()
	e := &cacheEntry[K, V]{key: key, value: value, createdAt: now, lastUsed: now}
	c.order.pushFront(e)
	c.entries[key] = e
}

// trim evicts least recently used entries until the cache is within its
// limit. Caller must hold c.mu.
func (c *Cache[K, V]) trim() []Entry[K, V] {
	if c.limit <= 0 {
		return nil
	}
	var evicted []Entry[K, V]
	for len(c.entries) > c.limit {
		e := c.order.back()
		if e == nil {
			break
		}
		c.order.remove(e)
		delete(c.entries, e.key)
		c.evictions++
		evicted = append(evicted, e.export())
	}
	return evicted
}

func (c *Cache[K, V]) notify(evicted []Entry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.Key, e.Value)
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the entry limit (0 means unlimited).
	Capacity int
	// Hits is the number of lookups that found an entry.
	Hits uint64
	// Misses is the number of lookups that did not.
	Misses uint64
	// HitRate is the cache hit rate 0.0 to 1.0.
	HitRate float64
	// Evictions is the number of entries removed by LRU trimming.
	Evictions uint64
}
