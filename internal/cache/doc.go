// Package cache provides the generic LRU cache behind the shader, layout
// and pipeline caches.
//
// Cache[K, V] holds at most a fixed number of entries. Inserting past the
// limit evicts strictly in least-recently-used order, one entry at a time,
// and reports each evicted entry to an optional callback:
//
//	c := cache.New[string, *Pipeline](100,
//	    cache.WithEvictFunc(func(key string, p *Pipeline) { retire(p) }))
//	p, created, err := c.GetOrCreate(key, build)
//
// Every entry records its creation time, last use and hit count so callers
// can snapshot the cache and replay it later (see Entries).
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
