package cache

// recency orders entries from most to least recently used.
//
// It is an intrusive ring around a sentinel: the links live in the
// entries themselves, so a hit moves an entry without allocating. The
// sentinel's next is the most recently used entry, its prev the least.
// recency is not safe for concurrent use and must not be copied after
// init.
type recency[K comparable, V any] struct {
	root cacheEntry[K, V]
	n    int
}

// init empties the ring. Entries still pointing into it are abandoned.
func (r *recency[K, V]) init() {
	r.root.next = &r.root
	r.root.prev = &r.root
	r.n = 0
}

func (r *recency[K, V]) len() int { return r.n }

// pushFront links e as the most recently used entry.
func (r *recency[K, V]) pushFront(e *cacheEntry[K, V]) {
	at := &r.root
	e.prev = at
	e.next = at.next
	at.next.prev = e
	at.next = e
	r.n++
}

// remove unlinks e. Unlinked entries are ignored.
func (r *recency[K, V]) remove(e *cacheEntry[K, V]) {
	if e.next == nil {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next, e.prev = nil, nil
	r.n--
}

func (r *recency[K, V]) moveToFront(e *cacheEntry[K, V]) {
	if r.root.next == e {
		return
	}
	r.remove(e)
	r.pushFront(e)
}

// back returns the least recently used entry, or nil when empty.
func (r *recency[K, V]) back() *cacheEntry[K, V] {
	if r.n == 0 {
		return nil
	}
	return r.root.prev
}

// each calls fn from most to least recently used. fn must not relink.
func (r *recency[K, V]) each(fn func(*cacheEntry[K, V])) {
	for e := r.root.next; e != &r.root; e = e.next {
		fn(e)
	}
}
