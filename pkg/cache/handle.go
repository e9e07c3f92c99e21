package cache

// Handle is an RAII pin on a cache entry: construction (via Lookup or
// Insert) increments the entry's refcount; Release decrements it and,
// if the entry has already been evicted/erased and refcount reaches
// zero, invokes the deleter (spec §4.1).
type Handle struct {
	cache    *Cache
	shard    *shard
	key      string
	e        *entry
	released bool
}

// Value returns the handle's payload. Valid until Release is called.
func (h *Handle) Value() any { return h.e.value }

// Release decrements the entry's refcount. Calling it again after the
// first call is a no-op.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true

	s := h.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	e := h.e
	e.refcount--
	if e.deleted && e.refcount == 0 && e.deleter != nil {
		e.deleter(e.key, e.value)
	}
}
