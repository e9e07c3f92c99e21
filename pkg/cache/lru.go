// Package cache implements the sharded, capacity-weighted LRU block
// and index-handle cache shared across builders and searchers (spec
// §4.1), and the reference-counted Handle (spec §3 "Cache entry",
// §4.1 "Handles are RAII").
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Priority controls eviction order. Durable entries are only evicted
// once no Normal entry in the shard can be evicted first.
type Priority int

const (
	Normal Priority = iota
	Durable
)

// Deleter is invoked exactly once, when an entry's refcount reaches
// zero after being evicted or erased.
type Deleter func(key string, value any)

type entry struct {
	key      string
	value    any
	weight   int64
	priority Priority
	refcount int32
	deleted  bool // erased from the index; only the LRU handle keeps it alive
	deleter  Deleter
}

type shard struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	index    map[string]*list.Element
	order    *list.List // list.Element.Value is *entry; front = most recently used

	lookups int64
	hits    int64
}

func newShard(capacity int64) *shard {
	return &shard{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Cache is a capacity-weighted cache partitioned across a fixed,
// power-of-two number of shards, each with its own mutex, LRU list,
// and hash index (spec §4.1).
type Cache struct {
	shards    []*shard
	shardMask uint64
}

// New creates a cache with the given total capacity (bytes, or any
// consistent weight unit) split evenly across numShards shards.
// numShards is rounded up to the next power of two.
func New(totalCapacity int64, numShards int) *Cache {
	if numShards < 1 {
		numShards = 1
	}
	n := 1
	for n < numShards {
		n <<= 1
	}
	perShard := totalCapacity / int64(n)
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard(perShard)
	}
	return &Cache{shards: shards, shardMask: uint64(n - 1)}
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[fnv1a(key)&c.shardMask]
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Lookup returns a pinned Handle for key, or ok=false on miss. Lookups
// increment counters even on miss (spec §4.1).
func (c *Cache) Lookup(key string) (h *Handle, ok bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	atomic.AddInt64(&s.lookups, 1)
	el, found := s.index[key]
	if !found {
		return nil, false
	}
	atomic.AddInt64(&s.hits, 1)
	e := el.Value.(*entry)
	e.refcount++
	s.order.MoveToFront(el)
	return &Handle{cache: c, shard: s, key: key, e: e}, true
}

// Insert adds value under key with the given weight, priority, and
// optional deleter, evicting least-recently-used entries until usage
// fits capacity. Two concurrent inserts under the same key resolve to
// one stored handle: the loser is released immediately (spec §3
// invariant).
func (c *Cache) Insert(key string, value any, weight int64, priority Priority, deleter Deleter) *Handle {
	s := c.shardFor(key)
	s.mu.Lock()

	if el, exists := s.index[key]; exists {
		// A concurrent/previous insert already won this key. The new
		// value is released immediately; the caller still gets a
		// pinned handle to the entry that is actually stored.
		e := el.Value.(*entry)
		e.refcount++
		s.order.MoveToFront(el)
		s.mu.Unlock()
		if deleter != nil {
			deleter(key, value)
		}
		return &Handle{cache: c, shard: s, key: key, e: e}
	}

	e := &entry{key: key, value: value, weight: weight, priority: priority, refcount: 1, deleter: deleter}
	el := s.order.PushFront(e)
	s.index[key] = el
	s.usage += weight

	s.evictLocked()
	s.mu.Unlock()

	return &Handle{cache: c, shard: s, key: key, e: e}
}

// evictLocked evicts least-recently-used Normal entries first, then
// Durable entries, until usage <= capacity. Called with s.mu held.
func (s *shard) evictLocked() {
	for pass := 0; pass < 2 && s.usage > s.capacity; pass++ {
		wantDurable := pass == 1
		for el := s.order.Back(); el != nil; {
			prev := el.Prev()
			e := el.Value.(*entry)
			if (e.priority == Durable) != wantDurable {
				el = prev
				continue
			}
			s.order.Remove(el)
			delete(s.index, e.key)
			s.usage -= e.weight
			e.deleted = true
			if e.refcount == 0 && e.deleter != nil {
				e.deleter(e.key, e.value)
			}
			if s.usage <= s.capacity {
				break
			}
			el = prev
		}
	}
}

// Erase removes key from the index immediately. The underlying value
// is released only once all outstanding handles are dropped.
func (c *Cache) Erase(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	s.order.Remove(el)
	delete(s.index, key)
	s.usage -= e.weight
	e.deleted = true
	if e.refcount == 0 && e.deleter != nil {
		e.deleter(e.key, e.value)
	}
}

// SetCapacity sets the total capacity, redistributed evenly across
// shards, evicting if necessary.
func (c *Cache) SetCapacity(total int64) {
	perShard := total / int64(len(c.shards))
	for _, s := range c.shards {
		s.mu.Lock()
		s.capacity = perShard
		s.evictLocked()
		s.mu.Unlock()
	}
}

// AdjustCapacity changes total capacity by delta, refusing to shrink
// below minCapacity.
func (c *Cache) AdjustCapacity(delta int64, minCapacity int64) {
	current := c.Capacity()
	next := current + delta
	if next < minCapacity {
		next = minCapacity
	}
	c.SetCapacity(next)
}

// Capacity returns the total capacity across all shards.
func (c *Cache) Capacity() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.capacity
		s.mu.Unlock()
	}
	return total
}

// MemoryUsage returns total usage (sum of live entry weights) across
// all shards.
func (c *Cache) MemoryUsage() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.usage
		s.mu.Unlock()
	}
	return total
}

// LookupCount returns the total number of Lookup calls across all
// shards.
func (c *Cache) LookupCount() int64 {
	var total int64
	for _, s := range c.shards {
		total += atomic.LoadInt64(&s.lookups)
	}
	return total
}

// HitCount returns the total number of Lookup hits across all shards.
func (c *Cache) HitCount() int64 {
	var total int64
	for _, s := range c.shards {
		total += atomic.LoadInt64(&s.hits)
	}
	return total
}

// ShardStatus is one shard's entry in the JSON status snapshot.
type ShardStatus struct {
	Capacity int64 `json:"capacity"`
	Usage    int64 `json:"usage"`
	Lookups  int64 `json:"lookups"`
	Hits     int64 `json:"hits"`
}

// Status is the cache-wide JSON status snapshot (spec §4.1).
type Status struct {
	Capacity int64         `json:"capacity"`
	Usage    int64         `json:"usage"`
	Lookups  int64         `json:"lookups"`
	Hits     int64         `json:"hits"`
	Shards   []ShardStatus `json:"shards"`
}

// Status returns a per-shard snapshot of capacity, usage, lookups and
// hits, plus cache-wide totals.
func (c *Cache) Status() Status {
	st := Status{Shards: make([]ShardStatus, len(c.shards))}
	for i, s := range c.shards {
		s.mu.Lock()
		ss := ShardStatus{
			Capacity: s.capacity,
			Usage:    s.usage,
			Lookups:  atomic.LoadInt64(&s.lookups),
			Hits:     atomic.LoadInt64(&s.hits),
		}
		s.mu.Unlock()
		st.Shards[i] = ss
		st.Capacity += ss.Capacity
		st.Usage += ss.Usage
		st.Lookups += ss.Lookups
		st.Hits += ss.Hits
	}
	return st
}
