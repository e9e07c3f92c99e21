package cache

import "sync"

const defaultCapacityBytes = 1 << 30 // 1 GiB, spec §6
const defaultShardCount = 16

var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default returns the single process-wide 1 GiB LRU cache instance
// used by all factories unless a local instance is supplied (spec
// §6). Initialization is lazy, on first access.
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache = New(defaultCapacityBytes, defaultShardCount)
	})
	return defaultCache
}
