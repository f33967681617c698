package datastore

import (
	"context"
	"time"

	"retrotrain/internal/cache"
)

// layeredCache consults a process-local LRU first, then an optional
// shared cache (e.g. Redis), mirroring the read-through order the metrics
// store uses. Keeping it as its own type lets Store.Retrieve/Store read as
// "check the cache, then disk" without repeating the two-tier logic.
type layeredCache struct {
	local  *cache.LRUCache
	shared cache.Cache // nil when no shared cache is configured
}

func newLayeredCache(capacity int, shared cache.Cache) *layeredCache {
	return &layeredCache{local: cache.NewLRUCache(capacity), shared: shared}
}

func (c *layeredCache) get(key string) ([]byte, bool) {
	ctx := context.Background()
	if data, err := c.local.Get(ctx, key); err == nil {
		return data, true
	}
	if c.shared == nil {
		return nil, false
	}
	data, err := c.shared.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	c.local.Set(ctx, key, data, 0)
	return data, true
}

func (c *layeredCache) set(key string, value []byte, ttl time.Duration) {
	ctx := context.Background()
	c.local.Set(ctx, key, value, ttl)
	if c.shared != nil {
		c.shared.Set(ctx, key, value, ttl)
	}
}
