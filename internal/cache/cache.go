package cache

import (
	"sort"
	"sync"
)

// ParamCache defines a generic interface for caching tuned launch parameters.
type ParamCache interface {
	// Get retrieves parameters from the cache.
	Get(key string) ([]uint32, bool)
	// Put stores parameters in the cache.
	Put(key string, params []uint32)
	// Size returns the number of items in the cache.
	Size() int
	// Keys returns the cached keys in sorted order.
	Keys() []string
	// Snapshot returns a copy of the cache contents.
	Snapshot() map[string][]uint32
}

// MapCache is a simple in-memory implementation of ParamCache.
type MapCache struct {
	data map[string][]uint32
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string][]uint32),
	}
}

func (c *MapCache) Get(key string) ([]uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]uint32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, params []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy
	dst := make([]uint32, len(params))
	copy(dst, params)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Keys returns the cached keys in sorted order.
func (c *MapCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of the cache contents.
func (c *MapCache) Snapshot() map[string][]uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]uint32, len(c.data))
	for k, v := range c.data {
		out[k] = append([]uint32(nil), v...)
	}
	return out
}
