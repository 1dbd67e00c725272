// Package clientcache deduplicates SDK client construction. Clients hold
// connection pools, so each distinct configuration should be built once and
// shared.
package clientcache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is a type-safe client cache. Concurrent GetOrCreate calls for the
// same key collapse into a single factory invocation.
type Cache[T any] struct {
	cache   sync.Map
	sfGroup singleflight.Group
}

// NewCache creates an empty cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{}
}

// GetOrCreate returns the cached client for key, building it with factory on
// first use.
func (c *Cache[T]) GetOrCreate(key string, factory func() (T, error)) (T, error) {
	if cached, ok := c.cache.Load(key); ok {
		return cached.(T), nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		// Re-check: another caller may have stored between Load and Do.
		if cached, ok := c.cache.Load(key); ok {
			return cached.(T), nil
		}

		client, err := factory()
		if err != nil {
			var zero T
			return zero, err
		}

		c.cache.Store(key, client)
		return client, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// Delete removes a client from the cache.
func (c *Cache[T]) Delete(key string) {
	c.cache.Delete(key)
}

// Clear removes all clients.
func (c *Cache[T]) Clear() {
	c.cache.Range(func(key, value any) bool {
		c.cache.Delete(key)
		return true
	})
}
