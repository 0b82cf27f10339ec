// Package ristretto backs the cache port with an in-process ristretto cache,
// used for registry stats snapshots.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache holds serialized stats payloads keyed by cache key.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New builds a cache capped at maxBytes of stored payload. Cost is the
// payload length, so MaxCost is a byte budget.
func New(maxBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Ristretto wants ~10 counters per expected entry; stats payloads
		// run a few hundred bytes each.
		NumCounters: maxBytes / 100 * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached payload for key, with ok=false on a miss.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value under key for ttl, costed at its byte length.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete evicts key; used when stats are invalidated by a write.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close stops the cache's internal goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
