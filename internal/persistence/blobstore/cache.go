package blobstore

import (
	"context"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"chunkflow.ai/internal/sim/tilepos"
)

// Cached serves repeated reads from a bounded in-memory cache. Writes go
// through to the wrapped backend before the cache is updated.
type Cached struct {
	Backend
	cache *ristretto.Cache[uint64, []byte]

	// mu orders cache fills against writes; versions counts mutations per key
	// so a read that raced a write never caches the older blob.
	mu       sync.Mutex
	versions map[uint64]uint64
}

func NewCached(b Backend, maxBytes int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: max(maxBytes/256, 1024),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{Backend: b, cache: cache, versions: map[uint64]uint64{}}, nil
}

func (c *Cached) Read(ctx context.Context, pos tilepos.Pos) ([]byte, error) {
	key := pos.Key()
	if b, ok := c.cache.Get(key); ok {
		return append([]byte(nil), b...), nil
	}
	c.mu.Lock()
	v := c.versions[key]
	c.mu.Unlock()

	b, err := c.Backend.Read(ctx, pos)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.versions[key] == v {
		c.cache.Set(key, append([]byte(nil), b...), int64(len(b)))
		c.cache.Wait()
	}
	c.mu.Unlock()
	return b, nil
}

// invalidate drops the cached blob and bumps the key's version.
func (c *Cached) invalidate(key uint64) {
	c.mu.Lock()
	c.versions[key]++
	c.cache.Del(key)
	c.cache.Wait()
	c.mu.Unlock()
}

func (c *Cached) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	key := pos.Key()
	c.invalidate(key)
	if err := c.Backend.Write(ctx, pos, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.versions[key]++
	c.cache.Set(key, append([]byte(nil), data...), int64(len(data)))
	c.cache.Wait()
	c.mu.Unlock()
	return nil
}

func (c *Cached) Delete(ctx context.Context, pos tilepos.Pos) error {
	c.invalidate(pos.Key())
	return c.Backend.Delete(ctx, pos)
}

func (c *Cached) Close() error {
	c.cache.Close()
	return c.Backend.Close()
}
