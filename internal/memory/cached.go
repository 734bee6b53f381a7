package memory

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached is a write-through LRU in front of a backend. Reads of keys not
// written through the cache go to the backend.
type Cached struct {
	backend Store
	cache   *lru.Cache[string, Entry]
	now     func() time.Time
}

func NewCached(backend Store, size int) (*Cached, error) {
	cache, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cached{backend: backend, cache: cache, now: time.Now}, nil
}

func (c *Cached) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.backend.Store(ctx, key, value, ttl); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		ExpiresAt: expiry(ttl, c.now()),
	})
	return nil
}

func (c *Cached) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if e, ok := c.cache.Get(key); ok {
		if !e.expired(c.now()) {
			return append([]byte(nil), e.Value...), nil
		}
		c.cache.Remove(key)
	}
	return c.backend.Retrieve(ctx, key)
}

func (c *Cached) Delete(ctx context.Context, key string) error {
	c.cache.Remove(key)
	return c.backend.Delete(ctx, key)
}

// List always reads through to the backend.
func (c *Cached) List(ctx context.Context, prefix string) ([]Entry, error) {
	return c.backend.List(ctx, prefix)
}

func (c *Cached) PurgeExpired(ctx context.Context) (int, error) {
	now := c.now()
	for _, k := range c.cache.Keys() {
		if e, ok := c.cache.Peek(k); ok && e.expired(now) {
			c.cache.Remove(k)
		}
	}
	if p, ok := c.backend.(Purger); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func (c *Cached) Close() error {
	c.cache.Purge()
	return c.backend.Close()
}
