// Package memory implements the key/value store used for coordination
// snapshots, agent state and task history.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/errs"
)

// Entry is a stored value. A zero ExpiresAt means the entry never expires.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a key/value store with optional per-key TTL. Retrieve returns an
// error wrapping errs.ErrNotFound for missing or expired keys.
type Store interface {
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Purger is implemented by backends that can drop expired entries in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Open builds the store described by cfg, wrapped in an LRU read cache when
// cfg.CacheSize is positive.
func Open(cfg config.StoreConfig) (Store, error) {
	var backend Store
	switch cfg.Backend {
	case "memory":
		backend = NewInMemory()
	case "sqlite", "":
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = s
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}

	if cfg.CacheSize > 0 {
		c, err := NewCached(backend, cfg.CacheSize)
		if err != nil {
			backend.Close()
			return nil, err
		}
		return c, nil
	}
	return backend, nil
}

// StoreJSON marshals v and stores it under key.
func StoreJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Store(ctx, key, data, ttl)
}

// RetrieveJSON loads key and unmarshals it into v.
func RetrieveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Retrieve(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Sweep purges expired entries every interval until ctx is done. It does
// nothing if s cannot purge.
func Sweep(ctx context.Context, s Store, interval time.Duration) {
	p, ok := s.(Purger)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				slog.Error("memory sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("memory sweep", "purged", n)
			}
		}
	}
}

func notFound(key string) error {
	return errs.NotFound("key", key)
}

func expiry(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
