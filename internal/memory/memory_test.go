package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/errs"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns each Store implementation with a controllable clock.
func backends(t *testing.T) map[string]struct {
	store Store
	clock *clock
} {
	t.Helper()
	out := make(map[string]struct {
		store Store
		clock *clock
	})

	c1 := &clock{t: time.Unix(1_700_000_000, 0)}
	mem := NewInMemory()
	mem.now = c1.now
	out["inmemory"] = struct {
		store Store
		clock *clock
	}{mem, c1}

	c2 := &clock{t: time.Unix(1_700_000_000, 0)}
	sq := newTestSQLite(t)
	sq.now = c2.now
	out["sqlite"] = struct {
		store Store
		clock *clock
	}{sq, c2}

	c3 := &clock{t: time.Unix(1_700_000_000, 0)}
	inner := NewInMemory()
	inner.now = c3.now
	cached, err := NewCached(inner, 16)
	if err != nil {
		t.Fatal(err)
	}
	cached.now = c3.now
	out["cached"] = struct {
		store Store
		clock *clock
	}{cached, c3}

	return out
}

func TestStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := b.store
			if err := s.Store(ctx, "k1", []byte("v1"), 0); err != nil {
				t.Fatalf("store: %v", err)
			}
			got, err := s.Retrieve(ctx, "k1")
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			if string(got) != "v1" {
				t.Errorf("expected v1, got %q", got)
			}

			// Overwrite
			if err := s.Store(ctx, "k1", []byte("v2"), 0); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = s.Retrieve(ctx, "k1")
			if string(got) != "v2" {
				t.Errorf("expected v2, got %q", got)
			}

			if err := s.Delete(ctx, "k1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Retrieve(ctx, "k1"); !errors.Is(err, errs.ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}

			// Deleting a missing key is not an error.
			if err := s.Delete(ctx, "missing"); err != nil {
				t.Errorf("delete missing: %v", err)
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := b.store
			if err := s.Store(ctx, "short", []byte("x"), time.Minute); err != nil {
				t.Fatal(err)
			}
			if err := s.Store(ctx, "forever", []byte("y"), 0); err != nil {
				t.Fatal(err)
			}

			if _, err := s.Retrieve(ctx, "short"); err != nil {
				t.Fatalf("expected live entry, got %v", err)
			}

			b.clock.t = b.clock.t.Add(2 * time.Minute)

			if _, err := s.Retrieve(ctx, "short"); !errors.Is(err, errs.ErrNotFound) {
				t.Errorf("expected expired entry to be not found, got %v", err)
			}
			if _, err := s.Retrieve(ctx, "forever"); err != nil {
				t.Errorf("expected non-expiring entry, got %v", err)
			}

			entries, err := s.List(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || entries[0].Key != "forever" {
				t.Errorf("expected only forever listed, got %+v", entries)
			}

			n, err := s.(Purger).PurgeExpired(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("expected 1 purged, got %d", n)
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := b.store
			for _, k := range []string{"agent-state-b", "agent-state-a", "task-history-1", "coordination-state"} {
				if err := s.Store(ctx, k, []byte(k), 0); err != nil {
					t.Fatal(err)
				}
			}

			entries, err := s.List(ctx, "agent-state-")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
			if entries[0].Key != "agent-state-a" || entries[1].Key != "agent-state-b" {
				t.Errorf("expected sorted keys, got %s, %s", entries[0].Key, entries[1].Key)
			}
			if string(entries[0].Value) != "agent-state-a" {
				t.Errorf("unexpected value %q", entries[0].Value)
			}

			all, _ := s.List(ctx, "")
			if len(all) != 4 {
				t.Errorf("expected 4 entries, got %d", len(all))
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	type snapshot struct {
		Tasks  int      `json:"tasks"`
		Agents []string `json:"agents"`
	}
	in := snapshot{Tasks: 3, Agents: []string{"a", "b"}}
	if err := StoreJSON(ctx, s, "coordination-state", in, 0); err != nil {
		t.Fatal(err)
	}

	var out snapshot
	if err := RetrieveJSON(ctx, s, "coordination-state", &out); err != nil {
		t.Fatal(err)
	}
	if out.Tasks != 3 || len(out.Agents) != 2 {
		t.Errorf("unexpected snapshot: %+v", out)
	}

	if err := RetrieveJSON(ctx, s, "missing", &out); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hive.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Retrieve(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestCachedServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemory()
	c, err := NewCached(inner, 2)
	if err != nil {
		t.Fatal(err)
	}

	_ = c.Store(ctx, "a", []byte("1"), 0)
	// Remove behind the cache's back; the cached copy is still served.
	_ = inner.Delete(ctx, "a")
	got, err := c.Retrieve(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Errorf("expected cached value, got %q, %v", got, err)
	}

	_ = c.Store(ctx, "b", []byte("2"), 0)
	_ = c.Store(ctx, "c", []byte("3"), 0)
	if c.Len() != 2 {
		t.Errorf("expected lru size 2, got %d", c.Len())
	}
	if _, err := c.Retrieve(ctx, "a"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected evicted key to miss, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*InMemory); !ok {
		t.Errorf("expected *InMemory, got %T", s)
	}

	s, err = Open(config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x.db"), CacheSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*Cached); !ok {
		t.Errorf("expected *Cached, got %T", s)
	}

	if _, err := Open(config.StoreConfig{Backend: "redis"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSweep(t *testing.T) {
	s := NewInMemory()
	c := &clock{t: time.Now()}
	s.now = c.now
	_ = s.Store(context.Background(), "k", []byte("v"), time.Millisecond)
	c.t = c.t.Add(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Sweep(ctx, s, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		n := len(s.entries)
		s.mu.RUnlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(s.entries) != 0 {
		t.Error("expected sweeper to purge expired entry")
	}
}
