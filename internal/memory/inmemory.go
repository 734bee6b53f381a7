package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory is a map-backed Store. Expired entries are hidden on read and
// removed by PurgeExpired.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (m *InMemory) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		ExpiresAt: expiry(ttl, m.now()),
	}
	return nil
}

func (m *InMemory) Retrieve(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		return nil, notFound(key)
	}
	return append([]byte(nil), e.Value...), nil
}

func (m *InMemory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List returns live entries whose key starts with prefix, sorted by key.
func (m *InMemory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []Entry
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) || e.expired(now) {
			continue
		}
		e.Value = append([]byte(nil), e.Value...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *InMemory) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *InMemory) Close() error { return nil }
