package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryTier is the in-process tier.
type MemoryTier struct {
	c   *gocache.Cache
	now func() time.Time
}

// NewMemoryTier returns an empty memory tier. Expiry is driven by the
// owning Cache's sweep, so go-cache's own janitor is disabled.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{c: gocache.New(gocache.NoExpiration, 0), now: time.Now}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, key string) (Entry, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	e := v.(Entry)
	if e.Expired(m.now()) {
		m.c.Delete(key)
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryTier) Set(_ context.Context, e Entry) error {
	ttl := gocache.NoExpiration
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(m.now())
		if ttl <= 0 {
			m.c.Delete(e.Key)
			return nil
		}
	}
	m.c.Set(e.Key, e, ttl)
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

func (m *MemoryTier) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			m.c.Delete(k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryTier) Sweep(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, item := range m.c.Items() {
		if e, ok := item.Object.(Entry); ok && e.Expired(now) {
			m.c.Delete(k)
			n++
		}
	}
	m.c.DeleteExpired()
	return n, nil
}

func (m *MemoryTier) Len(_ context.Context) (int, error) {
	return m.c.ItemCount(), nil
}
