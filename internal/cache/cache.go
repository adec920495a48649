// Package cache is the two-tier cache in front of the store: an in-process
// memory tier backed by a persistent tier (files or Redis). Tier failures
// degrade the cache to a miss and never fail the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
)

// TTLClass selects the expiry applied to a cached value.
type TTLClass int

const (
	TTLListing TTLClass = iota
	TTLDetail
	TTLStats
	TTLSearch
)

func (c TTLClass) String() string {
	switch c {
	case TTLListing:
		return "listing"
	case TTLDetail:
		return "detail"
	case TTLStats:
		return "stats"
	case TTLSearch:
		return "search"
	}
	return fmt.Sprintf("TTLClass(%d)", int(c))
}

// TTLs holds the duration of every TTL class.
type TTLs struct {
	Listing time.Duration
	Detail  time.Duration
	Stats   time.Duration
	Search  time.Duration
}

// DefaultTTLs are used for any class left at zero.
var DefaultTTLs = TTLs{
	Listing: 5 * time.Minute,
	Detail:  time.Hour,
	Stats:   5 * time.Minute,
	Search:  5 * time.Minute,
}

// TTLsFromConfig maps the cache config section onto TTLs.
func TTLsFromConfig(cfg model.CacheConfig) TTLs {
	return TTLs{
		Listing: cfg.TTLListing,
		Detail:  cfg.TTLDetail,
		Stats:   cfg.TTLStats,
		Search:  cfg.TTLSearch,
	}
}

// For returns the duration of class.
func (t TTLs) For(class TTLClass) time.Duration {
	var d, def time.Duration
	switch class {
	case TTLListing:
		d, def = t.Listing, DefaultTTLs.Listing
	case TTLDetail:
		d, def = t.Detail, DefaultTTLs.Detail
	case TTLStats:
		d, def = t.Stats, DefaultTTLs.Stats
	case TTLSearch:
		d, def = t.Search, DefaultTTLs.Search
	default:
		d, def = t.Listing, DefaultTTLs.Listing
	}
	if d <= 0 {
		return def
	}
	return d
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits              int64  `json:"hits"`
	MemoryHits        int64  `json:"memory_hits"`
	PersistentHits    int64  `json:"persistent_hits"`
	Misses            int64  `json:"misses"`
	Sets              int64  `json:"sets"`
	Deletes           int64  `json:"deletes"`
	Degraded          int64  `json:"degraded"`
	MemoryEntries     int    `json:"memory_entries"`
	PersistentEntries int    `json:"persistent_entries"`
	PersistentTier    string `json:"persistent_tier,omitempty"`
}

// HitRate returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache coordinates the memory and persistent tiers.
type Cache struct {
	mem        Tier
	persistent Tier
	ttls       TTLs
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	hits, memHits, persistentHits atomic.Int64
	misses, sets, deletes         atomic.Int64
	degraded                      atomic.Int64

	// gen advances on every invalidation so Fill can drop a load that
	// raced with one.
	gen   atomic.Uint64
	group singleflight.Group

	// Persistent deletes that failed. Persistent entries created at or
	// before the tombstone are treated as misses until the delete succeeds.
	mu               sync.Mutex
	keyTombstones    map[string]time.Time
	prefixTombstones map[string]time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for degraded-tier warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l.With().Str("component", "cache").Logger() }
}

// WithMetrics records lookups and degradations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache over mem and persistent. persistent may be nil for a
// memory-only cache.
func New(mem, persistent Tier, ttls TTLs, opts ...Option) *Cache {
	c := &Cache{
		mem:              mem,
		persistent:       persistent,
		ttls:             ttls,
		log:              zerolog.Nop(),
		now:              time.Now,
		keyTombstones:    make(map[string]time.Time),
		prefixTombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured duration of class.
func (c *Cache) TTL(class TTLClass) time.Duration {
	return c.ttls.For(class)
}

func (c *Cache) degrade(t Tier, op string, err error) {
	c.degraded.Add(1)
	c.metrics.CacheDegrade(t.Name(), op)
	c.log.Warn().Err(err).Str("tier", t.Name()).Str("op", op).Msg("cache tier degraded")
}

func (c *Cache) tombstoned(key string, created time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.keyTombstones[key]; ok && !created.After(ts) {
		return true
	}
	for prefix, ts := range c.prefixTombstones {
		if strings.HasPrefix(key, prefix) && !created.After(ts) {
			return true
		}
	}
	return false
}

// Get returns the value cached under key or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	now := c.now()

	e, err := c.mem.Get(ctx, key)
	switch {
	case err == nil && !e.Expired(now):
		c.hits.Add(1)
		c.memHits.Add(1)
		c.metrics.CacheLookup(c.mem.Name(), "hit")
		return e.Value, nil
	case err == nil:
		_ = c.mem.Delete(ctx, key)
	case !errors.Is(err, ErrNotFound):
		c.degrade(c.mem, "get", err)
	}

	if c.persistent != nil {
		e, err = c.persistent.Get(ctx, key)
		switch {
		case err == nil && c.tombstoned(key, e.CreatedAt):
			if derr := c.persistent.Delete(ctx, key); derr == nil {
				c.clearKeyTombstone(key)
			}
		case err == nil && e.Expired(now):
			if derr := c.persistent.Delete(ctx, key); derr != nil {
				c.degrade(c.persistent, "delete", derr)
			}
		case err == nil:
			if serr := c.mem.Set(ctx, e); serr != nil {
				c.degrade(c.mem, "promote", serr)
			}
			c.hits.Add(1)
			c.persistentHits.Add(1)
			c.metrics.CacheLookup(c.persistent.Name(), "hit")
			return e.Value, nil
		case !errors.Is(err, ErrNotFound):
			c.degrade(c.persistent, "get", err)
		}
	}

	c.misses.Add(1)
	c.metrics.CacheLookup("all", "miss")
	return nil, ErrNotFound
}

// Set stores value under key in both tiers for ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	now := c.now()
	e := Entry{Key: key, Value: value, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	c.sets.Add(1)
	if err := c.mem.Set(ctx, e); err != nil {
		c.degrade(c.mem, "set", err)
	}
	if c.persistent != nil {
		if err := c.persistent.Set(ctx, e); err != nil {
			c.degrade(c.persistent, "set", err)
		}
	}
}

// Invalidate removes keys from both tiers.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.gen.Add(1)
	c.deletes.Add(int64(len(keys)))
	if err := c.mem.Delete(ctx, keys...); err != nil {
		c.degrade(c.mem, "delete", err)
	}
	if c.persistent == nil {
		return
	}
	if err := c.persistent.Delete(ctx, keys...); err != nil {
		c.degrade(c.persistent, "delete", err)
		now := c.now()
		c.mu.Lock()
		for _, k := range keys {
			c.keyTombstones[k] = now
		}
		c.mu.Unlock()
		return
	}
	for _, k := range keys {
		c.clearKeyTombstone(k)
	}
}

// InvalidatePrefix removes every key starting with one of prefixes from
// both tiers.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefixes ...string) {
	if len(prefixes) == 0 {
		return
	}
	c.gen.Add(1)
	for _, p := range prefixes {
		n, err := c.mem.DeletePrefix(ctx, p)
		if err != nil {
			c.degrade(c.mem, "delete_prefix", err)
		}
		c.deletes.Add(int64(n))
		if c.persistent == nil {
			continue
		}
		n, err = c.persistent.DeletePrefix(ctx, p)
		if err != nil {
			c.degrade(c.persistent, "delete_prefix", err)
			c.mu.Lock()
			c.prefixTombstones[p] = c.now()
			c.mu.Unlock()
			continue
		}
		c.deletes.Add(int64(n))
		c.mu.Lock()
		delete(c.prefixTombstones, p)
		c.mu.Unlock()
	}
}

func (c *Cache) clearKeyTombstone(key string) {
	c.mu.Lock()
	delete(c.keyTombstones, key)
	c.mu.Unlock()
}

// retryTombstones reissues persistent deletes that failed earlier.
func (c *Cache) retryTombstones(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.keyTombstones))
	for k := range c.keyTombstones {
		keys = append(keys, k)
	}
	prefixes := make([]string, 0, len(c.prefixTombstones))
	for p := range c.prefixTombstones {
		prefixes = append(prefixes, p)
	}
	c.mu.Unlock()

	if len(keys) > 0 {
		if err := c.persistent.Delete(ctx, keys...); err == nil {
			c.mu.Lock()
			for _, k := range keys {
				delete(c.keyTombstones, k)
			}
			c.mu.Unlock()
		}
	}
	for _, p := range prefixes {
		if _, err := c.persistent.DeletePrefix(ctx, p); err == nil {
			c.mu.Lock()
			delete(c.prefixTombstones, p)
			c.mu.Unlock()
		}
	}
}

// Sweep removes expired entries from both tiers and returns the number
// removed.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()
	total := 0
	n, err := c.mem.Sweep(ctx, now)
	if err != nil {
		c.degrade(c.mem, "sweep", err)
	}
	total += n
	if c.persistent != nil {
		n, err = c.persistent.Sweep(ctx, now)
		if err != nil {
			c.degrade(c.persistent, "sweep", err)
		}
		total += n
		c.retryTombstones(ctx)
	}
	return total
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				c.log.Debug().Int("removed", n).Msg("cache sweep")
			}
		}
	}
}

// Stats returns a snapshot of the counters and tier sizes.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:           c.hits.Load(),
		MemoryHits:     c.memHits.Load(),
		PersistentHits: c.persistentHits.Load(),
		Misses:         c.misses.Load(),
		Sets:           c.sets.Load(),
		Deletes:        c.deletes.Load(),
		Degraded:       c.degraded.Load(),
	}
	if n, err := c.mem.Len(ctx); err == nil {
		s.MemoryEntries = n
	}
	if c.persistent != nil {
		s.PersistentTier = c.persistent.Name()
		if n, err := c.persistent.Len(ctx); err == nil {
			s.PersistentEntries = n
		}
	}
	return s
}

// SetJSON encodes v and stores it under key with the TTL of class.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, class TTLClass) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %s: %w", key, err)
	}
	c.Set(ctx, key, data, c.TTL(class))
	return nil
}

// GetJSON decodes the value cached under key. A value that no longer
// decodes is dropped and reported as a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, error) {
	var v T
	data, err := c.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		c.Invalidate(ctx, key)
		return v, ErrNotFound
	}
	return v, nil
}

// Fill returns the value cached under key, loading and caching it on a
// miss. Concurrent misses for the same key share one load. A load that
// overlaps an invalidation is returned but not cached.
//
// The shared load runs detached from the caller that started it; a caller
// whose ctx ends stops waiting without failing the others.
func Fill[T any](ctx context.Context, c *Cache, key string, class TTLClass, load func(context.Context) (T, error)) (T, bool, error) {
	if v, err := GetJSON[T](ctx, c, key); err == nil {
		return v, true, nil
	}

	lctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		gen := c.gen.Load()
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding cache value %s: %w", key, err)
		}
		if c.gen.Load() == gen {
			c.Set(lctx, key, data, c.TTL(class))
		}
		return data, nil
	})

	var (
		res any
		err error
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-ch:
		res, err = r.Val, r.Err
	}
	var v T
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(res.([]byte), &v); err != nil {
		return v, false, fmt.Errorf("decoding cache value %s: %w", key, err)
	}
	return v, false, nil
}
