package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier persists entries in Redis under a key namespace. Expiry is
// delegated to Redis; the stored envelope still carries ExpiresAt so a
// promoted entry keeps its remaining TTL.
type RedisTier struct {
	rdb       redis.UniversalClient
	namespace string
}

// NewRedisTier wraps an existing client.
func NewRedisTier(rdb redis.UniversalClient, namespace string) *RedisTier {
	if namespace == "" {
		namespace = "vexmail:cache:"
	}
	return &RedisTier{rdb: rdb, namespace: namespace}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) key(k string) string { return r.namespace + k }

func (r *RedisTier) Get(ctx context.Context, key string) (Entry, error) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding redis entry %s: %w", key, err)
	}
	return e, nil
}

func (r *RedisTier) Set(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", e.Key, err)
	}
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return r.Delete(ctx, e.Key)
		}
	}
	if err := r.rdb.Set(ctx, r.key(e.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", e.Key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, r.key(prefix)+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		removed, err := r.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		n += int(removed)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return n, flush()
}

// Sweep is a no-op; Redis expires keys itself.
func (r *RedisTier) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisTier) Len(ctx context.Context) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, r.namespace+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}
