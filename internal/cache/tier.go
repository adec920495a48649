package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on a miss, including an expired entry.
var ErrNotFound = errors.New("cache miss")

// Entry is one cached value.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Tier is one storage level of the cache. Tiers are independent: presence
// in one says nothing about the other.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every entry whose key starts with prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Sweep removes expired entries and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Len(ctx context.Context) (int, error)
}
