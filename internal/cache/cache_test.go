package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *MemoryTier, *FileTier, *clock) {
	t.Helper()
	clk := &clock{t: time.Now()}
	mem := NewMemoryTier()
	mem.now = clk.Now
	file, err := NewFileTier(afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)
	return New(mem, file, DefaultTTLs, WithClock(clk.Now)), mem, file, clk
}

// failingTier fails every operation.
type failingTier struct{}

var errTierDown = errors.New("tier down")

func (failingTier) Name() string                                      { return "failing" }
func (failingTier) Get(context.Context, string) (Entry, error)        { return Entry{}, errTierDown }
func (failingTier) Set(context.Context, Entry) error                  { return errTierDown }
func (failingTier) Delete(context.Context, ...string) error           { return errTierDown }
func (failingTier) DeletePrefix(context.Context, string) (int, error) { return 0, errTierDown }
func (failingTier) Sweep(context.Context, time.Time) (int, error)     { return 0, errTierDown }
func (failingTier) Len(context.Context) (int, error)                  { return 0, errTierDown }

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	s := c.Stats(ctx)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.MemoryHits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.PersistentEntries)
	assert.InDelta(t, 0.5, s.HitRate(), 0.001)
}

func TestPersistentHitPromotesWithRemainingTTL(t *testing.T) {
	ctx := context.Background()
	c, mem, file, clk := newTestCache(t)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, mem.Delete(ctx, "k"))

	clk.Advance(20 * time.Second)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, int64(1), c.Stats(ctx).PersistentHits)

	promoted, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	stored, err := file.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, stored.ExpiresAt, promoted.ExpiresAt)
}

func TestExpiredEntriesAreDeletedOnRead(t *testing.T) {
	ctx := context.Background()
	c, mem, file, clk := newTestCache(t)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	clk.Advance(2 * time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = mem.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = file.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	c.Set(ctx, ListingKey("INBOX", 1, 50), []byte("a"), time.Minute)
	c.Set(ctx, ListingKey("INBOX", 2, 50), []byte("b"), time.Minute)
	c.Set(ctx, DetailKey("x"), []byte("c"), time.Minute)

	c.InvalidatePrefix(ctx, ListingPrefix)

	_, err := c.Get(ctx, ListingKey("INBOX", 1, 50))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, ListingKey("INBOX", 2, 50))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, DetailKey("x"))
	assert.NoError(t, err)
}

func TestSweepRemovesExpiredFromBothTiers(t *testing.T) {
	ctx := context.Background()
	c, mem, file, clk := newTestCache(t)

	c.Set(ctx, "short", []byte("1"), time.Second)
	c.Set(ctx, "long", []byte("2"), time.Hour)
	clk.Advance(time.Minute)

	assert.Equal(t, 2, c.Sweep(ctx))

	n, err := mem.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = file.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailingPersistentTierDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryTier(), failingTier{}, DefaultTTLs)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = c.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(2), c.Stats(ctx).Degraded)
}

func TestFailedPersistentDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now()}
	mem := NewMemoryTier()
	mem.now = clk.Now
	flaky := &flakyTier{Tier: NewMemoryTier()}
	c := New(mem, flaky, DefaultTTLs, WithClock(clk.Now))

	c.Set(ctx, "k", []byte("old"), time.Hour)
	flaky.failDeletes.Store(true)
	c.Invalidate(ctx, "k")

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "stale persistent entry must not be served")

	clk.Advance(time.Second)
	c.Set(ctx, "k", []byte("new"), time.Hour)
	require.NoError(t, mem.Delete(ctx, "k"))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

type flakyTier struct {
	Tier
	failDeletes atomic.Bool
}

func (f *flakyTier) Delete(ctx context.Context, keys ...string) error {
	if f.failDeletes.Load() {
		return errTierDown
	}
	return f.Tier.Delete(ctx, keys...)
}

func TestUnreachableRedisDegrades(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	c := New(NewMemoryTier(), NewRedisTier(rdb, ""), DefaultTTLs)
	c.Set(ctx, "k", []byte("v"), time.Minute)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Positive(t, c.Stats(ctx).Degraded)
}

type page struct {
	Items []string `json:"items"`
}

func TestFillCoalescesAndCaches(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (page, error) {
		loads.Add(1)
		<-release
		return page{Items: []string{"a"}}, nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := Fill(ctx, c, "p", TTLListing, load)
			assert.NoError(t, err)
			assert.Equal(t, []string{"a"}, got.Items)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())

	got, hit, err := Fill(ctx, c, "p", TTLListing, load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"a"}, got.Items)
}

func TestFillSurvivesFirstCallerCancel(t *testing.T) {
	c, _, _, _ := newTestCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) (page, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return page{}, err
		}
		return page{Items: []string{"a"}}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := Fill(first, c, "p", TTLListing, load)
		firstErr <- err
	}()
	<-started

	second := make(chan page, 1)
	go func() {
		got, _, err := Fill(context.Background(), c, "p", TTLListing, load)
		assert.NoError(t, err)
		second <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller kept waiting on the shared load")
	}

	close(release)
	select {
	case got := <-second:
		assert.Equal(t, []string{"a"}, got.Items)
	case <-time.After(time.Second):
		t.Fatal("waiting caller never got the shared load")
	}
	assert.Nil(t, loadErr.Load(), "shared load saw the first caller's cancel")

	got, hit, err := Fill(context.Background(), c, "p", TTLListing, load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"a"}, got.Items)
}

func TestFillSkipsCachingWhenInvalidatedDuringLoad(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	got, hit, err := Fill(ctx, c, "p", TTLListing, func(context.Context) (page, error) {
		c.Invalidate(ctx, "p")
		return page{Items: []string{"stale"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"stale"}, got.Items)

	_, err = c.Get(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFillPropagatesLoadError(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	boom := errors.New("boom")
	_, _, err := Fill(context.Background(), c, "p", TTLDetail, func(context.Context) (page, error) {
		return page{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestTTLsFallBackToDefaults(t *testing.T) {
	ttls := TTLs{Detail: 10 * time.Minute}
	assert.Equal(t, 10*time.Minute, ttls.For(TTLDetail))
	assert.Equal(t, DefaultTTLs.Listing, ttls.For(TTLListing))
	assert.Equal(t, DefaultTTLs.Search, ttls.For(TTLSearch))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "emails:list:inbox:2:50", ListingKey("INBOX", 2, 50))
	assert.Equal(t, "email:detail:abc", DetailKey("abc"))
	assert.Equal(t, "thread:t1", ThreadKey("t1"))
	assert.Equal(t, SearchKey("Hello  World", 1, 20), SearchKey("hello world", 1, 20))
	assert.NotEqual(t, SearchKey("hello", 1, 20), SearchKey("hello", 2, 20))
	assert.Regexp(t, `^search:[0-9a-f]{16}:1:20$`, SearchKey("x", 1, 20))
}
