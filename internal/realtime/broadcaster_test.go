package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/model"
)

func topics(evs []model.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Topic
	}
	return out
}

func TestPollReturnsQueuedEventsImmediately(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register()

	b.Publish(model.TopicEmailReceived, map[string]any{"id": "a"})
	b.Publish(model.TopicSyncStatus, map[string]any{"status": "completed"})
	b.Publish(model.TopicReconciliation, nil)

	evs, err := b.Poll(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{model.TopicEmailReceived, model.TopicSyncStatus}, topics(evs))
}

func TestPollTimeoutReturnsEmpty(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register(model.TopicSyncStatus)

	start := time.Now()
	evs, err := b.Poll(context.Background(), id, 30*time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, evs)
	assert.Empty(t, evs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPollWakesOnPublish(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register(model.TopicEmailUpdated)

	done := make(chan []model.Event)
	go func() {
		evs, err := b.Poll(context.Background(), id, 5*time.Second)
		assert.NoError(t, err)
		done <- evs
	}()

	require.Eventually(t, func() bool { return b.Stats().PerClient[0].Polling }, time.Second, time.Millisecond)
	b.Publish(model.TopicEmailDeleted, nil)
	b.Publish(model.TopicEmailUpdated, map[string]any{"id": "x"})

	select {
	case evs := <-done:
		require.Len(t, evs, 1)
		assert.Equal(t, "x", evs[0].Payload["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake")
	}
}

func TestPollUnknownClient(t *testing.T) {
	b := New(model.RealtimeConfig{})
	_, err := b.Poll(context.Background(), "nope", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestPollContextCancel(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	evs, err := b.Poll(ctx, id, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, evs)
}

func TestUnregisterWakesPoller(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register()

	errc := make(chan error)
	go func() {
		_, err := b.Poll(context.Background(), id, 5*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool { return b.Stats().PerClient[0].Polling }, time.Second, time.Millisecond)
	assert.True(t, b.Unregister(id))
	assert.ErrorIs(t, <-errc, ErrUnknownClient)
	assert.False(t, b.Unregister(id))
}

func TestQueueDropsOldest(t *testing.T) {
	b := New(model.RealtimeConfig{QueueSize: 3})
	id := b.Register(model.TopicAll)

	for i := range 5 {
		b.Publish(model.TopicSyncStatus, map[string]any{"n": i})
	}

	evs, err := b.Poll(context.Background(), id, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, i+2, ev.Payload["n"])
	}
	assert.Equal(t, 0, b.Stats().Queued)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := New(model.RealtimeConfig{})
	id := b.Register(model.TopicSyncStatus)

	require.NoError(t, b.Subscribe(id, model.TopicReconciliation))
	require.NoError(t, b.Unsubscribe(id, model.TopicSyncStatus))
	assert.ErrorIs(t, b.Subscribe("nope", "x"), ErrUnknownClient)

	b.Publish(model.TopicSyncStatus, nil)
	b.Publish(model.TopicReconciliation, nil)

	evs, err := b.Poll(context.Background(), id, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{model.TopicReconciliation}, topics(evs))
}

func TestReapSkipsActivePollers(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	b := New(model.RealtimeConfig{IdleTimeout: time.Minute}, WithClock(clock))

	idle := b.Register()
	polling := b.Register()

	go func() { _, _ = b.Poll(context.Background(), polling, 2*time.Second) }()
	require.Eventually(t, func() bool {
		for _, c := range b.Stats().PerClient {
			if c.ID == polling && c.Polling {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 1, b.Reap())
	_, err := b.Poll(context.Background(), idle, time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownClient)
	assert.Equal(t, 1, b.Stats().Clients)
	b.Unregister(polling)
}

func TestPerTopicOrderingUnderConcurrentPublish(t *testing.T) {
	b := New(model.RealtimeConfig{QueueSize: 1000})
	id := b.Register(model.TopicAll)

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Publish(fmt.Sprintf("topic-%d", p), map[string]any{"n": i})
			}
		}()
	}
	wg.Wait()

	evs, err := b.Poll(context.Background(), id, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, evs, 200)

	last := map[string]int{}
	for _, ev := range evs {
		n := ev.Payload["n"].(int)
		if prev, ok := last[ev.Topic]; ok {
			assert.Greater(t, n, prev)
		}
		last[ev.Topic] = n
	}
}

func TestPollTimeoutClamp(t *testing.T) {
	b := New(model.RealtimeConfig{PollTimeout: 10 * time.Second, MaxPollTimeout: 20 * time.Second})
	assert.Equal(t, 10*time.Second, b.PollTimeout(0))
	assert.Equal(t, 5*time.Second, b.PollTimeout(5*time.Second))
	assert.Equal(t, 20*time.Second, b.PollTimeout(time.Hour))
}
