// Package realtime fans out events to long-polling clients. Each client owns
// a bounded queue; publishers never block on a slow or absent poller.
package realtime

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
)

// ErrUnknownClient is returned for a client id that was never registered or
// has been reaped.
var ErrUnknownClient = errors.New("unknown realtime client")

// DefaultTopics is the subscription of a client registered without topics.
var DefaultTopics = []string{model.TopicEmailUpdates, model.TopicSyncStatus}

const (
	defaultQueueSize      = 100
	defaultIdleTimeout    = 5 * time.Minute
	defaultPollTimeout    = 30 * time.Second
	defaultMaxPollTimeout = 60 * time.Second
	defaultReapInterval   = time.Minute
)

type client struct {
	id          string
	topics      map[string]struct{}
	queue       []model.Event
	notify      chan struct{}
	created     time.Time
	lastContact time.Time
	waiting     int
	dropped     int64
}

func (c *client) matches(topic string) bool {
	if _, ok := c.topics[model.TopicAll]; ok {
		return true
	}
	if _, ok := c.topics[topic]; ok {
		return true
	}
	if strings.HasPrefix(topic, "email_") {
		_, ok := c.topics[model.TopicEmailUpdates]
		return ok
	}
	return false
}

func (c *client) drain() []model.Event {
	evs := c.queue
	c.queue = nil
	return evs
}

func (c *client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *client) topicList() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Broadcaster owns the registered clients.
type Broadcaster struct {
	cfg     model.RealtimeConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger for client registration and delivery.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) { b.log = l.With().Str("component", "realtime").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// New returns a Broadcaster. Zero config values take their defaults.
func New(cfg model.RealtimeConfig, opts ...Option) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxPollTimeout <= 0 {
		cfg.MaxPollTimeout = defaultMaxPollTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	b := &Broadcaster{
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a client subscribed to topics and returns its id.
func (b *Broadcaster) Register(topics ...string) string {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	now := b.now()
	c := &client{
		id:          uuid.NewString(),
		topics:      make(map[string]struct{}, len(topics)),
		notify:      make(chan struct{}, 1),
		created:     now,
		lastContact: now,
	}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			c.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.clients[c.id] = c
	n := len(b.clients)
	b.mu.Unlock()

	b.metrics.SetRealtimeClients(n)
	b.log.Debug().Str("client", c.id).Strs("topics", c.topicList()).Msg("client registered")
	return c.id
}

// Subscribe adds topics to a client.
func (b *Broadcaster) Subscribe(id string, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			c.topics[t] = struct{}{}
		}
	}
	c.lastContact = b.now()
	return nil
}

// Unsubscribe removes topics from a client. Already queued events stay.
func (b *Broadcaster) Unsubscribe(id string, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.lastContact = b.now()
	return nil
}

// Unregister removes a client and wakes its pending poll.
func (b *Broadcaster) Unregister(id string) bool {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	n := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return false
	}
	c.wake()
	b.metrics.SetRealtimeClients(n)
	return true
}

// Publish appends an event to the queue of every matching client. A full
// queue drops its oldest event.
func (b *Broadcaster) Publish(topic string, payload map[string]any) model.Event {
	ev := model.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	}

	dropped := 0
	b.mu.Lock()
	for _, c := range b.clients {
		if !c.matches(topic) {
			continue
		}
		if len(c.queue) >= b.cfg.QueueSize {
			over := len(c.queue) - b.cfg.QueueSize + 1
			c.queue = slices.Delete(c.queue, 0, over)
			c.dropped += int64(over)
			dropped += over
		}
		c.queue = append(c.queue, ev)
		c.wake()
	}
	b.mu.Unlock()

	b.metrics.Published(topic, dropped)
	if dropped > 0 {
		b.log.Debug().Str("topic", topic).Int("dropped", dropped).Msg("subscriber queues full")
	}
	return ev
}

// PollTimeout clamps a requested poll timeout to the configured range.
// Zero selects the default.
func (b *Broadcaster) PollTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return b.cfg.PollTimeout
	}
	return min(requested, b.cfg.MaxPollTimeout)
}

// Poll returns the client's queued events. With an empty queue it waits for
// the next matching publish, ctx cancellation, or timeout. A timeout
// returns an empty slice and no error.
func (b *Broadcaster) Poll(ctx context.Context, id string, timeout time.Duration) ([]model.Event, error) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownClient
	}
	c.lastContact = b.now()
	if len(c.queue) > 0 {
		evs := c.drain()
		b.mu.Unlock()
		return evs, nil
	}
	c.waiting++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		c.waiting--
		c.lastContact = b.now()
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.PollTimeout(timeout))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return []model.Event{}, ctx.Err()
		case <-timer.C:
			b.mu.Lock()
			evs := c.drain()
			b.mu.Unlock()
			if evs == nil {
				evs = []model.Event{}
			}
			return evs, nil
		case <-c.notify:
			b.mu.Lock()
			if b.clients[id] != c {
				b.mu.Unlock()
				return nil, ErrUnknownClient
			}
			evs := c.drain()
			b.mu.Unlock()
			// A token left over from an event drained by an earlier poll.
			if len(evs) == 0 {
				continue
			}
			return evs, nil
		}
	}
}

// Reap removes clients that have not polled within the idle timeout and
// returns how many were removed. Clients with a poll in progress are kept.
func (b *Broadcaster) Reap() int {
	cutoff := b.now().Add(-b.cfg.IdleTimeout)

	b.mu.Lock()
	var reaped []string
	for id, c := range b.clients {
		if c.waiting == 0 && c.lastContact.Before(cutoff) {
			delete(b.clients, id)
			reaped = append(reaped, id)
		}
	}
	n := len(b.clients)
	b.mu.Unlock()

	if len(reaped) > 0 {
		b.metrics.SetRealtimeClients(n)
		b.log.Debug().Strs("clients", reaped).Msg("reaped idle clients")
	}
	return len(reaped)
}

// Run reaps idle clients until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Reap()
		}
	}
}

// ClientStats summarizes one client.
type ClientStats struct {
	ID          string    `json:"id"`
	Topics      []string  `json:"topics"`
	Queued      int       `json:"queued"`
	Dropped     int64     `json:"dropped"`
	Polling     bool      `json:"polling"`
	Created     time.Time `json:"created"`
	LastContact time.Time `json:"last_contact"`
}

// Stats summarizes the broadcaster.
type Stats struct {
	Clients   int           `json:"clients"`
	Queued    int           `json:"queued"`
	PerClient []ClientStats `json:"per_client"`
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Clients: len(b.clients), PerClient: make([]ClientStats, 0, len(b.clients))}
	for _, c := range b.clients {
		s.Queued += len(c.queue)
		s.PerClient = append(s.PerClient, ClientStats{
			ID:          c.id,
			Topics:      c.topicList(),
			Queued:      len(c.queue),
			Dropped:     c.dropped,
			Polling:     c.waiting > 0,
			Created:     c.created,
			LastContact: c.lastContact,
		})
	}
	sort.Slice(s.PerClient, func(i, j int) bool { return s.PerClient[i].Created.Before(s.PerClient[j].Created) })
	return s
}
