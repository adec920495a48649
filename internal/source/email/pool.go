package email

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vexmail/internal/backoff"
	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/source"
)

// PoolConfig bounds a Pool.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration

	// MaxIdle is how long a released session may sit unused before it is
	// closed instead of reused.
	MaxIdle time.Duration

	// Backoff spaces dial attempts after consecutive failures.
	Backoff backoff.Policy
}

// Lease is a session checked out of a Pool. It must be released exactly
// once.
type Lease[C io.Closer] struct {
	Conn     C
	created  time.Time
	lastUsed time.Time
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Size         int       `json:"size"`
	Open         int       `json:"open"`
	Idle         int       `json:"idle"`
	InUse        int       `json:"in_use"`
	Failures     int       `json:"consecutive_failures"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	AuthFailed   bool      `json:"auth_failed"`
}

// Pool bounds the number of concurrent server sessions. Sessions are
// created lazily, reused while fresh, and discarded after connection
// errors. Failed dials put the pool into exponential backoff; an
// authentication failure blocks it until ResetAuth.
type Pool[C io.Closer] struct {
	cfg     PoolConfig
	dial    func(ctx context.Context) (C, error)
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// slots holds one token per leased or dialing session.
	slots chan struct{}

	mu           sync.Mutex
	idle         []*Lease[C]
	open         int
	closed       bool
	failures     int
	backoffUntil time.Time
	authErr      error
}

// NewPool returns a pool that creates sessions with dial.
func NewPool[C io.Closer](cfg PoolConfig, dial func(ctx context.Context) (C, error), log zerolog.Logger, m *metrics.Metrics) *Pool[C] {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default
	}
	return &Pool[C]{
		cfg:     cfg,
		dial:    dial,
		log:     log.With().Str("component", "imap_pool").Logger(),
		metrics: m,
		now:     time.Now,
		slots:   make(chan struct{}, cfg.Size),
	}
}

// Acquire returns an idle session or dials a new one. It fails fast while
// the pool is backing off or blocked on authentication, and returns
// source.ErrPoolExhausted when no slot frees up within AcquireTimeout.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	if err := p.admit(); err != nil {
		p.metrics.PoolAcquire("rejected")
		return nil, err
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.metrics.PoolAcquire("exhausted")
		return nil, source.ErrPoolExhausted
	}

	if l := p.takeIdle(); l != nil {
		p.metrics.PoolAcquire("reused")
		return l, nil
	}

	// Backoff may have started while waiting for the slot.
	if err := p.admit(); err != nil {
		<-p.slots
		p.metrics.PoolAcquire("rejected")
		return nil, err
	}

	conn, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		p.dialFailed(err)
		p.metrics.PoolAcquire("dial_failed")
		if source.IsAuthError(err) || source.IsRemoteUnavailable(err) {
			return nil, err
		}
		return nil, &source.RemoteUnavailableError{Op: "dial", Err: err}
	}

	now := p.now()
	p.mu.Lock()
	p.failures = 0
	p.backoffUntil = time.Time{}
	p.open++
	open := p.open
	p.mu.Unlock()

	p.metrics.SetPoolSessions(open)
	p.metrics.PoolAcquire("dialed")
	return &Lease[C]{Conn: conn, created: now, lastUsed: now}, nil
}

func (p *Pool[C]) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return source.ErrPoolClosed
	case p.authErr != nil:
		return p.authErr
	}
	if wait := p.backoffUntil.Sub(p.now()); wait > 0 {
		return &source.RemoteUnavailableError{
			Op:         "dial",
			Err:        errors.New("backing off after connection failures"),
			RetryAfter: wait,
		}
	}
	return nil
}

// takeIdle pops the most recently used idle session, closing any that
// went stale.
func (p *Pool[C]) takeIdle() *Lease[C] {
	cutoff := p.now().Add(-p.cfg.MaxIdle)

	p.mu.Lock()
	var stale []*Lease[C]
	var got *Lease[C]
	for len(p.idle) > 0 {
		l := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.MaxIdle > 0 && l.lastUsed.Before(cutoff) {
			stale = append(stale, l)
			p.open--
			continue
		}
		got = l
		break
	}
	open := p.open
	p.mu.Unlock()

	for _, l := range stale {
		_ = l.Conn.Close()
	}
	if len(stale) > 0 {
		p.metrics.SetPoolSessions(open)
		p.log.Debug().Int("closed", len(stale)).Msg("closed stale sessions")
	}
	return got
}

func (p *Pool[C]) dialFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if source.IsAuthError(err) {
		p.authErr = err
		p.log.Error().Err(err).Msg("authentication failed, pool blocked")
		return
	}
	p.failures++
	delay := p.cfg.Backoff.Delay(p.failures)
	p.backoffUntil = p.now().Add(delay)
	p.log.Warn().Err(err).Int("failures", p.failures).Dur("backoff", delay).Msg("dial failed")
}

// Release returns a lease to the pool. A discarded session is closed and
// its slot freed for a fresh dial.
func (p *Pool[C]) Release(l *Lease[C], discard bool) {
	if l == nil {
		return
	}
	l.lastUsed = p.now()

	p.mu.Lock()
	if discard || p.closed {
		p.open--
		open := p.open
		p.mu.Unlock()
		_ = l.Conn.Close()
		p.metrics.SetPoolSessions(open)
	} else {
		p.idle = append(p.idle, l)
		p.mu.Unlock()
	}
	<-p.slots
}

// ResetAuth clears a recorded authentication failure and any backoff so
// the next Acquire dials again.
func (p *Pool[C]) ResetAuth() {
	p.mu.Lock()
	p.authErr = nil
	p.failures = 0
	p.backoffUntil = time.Time{}
	p.mu.Unlock()
}

// Close closes idle sessions and rejects further acquires. Leased sessions
// are closed as they are released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, l := range idle {
		if err := l.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		Size:       p.cfg.Size,
		Open:       p.open,
		Idle:       len(p.idle),
		InUse:      p.open - len(p.idle),
		Failures:   p.failures,
		AuthFailed: p.authErr != nil,
	}
	if p.backoffUntil.After(p.now()) {
		s.BackoffUntil = p.backoffUntil
	}
	return s
}
