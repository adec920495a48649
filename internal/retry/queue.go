// Package retry is the durable queue of remote mutations that could not be
// applied immediately. Operations survive restarts in the store and are
// replayed in order per email with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nhle/vexmail/internal/backoff"
	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/source"
	"github.com/nhle/vexmail/internal/store"
)

var (
	// ErrHalted is returned by Sweep after an authentication failure until
	// Resume is called.
	ErrHalted = errors.New("retry queue halted on authentication failure")

	// ErrInFlight is returned by RetryNow for an operation being attempted.
	ErrInFlight = errors.New("operation is in flight")
)

// EventReconciliation is the payload type of the event published when an
// operation exhausts its retries.
const EventReconciliation = "reconciliation_required"

// Store is the persistence the queue needs.
type Store interface {
	store.OperationStore
	GetEmail(ctx context.Context, id string) (*model.Email, error)
}

// Publisher fans out events.
type Publisher interface {
	Publish(topic string, payload map[string]any) model.Event
}

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeGone      Outcome = "gone"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeAuth      Outcome = "auth_failed"
	OutcomeCanceled  Outcome = "canceled"
)

// SweepResult counts what a sweep did.
type SweepResult struct {
	Attempted int
	Succeeded int
	Retrying  int
	Exhausted int
	Skipped   int
}

// Status is a snapshot of the worker.
type Status struct {
	Halted    bool      `json:"halted"`
	LastSweep time.Time `json:"last_sweep,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Queue replays pending operations against the server.
type Queue struct {
	store   Store
	remote  source.Applier
	pub     Publisher
	cfg     model.RetryConfig
	policy  backoff.Policy
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wake chan struct{}

	mu        sync.Mutex
	inflight  map[string]bool
	halted    bool
	lastSweep time.Time
	lastErr   string
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the retry worker.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l.With().Str("component", "retry").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue returns a queue applying operations through remote. Zero config
// values take their defaults.
func NewQueue(st Store, remote source.Applier, pub Publisher, cfg model.RetryConfig, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 7 * 24 * time.Hour
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	q := &Queue{
		store:    st,
		remote:   remote,
		pub:      pub,
		cfg:      cfg,
		policy:   backoff.Policy{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter},
		limiter:  rate.NewLimiter(limit, 1),
		log:      zerolog.Nop(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists op for a later attempt and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, op model.PendingOperation) (model.PendingOperation, error) {
	now := q.now().UTC()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.cfg.MaxRetries
	}
	op.Status = model.OpStatusPending
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = now
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	if err := q.store.CreateOperation(ctx, op); err != nil {
		return op, fmt.Errorf("enqueueing %s: %w", op, err)
	}
	q.log.Debug().Str("op", op.ID).Str("kind", string(op.Kind)).Str("email", op.EmailID).Msg("operation queued")
	q.signal()
	return op, nil
}

// lock claims the email for one attempt. It reports false when another
// attempt for the same email is running.
func (q *Queue) lock(emailID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[emailID] {
		return false
	}
	q.inflight[emailID] = true
	return true
}

func (q *Queue) unlock(emailID string) {
	q.mu.Lock()
	delete(q.inflight, emailID)
	q.mu.Unlock()
}

// Sweep attempts every due operation once.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	q.mu.Lock()
	halted := q.halted
	q.mu.Unlock()
	if halted {
		return res, ErrHalted
	}

	ops, err := q.store.DueOperations(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("loading due operations: %w", err)
	}

	var sweepErr error
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if !q.lock(op.EmailID) {
			res.Skipped++
			continue
		}
		outcome, err := q.attempt(ctx, op)
		q.unlock(op.EmailID)

		res.Attempted++
		switch outcome {
		case OutcomeSucceeded, OutcomeGone:
			res.Succeeded++
		case OutcomeRetrying:
			res.Retrying++
		case OutcomeExhausted:
			res.Exhausted++
		}
		if outcome == OutcomeAuth {
			q.mu.Lock()
			q.halted = true
			q.mu.Unlock()
			q.log.Error().Err(err).Msg("authentication failed, retry queue halted")
			sweepErr = ErrHalted
			break
		}
		if err != nil && outcome == "" {
			sweepErr = err
			break
		}
	}

	q.mu.Lock()
	q.lastSweep = q.now()
	if sweepErr != nil {
		q.lastErr = sweepErr.Error()
	} else {
		q.lastErr = ""
	}
	q.mu.Unlock()
	return res, sweepErr
}

// attempt runs one operation and records the result. An empty outcome
// with an error means the store failed.
func (q *Queue) attempt(ctx context.Context, op model.PendingOperation) (Outcome, error) {
	op.Status = model.OpStatusInFlight
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return "", fmt.Errorf("claiming %s: %w", op, err)
	}

	// The email may have been rebound to a new UID since the operation
	// was queued.
	target := source.Target{Mailbox: op.Mailbox, UID: op.UID, UIDValidity: op.UIDValidity}
	if e, err := q.store.GetEmail(ctx, op.EmailID); err == nil {
		target = source.TargetOf(e)
		op.Mailbox, op.UID, op.UIDValidity = target.Mailbox, target.UID, target.UIDValidity
	} else if !errors.Is(err, store.ErrNotFound) {
		q.log.Warn().Err(err).Str("op", op.ID).Msg("resolving target, using queued uid")
	}

	err := q.limiter.Wait(ctx)
	if err == nil {
		err = q.remote.Apply(ctx, target, op.Kind)
	}

	// Record the result even when ctx was canceled mid-attempt.
	wctx := context.WithoutCancel(ctx)
	outcome := q.classify(ctx, err)
	q.metrics.RetryOutcome(string(op.Kind), string(outcome))

	switch outcome {
	case OutcomeSucceeded, OutcomeGone:
		if err := q.store.DeleteOperation(wctx, op.ID); err != nil {
			return "", err
		}
		q.log.Debug().Str("op", op.ID).Str("outcome", string(outcome)).Msg("operation applied")
		return outcome, nil

	case OutcomeAuth, OutcomeCanceled:
		op.Status = model.OpStatusPending
		op.LastError = errString(err)
		if uerr := q.store.UpdateOperation(wctx, op); uerr != nil {
			return "", uerr
		}
		return outcome, err
	}

	op.RetryCount++
	op.LastError = err.Error()
	if op.RetryCount >= op.MaxRetries {
		op.Status = model.OpStatusFailedExhausted
		if uerr := q.store.UpdateOperation(wctx, op); uerr != nil {
			return "", uerr
		}
		q.log.Warn().Err(err).Str("op", op.ID).Int("attempts", op.RetryCount).Msg("operation exhausted")
		q.pub.Publish(model.TopicReconciliation, map[string]any{
			"type":         EventReconciliation,
			"operation_id": op.ID,
			"email_id":     op.EmailID,
			"kind":         string(op.Kind),
			"attempts":     op.RetryCount,
			"last_error":   op.LastError,
		})
		return OutcomeExhausted, err
	}

	delay := q.policy.Delay(op.RetryCount)
	op.Status = model.OpStatusPending
	op.NextRetryAt = q.now().Add(delay)
	if uerr := q.store.UpdateOperation(wctx, op); uerr != nil {
		return "", uerr
	}
	q.log.Debug().Err(err).Str("op", op.ID).Int("attempt", op.RetryCount).Dur("backoff", delay).Msg("operation failed, will retry")
	return OutcomeRetrying, err
}

func (q *Queue) classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, source.ErrNotFound):
		return OutcomeGone
	case source.IsAuthError(err):
		return OutcomeAuth
	case ctx.Err() != nil:
		return OutcomeCanceled
	}
	return OutcomeRetrying
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RetryNow gives a parked or waiting operation a fresh retry budget and
// schedules it immediately.
func (q *Queue) RetryNow(ctx context.Context, id string) (*model.PendingOperation, error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status == model.OpStatusInFlight {
		return nil, ErrInFlight
	}
	op.Status = model.OpStatusPending
	op.RetryCount = 0
	op.NextRetryAt = q.now().UTC()
	op.LastError = ""
	if err := q.store.UpdateOperation(ctx, *op); err != nil {
		return nil, err
	}
	q.signal()
	return op, nil
}

// Prune deletes exhausted operations older than the configured retention.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	return q.store.PruneOperations(ctx, model.OpStatusFailedExhausted, q.now().Add(-q.cfg.PruneAfter))
}

// Resume clears an authentication halt.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.halted = false
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Halted: q.halted, LastSweep: q.lastSweep, LastError: q.lastErr}
}

// Run recovers operations left in flight, then sweeps on every interval
// and enqueue until ctx is done. Exhausted operations are pruned daily.
func (q *Queue) Run(ctx context.Context) error {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight operations: %w", err)
	}
	if n > 0 {
		q.log.Info().Int("count", n).Msg("recovered in-flight operations")
	}

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	prune := time.NewTicker(24 * time.Hour)
	defer prune.Stop()

	q.signal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune.C:
			if n, err := q.Prune(ctx); err != nil {
				q.log.Warn().Err(err).Msg("pruning operations")
			} else if n > 0 {
				q.log.Info().Int("count", n).Msg("pruned exhausted operations")
			}
			continue
		case <-ticker.C:
		case <-q.wake:
		}

		res, err := q.Sweep(ctx)
		switch {
		case errors.Is(err, ErrHalted):
		case err != nil:
			q.log.Warn().Err(err).Msg("retry sweep")
		case res.Attempted > 0:
			q.log.Info().
				Int("attempted", res.Attempted).
				Int("succeeded", res.Succeeded).
				Int("retrying", res.Retrying).
				Int("exhausted", res.Exhausted).
				Msg("retry sweep")
		}
	}
}
