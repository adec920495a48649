// Package sync pulls new mail from the server into the local store. A pass
// fetches everything above the per-mailbox watermark, parses and threads
// it, and commits it in batches that advance the watermark atomically.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vexmail/internal/backoff"
	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/source"
	"github.com/nhle/vexmail/internal/storage"
	"github.com/nhle/vexmail/internal/store"
)

// ErrSyncInProgress is returned when a pass for the mailbox is already
// running. Callers treat it as "already running", not as a failure.
var ErrSyncInProgress = errors.New("sync already in progress")

// Phase is the step a pass is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseFetching     Phase = "fetching"
	PhaseParsing      Phase = "parsing"
	PhaseReconciling  Phase = "reconciling"
	PhaseInvalidating Phase = "invalidating"
)

const (
	defaultInterval     = 120 * time.Second
	defaultThreadWindow = 30 * 24 * time.Hour
	defaultBatchSize    = 100
)

// Store is the persistence a pass needs.
type Store interface {
	store.SyncStore
	GetEmailByUID(ctx context.Context, mailbox string, uidValidity, uid uint32) (*model.Email, error)
	GetEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	FindThreadBySubject(ctx context.Context, subjectKey string, since time.Time) (*model.Thread, error)
	OpenOperationEmails(ctx context.Context) (map[string]bool, error)
}

// Attachments stores attachment payloads.
type Attachments interface {
	Put(emailID, attachmentID, filename string, content []byte) (*storage.Stored, error)
}

// Invalidator drops cached reads made stale by a pass.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
	InvalidatePrefix(ctx context.Context, prefixes ...string)
}

// Publisher fans out events.
type Publisher interface {
	Publish(topic string, payload map[string]any) model.Event
}

// Result summarizes one pass.
type Result struct {
	Mailbox     string        `json:"mailbox"`
	Fetched     int           `json:"fetched"`
	Inserted    int           `json:"inserted"`
	Updated     int           `json:"updated"`
	Skipped     int           `json:"skipped"`
	Resynced    bool          `json:"resynced"`
	UIDValidity uint32        `json:"uid_validity"`
	Watermark   uint32        `json:"watermark"`
	Duration    time.Duration `json:"duration"`
}

// MailboxStatus is the live state of one mailbox.
type MailboxStatus struct {
	Mailbox    string    `json:"mailbox"`
	Phase      Phase     `json:"phase"`
	Running    bool      `json:"running"`
	LastSync   time.Time `json:"last_sync,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// Status is a snapshot of the engine.
type Status struct {
	Halted    bool            `json:"halted"`
	Mailboxes []MailboxStatus `json:"mailboxes"`
}

// Engine runs sync passes. At most one pass per mailbox runs at a time.
type Engine struct {
	store       Store
	fetcher     source.Fetcher
	attachments Attachments
	cache       Invalidator
	pub         Publisher
	cfg         model.SyncConfig
	mailboxes   []string
	batchSize   int
	idleBackoff backoff.Policy
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	trigger chan struct{}

	mu       gosync.Mutex
	statuses map[string]*MailboxStatus
	halted   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for sync passes.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l.With().Str("component", "sync").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBatchSize sets how many messages are committed per transaction.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New returns an engine syncing mailboxes.
func New(
	st Store,
	fetcher source.Fetcher,
	attachments Attachments,
	cache Invalidator,
	pub Publisher,
	cfg model.SyncConfig,
	mailboxes []string,
	opts ...Option,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ThreadWindow <= 0 {
		cfg.ThreadWindow = defaultThreadWindow
	}
	if len(mailboxes) == 0 {
		mailboxes = []string{"INBOX"}
	}
	e := &Engine{
		store:       st,
		fetcher:     fetcher,
		attachments: attachments,
		cache:       cache,
		pub:         pub,
		cfg:         cfg,
		mailboxes:   mailboxes,
		batchSize:   defaultBatchSize,
		idleBackoff: backoff.Default,
		log:         zerolog.Nop(),
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
		statuses:    make(map[string]*MailboxStatus, len(mailboxes)),
	}
	for _, mb := range mailboxes {
		e.statuses[mb] = &MailboxStatus{Mailbox: mb, Phase: PhaseIdle}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mailboxes returns the synced mailboxes in configuration order.
func (e *Engine) Mailboxes() []string {
	return append([]string(nil), e.mailboxes...)
}

// Trigger requests an automatic pass over every mailbox. It never blocks;
// a trigger arriving while one is pending is dropped.
func (e *Engine) Trigger() bool {
	select {
	case e.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) begin(mailbox string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[mailbox]
	if !ok {
		st = &MailboxStatus{Mailbox: mailbox}
		e.statuses[mailbox] = st
	}
	if st.Running {
		return false
	}
	st.Running = true
	st.Phase = PhaseFetching
	return true
}

func (e *Engine) setPhase(mailbox string, phase Phase) {
	e.mu.Lock()
	if st, ok := e.statuses[mailbox]; ok {
		st.Phase = phase
	}
	e.mu.Unlock()
}

func (e *Engine) finish(mailbox string, res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statuses[mailbox]
	st.Running = false
	st.Phase = PhaseIdle
	if err != nil {
		st.LastError = err.Error()
		if source.IsAuthError(err) {
			e.halted = true
		}
		return
	}
	st.LastError = ""
	st.LastSync = e.now()
	st.LastResult = res
	e.halted = false
}

// SyncMailbox runs one pass over mailbox.
func (e *Engine) SyncMailbox(ctx context.Context, mailbox string) (*Result, error) {
	if !e.begin(mailbox) {
		return nil, ErrSyncInProgress
	}

	start := e.now()
	e.pub.Publish(model.TopicSyncStatus, map[string]any{"status": "started", "mailbox": mailbox})

	res, err := e.run(ctx, mailbox)
	if res != nil {
		res.Duration = e.now().Sub(start)
	}
	e.finish(mailbox, res, err)

	if err != nil {
		e.metrics.SyncPass(mailbox, "failed", 0)
		e.log.Error().Err(err).Str("mailbox", mailbox).Msg("sync failed")
		payload := map[string]any{"status": "failed", "mailbox": mailbox, "error": err.Error()}
		if source.IsAuthError(err) {
			payload["auth_error"] = true
		}
		e.pub.Publish(model.TopicSyncStatus, payload)
		return res, err
	}

	e.metrics.SyncPass(mailbox, "ok", res.Duration.Seconds())
	e.metrics.Stored(res.Inserted, res.Skipped)
	e.log.Info().
		Str("mailbox", mailbox).
		Int("fetched", res.Fetched).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Bool("resynced", res.Resynced).
		Dur("took", res.Duration).
		Msg("sync completed")
	e.pub.Publish(model.TopicSyncStatus, map[string]any{
		"status":    "completed",
		"mailbox":   mailbox,
		"fetched":   res.Fetched,
		"inserted":  res.Inserted,
		"updated":   res.Updated,
		"skipped":   res.Skipped,
		"resynced":  res.Resynced,
		"watermark": res.Watermark,
	})
	return res, nil
}

// SyncAll runs a pass over every mailbox. A mailbox already syncing is
// reported with ErrSyncInProgress in errs and does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) (map[string]*Result, map[string]error) {
	results := make(map[string]*Result, len(e.mailboxes))
	errs := make(map[string]error)
	for _, mb := range e.mailboxes {
		if ctx.Err() != nil {
			errs[mb] = ctx.Err()
			continue
		}
		res, err := e.SyncMailbox(ctx, mb)
		if err != nil {
			errs[mb] = err
			if source.IsAuthError(err) {
				break
			}
			continue
		}
		results[mb] = res
	}
	return results, errs
}

func (e *Engine) run(ctx context.Context, mailbox string) (*Result, error) {
	state, err := e.store.GetSyncState(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	e.setPhase(mailbox, PhaseFetching)
	fetched, err := e.fetcher.FetchSince(ctx, mailbox, state.HighWaterUID)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", mailbox, err)
	}

	res := &Result{Mailbox: mailbox, UIDValidity: fetched.UIDValidity, Watermark: state.HighWaterUID}
	if state.UIDValidity != 0 && fetched.UIDValidity != state.UIDValidity {
		e.log.Warn().
			Str("mailbox", mailbox).
			Uint32("old", state.UIDValidity).
			Uint32("new", fetched.UIDValidity).
			Msg("uid validity changed, resyncing")
		res.Resynced = true
		res.Watermark = 0
		if fetched, err = e.fetcher.FetchSince(ctx, mailbox, 0); err != nil {
			return nil, fmt.Errorf("refetching %s: %w", mailbox, err)
		}
		res.UIDValidity = fetched.UIDValidity
	}
	res.Fetched = len(fetched.Messages)

	open, err := e.store.OpenOperationEmails(ctx)
	if err != nil {
		return nil, err
	}

	pass := newPass(e, mailbox, res.UIDValidity, open)

	// Nothing new still records the pass and any new UIDVALIDITY.
	if len(fetched.Messages) == 0 {
		e.setPhase(mailbox, PhaseReconciling)
		b := store.Batch{Mailbox: mailbox, UIDValidity: res.UIDValidity, HighWaterUID: res.Watermark}
		if err := e.store.ReconcileBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("recording sync state: %w", err)
		}
		if res.Resynced {
			e.invalidate(ctx, pass)
		}
		return res, nil
	}

	err = e.reconcile(ctx, pass, res, fetched.Messages)

	// Batches committed before a failure are durable and the watermark is
	// past them, so they are announced either way.
	res.Inserted = len(pass.inserted)
	res.Updated = len(pass.updated)
	res.Skipped = pass.skipped
	if pass.committed() || res.Resynced {
		e.setPhase(mailbox, PhaseInvalidating)
		e.invalidate(context.WithoutCancel(ctx), pass)
		pass.publish()
	}
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, pass *pass, res *Result, msgs []source.RawMessage) error {
	for start := 0; start < len(msgs); start += e.batchSize {
		end := min(start+e.batchSize, len(msgs))

		e.setPhase(pass.mailbox, PhaseParsing)
		b, err := pass.build(ctx, msgs[start:end])
		if err != nil {
			return err
		}

		e.setPhase(pass.mailbox, PhaseReconciling)
		if err := e.store.ReconcileBatch(ctx, b); err != nil {
			return fmt.Errorf("reconciling %s: %w", pass.mailbox, err)
		}
		res.Watermark = b.HighWaterUID
		pass.commit()

		if end < len(msgs) {
			e.pub.Publish(model.TopicSyncStatus, map[string]any{
				"status":    "progress",
				"mailbox":   pass.mailbox,
				"processed": end,
				"total":     len(msgs),
			})
		}
	}
	return nil
}

// Halted reports whether automatic passes are stopped after an
// authentication failure.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Resume re-enables automatic passes and schedules one.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.halted = false
	e.mu.Unlock()
	e.Trigger()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{Halted: e.halted, Mailboxes: make([]MailboxStatus, 0, len(e.mailboxes))}
	for _, mb := range e.mailboxes {
		s.Mailboxes = append(s.Mailboxes, *e.statuses[mb])
	}
	return s
}

// Run syncs every mailbox immediately, then on every interval tick and
// trigger until ctx is done. Automatic passes are skipped while halted.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		if e.Halted() {
			continue
		}
		e.SyncAll(ctx)
	}
}

// RunIdle watches mailbox with IDLE and triggers a pass whenever the server
// announces a change. Errors back off exponentially.
func (e *Engine) RunIdle(ctx context.Context, mailbox string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 25 * time.Minute
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.Halted() {
			if !sleep(ctx, e.cfg.Interval) {
				return nil
			}
			continue
		}

		changed, err := e.fetcher.WaitForIdleSignal(ctx, mailbox, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := e.idleBackoff.Delay(failures)
			e.log.Warn().Err(err).Str("mailbox", mailbox).Dur("retry_in", delay).Msg("idle failed")
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		if changed {
			e.Trigger()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
