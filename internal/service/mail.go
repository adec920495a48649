// Package service is the contract the HTTP layer is built on. Reads go
// through the cache; mutations are applied locally first, then pushed to the
// server, and queued for retry when the server cannot take them.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/vexmail/internal/cache"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/realtime"
	"github.com/nhle/vexmail/internal/retry"
	"github.com/nhle/vexmail/internal/source"
	"github.com/nhle/vexmail/internal/source/email"
	"github.com/nhle/vexmail/internal/store"
	mailsync "github.com/nhle/vexmail/internal/sync"
)

var (
	// ErrNotFound is returned for an unknown email, thread, or operation.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest wraps argument errors the caller can fix.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConflict is returned when the target is busy.
	ErrConflict = errors.New("conflict")
)

// knownTopics are the topics a client may subscribe to.
var knownTopics = []string{
	model.TopicEmailReceived,
	model.TopicEmailUpdated,
	model.TopicEmailDeleted,
	model.TopicEmailUpdates,
	model.TopicSyncStatus,
	model.TopicReconciliation,
	model.TopicAll,
}

// Store is the persistence the service reads and mutates.
type Store interface {
	store.EmailStore
	store.LabelStore
	HasOpenOperations(ctx context.Context, emailID string) (bool, error)
	Ping(ctx context.Context) error
}

// Queue takes mutations the server did not accept.
type Queue interface {
	Enqueue(ctx context.Context, op model.PendingOperation) (model.PendingOperation, error)
	RetryNow(ctx context.Context, id string) (*model.PendingOperation, error)
	Resume()
	Status() retry.Status
}

// Syncer runs sync passes.
type Syncer interface {
	SyncAll(ctx context.Context) (map[string]*mailsync.Result, map[string]error)
	Resume()
	Status() mailsync.Status
}

// Events is the real-time broadcaster.
type Events interface {
	Register(topics ...string) string
	Subscribe(id string, topics ...string) error
	Unsubscribe(id string, topics ...string) error
	Unregister(id string) bool
	Poll(ctx context.Context, id string, timeout time.Duration) ([]model.Event, error)
	PollTimeout(requested time.Duration) time.Duration
	Publish(topic string, payload map[string]any) model.Event
	Stats() realtime.Stats
}

// Pool is the connection pool as seen by stats, health and auth reset.
type Pool interface {
	Stats() email.PoolStats
	ResetAuth()
}

// Mail implements the client-facing operations.
type Mail struct {
	store  Store
	remote source.Applier
	queue  Queue
	syncer Syncer
	events Events
	cache  *cache.Cache
	pool   Pool
	locks  *emailLocks
	log    zerolog.Logger

	remoteTimeout time.Duration
	batchWorkers  int
}

// Option configures Mail.
type Option func(*Mail)

// WithLogger sets the logger for service operations.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mail) { m.log = l.With().Str("component", "service").Logger() }
}

// WithPool adds pool state to stats and health and lets ResetAuth clear
// the pool's auth latch.
func WithPool(p Pool) Option {
	return func(m *Mail) { m.pool = p }
}

// WithRemoteTimeout bounds the direct remote attempt of a mutation.
func WithRemoteTimeout(d time.Duration) Option {
	return func(m *Mail) {
		if d > 0 {
			m.remoteTimeout = d
		}
	}
}

// WithBatchWorkers sets how many emails of a batch are processed at once.
func WithBatchWorkers(n int) Option {
	return func(m *Mail) {
		if n > 0 {
			m.batchWorkers = n
		}
	}
}

func New(st Store, remote source.Applier, q Queue, syncer Syncer, events Events, c *cache.Cache, opts ...Option) *Mail {
	m := &Mail{
		store:         st,
		remote:        remote,
		queue:         q,
		syncer:        syncer,
		events:        events,
		cache:         c,
		locks:         newEmailLocks(),
		log:           zerolog.Nop(),
		remoteTimeout: 15 * time.Second,
		batchWorkers:  4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	return page, min(size, MaxPageSize)
}

func buildPage(emails []model.Email, total, page, size int) Page {
	p := Page{
		Emails:   make([]Summary, 0, len(emails)),
		Page:     page,
		PageSize: size,
		Total:    total,
		Pages:    (total + size - 1) / size,
	}
	for _, e := range emails {
		p.Emails = append(p.Emails, summarize(e))
	}
	p.HasMore = page < p.Pages
	return p
}

// listingFilter maps a listing to a store filter. The starred, unread, and
// flagged views follow the email's state rather than its labels.
func listingFilter(l Listing) store.EmailFilter {
	var f store.EmailFilter
	switch label := strings.ToLower(l.Label); label {
	case "":
		if l.Mailbox == "" {
			inbox := model.LabelInbox
			f.Label = &inbox
		} else {
			mb := l.Mailbox
			f.Mailbox = &mb
		}
	case model.LabelStarred:
		t := true
		f.Starred = &t
	case "flagged":
		t := true
		f.Flagged = &t
	case "unread":
		r := false
		f.Read = &r
	default:
		f.Label = &label
	}
	return f
}

func (m *Mail) queryPage(ctx context.Context, f store.EmailFilter, page, size int) (Page, error) {
	total, err := m.store.CountEmails(ctx, f)
	if err != nil {
		return Page{}, err
	}
	f.Limit = size
	f.Offset = (page - 1) * size
	emails, err := m.store.QueryEmails(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return buildPage(emails, total, page, size), nil
}

// GetPage returns one page of a listing, newest first.
func (m *Mail) GetPage(ctx context.Context, l Listing, page, size int) (*Page, error) {
	page, size = normalizePage(page, size)
	key := cache.ListingKey(l.scope(), page, size)

	p, hit, err := cache.Fill(ctx, m.cache, key, cache.TTLListing, func(ctx context.Context) (Page, error) {
		return m.queryPage(ctx, listingFilter(l), page, size)
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s page %d: %w", l.scope(), page, err)
	}
	p.Cached = hit
	return &p, nil
}

// Search returns a page of emails whose subject, sender, or body contains
// query.
func (m *Mail) Search(ctx context.Context, query string, page, size int) (*Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidRequest)
	}
	page, size = normalizePage(page, size)

	p, hit, err := cache.Fill(ctx, m.cache, cache.SearchKey(query, page, size), cache.TTLSearch, func(ctx context.Context) (Page, error) {
		return m.queryPage(ctx, store.EmailFilter{Query: &query}, page, size)
	})
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}
	p.Cached = hit
	return &p, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("loading %s %s: %w", what, id, err)
}

// GetDetail returns an email with its attachments. Deleted emails are
// still returned, marked deleted.
func (m *Mail) GetDetail(ctx context.Context, id string) (*EmailDetail, error) {
	d, hit, err := cache.Fill(ctx, m.cache, cache.DetailKey(id), cache.TTLDetail, func(ctx context.Context) (EmailDetail, error) {
		e, err := m.store.GetEmail(ctx, id)
		if err != nil {
			return EmailDetail{}, err
		}
		atts, err := m.store.GetAttachments(ctx, id)
		if err != nil {
			return EmailDetail{}, err
		}
		if atts == nil {
			atts = []model.Attachment{}
		}
		return EmailDetail{Email: *e, Attachments: atts}, nil
	})
	if err != nil {
		return nil, notFound(err, "email", id)
	}
	d.Cached = hit
	return &d, nil
}

// GetThread returns a conversation and its live emails, oldest first.
func (m *Mail) GetThread(ctx context.Context, id string) (*ThreadDetail, error) {
	d, hit, err := cache.Fill(ctx, m.cache, cache.ThreadKey(id), cache.TTLDetail, func(ctx context.Context) (ThreadDetail, error) {
		t, err := m.store.GetThread(ctx, id)
		if err != nil {
			return ThreadDetail{}, err
		}
		emails, err := m.store.QueryEmails(ctx, store.EmailFilter{ThreadID: &id})
		if err != nil {
			return ThreadDetail{}, err
		}
		d := ThreadDetail{Thread: *t, Emails: make([]Summary, 0, len(emails))}
		for _, e := range slices.Backward(emails) {
			d.Emails = append(d.Emails, summarize(e))
		}
		return d, nil
	})
	if err != nil {
		return nil, notFound(err, "thread", id)
	}
	d.Cached = hit
	return &d, nil
}

// invalidateEmail drops every cached read e appears in.
func (m *Mail) invalidateEmail(ctx context.Context, e *model.Email) {
	keys := []string{cache.DetailKey(e.ID), cache.StatsKey}
	if e.ThreadID != "" {
		keys = append(keys, cache.ThreadKey(e.ThreadID))
	}
	m.cache.Invalidate(ctx, keys...)
	m.cache.InvalidatePrefix(ctx, cache.ListingPrefix, cache.SearchPrefix)
}

// ApplyAction applies action to the local email, then to the server. The
// local change stands even when the server is unreachable; the operation
// is queued and replayed later.
func (m *Mail) ApplyAction(ctx context.Context, id string, action model.Action) (*ActionResult, error) {
	update := action.Update()
	if update.Empty() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, &model.ErrUnknownAction{Name: string(action)})
	}

	// The local update, the direct attempt and the enqueue of one email
	// run as a unit so its mutations reach the server in local order.
	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.store.UpdateEmailFlags(ctx, id, update)
	if err != nil {
		return nil, notFound(err, "email", id)
	}

	m.invalidateEmail(ctx, e)

	topic := model.TopicEmailUpdated
	if action == model.ActionDelete {
		topic = model.TopicEmailDeleted
	}
	m.events.Publish(topic, map[string]any{
		"email_id":  e.ID,
		"thread_id": e.ThreadID,
		"action":    string(action),
		"read":      e.Read,
		"starred":   e.Starred,
		"flagged":   e.Flagged,
		"deleted":   e.Deleted,
	})

	res := &ActionResult{ID: e.ID, Action: action}
	kind := action.Operation()
	log := m.log.With().Str("email", e.ID).Str("action", string(action)).Logger()

	// Queued operations for the same email must run first.
	pending, err := m.store.HasOpenOperations(ctx, e.ID)
	if err != nil {
		log.Warn().Err(err).Msg("checking open operations")
		pending = true
	}

	var remoteErr error
	if !pending {
		remoteErr = m.applyRemote(ctx, e, kind)
		switch {
		case remoteErr == nil, errors.Is(remoteErr, source.ErrNotFound):
			res.Status = StatusApplied
			return res, nil
		case source.IsAuthError(remoteErr):
			log.Error().Err(remoteErr).Msg("server rejected credentials, queueing")
		default:
			log.Warn().Err(remoteErr).Msg("remote apply failed, queueing")
		}
	}

	op := model.PendingOperation{
		EmailID:     e.ID,
		Mailbox:     e.Mailbox,
		UID:         e.UID,
		UIDValidity: e.UIDValidity,
		Kind:        kind,
	}
	if remoteErr != nil {
		op.LastError = remoteErr.Error()
	}
	// The local change is already visible; the queue entry must not be
	// lost to a client disconnect.
	op, err = m.queue.Enqueue(context.WithoutCancel(ctx), op)
	if err != nil {
		return nil, fmt.Errorf("queueing %s for %s: %w", action, e.ID, err)
	}
	res.Status = StatusQueued
	res.OperationID = op.ID
	if source.IsAuthError(remoteErr) {
		res.Status = StatusAuthFailed
		res.Error = remoteErr.Error()
	}
	return res, nil
}

func (m *Mail) applyRemote(ctx context.Context, e *model.Email, kind model.OperationKind) error {
	ctx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
	defer cancel()
	return m.remote.Apply(ctx, source.TargetOf(e), kind)
}

// BatchApply applies action to each email. Failures are reported per
// email and do not stop the batch.
func (m *Mail) BatchApply(ctx context.Context, ids []string, action model.Action) (*BatchResult, error) {
	if action.Update().Empty() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, &model.ErrUnknownAction{Name: string(action)})
	}

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	switch {
	case len(unique) == 0:
		return nil, fmt.Errorf("%w: no email ids", ErrInvalidRequest)
	case len(unique) > MaxBatchSize:
		return nil, fmt.Errorf("%w: %d ids exceeds batch limit of %d", ErrInvalidRequest, len(unique), MaxBatchSize)
	}

	results := make([]ActionResult, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.batchWorkers)
	for i, id := range unique {
		g.Go(func() error {
			res, err := m.ApplyAction(gctx, id, action)
			switch {
			case err == nil:
				results[i] = *res
			case errors.Is(err, ErrNotFound):
				results[i] = ActionResult{ID: id, Action: action, Status: StatusNotFound, Error: err.Error()}
			default:
				results[i] = ActionResult{ID: id, Action: action, Status: StatusError, Error: err.Error()}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{Action: action, Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusApplied, StatusQueued:
			out.Succeeded++
		default:
			out.Failed++
		}
	}
	return out, nil
}

// TriggerSync runs a sync pass over every mailbox and waits for it.
func (m *Mail) TriggerSync(ctx context.Context) *SyncReport {
	// Manual sync retries login after a credentials fix.
	if m.pool != nil {
		m.pool.ResetAuth()
	}
	results, errs := m.syncer.SyncAll(ctx)

	r := &SyncReport{Results: results}
	running := 0
	for mb, err := range errs {
		if errors.Is(err, mailsync.ErrSyncInProgress) {
			running++
			continue
		}
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[mb] = err.Error()
	}

	switch {
	case len(r.Errors) == 0 && len(results) == 0 && running > 0:
		r.Status = SyncAlreadyRunning
	case len(r.Errors) == 0:
		r.Status = SyncCompleted
	case len(results) > 0 || running > 0:
		r.Status = SyncPartial
	default:
		r.Status = SyncFailed
	}
	if r.Status == SyncCompleted {
		m.queue.Resume()
	}
	return r
}

// RegisterClient creates a long-poll client subscribed to topics, or to
// the default topics when none are given.
func (m *Mail) RegisterClient(_ context.Context, topics []string) (string, error) {
	clean, err := cleanTopics(topics)
	if err != nil {
		return "", err
	}
	return m.events.Register(clean...), nil
}

func cleanTopics(topics []string) ([]string, error) {
	clean := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !slices.Contains(knownTopics, t) {
			return nil, fmt.Errorf("%w: unknown topic %q", ErrInvalidRequest, t)
		}
		clean = append(clean, t)
	}
	return clean, nil
}

func unknownClient(err error, clientID string) error {
	if errors.Is(err, realtime.ErrUnknownClient) {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return err
}

// Subscribe adds topics to a registered client.
func (m *Mail) Subscribe(_ context.Context, clientID string, topics []string) error {
	clean, err := cleanTopics(topics)
	if err != nil {
		return err
	}
	if len(clean) == 0 {
		return fmt.Errorf("%w: no topics", ErrInvalidRequest)
	}
	return unknownClient(m.events.Subscribe(clientID, clean...), clientID)
}

// Unsubscribe removes topics from a registered client.
func (m *Mail) Unsubscribe(_ context.Context, clientID string, topics []string) error {
	clean, err := cleanTopics(topics)
	if err != nil {
		return err
	}
	return unknownClient(m.events.Unsubscribe(clientID, clean...), clientID)
}

// Unregister drops a client and ends its pending poll.
func (m *Mail) Unregister(_ context.Context, clientID string) error {
	if !m.events.Unregister(clientID) {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return nil
}

// ResetAuth clears an authentication halt after the credentials were
// fixed: the pool dials again, the retry queue resumes and a sync pass is
// scheduled.
func (m *Mail) ResetAuth(_ context.Context) {
	if m.pool != nil {
		m.pool.ResetAuth()
	}
	m.queue.Resume()
	m.syncer.Resume()
	m.log.Info().Msg("authentication halt cleared")
}

// Poll waits up to timeout for events for a client. An empty slice means
// the wait timed out.
func (m *Mail) Poll(ctx context.Context, clientID string, timeout time.Duration) ([]model.Event, error) {
	events, err := m.events.Poll(ctx, clientID, m.events.PollTimeout(timeout))
	return events, unknownClient(err, clientID)
}

// GetStats returns mailbox counts and the state of every component.
func (m *Mail) GetStats(ctx context.Context) (*Stats, error) {
	counts, _, err := cache.Fill(ctx, m.cache, cache.StatsKey, cache.TTLStats, func(ctx context.Context) (*model.MailboxStats, error) {
		return m.store.GetStats(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("loading mailbox stats: %w", err)
	}
	labels, err := m.store.GetLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}

	s := &Stats{
		Mailbox:  counts,
		Labels:   labels,
		Cache:    m.cache.Stats(ctx),
		Realtime: m.events.Stats(),
		Sync:     m.syncer.Status(),
		Retry:    m.queue.Status(),
	}
	s.HitRate = s.Cache.HitRate()
	if m.pool != nil {
		ps := m.pool.Stats()
		s.Pool = &ps
	}
	return s, nil
}

// RetryOperation makes a queued or exhausted operation due now.
func (m *Mail) RetryOperation(ctx context.Context, id string) (*model.PendingOperation, error) {
	op, err := m.queue.RetryNow(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
		case errors.Is(err, retry.ErrInFlight):
			return nil, fmt.Errorf("operation %s: %w: %w", id, ErrConflict, err)
		}
		return nil, fmt.Errorf("retrying operation %s: %w", id, err)
	}
	return op, nil
}

// Health checks the store and reports halted components.
func (m *Mail) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Checks: map[string]string{}}
	fail := func(name, msg string) {
		h.Status = "degraded"
		h.Checks[name] = msg
	}

	if err := m.store.Ping(ctx); err != nil {
		fail("store", err.Error())
	} else {
		h.Checks["store"] = "ok"
	}

	if m.syncer.Status().Halted {
		fail("sync", "halted on authentication failure")
	} else {
		h.Checks["sync"] = "ok"
	}

	if rs := m.queue.Status(); rs.Halted {
		fail("retry", "halted on authentication failure")
	} else {
		h.Checks["retry"] = "ok"
	}

	if m.pool != nil {
		ps := m.pool.Stats()
		switch {
		case ps.AuthFailed:
			fail("imap", "authentication failed")
		case !ps.BackoffUntil.IsZero() && ps.BackoffUntil.After(time.Now()):
			fail("imap", fmt.Sprintf("reconnecting after %d failures", ps.Failures))
		default:
			h.Checks["imap"] = "ok"
		}
	}
	return h
}
