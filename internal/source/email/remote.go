package email

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/source"
)

const defaultFetchBatch = 50

// Remote runs mailbox operations over pooled sessions.
type Remote struct {
	pool *Pool[*Session]
	cfg  model.IMAPConfig
	log  zerolog.Logger
}

var (
	_ source.Fetcher = (*Remote)(nil)
	_ source.Applier = (*Remote)(nil)
)

// NewRemote returns a Remote drawing sessions from pool.
func NewRemote(pool *Pool[*Session], cfg model.IMAPConfig, log zerolog.Logger) *Remote {
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = defaultFetchBatch
	}
	return &Remote{
		pool: pool,
		cfg:  cfg,
		log:  log.With().Str("component", "imap").Logger(),
	}
}

// Pool exposes the session pool for status reporting.
func (r *Remote) Pool() *Pool[*Session] { return r.pool }

// with runs fn on a leased session. Connection-level failures discard the
// session and surface as *source.RemoteUnavailableError.
func (r *Remote) with(ctx context.Context, op string, fn func(*Session) error) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	reset := lease.Conn.deadline(ctx, r.cfg.RemoteTimeout)
	err = fn(lease.Conn)
	reset()

	broken := isConnError(err)
	r.pool.Release(lease, broken)
	if !broken {
		return err
	}
	r.log.Warn().Err(err).Str("op", op).Msg("session discarded")
	if source.IsRemoteUnavailable(err) {
		return err
	}
	return &source.RemoteUnavailableError{Op: op, Err: err}
}

// FetchSince returns every message in mailbox with a UID above watermark,
// ascending, with flags and the raw body.
func (r *Remote) FetchSince(ctx context.Context, mailbox string, watermark uint32) (*source.FetchResult, error) {
	res := &source.FetchResult{}
	err := r.with(ctx, "fetch", func(s *Session) error {
		data, err := s.selectMailbox(mailbox)
		if err != nil {
			return err
		}
		res.UIDValidity = data.UIDValidity
		if data.NumMessages == 0 {
			return nil
		}

		criteria := &imap.SearchCriteria{
			UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(watermark + 1), Stop: 0}}},
		}
		found, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s above uid %d: %w", mailbox, watermark, err)
		}

		// N:* always matches the last message, even below N.
		var uids []imap.UID
		for _, uid := range found.AllUIDs() {
			if uint32(uid) > watermark {
				uids = append(uids, uid)
			}
		}
		slices.Sort(uids)

		section := &imap.FetchItemBodySection{Peek: true}
		opts := &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			RFC822Size:   true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}
		for chunk := range slices.Chunk(uids, r.cfg.FetchBatchSize) {
			bufs, err := s.client.Fetch(imap.UIDSetNum(chunk...), opts).Collect()
			if err != nil {
				return fmt.Errorf("fetching %d messages from %s: %w", len(chunk), mailbox, err)
			}
			for _, buf := range bufs {
				msg := source.RawMessage{
					UID:          uint32(buf.UID),
					InternalDate: buf.InternalDate,
					Size:         buf.RFC822Size,
					Body:         buf.FindBodySection(section),
				}
				for _, f := range buf.Flags {
					msg.Flags = append(msg.Flags, string(f))
				}
				res.Messages = append(res.Messages, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res.Messages, func(a, b source.RawMessage) int {
		return cmp.Compare(a.UID, b.UID)
	})
	return res, nil
}

// Apply performs kind on the target message. A message that is gone
// returns source.ErrNotFound; a target from an older UIDVALIDITY epoch
// returns source.ErrUIDValidityChanged.
func (r *Remote) Apply(ctx context.Context, target source.Target, kind model.OperationKind) error {
	change, ok := source.ChangeFor(kind)
	if !ok {
		return fmt.Errorf("unsupported operation %q", kind)
	}
	return r.with(ctx, string(kind), func(s *Session) error {
		data, err := s.selectMailbox(target.Mailbox)
		if err != nil {
			return err
		}
		if target.UIDValidity != 0 && data.UIDValidity != target.UIDValidity {
			return source.ErrUIDValidityChanged
		}

		set := imap.UIDSetNum(imap.UID(target.UID))
		found, err := s.client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
		if err != nil {
			return fmt.Errorf("looking up uid %d: %w", target.UID, err)
		}
		if !slices.Contains(found.AllUIDs(), imap.UID(target.UID)) {
			return source.ErrNotFound
		}

		op := imap.StoreFlagsDel
		if change.Add {
			op = imap.StoreFlagsAdd
		}
		store := &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{imap.Flag(change.Flag)}}
		if err := s.client.Store(set, store, nil).Close(); err != nil {
			return fmt.Errorf("storing %s on uid %d: %w", change.Flag, target.UID, err)
		}

		if !change.Purge {
			return nil
		}
		if s.client.Caps().Has(imap.CapUIDPlus) {
			err = s.client.UIDExpunge(set).Close()
		} else {
			err = s.client.Expunge().Close()
		}
		if err != nil {
			return fmt.Errorf("expunging uid %d: %w", target.UID, err)
		}
		return nil
	})
}

// WaitForIdleSignal issues IDLE on mailbox and reports whether the server
// announced a change before timeout.
func (r *Remote) WaitForIdleSignal(ctx context.Context, mailbox string, timeout time.Duration) (bool, error) {
	changed := false
	waitCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()

	err := r.with(waitCtx, "idle", func(s *Session) error {
		if _, err := s.selectMailbox(mailbox); err != nil {
			return err
		}
		s.drainSignals()

		idle, err := s.client.Idle()
		if err != nil {
			return fmt.Errorf("starting idle on %s: %w", mailbox, err)
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.updates:
			changed = true
		case <-timer.C:
		case <-ctx.Done():
		}

		if err := idle.Close(); err != nil {
			return fmt.Errorf("stopping idle: %w", err)
		}
		if err := idle.Wait(); err != nil {
			return fmt.Errorf("idle on %s: %w", mailbox, err)
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &source.RemoteUnavailableError{Op: "idle", Err: err}
	}
	return changed, err
}
