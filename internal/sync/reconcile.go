package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/vexmail/internal/cache"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/parser"
	"github.com/nhle/vexmail/internal/source"
	"github.com/nhle/vexmail/internal/store"
)

// pass carries identity and threading state across the batches of one
// sync pass, so messages in the same pass thread with each other before
// they are committed.
type pass struct {
	e           *Engine
	mailbox     string
	uidValidity uint32
	open        map[string]bool

	threads     map[string]*model.Thread
	byMessageID map[string]string
	bySubject   map[string]string

	// per batch, moved to the pass totals by commit
	batchThreads  map[string]bool
	batchInserted []model.Email
	batchUpdated  []model.Email
	batchSkipped  int

	inserted []model.Email
	updated  []model.Email
	skipped  int
}

func newPass(e *Engine, mailbox string, uidValidity uint32, open map[string]bool) *pass {
	return &pass{
		e:            e,
		mailbox:      mailbox,
		uidValidity:  uidValidity,
		open:         open,
		threads:      make(map[string]*model.Thread),
		byMessageID:  make(map[string]string),
		bySubject:    make(map[string]string),
		batchThreads: make(map[string]bool),
	}
}

// build parses msgs and resolves each to an insert, a flag update, or a
// rebind of an existing email. The watermark covers every message,
// including skipped ones.
func (p *pass) build(ctx context.Context, msgs []source.RawMessage) (store.Batch, error) {
	b := store.Batch{Mailbox: p.mailbox, UIDValidity: p.uidValidity}
	p.reset()

	for _, raw := range msgs {
		b.HighWaterUID = max(b.HighWaterUID, raw.UID)

		parsed, err := parser.Parse(raw.Body)
		if err != nil {
			p.batchSkipped++
			p.e.log.Warn().Err(err).Str("mailbox", p.mailbox).Uint32("uid", raw.UID).Msg("skipping message")
			continue
		}
		flags, important := source.StateOf(raw.Flags)

		existing, err := p.existing(ctx, raw.UID, parsed.MessageID)
		if err != nil {
			return b, err
		}
		if existing != nil {
			before := *existing
			existing.UID = raw.UID
			existing.UIDValidity = p.uidValidity
			// Local state wins while an operation is still on its way to
			// the server.
			if !p.open[existing.ID] {
				flags.Apply(existing)
				existing.Important = existing.Important || important
			}
			if !changed(before, *existing) {
				continue
			}
			existing.SyncedAt = p.e.now().UTC()
			b.Emails = append(b.Emails, *existing)
			p.batchUpdated = append(p.batchUpdated, *existing)
			continue
		}

		email := p.newEmail(raw, parsed)
		flags.Apply(&email)
		email.Important = email.Important || important
		if email.Important {
			email.Labels = append(email.Labels, model.LabelImportant)
		}

		thread, err := p.assignThread(ctx, parsed, &email)
		if err != nil {
			return b, err
		}
		email.ThreadID = thread.ID

		for _, part := range parsed.Attachments {
			att := model.Attachment{
				ID:          uuid.NewString(),
				EmailID:     email.ID,
				Filename:    part.Filename,
				ContentType: part.ContentType,
				Size:        int64(len(part.Content)),
			}
			if p.e.attachments != nil {
				stored, err := p.e.attachments.Put(email.ID, att.ID, part.Filename, part.Content)
				if err != nil {
					p.e.log.Warn().Err(err).Str("email", email.ID).Str("file", part.Filename).Msg("storing attachment")
				} else {
					att.StoragePath = stored.Path
					att.Checksum = stored.Checksum
				}
			}
			b.Attachments = append(b.Attachments, att)
		}
		email.AttachmentCount = len(parsed.Attachments)

		b.Emails = append(b.Emails, email)
		p.batchInserted = append(p.batchInserted, email)
		if email.MessageID != "" {
			p.byMessageID[email.MessageID] = thread.ID
		}
	}

	for id := range p.batchThreads {
		b.Threads = append(b.Threads, *p.threads[id])
	}
	slices.SortFunc(b.Threads, func(a, c model.Thread) int { return strings.Compare(a.ID, c.ID) })
	return b, nil
}

// commit is called once a batch is durable.
func (p *pass) commit() {
	p.inserted = append(p.inserted, p.batchInserted...)
	p.updated = append(p.updated, p.batchUpdated...)
	p.skipped += p.batchSkipped
	p.reset()
}

func (p *pass) reset() {
	clear(p.batchThreads)
	p.batchInserted = nil
	p.batchUpdated = nil
	p.batchSkipped = 0
}

// committed reports whether any batch of the pass changed stored mail.
func (p *pass) committed() bool {
	return len(p.inserted) > 0 || len(p.updated) > 0
}

// changed reports whether a stored email differs from its refetched state.
func changed(before, after model.Email) bool {
	return before.UID != after.UID ||
		before.UIDValidity != after.UIDValidity ||
		before.Read != after.Read ||
		before.Starred != after.Starred ||
		before.Flagged != after.Flagged ||
		before.Deleted != after.Deleted ||
		before.Important != after.Important
}

// existing finds the stored email for a fetched message: by UID in the
// current epoch first, then by Message-ID within the same mailbox, which
// rebinds a message whose UID was reassigned.
func (p *pass) existing(ctx context.Context, uid uint32, messageID string) (*model.Email, error) {
	e, err := p.e.store.GetEmailByUID(ctx, p.mailbox, p.uidValidity, uid)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up uid %d: %w", uid, err)
	}
	if messageID == "" {
		return nil, nil
	}

	e, err = p.e.store.GetEmailByMessageID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", messageID, err)
	}
	if !strings.EqualFold(e.Mailbox, p.mailbox) || e.UIDValidity == p.uidValidity {
		return nil, nil
	}
	return e, nil
}

func (p *pass) newEmail(raw source.RawMessage, parsed *parser.Parsed) model.Email {
	date := parsed.Date
	if date.IsZero() {
		date = raw.InternalDate
	}
	if date.IsZero() {
		date = p.e.now()
	}
	now := p.e.now().UTC()
	return model.Email{
		ID:          model.EmailID(p.mailbox, p.uidValidity, raw.UID),
		Mailbox:     p.mailbox,
		UID:         raw.UID,
		UIDValidity: p.uidValidity,
		MessageID:   parsed.MessageID,
		Subject:     parsed.Subject,
		From:        parsed.From,
		To:          parsed.To,
		Cc:          parsed.Cc,
		Bcc:         parsed.Bcc,
		TextBody:    parsed.TextBody,
		HTMLBody:    parsed.HTMLBody,
		Date:        date.UTC(),
		Important:   parsed.Important,
		Labels:      []string{model.MailboxLabel(p.mailbox)},
		Size:        raw.Size,
		CreatedAt:   now,
		SyncedAt:    now,
	}
}

// assignThread picks the conversation for a new email: the thread of the
// nearest referenced message, then a recent thread with the same
// normalized subject, else a new thread.
func (p *pass) assignThread(ctx context.Context, parsed *parser.Parsed, email *model.Email) (*model.Thread, error) {
	var threadID string
	for _, ref := range parsed.ThreadReferences() {
		if id, ok := p.byMessageID[ref]; ok {
			threadID = id
			break
		}
		e, err := p.e.store.GetEmailByMessageID(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving reference %s: %w", ref, err)
		}
		if e.ThreadID != "" {
			threadID = e.ThreadID
			break
		}
	}

	key := parser.NormalizeSubject(email.Subject)
	if threadID == "" && key != "" {
		if id, ok := p.bySubject[key]; ok {
			threadID = id
		} else {
			t, err := p.e.store.FindThreadBySubject(ctx, key, email.Date.Add(-p.e.cfg.ThreadWindow))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("matching subject: %w", err)
			}
			if t != nil {
				p.threads[t.ID] = t
				threadID = t.ID
			}
		}
	}

	t, err := p.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &model.Thread{
			ID:         uuid.NewString(),
			Subject:    email.Subject,
			SubjectKey: key,
			LastDate:   email.Date,
			CreatedAt:  p.e.now().UTC(),
		}
		p.threads[t.ID] = t
	}

	if email.Date.After(t.LastDate) {
		t.LastDate = email.Date
	}
	t.AddParticipant(email.From.Addr)
	for _, a := range email.To {
		t.AddParticipant(a.Addr)
	}
	for _, a := range email.Cc {
		t.AddParticipant(a.Addr)
	}
	if t.SubjectKey != "" {
		p.bySubject[t.SubjectKey] = t.ID
	}
	p.batchThreads[t.ID] = true
	return t, nil
}

func (p *pass) thread(ctx context.Context, id string) (*model.Thread, error) {
	if id == "" {
		return nil, nil
	}
	if t, ok := p.threads[id]; ok {
		return t, nil
	}
	t, err := p.e.store.GetThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", id, err)
	}
	p.threads[id] = t
	return t, nil
}

func (e *Engine) invalidate(ctx context.Context, p *pass) {
	if e.cache == nil {
		return
	}
	e.cache.InvalidatePrefix(ctx, cache.ListingPrefix, cache.SearchPrefix)

	keys := []string{cache.StatsKey}
	threads := make(map[string]bool)
	for _, em := range slices.Concat(p.inserted, p.updated) {
		keys = append(keys, cache.DetailKey(em.ID))
		if em.ThreadID != "" {
			threads[em.ThreadID] = true
		}
	}
	for id := range threads {
		keys = append(keys, cache.ThreadKey(id))
	}
	e.cache.Invalidate(ctx, keys...)
}

func (p *pass) publish() {
	for _, em := range p.inserted {
		p.e.pub.Publish(model.TopicEmailReceived, map[string]any{
			"id":        em.ID,
			"mailbox":   em.Mailbox,
			"thread_id": em.ThreadID,
			"subject":   em.Subject,
			"from":      em.From.String(),
			"date":      em.Date,
			"read":      em.Read,
		})
	}
	for _, em := range p.updated {
		p.e.pub.Publish(model.TopicEmailUpdated, map[string]any{
			"id":      em.ID,
			"read":    em.Read,
			"starred": em.Starred,
			"flagged": em.Flagged,
			"deleted": em.Deleted,
			"source":  "sync",
		})
	}
}
