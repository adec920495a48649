package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/vexmail/internal/model"
)

// threadRow mirrors the threads table.
type threadRow struct {
	ID           string    `db:"id"`
	Subject      string    `db:"subject"`
	SubjectKey   string    `db:"subject_key"`
	Participants string    `db:"participants"`
	EmailCount   int       `db:"email_count"`
	LastDate     time.Time `db:"last_date"`
	HasUnread    bool      `db:"has_unread"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r threadRow) toModel() (model.Thread, error) {
	t := model.Thread{
		ID:         r.ID,
		Subject:    r.Subject,
		SubjectKey: r.SubjectKey,
		EmailCount: r.EmailCount,
		LastDate:   r.LastDate,
		HasUnread:  r.HasUnread,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Participants != "" {
		if err := json.Unmarshal([]byte(r.Participants), &t.Participants); err != nil {
			return model.Thread{}, fmt.Errorf("unmarshaling participants for thread %s: %w", r.ID, err)
		}
	}
	return t, nil
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var row threadRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM threads WHERE id = ?", id); err != nil {
		return nil, notFound(err, "thread")
	}
	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindThreadBySubject returns the most recently active thread with the
// given normalized subject whose last message is not older than since.
func (s *SQLiteStore) FindThreadBySubject(
	ctx context.Context,
	subjectKey string,
	since time.Time,
) (*model.Thread, error) {
	if subjectKey == "" {
		return nil, fmt.Errorf("thread with empty subject: %w", ErrNotFound)
	}

	var row threadRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM threads
		WHERE subject_key = ? AND last_date >= ?
		ORDER BY last_date DESC
		LIMIT 1`,
		subjectKey, since.UTC(),
	)
	if err != nil {
		return nil, notFound(err, "thread")
	}
	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetSyncState returns the sync bookkeeping for a mailbox. A mailbox that
// was never synced yields a zero state.
func (s *SQLiteStore) GetSyncState(ctx context.Context, mailbox string) (*model.SyncState, error) {
	var st model.SyncState
	err := s.db.GetContext(ctx, &st, "SELECT * FROM sync_state WHERE mailbox = ?", mailbox)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.SyncState{Mailbox: mailbox}, nil
		}
		return nil, fmt.Errorf("getting sync state for %s: %w", mailbox, err)
	}
	return &st, nil
}

const upsertEmailSQL = `
	INSERT INTO emails (
		id, mailbox, uid, uid_validity, message_id, thread_id,
		subject, from_name, from_addr, to_addrs, cc_addrs, bcc_addrs,
		text_body, html_body, date,
		is_read, is_starred, is_flagged, is_important, is_deleted,
		labels, size, attachment_count,
		created_at, updated_at, synced_at
	) VALUES (
		:id, :mailbox, :uid, :uid_validity, :message_id, :thread_id,
		:subject, :from_name, :from_addr, :to_addrs, :cc_addrs, :bcc_addrs,
		:text_body, :html_body, :date,
		:is_read, :is_starred, :is_flagged, :is_important, :is_deleted,
		:labels, :size, :attachment_count,
		:created_at, :updated_at, :synced_at
	)
	ON CONFLICT(id) DO UPDATE SET
		mailbox = excluded.mailbox,
		uid = excluded.uid,
		uid_validity = excluded.uid_validity,
		message_id = excluded.message_id,
		thread_id = excluded.thread_id,
		subject = excluded.subject,
		from_name = excluded.from_name,
		from_addr = excluded.from_addr,
		to_addrs = excluded.to_addrs,
		cc_addrs = excluded.cc_addrs,
		bcc_addrs = excluded.bcc_addrs,
		text_body = excluded.text_body,
		html_body = excluded.html_body,
		date = excluded.date,
		is_read = excluded.is_read,
		is_starred = excluded.is_starred,
		is_flagged = excluded.is_flagged,
		is_important = excluded.is_important,
		is_deleted = excluded.is_deleted,
		labels = excluded.labels,
		size = excluded.size,
		attachment_count = excluded.attachment_count,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at`

const upsertThreadSQL = `
	INSERT INTO threads (
		id, subject, subject_key, participants, email_count,
		last_date, has_unread, created_at, updated_at
	) VALUES (
		:id, :subject, :subject_key, :participants, :email_count,
		:last_date, :has_unread, :created_at, :updated_at
	)
	ON CONFLICT(id) DO UPDATE SET
		participants = excluded.participants,
		last_date = MAX(threads.last_date, excluded.last_date),
		updated_at = excluded.updated_at`

const insertAttachmentSQL = `
	INSERT INTO attachments (
		id, email_id, filename, content_type, size,
		storage_path, checksum, created_at
	) VALUES (
		:id, :email_id, :filename, :content_type, :size,
		:storage_path, :checksum, :created_at
	)
	ON CONFLICT(id) DO NOTHING`

// ReconcileBatch writes one sync batch and the resulting sync state in a
// single transaction.
func (s *SQLiteStore) ReconcileBatch(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	touched := make(map[string]bool)

	for _, t := range b.Threads {
		participants, err := marshalJSON(t.Participants)
		if err != nil {
			return fmt.Errorf("marshaling participants for thread %s: %w", t.ID, err)
		}
		created := t.CreatedAt
		if created.IsZero() {
			created = now
		}
		row := threadRow{
			ID:           t.ID,
			Subject:      t.Subject,
			SubjectKey:   t.SubjectKey,
			Participants: participants,
			LastDate:     t.LastDate.UTC(),
			CreatedAt:    created.UTC(),
			UpdatedAt:    now,
		}
		if _, err := tx.NamedExecContext(ctx, upsertThreadSQL, row); err != nil {
			return fmt.Errorf("upserting thread %s: %w", t.ID, err)
		}
		touched[t.ID] = true
	}

	for _, e := range b.Emails {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		if e.SyncedAt.IsZero() {
			e.SyncedAt = now
		}
		row, err := emailRowFrom(e)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertEmailSQL, row); err != nil {
			return fmt.Errorf("upserting email %s: %w", e.ID, err)
		}
		if e.ThreadID != "" {
			touched[e.ThreadID] = true
		}
	}

	for _, a := range b.Attachments {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.CreatedAt = a.CreatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, insertAttachmentSQL, attachmentRow(a)); err != nil {
			return fmt.Errorf("inserting attachment %s: %w", a.ID, err)
		}
	}

	for id := range touched {
		if err := recountThread(ctx, tx, id); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (mailbox, uid_validity, high_water_uid, last_sync_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			high_water_uid = excluded.high_water_uid,
			last_sync_at = excluded.last_sync_at`,
		b.Mailbox, b.UIDValidity, b.HighWaterUID, now,
	)
	if err != nil {
		return fmt.Errorf("saving sync state for %s: %w", b.Mailbox, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch for %s: %w", b.Mailbox, err)
	}
	return nil
}

// recountThread refreshes a thread's aggregate columns from its emails.
func recountThread(ctx context.Context, tx *sqlx.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE threads SET
			email_count = (SELECT COUNT(*) FROM emails WHERE thread_id = threads.id AND is_deleted = 0),
			has_unread = EXISTS (
				SELECT 1 FROM emails
				WHERE thread_id = threads.id AND is_deleted = 0 AND is_read = 0
			)
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("recounting thread %s: %w", id, err)
	}
	return nil
}
