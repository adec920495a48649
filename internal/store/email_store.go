package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/vexmail/internal/model"
)

// emailRow mirrors the emails table.
type emailRow struct {
	ID              string    `db:"id"`
	Mailbox         string    `db:"mailbox"`
	UID             uint32    `db:"uid"`
	UIDValidity     uint32    `db:"uid_validity"`
	MessageID       string    `db:"message_id"`
	ThreadID        string    `db:"thread_id"`
	Subject         string    `db:"subject"`
	FromName        string    `db:"from_name"`
	FromAddr        string    `db:"from_addr"`
	To              string    `db:"to_addrs"`
	Cc              string    `db:"cc_addrs"`
	Bcc             string    `db:"bcc_addrs"`
	TextBody        string    `db:"text_body"`
	HTMLBody        string    `db:"html_body"`
	Date            time.Time `db:"date"`
	Read            bool      `db:"is_read"`
	Starred         bool      `db:"is_starred"`
	Flagged         bool      `db:"is_flagged"`
	Important       bool      `db:"is_important"`
	Deleted         bool      `db:"is_deleted"`
	Labels          string    `db:"labels"`
	Size            int64     `db:"size"`
	AttachmentCount int       `db:"attachment_count"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	SyncedAt        time.Time `db:"synced_at"`
}

func (r emailRow) toModel() (model.Email, error) {
	e := model.Email{
		ID:              r.ID,
		Mailbox:         r.Mailbox,
		UID:             r.UID,
		UIDValidity:     r.UIDValidity,
		MessageID:       r.MessageID,
		ThreadID:        r.ThreadID,
		Subject:         r.Subject,
		From:            model.Address{Name: r.FromName, Addr: r.FromAddr},
		TextBody:        r.TextBody,
		HTMLBody:        r.HTMLBody,
		Date:            r.Date,
		Read:            r.Read,
		Starred:         r.Starred,
		Flagged:         r.Flagged,
		Important:       r.Important,
		Deleted:         r.Deleted,
		Size:            r.Size,
		AttachmentCount: r.AttachmentCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SyncedAt:        r.SyncedAt,
	}

	for _, f := range []struct {
		raw string
		dst any
	}{
		{r.To, &e.To},
		{r.Cc, &e.Cc},
		{r.Bcc, &e.Bcc},
		{r.Labels, &e.Labels},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return model.Email{}, fmt.Errorf("unmarshaling email %s: %w", r.ID, err)
		}
	}

	return e, nil
}

func emailRowFrom(e model.Email) (emailRow, error) {
	r := emailRow{
		ID:              e.ID,
		Mailbox:         e.Mailbox,
		UID:             e.UID,
		UIDValidity:     e.UIDValidity,
		MessageID:       e.MessageID,
		ThreadID:        e.ThreadID,
		Subject:         e.Subject,
		FromName:        e.From.Name,
		FromAddr:        e.From.Addr,
		TextBody:        e.TextBody,
		HTMLBody:        e.HTMLBody,
		Date:            e.Date.UTC(),
		Read:            e.Read,
		Starred:         e.Starred,
		Flagged:         e.Flagged,
		Important:       e.Important,
		Deleted:         e.Deleted,
		Size:            e.Size,
		AttachmentCount: e.AttachmentCount,
		CreatedAt:       e.CreatedAt.UTC(),
		UpdatedAt:       e.UpdatedAt.UTC(),
		SyncedAt:        e.SyncedAt.UTC(),
	}

	var err error
	if r.To, err = marshalJSON(e.To); err != nil {
		return r, fmt.Errorf("marshaling to for email %s: %w", e.ID, err)
	}
	if r.Cc, err = marshalJSON(e.Cc); err != nil {
		return r, fmt.Errorf("marshaling cc for email %s: %w", e.ID, err)
	}
	if r.Bcc, err = marshalJSON(e.Bcc); err != nil {
		return r, fmt.Errorf("marshaling bcc for email %s: %w", e.ID, err)
	}
	if r.Labels, err = marshalJSON(e.Labels); err != nil {
		return r, fmt.Errorf("marshaling labels for email %s: %w", e.ID, err)
	}

	return r, nil
}

// GetEmail retrieves a single email by its local ID.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	return s.getEmail(ctx, s.db, "SELECT * FROM emails WHERE id = ?", id)
}

// GetEmailByUID retrieves the email stored for a remote identity.
func (s *SQLiteStore) GetEmailByUID(
	ctx context.Context,
	mailbox string,
	uidValidity, uid uint32,
) (*model.Email, error) {
	return s.getEmail(ctx, s.db,
		"SELECT * FROM emails WHERE mailbox = ? AND uid_validity = ? AND uid = ?",
		mailbox, uidValidity, uid,
	)
}

// GetEmailByMessageID retrieves the earliest stored email carrying the
// given Message-ID.
func (s *SQLiteStore) GetEmailByMessageID(
	ctx context.Context,
	messageID string,
) (*model.Email, error) {
	if messageID == "" {
		return nil, fmt.Errorf("email with empty message id: %w", ErrNotFound)
	}
	return s.getEmail(ctx, s.db,
		"SELECT * FROM emails WHERE message_id = ? ORDER BY created_at LIMIT 1",
		messageID,
	)
}

func (s *SQLiteStore) getEmail(
	ctx context.Context,
	q sqlx.QueryerContext,
	query string,
	args ...any,
) (*model.Email, error) {
	var row emailRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		return nil, notFound(err, "email")
	}

	e, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE wildcards in s for use with ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// labelPattern matches one entry of the JSON labels array.
func labelPattern(label string) string {
	return `%"` + escapeLike(label) + `"%`
}

// emailConditions builds the WHERE clause for an EmailFilter.
func emailConditions(f EmailFilter) (string, []any) {
	var conditions []string
	var args []any

	if !f.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}
	if f.Mailbox != nil {
		conditions = append(conditions, "mailbox = ?")
		args = append(args, *f.Mailbox)
	}
	if f.Label != nil {
		conditions = append(conditions, `labels LIKE ? ESCAPE '\'`)
		args = append(args, labelPattern(*f.Label))
	}
	if f.ThreadID != nil {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, *f.ThreadID)
	}
	if f.Read != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, boolToInt(*f.Read))
	}
	if f.Starred != nil {
		conditions = append(conditions, "is_starred = ?")
		args = append(args, boolToInt(*f.Starred))
	}
	if f.Flagged != nil {
		conditions = append(conditions, "is_flagged = ?")
		args = append(args, boolToInt(*f.Flagged))
	}
	if f.Query != nil && strings.TrimSpace(*f.Query) != "" {
		conditions = append(conditions,
			`(subject LIKE ? ESCAPE '\' OR from_name LIKE ? ESCAPE '\' OR `+
				`from_addr LIKE ? ESCAPE '\' OR text_body LIKE ? ESCAPE '\')`)
		q := "%" + escapeLike(strings.TrimSpace(*f.Query)) + "%"
		args = append(args, q, q, q, q)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryEmails retrieves emails matching the filter, newest first.
func (s *SQLiteStore) QueryEmails(
	ctx context.Context,
	f EmailFilter,
) ([]model.Email, error) {
	where, args := emailConditions(f)
	query := "SELECT * FROM emails" + where + " ORDER BY date DESC, id DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}

	emails := make([]model.Email, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// CountEmails returns how many emails match the filter, ignoring paging.
func (s *SQLiteStore) CountEmails(ctx context.Context, f EmailFilter) (int, error) {
	where, args := emailConditions(f)

	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM emails"+where, args...); err != nil {
		return 0, fmt.Errorf("counting emails: %w", err)
	}
	return n, nil
}

// UpdateEmailFlags applies a partial flag update and refreshes the owning
// thread's unread state.
func (s *SQLiteStore) UpdateEmailFlags(
	ctx context.Context,
	id string,
	update model.FlagUpdate,
) (*model.Email, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := s.getEmail(ctx, tx, "SELECT * FROM emails WHERE id = ?", id)
	if err != nil {
		return nil, err
	}

	update.Apply(e)
	e.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE emails
		SET is_read = ?, is_starred = ?, is_flagged = ?, is_deleted = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(e.Read), boolToInt(e.Starred), boolToInt(e.Flagged),
		boolToInt(e.Deleted), e.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating flags for email %s: %w", id, err)
	}

	if e.ThreadID != "" {
		if err := recountThread(ctx, tx, e.ThreadID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing flag update: %w", err)
	}
	return e, nil
}

// GetAttachments lists attachment metadata for an email.
func (s *SQLiteStore) GetAttachments(
	ctx context.Context,
	emailID string,
) ([]model.Attachment, error) {
	var rows []attachmentRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM attachments WHERE email_id = ? ORDER BY created_at, filename", emailID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for %s: %w", emailID, err)
	}

	out := make([]model.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Attachment(r))
	}
	return out, nil
}

// GetStats summarizes the store.
func (s *SQLiteStore) GetStats(ctx context.Context) (*model.MailboxStats, error) {
	var stats model.MailboxStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0) AS total,
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND is_read = 0 THEN 1 ELSE 0 END), 0) AS unread,
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND is_starred = 1 THEN 1 ELSE 0 END), 0) AS starred,
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND is_flagged = 1 THEN 1 ELSE 0 END), 0) AS flagged,
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND is_important = 1 THEN 1 ELSE 0 END), 0) AS important,
			COALESCE(SUM(is_deleted), 0) AS deleted,
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND attachment_count > 0 THEN 1 ELSE 0 END), 0) AS with_attachments,
			(SELECT COUNT(*) FROM threads WHERE email_count > 0) AS threads,
			(SELECT COUNT(*) FROM pending_operations WHERE status IN ('pending', 'in_flight')) AS pending_operations,
			(SELECT COUNT(*) FROM pending_operations WHERE status = 'failed_exhausted') AS failed_operations
		FROM emails`)
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	return &stats, nil
}

// attachmentRow mirrors the attachments table. Its field set matches
// model.Attachment so the two convert directly.
type attachmentRow struct {
	ID          string    `db:"id"`
	EmailID     string    `db:"email_id"`
	Filename    string    `db:"filename"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	StoragePath string    `db:"storage_path"`
	Checksum    string    `db:"checksum"`
	CreatedAt   time.Time `db:"created_at"`
}
