package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/vexmail/internal/model"
)

// operationRow mirrors the pending_operations table.
type operationRow struct {
	ID          string    `db:"id"`
	EmailID     string    `db:"email_id"`
	Mailbox     string    `db:"mailbox"`
	UID         uint32    `db:"uid"`
	UIDValidity uint32    `db:"uid_validity"`
	Kind        string    `db:"kind"`
	Status      string    `db:"status"`
	RetryCount  int       `db:"retry_count"`
	MaxRetries  int       `db:"max_retries"`
	NextRetryAt time.Time `db:"next_retry_at"`
	LastError   string    `db:"last_error"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r operationRow) toModel() model.PendingOperation {
	return model.PendingOperation{
		ID:          r.ID,
		EmailID:     r.EmailID,
		Mailbox:     r.Mailbox,
		UID:         r.UID,
		UIDValidity: r.UIDValidity,
		Kind:        model.OperationKind(r.Kind),
		Status:      model.OperationStatus(r.Status),
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		NextRetryAt: r.NextRetryAt,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func operationRows(rows []operationRow) []model.PendingOperation {
	ops := make([]model.PendingOperation, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, r.toModel())
	}
	return ops
}

// CreateOperation inserts a new pending operation. If the operation has no
// ID, a new UUID is generated.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op model.PendingOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("creating operation: invalid kind %q", op.Kind)
	}
	if op.Status == "" {
		op.Status = model.OpStatusPending
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (
			id, email_id, mailbox, uid, uid_validity, kind, status,
			retry_count, max_retries, next_retry_at, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EmailID, op.Mailbox, op.UID, op.UIDValidity,
		string(op.Kind), string(op.Status),
		op.RetryCount, op.MaxRetries, op.NextRetryAt.UTC(), op.LastError,
		op.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("creating operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation retrieves a single operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.PendingOperation, error) {
	var row operationRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM pending_operations WHERE id = ?", id); err != nil {
		return nil, notFound(err, "operation")
	}
	op := row.toModel()
	return &op, nil
}

// UpdateOperation persists the mutable fields of an operation.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op model.PendingOperation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET
			status = ?, retry_count = ?, max_retries = ?,
			next_retry_at = ?, last_error = ?,
			mailbox = ?, uid = ?, uid_validity = ?,
			updated_at = ?
		WHERE id = ?`,
		string(op.Status), op.RetryCount, op.MaxRetries,
		op.NextRetryAt.UTC(), op.LastError,
		op.Mailbox, op.UID, op.UIDValidity,
		time.Now().UTC(), op.ID,
	)
	if err != nil {
		return fmt.Errorf("updating operation %s: %w", op.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, ErrNotFound)
	}
	return nil
}

// DeleteOperation removes an operation by ID.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting operation %s: %w", id, err)
	}
	return nil
}

// DueOperations returns pending operations that are due, in insertion
// order, holding back any operation queued behind an older open one for
// the same email.
func (s *SQLiteStore) DueOperations(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]model.PendingOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []operationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.* FROM pending_operations p
		WHERE p.status = 'pending'
			AND p.next_retry_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM pending_operations older
				WHERE older.email_id = p.email_id
					AND older.status IN ('pending', 'in_flight')
					AND older.rowid < p.rowid
			)
		ORDER BY p.rowid
		LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due operations: %w", err)
	}
	return operationRows(rows), nil
}

// ListOperations returns operations matching the filter, oldest first.
func (s *SQLiteStore) ListOperations(
	ctx context.Context,
	f OperationFilter,
) ([]model.PendingOperation, error) {
	query := "SELECT * FROM pending_operations WHERE 1 = 1"
	var args []any

	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.EmailID != nil {
		query += " AND email_id = ?"
		args = append(args, *f.EmailID)
	}
	query += " ORDER BY rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return operationRows(rows), nil
}

// HasOpenOperations reports whether emailID has unfinished operations.
func (s *SQLiteStore) HasOpenOperations(ctx context.Context, emailID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pending_operations
		WHERE email_id = ? AND status IN ('pending', 'in_flight')`, emailID)
	if err != nil {
		return false, fmt.Errorf("checking open operations for %s: %w", emailID, err)
	}
	return n > 0, nil
}

// OpenOperationEmails returns the IDs of emails with unfinished operations.
func (s *SQLiteStore) OpenOperationEmails(ctx context.Context) (map[string]bool, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT email_id FROM pending_operations
		WHERE status IN ('pending', 'in_flight')`)
	if err != nil {
		return nil, fmt.Errorf("listing emails with open operations: %w", err)
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ResetInFlight returns in-flight operations to pending.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = 'pending', updated_at = ?
		WHERE status = 'in_flight'`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("resetting in-flight operations: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// PruneOperations deletes operations in the given status last updated
// before the cutoff.
func (s *SQLiteStore) PruneOperations(
	ctx context.Context,
	status model.OperationStatus,
	before time.Time,
) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_operations WHERE status = ? AND updated_at < ?",
		string(status), before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning %s operations: %w", status, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
