package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/vexmail/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// EmailFilter controls filtering and pagination for email queries.
type EmailFilter struct {
	Mailbox  *string
	Label    *string
	ThreadID *string
	Read     *bool
	Starred  *bool
	Flagged  *bool
	Query    *string // search subject, sender, and text body

	// IncludeDeleted returns tombstoned emails too.
	IncludeDeleted bool

	Limit  int
	Offset int
}

// OperationFilter controls listing of pending operations.
type OperationFilter struct {
	Status  *model.OperationStatus
	EmailID *string
	Limit   int
}

// Batch is one unit of sync reconciliation. Everything in it is written in
// a single transaction together with the new sync state, so the watermark
// never advances past messages that were not stored.
type Batch struct {
	Mailbox      string
	UIDValidity  uint32
	HighWaterUID uint32

	Emails      []model.Email
	Threads     []model.Thread
	Attachments []model.Attachment
}

// EmailStore persists emails with their threads and attachments.
type EmailStore interface {
	GetEmail(ctx context.Context, id string) (*model.Email, error)
	GetEmailByUID(ctx context.Context, mailbox string, uidValidity, uid uint32) (*model.Email, error)
	GetEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error)
	QueryEmails(ctx context.Context, filter EmailFilter) ([]model.Email, error)
	CountEmails(ctx context.Context, filter EmailFilter) (int, error)

	// UpdateEmailFlags applies update to the stored email and returns the
	// result.
	UpdateEmailFlags(ctx context.Context, id string, update model.FlagUpdate) (*model.Email, error)

	GetThread(ctx context.Context, id string) (*model.Thread, error)
	FindThreadBySubject(ctx context.Context, subjectKey string, since time.Time) (*model.Thread, error)

	GetAttachments(ctx context.Context, emailID string) ([]model.Attachment, error)

	GetStats(ctx context.Context) (*model.MailboxStats, error)
}

// LabelStore persists the label catalog and user labels on emails.
type LabelStore interface {
	GetLabels(ctx context.Context) ([]model.Label, error)
	CreateLabel(ctx context.Context, label model.Label) (*model.Label, error)
	UpdateLabel(ctx context.Context, label model.Label) error

	// DeleteLabel removes a user label and strips it from every email.
	// System labels return ErrSystemLabel.
	DeleteLabel(ctx context.Context, name string) error

	SetEmailLabels(ctx context.Context, emailID string, add, remove []string) (*model.Email, error)
}

// SyncStore persists sync bookkeeping.
type SyncStore interface {
	GetSyncState(ctx context.Context, mailbox string) (*model.SyncState, error)
	ReconcileBatch(ctx context.Context, batch Batch) error
}

// OperationStore persists the retry queue.
type OperationStore interface {
	CreateOperation(ctx context.Context, op model.PendingOperation) error
	GetOperation(ctx context.Context, id string) (*model.PendingOperation, error)
	UpdateOperation(ctx context.Context, op model.PendingOperation) error
	DeleteOperation(ctx context.Context, id string) error

	// DueOperations returns pending operations whose next attempt is due,
	// oldest first. An operation is only returned when no older operation
	// for the same email is still pending or in flight.
	DueOperations(ctx context.Context, now time.Time, limit int) ([]model.PendingOperation, error)

	ListOperations(ctx context.Context, filter OperationFilter) ([]model.PendingOperation, error)

	// HasOpenOperations reports whether emailID has pending or in-flight
	// operations.
	HasOpenOperations(ctx context.Context, emailID string) (bool, error)

	// OpenOperationEmails returns the set of email IDs with pending or
	// in-flight operations.
	OpenOperationEmails(ctx context.Context) (map[string]bool, error)

	// ResetInFlight returns operations left in flight by a crash to pending.
	ResetInFlight(ctx context.Context) (int, error)

	// PruneOperations deletes operations in status last updated before cutoff.
	PruneOperations(ctx context.Context, status model.OperationStatus, before time.Time) (int, error)
}

// Store defines the persistence interface for the mail client.
type Store interface {
	EmailStore
	LabelStore
	SyncStore
	OperationStore

	Ping(ctx context.Context) error
	Close() error
}
