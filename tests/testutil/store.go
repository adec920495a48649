package testutil

import (
	"testing"
	"time"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Ptr returns a pointer to v, for filling optional filter fields.
func Ptr[T any](v T) *T {
	return &v
}

// Batch builds a reconcile batch for emails whose watermark is the highest
// UID among them. Zero dates are set to now.
func Batch(mailbox string, uidValidity uint32, emails ...model.Email) store.Batch {
	b := store.Batch{Mailbox: mailbox, UIDValidity: uidValidity}
	for _, e := range emails {
		if e.Date.IsZero() {
			e.Date = time.Now().UTC()
		}
		b.HighWaterUID = max(b.HighWaterUID, e.UID)
		b.Emails = append(b.Emails, e)
	}
	return b
}
