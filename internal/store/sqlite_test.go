package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/store"
	"github.com/nhle/vexmail/tests/testutil"
)

func sampleEmail(uid uint32, threadID string) model.Email {
	return model.Email{
		ID:          model.EmailID("INBOX", 7, uid),
		Mailbox:     "INBOX",
		UID:         uid,
		UIDValidity: 7,
		MessageID:   "<msg-" + string(rune('a'+uid%26)) + "@example.com>",
		ThreadID:    threadID,
		Subject:     "Quarterly report",
		From:        model.Address{Name: "Ana", Addr: "ana@example.com"},
		To:          []model.Address{{Addr: "me@example.com"}},
		TextBody:    "numbers attached",
		Date:        time.Date(2026, 3, 1, 10, int(uid), 0, 0, time.UTC),
		Labels:      []string{model.LabelInbox},
	}
}

func seed(t *testing.T, s *store.SQLiteStore, emails ...model.Email) {
	t.Helper()
	threads := map[string]bool{}
	b := store.Batch{Mailbox: "INBOX", UIDValidity: 7}
	for _, e := range emails {
		if e.ThreadID != "" && !threads[e.ThreadID] {
			threads[e.ThreadID] = true
			b.Threads = append(b.Threads, model.Thread{
				ID: e.ThreadID, Subject: e.Subject, SubjectKey: "quarterly report", LastDate: e.Date,
			})
		}
		if e.UID > b.HighWaterUID {
			b.HighWaterUID = e.UID
		}
	}
	b.Emails = emails
	require.NoError(t, s.ReconcileBatch(context.Background(), b))
}

func TestReconcileBatch_StoresEmailsAndAdvancesWatermark(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed(t, s, sampleEmail(101, "t1"), sampleEmail(102, "t1"), sampleEmail(103, "t2"))

	st, err := s.GetSyncState(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), st.UIDValidity)
	assert.Equal(t, uint32(103), st.HighWaterUID)

	got, err := s.GetEmail(ctx, model.EmailID("INBOX", 7, 102))
	require.NoError(t, err)
	want := sampleEmail(102, "t1")
	if diff := cmp.Diff(want, *got, cmpopts.IgnoreFields(model.Email{}, "CreatedAt", "UpdatedAt", "SyncedAt"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("email mismatch (-want +got):\n%s", diff)
	}

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, thread.EmailCount)
	assert.True(t, thread.HasUnread)
}

func TestReconcileBatch_IsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed(t, s, sampleEmail(1, "t1"), sampleEmail(2, "t1"))
	seed(t, s, sampleEmail(1, "t1"), sampleEmail(2, "t1"))

	n, err := s.CountEmails(ctx, store.EmailFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, thread.EmailCount)
}

func TestSyncState_UnknownMailboxIsZero(t *testing.T) {
	s := testutil.NewTestStore(t)

	st, err := s.GetSyncState(context.Background(), "Archive")
	require.NoError(t, err)
	assert.Equal(t, "Archive", st.Mailbox)
	assert.Zero(t, st.UIDValidity)
	assert.Zero(t, st.HighWaterUID)
}

func TestGetEmail_NotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetEmail(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLookupByUIDAndMessageID(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	e := sampleEmail(5, "t1")
	seed(t, s, e)

	byUID, err := s.GetEmailByUID(ctx, "INBOX", 7, 5)
	require.NoError(t, err)
	assert.Equal(t, e.ID, byUID.ID)

	byMsg, err := s.GetEmailByMessageID(ctx, e.MessageID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, byMsg.ID)

	_, err = s.GetEmailByUID(ctx, "INBOX", 8, 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueryEmails_FiltersAndPaging(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	emails := []model.Email{sampleEmail(1, "t1"), sampleEmail(2, "t1"), sampleEmail(3, "t1")}
	emails[1].Read = true
	emails[2].Subject = "Lunch?"
	seed(t, s, emails...)

	page, err := s.QueryEmails(ctx, store.EmailFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint32(3), page[0].UID, "newest first")

	unread, err := s.QueryEmails(ctx, store.EmailFilter{Read: testutil.Ptr(false)})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	found, err := s.QueryEmails(ctx, store.EmailFilter{Query: testutil.Ptr("lunch")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, uint32(3), found[0].UID)

	inbox, err := s.CountEmails(ctx, store.EmailFilter{Label: testutil.Ptr(model.LabelInbox)})
	require.NoError(t, err)
	assert.Equal(t, 3, inbox)
}

func TestUpdateEmailFlags_TombstoneHidesFromListing(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	e := sampleEmail(9, "t1")
	seed(t, s, e)

	updated, err := s.UpdateEmailFlags(ctx, e.ID, model.ActionDelete.Update())
	require.NoError(t, err)
	assert.True(t, updated.Deleted)

	n, err := s.CountEmails(ctx, store.EmailFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	still, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, still.Deleted)

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, thread.EmailCount)
}

func TestUpdateEmailFlags_RefreshesThreadUnread(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	e := sampleEmail(4, "t1")
	seed(t, s, e)

	_, err := s.UpdateEmailFlags(ctx, e.ID, model.ActionRead.Update())
	require.NoError(t, err)

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, thread.HasUnread)
}

func TestFindThreadBySubject_RespectsWindow(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	seed(t, s, sampleEmail(1, "t1"))

	th, err := s.FindThreadBySubject(ctx, "quarterly report", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "t1", th.ID)

	_, err = s.FindThreadBySubject(ctx, "quarterly report", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachmentsCascadeAndStats(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	e := sampleEmail(1, "t1")
	e.AttachmentCount = 1
	e.Starred = true

	b := store.Batch{
		Mailbox: "INBOX", UIDValidity: 7, HighWaterUID: 1,
		Threads: []model.Thread{{ID: "t1", SubjectKey: "quarterly report", LastDate: e.Date}},
		Emails:  []model.Email{e},
		Attachments: []model.Attachment{{
			ID: "a1", EmailID: e.ID, Filename: "q1.pdf", ContentType: "application/pdf", Size: 42,
		}},
	}
	require.NoError(t, s.ReconcileBatch(ctx, b))

	atts, err := s.GetAttachments(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "q1.pdf", atts[0].Filename)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Unread)
	assert.Equal(t, 1, stats.Starred)
	assert.Equal(t, 1, stats.WithAttachments)
	assert.Equal(t, 1, stats.Threads)
}

func TestGetLabels_SeedsSystemLabels(t *testing.T) {
	s := testutil.NewTestStore(t)

	labels, err := s.GetLabels(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		assert.True(t, l.System)
		names = append(names, l.Name)
	}
	assert.ElementsMatch(t, []string{"inbox", "sent", "drafts", "spam", "trash", "starred", "important"}, names)
}
