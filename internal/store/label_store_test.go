package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/store"
	"github.com/nhle/vexmail/tests/testutil"
)

func TestCreateLabel(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	label, err := s.CreateLabel(ctx, model.Label{Name: "  Receipts ", Color: "#00ff00"})
	require.NoError(t, err)
	assert.Equal(t, "receipts", label.Name)
	assert.Equal(t, "receipts", label.DisplayName)
	assert.False(t, label.System)

	_, err = s.CreateLabel(ctx, model.Label{Name: "receipts"})
	assert.Error(t, err, "duplicate name")

	_, err = s.CreateLabel(ctx, model.Label{Name: "no spaces allowed"})
	assert.Error(t, err)

	labels, err := s.GetLabels(ctx)
	require.NoError(t, err)
	last := labels[len(labels)-1]
	assert.Equal(t, "receipts", last.Name, "user labels sort after system labels")
}

func TestUpdateLabel(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateLabel(ctx, model.Label{Name: "travel"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLabel(ctx, model.Label{Name: "travel", DisplayName: "Trips", Color: "#123456"}))

	err = s.UpdateLabel(ctx, model.Label{Name: "inbox", DisplayName: "Mine"})
	assert.ErrorIs(t, err, store.ErrSystemLabel)

	err = s.UpdateLabel(ctx, model.Label{Name: "missing", DisplayName: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetEmailLabels(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	e := sampleEmail(1, "t1")
	seed(t, s, e)

	_, err := s.CreateLabel(ctx, model.Label{Name: "work"})
	require.NoError(t, err)

	got, err := s.SetEmailLabels(ctx, e.ID, []string{"work", "work"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{model.LabelInbox, "work"}, got.Labels)

	_, err = s.SetEmailLabels(ctx, e.ID, []string{"unknown"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err = s.SetEmailLabels(ctx, e.ID, nil, []string{model.LabelInbox})
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, got.Labels)

	stored, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, stored.Labels)

	_, err = s.SetEmailLabels(ctx, "nope", []string{"work"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteLabel_StripsEmails(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a, b := sampleEmail(1, "t1"), sampleEmail(2, "t1")
	seed(t, s, a, b)

	_, err := s.CreateLabel(ctx, model.Label{Name: "work"})
	require.NoError(t, err)
	_, err = s.SetEmailLabels(ctx, a.ID, []string{"work"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteLabel(ctx, "work"))

	stored, err := s.GetEmail(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{model.LabelInbox}, stored.Labels)

	assert.ErrorIs(t, s.DeleteLabel(ctx, "work"), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteLabel(ctx, model.LabelTrash), store.ErrSystemLabel)
}

func TestQueryEmails_WildcardsAreLiteral(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a, b := sampleEmail(1, "t1"), sampleEmail(2, "t1")
	a.Subject = "50% off"
	b.Subject = "500 off"
	seed(t, s, a, b)

	for _, name := range []string{"a_b", "axb"} {
		_, err := s.CreateLabel(ctx, model.Label{Name: name})
		require.NoError(t, err)
	}
	_, err := s.SetEmailLabels(ctx, b.ID, []string{"axb"}, nil)
	require.NoError(t, err)

	got, err := s.QueryEmails(ctx, store.EmailFilter{Label: testutil.Ptr("a_b")})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.QueryEmails(ctx, store.EmailFilter{Query: testutil.Ptr("50%")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	require.NoError(t, s.DeleteLabel(ctx, "a_b"))
	stored, err := s.GetEmail(ctx, b.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Labels, "axb")
}
