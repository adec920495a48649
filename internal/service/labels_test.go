package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/service"
)

func TestCreateLabel(t *testing.T) {
	f := newFixture(t)

	label, err := f.mail.CreateLabel(f.ctx, model.Label{Name: "Work", Color: "#ff0000"})
	require.NoError(t, err)
	assert.Equal(t, "work", label.Name)

	_, err = f.mail.CreateLabel(f.ctx, model.Label{Name: "WORK"})
	assert.ErrorIs(t, err, service.ErrConflict)

	_, err = f.mail.CreateLabel(f.ctx, model.Label{Name: "inbox"})
	assert.ErrorIs(t, err, service.ErrConflict)

	_, err = f.mail.CreateLabel(f.ctx, model.Label{Name: ""})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	labels, err := f.mail.Labels(f.ctx)
	require.NoError(t, err)
	assert.Len(t, labels, 8)
}

func TestLabelEmail_ListsAndPublishes(t *testing.T) {
	f := newFixture(t)
	emails := inbox(2)
	f.seed(t, emails...)
	_, err := f.mail.CreateLabel(f.ctx, model.Label{Name: "work"})
	require.NoError(t, err)

	empty, err := f.mail.GetPage(f.ctx, service.Listing{Label: "work"}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	client := f.events.Register(model.TopicEmailUpdated)
	e, err := f.mail.LabelEmail(f.ctx, emails[0].ID, []string{"work"}, nil)
	require.NoError(t, err)
	assert.Contains(t, e.Labels, "work")

	page, err := f.mail.GetPage(f.ctx, service.Listing{Label: "work"}, 1, 10)
	require.NoError(t, err)
	assert.False(t, page.Cached)
	require.Len(t, page.Emails, 1)
	assert.Equal(t, emails[0].ID, page.Emails[0].ID)

	events, err := f.events.Poll(f.ctx, client, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, emails[0].ID, events[0].Payload["email_id"])

	_, err = f.mail.LabelEmail(f.ctx, emails[0].ID, nil, nil)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	_, err = f.mail.LabelEmail(f.ctx, "missing", []string{"work"}, nil)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestDeleteLabel(t *testing.T) {
	f := newFixture(t)
	emails := inbox(1)
	f.seed(t, emails...)
	_, err := f.mail.CreateLabel(f.ctx, model.Label{Name: "work"})
	require.NoError(t, err)
	_, err = f.mail.LabelEmail(f.ctx, emails[0].ID, []string{"work"}, nil)
	require.NoError(t, err)

	d, err := f.mail.GetDetail(f.ctx, emails[0].ID)
	require.NoError(t, err)
	assert.Contains(t, d.Email.Labels, "work")

	require.NoError(t, f.mail.DeleteLabel(f.ctx, "work"))

	d, err = f.mail.GetDetail(f.ctx, emails[0].ID)
	require.NoError(t, err)
	assert.False(t, d.Cached)
	assert.NotContains(t, d.Email.Labels, "work")

	assert.ErrorIs(t, f.mail.DeleteLabel(f.ctx, "work"), service.ErrNotFound)
	assert.ErrorIs(t, f.mail.DeleteLabel(f.ctx, model.LabelInbox), service.ErrInvalidRequest)
}
