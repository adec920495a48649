package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/vexmail/internal/cache"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/store"
)

// Labels lists system and user labels.
func (m *Mail) Labels(ctx context.Context) ([]model.Label, error) {
	labels, err := m.store.GetLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}
	return labels, nil
}

// CreateLabel adds a user label.
func (m *Mail) CreateLabel(ctx context.Context, label model.Label) (*model.Label, error) {
	name, err := store.NormalizeLabelName(label.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	existing, err := m.store.GetLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}
	for _, l := range existing {
		if l.Name == name {
			return nil, fmt.Errorf("label %s: %w", name, ErrConflict)
		}
	}
	created, err := m.store.CreateLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("label", created.Name).Msg("label created")
	return created, nil
}

// DeleteLabel removes a user label from the catalog and from every email.
func (m *Mail) DeleteLabel(ctx context.Context, name string) error {
	err := m.store.DeleteLabel(ctx, name)
	switch {
	case errors.Is(err, store.ErrSystemLabel):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("label %s: %w", name, ErrNotFound)
	case err != nil:
		return err
	}

	// Any cached read may carry the label.
	m.cache.InvalidatePrefix(ctx, cache.DetailPrefix, cache.ThreadPrefix, cache.ListingPrefix, cache.SearchPrefix)
	m.log.Info().Str("label", name).Msg("label deleted")
	return nil
}

// LabelEmail adds and removes user labels on one email. Labels are local
// only and never pushed to the server.
func (m *Mail) LabelEmail(ctx context.Context, id string, add, remove []string) (*model.Email, error) {
	if len(add) == 0 && len(remove) == 0 {
		return nil, fmt.Errorf("%w: no labels to add or remove", ErrInvalidRequest)
	}
	e, err := m.store.SetEmailLabels(ctx, id, add, remove)
	if err != nil {
		return nil, notFound(err, "email", id)
	}
	m.invalidateEmail(ctx, e)
	m.events.Publish(model.TopicEmailUpdated, map[string]any{
		"email_id":  e.ID,
		"thread_id": e.ThreadID,
		"labels":    e.Labels,
	})
	return e, nil
}
