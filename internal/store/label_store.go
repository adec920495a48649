package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/vexmail/internal/model"
)

// ErrSystemLabel is returned when changing or deleting a built-in label.
var ErrSystemLabel = errors.New("system labels cannot be modified")

var labelName = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-/.]{0,63}$`)

// NormalizeLabelName lower-cases and validates a label name.
func NormalizeLabelName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !labelName.MatchString(name) {
		return "", fmt.Errorf("invalid label name %q", name)
	}
	return name, nil
}

// GetLabels retrieves all labels, system labels first.
func (s *SQLiteStore) GetLabels(ctx context.Context) ([]model.Label, error) {
	var labels []model.Label
	err := s.db.SelectContext(ctx, &labels,
		"SELECT * FROM labels ORDER BY system DESC, name")
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	return labels, nil
}

// CreateLabel inserts a user label.
func (s *SQLiteStore) CreateLabel(ctx context.Context, label model.Label) (*model.Label, error) {
	name, err := NormalizeLabelName(label.Name)
	if err != nil {
		return nil, err
	}
	label.Name = name
	label.System = false
	if strings.TrimSpace(label.DisplayName) == "" {
		label.DisplayName = name
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO labels (name, display_name, color, system) VALUES (?, ?, ?, 0)",
		label.Name, label.DisplayName, label.Color,
	)
	if err != nil {
		return nil, fmt.Errorf("creating label %s: %w", name, err)
	}
	return &label, nil
}

// UpdateLabel changes a user label's display name and color.
func (s *SQLiteStore) UpdateLabel(ctx context.Context, label model.Label) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE labels SET display_name = ?, color = ? WHERE name = ? AND system = 0",
		label.DisplayName, label.Color, label.Name,
	)
	if err != nil {
		return fmt.Errorf("updating label %s: %w", label.Name, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return labelMissOrSystem(ctx, s.db, label.Name)
	}
	return nil
}

// DeleteLabel removes a user label and strips it from every email.
func (s *SQLiteStore) DeleteLabel(ctx context.Context, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM labels WHERE name = ? AND system = 0", name)
	if err != nil {
		return fmt.Errorf("deleting label %s: %w", name, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return labelMissOrSystem(ctx, tx, name)
	}

	var rowsWith []emailRow
	if err := tx.SelectContext(ctx, &rowsWith,
		`SELECT * FROM emails WHERE labels LIKE ? ESCAPE '\'`, labelPattern(name)); err != nil {
		return fmt.Errorf("finding emails labeled %s: %w", name, err)
	}
	now := time.Now().UTC()
	for _, r := range rowsWith {
		e, err := r.toModel()
		if err != nil {
			return err
		}
		e.Labels = slices.DeleteFunc(e.Labels, func(l string) bool { return l == name })
		labels, err := marshalJSON(e.Labels)
		if err != nil {
			return fmt.Errorf("marshaling labels for email %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE emails SET labels = ?, updated_at = ? WHERE id = ?", labels, now, e.ID); err != nil {
			return fmt.Errorf("removing label %s from email %s: %w", name, e.ID, err)
		}
	}

	return tx.Commit()
}

func labelMissOrSystem(ctx context.Context, q sqlx.QueryerContext, name string) error {
	var system bool
	err := sqlx.GetContext(ctx, q, &system, "SELECT system FROM labels WHERE name = ?", name)
	if err != nil {
		return notFound(err, "label "+name)
	}
	if system {
		return fmt.Errorf("label %s: %w", name, ErrSystemLabel)
	}
	return fmt.Errorf("label %s: %w", name, ErrNotFound)
}

// SetEmailLabels adds and removes user labels on an email. Labels being
// added must exist.
func (s *SQLiteStore) SetEmailLabels(
	ctx context.Context,
	emailID string,
	add, remove []string,
) (*model.Email, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := s.getEmail(ctx, tx, "SELECT * FROM emails WHERE id = ?", emailID)
	if err != nil {
		return nil, err
	}

	for _, name := range add {
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM labels WHERE name = ?", name); err != nil {
			return nil, fmt.Errorf("checking label %s: %w", name, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("label %s: %w", name, ErrNotFound)
		}
		if !slices.Contains(e.Labels, name) {
			e.Labels = append(e.Labels, name)
		}
	}
	e.Labels = slices.DeleteFunc(e.Labels, func(l string) bool { return slices.Contains(remove, l) })

	labels, err := marshalJSON(e.Labels)
	if err != nil {
		return nil, fmt.Errorf("marshaling labels for email %s: %w", emailID, err)
	}
	e.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE emails SET labels = ?, updated_at = ? WHERE id = ?", labels, e.UpdatedAt, emailID); err != nil {
		return nil, fmt.Errorf("updating labels for email %s: %w", emailID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing label update: %w", err)
	}
	return e, nil
}
