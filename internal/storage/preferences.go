package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"beacon/internal/model"
)

type preferenceRow struct {
	UserID    string         `db:"user_id"`
	Type      string         `db:"type"`
	Enabled   bool           `db:"enabled"`
	InApp     bool           `db:"in_app"`
	Email     bool           `db:"email"`
	Push      bool           `db:"push"`
	Settings  model.Metadata `db:"settings"`
	UpdatedAt int64          `db:"updated_at"`
}

func (r preferenceRow) toModel() model.Preference {
	return model.Preference{
		Type:      model.NotificationType(r.Type),
		Enabled:   r.Enabled,
		InApp:     r.InApp,
		Email:     r.Email,
		Push:      r.Push,
		Settings:  r.Settings,
		UpdatedAt: fromMilli(r.UpdatedAt),
	}
}

// UpsertPreference stores the full preference row for (user, type).
func (s *Store) UpsertPreference(ctx context.Context, userID string, p model.Preference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, type, enabled, in_app, email, push, settings, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, type) DO UPDATE SET
		   enabled=excluded.enabled, in_app=excluded.in_app, email=excluded.email,
		   push=excluded.push, settings=excluded.settings, updated_at=excluded.updated_at`,
		userID, string(p.Type), p.Enabled, p.InApp, p.Email, p.Push, p.Settings,
		toMilli(time.Now()),
	)
	return err
}

// GetPreference returns ErrNotFound when no override row exists; callers
// fall back to the fail-open default.
func (s *Store) GetPreference(ctx context.Context, userID string, typ model.NotificationType) (model.Preference, error) {
	var r preferenceRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM preferences WHERE user_id = ? AND type = ?`, userID, string(typ))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Preference{}, ErrNotFound
	}
	if err != nil {
		return model.Preference{}, err
	}
	return r.toModel(), nil
}

// ListPreferences returns all stored overrides for the user.
func (s *Store) ListPreferences(ctx context.Context, userID string) ([]model.Preference, error) {
	var rows []preferenceRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM preferences WHERE user_id = ? ORDER BY type`, userID); err != nil {
		return nil, err
	}
	out := make([]model.Preference, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeletePreference removes the override, reverting the type to the default.
func (s *Store) DeletePreference(ctx context.Context, userID string, typ model.NotificationType) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM preferences WHERE user_id = ? AND type = ?`, userID, string(typ))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
