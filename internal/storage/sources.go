package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"beacon/internal/model"
)

type sourceRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	Type        string         `db:"type"`
	Name        string         `db:"name"`
	Credentials model.Metadata `db:"credentials"`
	Enabled     bool           `db:"enabled"`
	LastSync    *int64         `db:"last_sync"`
	LastError   string         `db:"last_error"`
	CreatedAt   int64          `db:"created_at"`
}

func (r sourceRow) toModel() model.Source {
	return model.Source{
		ID:          r.ID,
		UserID:      r.UserID,
		Type:        r.Type,
		Name:        r.Name,
		Credentials: r.Credentials,
		Enabled:     r.Enabled,
		LastSync:    fromMilliPtr(r.LastSync),
		LastError:   r.LastError,
		CreatedAt:   fromMilli(r.CreatedAt),
	}
}

// InsertSource persists a new external source descriptor.
func (s *Store) InsertSource(ctx context.Context, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources(id, user_id, type, name, credentials, enabled, last_sync, last_error, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		src.ID, src.UserID, src.Type, src.Name, src.Credentials, src.Enabled,
		toMilliPtr(src.LastSync), src.LastError, toMilli(src.CreatedAt))
	return err
}

// UpdateSource replaces the mutable fields of a source.
func (s *Store) UpdateSource(ctx context.Context, src model.Source) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET type=?, name=?, credentials=?, enabled=?
		 WHERE user_id=? AND id=?`,
		src.Type, src.Name, src.Credentials, src.Enabled, src.UserID, src.ID)
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

// GetSource returns ErrNotFound for an unknown id.
func (s *Store) GetSource(ctx context.Context, userID, id string) (model.Source, error) {
	var r sourceRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM sources WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, err
	}
	return r.toModel(), nil
}

// ListSources returns the user's sources.
func (s *Store) ListSources(ctx context.Context, userID string) ([]model.Source, error) {
	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sources WHERE user_id = ? ORDER BY name, id`, userID); err != nil {
		return nil, err
	}
	out := make([]model.Source, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteSource removes a source. Unknown ids are ErrNotFound.
func (s *Store) DeleteSource(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sources WHERE user_id = ? AND id = ?`, userID, id)
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

// RecordSourceSync stamps the outcome of a collection run. A successful run
// clears last_error.
func (s *Store) RecordSourceSync(ctx context.Context, userID, id string, at time.Time, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_sync=?, last_error=? WHERE user_id=? AND id=?`,
		toMilli(at), msg, userID, id)
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
