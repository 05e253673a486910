package storage

import (
	"context"
	"database/sql"
	"errors"

	"beacon/internal/model"
)

type patternRow struct {
	UserID     string  `db:"user_id"`
	Key        string  `db:"key"`
	Type       string  `db:"type"`
	Confidence float64 `db:"confidence"`
	Frequency  int     `db:"frequency"`
	FirstSeen  int64   `db:"first_seen"`
	LastSeen   int64   `db:"last_seen"`
}

func (r patternRow) toModel() model.Pattern {
	return model.Pattern{
		Key:        r.Key,
		Type:       r.Type,
		Confidence: r.Confidence,
		Frequency:  r.Frequency,
		FirstSeen:  fromMilli(r.FirstSeen),
		LastSeen:   fromMilli(r.LastSeen),
	}
}

// UpsertPattern writes the full pattern row for (user, key).
func (s *Store) UpsertPattern(ctx context.Context, userID string, p model.Pattern) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patterns(user_id, key, type, confidence, frequency, first_seen, last_seen)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, key) DO UPDATE SET
		   type=excluded.type, confidence=excluded.confidence, frequency=excluded.frequency,
		   last_seen=excluded.last_seen`,
		userID, p.Key, p.Type, p.Confidence, p.Frequency,
		toMilli(p.FirstSeen), toMilli(p.LastSeen))
	return err
}

// GetPattern returns ErrNotFound for an unknown key.
func (s *Store) GetPattern(ctx context.Context, userID, key string) (model.Pattern, error) {
	var r patternRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM patterns WHERE user_id = ? AND key = ?`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pattern{}, ErrNotFound
	}
	if err != nil {
		return model.Pattern{}, err
	}
	return r.toModel(), nil
}

// ListPatterns returns every pattern row for the user.
func (s *Store) ListPatterns(ctx context.Context, userID string) ([]model.Pattern, error) {
	var rows []patternRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM patterns WHERE user_id = ? ORDER BY key`, userID); err != nil {
		return nil, err
	}
	out := make([]model.Pattern, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListPatternUsers returns the distinct user ids with pattern rows, for the
// maintenance decay sweep.
func (s *Store) ListPatternUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users, `SELECT DISTINCT user_id FROM patterns ORDER BY user_id`)
	return users, err
}

// DeletePattern is the explicit operator path; rows are never deleted
// automatically.
func (s *Store) DeletePattern(ctx context.Context, userID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM patterns WHERE user_id = ? AND key = ?`, userID, key)
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
