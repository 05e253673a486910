package storage

import (
	"context"
	"database/sql"
	"errors"

	"beacon/internal/model"
)

type digestRow struct {
	ID                string `db:"id"`
	UserID            string `db:"user_id"`
	Type              string `db:"type"`
	PeriodStart       int64  `db:"period_start"`
	PeriodEnd         int64  `db:"period_end"`
	Summary           string `db:"summary"`
	NotificationCount int    `db:"notification_count"`
	CreatedAt         int64  `db:"created_at"`
}

func (r digestRow) toModel() model.Digest {
	return model.Digest{
		ID:                r.ID,
		UserID:            r.UserID,
		Type:              model.DigestType(r.Type),
		PeriodStart:       fromMilli(r.PeriodStart),
		PeriodEnd:         fromMilli(r.PeriodEnd),
		Summary:           r.Summary,
		NotificationCount: r.NotificationCount,
		CreatedAt:         fromMilli(r.CreatedAt),
	}
}

// InsertDigest appends a digest row. Regenerating the same period appends a
// new version rather than overwriting.
func (s *Store) InsertDigest(ctx context.Context, d model.Digest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO digests(id, user_id, type, period_start, period_end, summary, notification_count, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		d.ID, d.UserID, string(d.Type), toMilli(d.PeriodStart), toMilli(d.PeriodEnd),
		d.Summary, d.NotificationCount, toMilli(d.CreatedAt))
	return err
}

// LatestDigest returns the most recently created digest of the given type.
// "No digest yet" is ErrNotFound, a normal outcome.
func (s *Store) LatestDigest(ctx context.Context, userID string, typ model.DigestType) (model.Digest, error) {
	var r digestRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM digests WHERE user_id = ? AND type = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, string(typ))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Digest{}, ErrNotFound
	}
	if err != nil {
		return model.Digest{}, err
	}
	return r.toModel(), nil
}

// ListDigests returns the user's digests of one type, newest-first.
func (s *Store) ListDigests(ctx context.Context, userID string, typ model.DigestType, limit int) ([]model.Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []digestRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM digests WHERE user_id = ? AND type = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, string(typ), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Digest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
