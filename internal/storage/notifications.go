package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"beacon/internal/model"
)

type notificationRow struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	Type      string         `db:"type"`
	Title     string         `db:"title"`
	Message   string         `db:"message"`
	Read      bool           `db:"read"`
	Metadata  model.Metadata `db:"metadata"`
	CreatedAt int64          `db:"created_at"`
	ReadAt    *int64         `db:"read_at"`
}

func (r notificationRow) toModel() model.Notification {
	return model.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      model.NotificationType(r.Type),
		Title:     r.Title,
		Message:   r.Message,
		Read:      r.Read,
		Metadata:  r.Metadata,
		CreatedAt: fromMilli(r.CreatedAt),
		ReadAt:    fromMilliPtr(r.ReadAt),
	}
}

// InsertNotification persists a notification. Inserting an id that already
// exists is a no-op, so replays of the same event stay idempotent.
func (s *Store) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, type, title, message, read, metadata, created_at, read_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.Read, n.Metadata,
		toMilli(n.CreatedAt), toMilliPtr(n.ReadAt),
	)
	return err
}

// GetNotification returns ErrNotFound for an unknown id.
func (s *Store) GetNotification(ctx context.Context, userID, id string) (model.Notification, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, ErrNotFound
	}
	if err != nil {
		return model.Notification{}, err
	}
	return r.toModel(), nil
}

// ListNotifications returns the user's notifications newest-first.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT * FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, q, userID, limit); err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListNotificationsBetween returns notifications in the half-open interval
// [start, end), oldest-first, for digest generation.
func (s *Store) ListNotificationsBetween(ctx context.Context, userID string, start, end time.Time) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM notifications
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at, id`,
		userID, toMilli(start), toMilli(end))
	if err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// UnreadCount counts the user's unread notifications.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID)
	return n, err
}

// MarkNotificationRead flips one notification to read. It reports whether the
// row actually transitioned unread→read (false for already-read or unknown).
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ?
		 WHERE user_id = ? AND id = ? AND read = 0`,
		toMilli(at), userID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllNotificationsRead returns the number of rows transitioned, so a
// second call in a row is a harmless zero-count success.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ?
		 WHERE user_id = ? AND read = 0`,
		toMilli(at), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteNotification removes the row and reports whether it was unread, so
// callers can maintain their unread counters. Unknown ids are ErrNotFound.
func (s *Store) DeleteNotification(ctx context.Context, userID, id string) (wasUnread bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var read bool
	err = tx.GetContext(ctx, &read,
		`SELECT read FROM notifications WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notifications WHERE user_id = ? AND id = ?`, userID, id); err != nil {
		return false, err
	}
	return !read, tx.Commit()
}

// PruneReadNotifications deletes read notifications created before cutoff.
func (s *Store) PruneReadNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE read = 1 AND created_at < ?`, toMilli(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
