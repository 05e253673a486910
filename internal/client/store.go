package client

import (
	"context"
	"sync"
	"time"

	"beacon/internal/model"
	logx "beacon/pkg/logx"
)

// Store is the authoritative local view of notifications, unread count,
// and preferences. Pushed events and REST responses all route through the
// same entry points, so the later arrival always wins.
//
// The unread count is owned here: maintained incrementally and corrected
// by server snapshots and unread_count pushes, never recounted per read.
type Store struct {
	mu   sync.Mutex
	rest *Client
	log  logx.Logger

	notifications []model.Notification
	unread        int
	prefs         map[model.NotificationType]model.Preference
	connected     bool
	lastErr       error
	closed        bool
}

func NewStore(rest *Client, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		rest:  rest,
		log:   log,
		prefs: map[model.NotificationType]model.Preference{},
	}
}

// Close discards the store. Late results from in-flight remote calls are
// dropped instead of applied.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Err returns the last surfaced inconsistency (failed fetch or remote
// confirm). It is informational; the optimistic state stands.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Store) SetConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
}

// FetchNotifications replaces the local state from a REST snapshot.
// Failures set the error flag and leave current state untouched; they
// never propagate past this boundary.
func (s *Store) FetchNotifications(ctx context.Context, unreadOnly bool) {
	snap, err := s.rest.FetchSnapshot(ctx, unreadOnly)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		s.lastErr = err
		s.log.Warn("snapshot fetch failed", logx.Err(err))
		return
	}
	s.lastErr = nil
	s.notifications = snap.Notifications
	s.unread = snap.UnreadCount
	s.prefs = make(map[model.NotificationType]model.Preference, len(snap.Preferences))
	for _, p := range snap.Preferences {
		s.prefs[p.Type] = p
	}
}

// AddNotification merges a pushed notification. The push channel is
// at-least-once, so a repeated id is a no-op.
func (s *Store) AddNotification(n model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i, have := range s.notifications {
		if have.ID == n.ID {
			s.notifications[i] = n
			return
		}
	}
	s.notifications = append([]model.Notification{n}, s.notifications...)
	if !n.Read {
		s.unread++
	}
}

// SetUnreadCount is the authoritative overwrite used to correct drift.
func (s *Store) SetUnreadCount(count int) {
	s.mu.Lock()
	if !s.closed {
		s.unread = count
	}
	s.mu.Unlock()
}

// MarkAsRead applies the optimistic local transition, then confirms
// remotely. A failed confirm sets the error flag but never reverts.
func (s *Store) MarkAsRead(ctx context.Context, id string) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	transitioned := false
	for i := range s.notifications {
		if s.notifications[i].ID == id && !s.notifications[i].Read {
			s.notifications[i].MarkRead(now)
			transitioned = true
		}
	}
	if transitioned && s.unread > 0 {
		s.unread--
	}
	s.mu.Unlock()

	if err := s.rest.MarkRead(ctx, id); err != nil {
		s.noteRemoteErr("mark read", err)
	}
}

// MarkAllAsRead transitions every unread notification, decrementing the
// counter by the number actually transitioned.
func (s *Store) MarkAllAsRead(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	transitioned := 0
	for i := range s.notifications {
		if !s.notifications[i].Read {
			s.notifications[i].MarkRead(now)
			transitioned++
		}
	}
	s.unread -= transitioned
	if s.unread < 0 {
		s.unread = 0
	}
	s.mu.Unlock()

	if err := s.rest.MarkAllRead(ctx); err != nil {
		s.noteRemoteErr("mark all read", err)
	}
}

// DeleteNotification removes locally and remotely. A deleted unread item
// decrements the counter.
func (s *Store) DeleteNotification(ctx context.Context, id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i, n := range s.notifications {
		if n.ID == id {
			if !n.Read && s.unread > 0 {
				s.unread--
			}
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.rest.Delete(ctx, id); err != nil {
		s.noteRemoteErr("delete", err)
	}
}

func (s *Store) noteRemoteErr(op string, err error) {
	s.mu.Lock()
	if !s.closed {
		s.lastErr = err
	}
	s.mu.Unlock()
	s.log.Warn("remote confirm failed, local state kept", logx.String("op", op), logx.Err(err))
}

// Notifications returns a copy of the current list, newest first.
func (s *Store) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.notifications...)
}

func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// UnreadNotifications filters the cached list.
func (s *Store) UnreadNotifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}

// NotificationsByType filters the cached list.
func (s *Store) NotificationsByType(typ model.NotificationType) []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// IsPreferenceEnabled defaults to enabled when no preference row exists.
func (s *Store) IsPreferenceEnabled(typ model.NotificationType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[typ]; ok {
		return p.Enabled
	}
	return true
}
