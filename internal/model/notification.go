package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationType is the closed set of event categories the system delivers.
type NotificationType string

const (
	TypeTaskDueSoon      NotificationType = "task_due_soon"
	TypeCapacityOverload NotificationType = "capacity_overload"
	TypeCyclePhaseChange NotificationType = "cycle_phase_change"
	TypeSourceItemReady  NotificationType = "source_item_ready"
	TypeSystem           NotificationType = "system"
	TypeAchievement      NotificationType = "achievement"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeTaskDueSoon, TypeCapacityOverload, TypeCyclePhaseChange,
		TypeSourceItemReady, TypeSystem, TypeAchievement:
		return true
	}
	return false
}

// Metadata is an opaque key/value blob attached to a notification.
// Well-known keys: "priority" (number), "action_url" (string).
type Metadata map[string]any

// Value implements driver.Valuer: metadata is stored as a JSON text column.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// Notification is a persisted record of a user-relevant event with
// read/unread state.
//
// Invariant: ReadAt is set iff Read is true.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Read      bool             `db:"read" json:"read"`
	Metadata  Metadata         `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	ReadAt    *time.Time       `db:"read_at" json:"read_at,omitempty"`
}

// NewNotification builds an unread notification with a fresh id.
func NewNotification(userID string, typ NotificationType, title, message string, meta Metadata) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkRead flips the read flag and stamps ReadAt, keeping the invariant.
// It is a no-op on an already-read notification.
func (n *Notification) MarkRead(at time.Time) {
	if n.Read {
		return
	}
	n.Read = true
	t := at.UTC()
	n.ReadAt = &t
}

// Priority extracts the well-known metadata priority (0 when absent).
func (n Notification) Priority() int {
	if n.Metadata == nil {
		return 0
	}
	switch v := n.Metadata["priority"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	}
	return 0
}
