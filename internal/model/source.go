package model

import "time"

// Source describes an external origin whose activity produces
// source_item_ready notifications. The ingestion path owns these rows;
// the dispatcher only references them for collection-triggered events.
type Source struct {
	ID          string     `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	Type        string     `db:"type" json:"type"`
	Name        string     `db:"name" json:"name"`
	Credentials Metadata   `db:"credentials" json:"credentials,omitempty"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	LastSync    *time.Time `db:"last_sync" json:"last_sync,omitempty"`
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
