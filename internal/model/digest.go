package model

import "time"

// DigestType is the aggregation window of a digest.
type DigestType string

const (
	DigestDaily   DigestType = "daily"
	DigestWeekly  DigestType = "weekly"
	DigestMonthly DigestType = "monthly"
)

// Valid reports whether t is a known digest type.
func (t DigestType) Valid() bool {
	switch t {
	case DigestDaily, DigestWeekly, DigestMonthly:
		return true
	}
	return false
}

// Digest is a generated textual summary of notifications over a half-open
// period [PeriodStart, PeriodEnd). Multiple digests of the same type may
// coexist; "latest" is the one with the greatest CreatedAt.
type Digest struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	Type              DigestType `db:"type" json:"type"`
	PeriodStart       time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd         time.Time  `db:"period_end" json:"period_end"`
	Summary           string     `db:"summary" json:"summary"`
	NotificationCount int        `db:"notification_count" json:"notification_count"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}
