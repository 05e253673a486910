package model

import "time"

// Pattern tracks one recurring notification signature.
//
// Confidence stays within [0,1]: it rises with repeated occurrences and
// partially decays when a previously-frequent key stops recurring. Rows are
// never deleted except by explicit operator action.
type Pattern struct {
	Key        string    `db:"key" json:"key"`
	Type       string    `db:"type" json:"type"`
	Confidence float64   `db:"confidence" json:"confidence"`
	Frequency  int       `db:"frequency" json:"frequency"`
	FirstSeen  time.Time `db:"first_seen" json:"first_seen"`
	LastSeen   time.Time `db:"last_seen" json:"last_seen"`
}
