package model

import "time"

const BucketOutcome = "outcome"

// Outcome is the audit record of a resolved verification.
type Outcome struct {
	ID         string
	UserID     int64
	ChatID     int64
	State      State
	BanPolicy  string
	ResolvedAt time.Time
	// Errors holds failed moderation calls, which leave the member in an inconsistent state.
	Errors []string
}
