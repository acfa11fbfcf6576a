package model

import "time"

// AuditEntry is one append-only record of a committed transition or of a
// payment that could not be applied.
type AuditEntry struct {
	ID        string // ULID
	UserID    string
	Command   string
	OldStatus SubscriptionStatus
	NewStatus SubscriptionStatus
	Version   int64
	Detail    string
	CreatedAt time.Time
}
