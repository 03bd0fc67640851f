package models

import "time"

// DigestStatus records the outcome of a single digest send.
type DigestStatus string

const (
	DigestSent   DigestStatus = "SENT"
	DigestFailed DigestStatus = "FAILED"
)

// DigestSendLog is the append-only audit trail for digest deliveries.
//
// The composite unique index on (user, period start, period end) is the
// authority preventing duplicate digests for the same period; application
// level pre-checks only exist to skip redundant sends in the common case.
type DigestSendLog struct {
	BaseModel

	UserID      string       `gorm:"type:uuid;not null;uniqueIndex:idx_digest_user_period" json:"user_id"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:idx_digest_user_period" json:"period_start"`
	PeriodEnd   time.Time    `gorm:"not null;uniqueIndex:idx_digest_user_period" json:"period_end"`
	SentAt      time.Time    `gorm:"not null" json:"sent_at"`
	Status      DigestStatus `gorm:"type:varchar(20);not null" json:"status"`
	ErrorMsg    *string      `gorm:"type:text" json:"error_message,omitempty"`
}
