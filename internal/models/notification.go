package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationStatus tracks a notification through its delivery lifecycle.
type NotificationStatus string

const (
	// NotificationPending awaits a send attempt, optionally at a future time.
	NotificationPending NotificationStatus = "PENDING"
	// NotificationSucceeded is terminal: the message was delivered.
	NotificationSucceeded NotificationStatus = "SUCCEEDED"
	// NotificationFailed is terminal: delivery was permanently abandoned.
	NotificationFailed NotificationStatus = "FAILED"
)

// ChannelEmail is the only delivery channel currently supported.
const ChannelEmail = "EMAIL"

// Notification represents one logical message and its delivery lifecycle record.
//
// ScheduledAt is nil for messages delivered synchronously at creation time;
// only rows with a non-nil ScheduledAt are ever picked up by the due-sweep.
type Notification struct {
	BaseModel

	UserID  string `gorm:"type:uuid;index;not null" json:"user_id"`
	Channel string `gorm:"type:varchar(32);not null;default:'EMAIL'" json:"channel"`
	Subject string `gorm:"type:varchar(255);not null" json:"subject"`
	Body    string `gorm:"type:text;not null" json:"body"`

	Status      NotificationStatus `gorm:"type:varchar(32);not null;index:idx_notifications_due" json:"status"`
	ScheduledAt *time.Time         `gorm:"index:idx_notifications_due" json:"scheduled_at,omitempty"`
	Attempts    int                `gorm:"not null;default:0" json:"attempts"`
	LastError   *string            `gorm:"type:text" json:"last_error,omitempty"`

	Deleted  bool           `gorm:"not null;default:false;index" json:"-"`
	Metadata datatypes.JSON `json:"metadata,omitempty"`
}
