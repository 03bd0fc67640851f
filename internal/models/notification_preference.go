package models

// NotificationPreference stores a user's opt-in state and contact channel.
// At most one row exists per user; rows are toggled, never deleted.
type NotificationPreference struct {
	BaseModel

	UserID      string `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Channel     string `gorm:"type:varchar(32);not null;default:'EMAIL'" json:"channel"`
	Enabled     bool   `gorm:"not null;default:false;index" json:"enabled"`
	ContactInfo string `gorm:"type:varchar(255);not null" json:"contact_info"`
}
