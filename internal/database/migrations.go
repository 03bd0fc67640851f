package database

import (
	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.NotificationPreference{},
		&models.Notification{},
		&models.DigestSendLog{},
	)
}
