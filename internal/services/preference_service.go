package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/models"
	apperrors "github.com/velinpetkov/eventnotify/pkg/errors"
)

// UpsertPreferenceInput defines attributes accepted when creating or updating
// a user's notification preference.
type UpsertPreferenceInput struct {
	UserID      string
	Channel     string
	Enabled     bool
	ContactInfo string
}

// PreferenceService manages per-user notification preferences.
type PreferenceService struct {
	db *gorm.DB
}

// NewPreferenceService constructs a PreferenceService.
func NewPreferenceService(db *gorm.DB) (*PreferenceService, error) {
	if db == nil {
		return nil, errors.New("preference service: db is required")
	}
	return &PreferenceService{db: db}, nil
}

// Upsert creates the preference row for a user or updates the existing one.
// At most one preference exists per user.
func (s *PreferenceService) Upsert(ctx context.Context, input UpsertPreferenceInput) (*models.NotificationPreference, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}

	channel := strings.TrimSpace(input.Channel)
	if channel == "" {
		channel = models.ChannelEmail
	}

	var pref models.NotificationPreference
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	switch {
	case err == nil:
		pref.Channel = channel
		pref.Enabled = input.Enabled
		pref.ContactInfo = strings.TrimSpace(input.ContactInfo)
		if err := s.db.WithContext(ctx).Save(&pref).Error; err != nil {
			return nil, fmt.Errorf("preference service: update preference: %w", err)
		}
		return &pref, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		pref = models.NotificationPreference{
			UserID:      userID,
			Channel:     channel,
			Enabled:     input.Enabled,
			ContactInfo: strings.TrimSpace(input.ContactInfo),
		}
		if err := s.db.WithContext(ctx).Create(&pref).Error; err != nil {
			return nil, fmt.Errorf("preference service: create preference: %w", err)
		}
		return &pref, nil
	default:
		return nil, fmt.Errorf("preference service: load preference: %w", err)
	}
}

// GetByUser returns the preference row for the supplied user.
func (s *PreferenceService) GetByUser(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}

	var pref models.NotificationPreference
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrPreferenceNotFound
		}
		return nil, fmt.Errorf("preference service: load preference: %w", err)
	}
	return &pref, nil
}

// SetEnabled toggles the enabled flag for an existing preference.
func (s *PreferenceService) SetEnabled(ctx context.Context, userID string, enabled bool) (*models.NotificationPreference, error) {
	ctx = ensureContext(ctx)
	pref, err := s.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pref.Enabled = enabled
	if err := s.db.WithContext(ctx).Model(pref).Update("enabled", enabled).Error; err != nil {
		return nil, fmt.Errorf("preference service: toggle preference: %w", err)
	}
	return pref, nil
}

// ListEnabledEmailSubscribers returns every enabled EMAIL preference, the
// input set for a digest run.
func (s *PreferenceService) ListEnabledEmailSubscribers(ctx context.Context) ([]models.NotificationPreference, error) {
	ctx = ensureContext(ctx)

	var rows []models.NotificationPreference
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND channel = ?", true, models.ChannelEmail).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("preference service: list subscribers: %w", err)
	}
	return rows, nil
}
