package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/models"
	apperrors "github.com/velinpetkov/eventnotify/pkg/errors"
	"github.com/velinpetkov/eventnotify/pkg/logger"
	"github.com/velinpetkov/eventnotify/pkg/mail"
	"github.com/velinpetkov/eventnotify/pkg/metrics"
)

// Default retry policy applied when the configuration leaves it unset.
const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 2 * time.Minute
)

// RetryPolicy bounds how often a scheduled notification is retried and how
// far each retry is pushed into the future. The backoff is a fixed interval.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryBackoff
	}
	return p
}

// SendInput defines attributes required to create a notification.
type SendInput struct {
	UserID   string
	Subject  string
	Body     string
	Metadata map[string]any
}

// SweepStats summarises one due-sweep execution.
type SweepStats struct {
	Due       int
	Succeeded int
	Retried   int
	Failed    int
	Skipped   int
}

// NotificationService owns the notification lifecycle state machine: the
// immediate send, the scheduled send, and the periodic due-sweep with its
// bounded retry policy.
type NotificationService struct {
	db     *gorm.DB
	prefs  *PreferenceService
	mailer mail.Mailer
	policy RetryPolicy
	now    func() time.Time
	log    *zap.Logger
}

// EngineOption customises the NotificationService.
type EngineOption func(*NotificationService)

// WithNow overrides the clock used for scheduling and due comparisons.
func WithNow(now func() time.Time) EngineOption {
	return func(s *NotificationService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNotificationService constructs the delivery engine.
func NewNotificationService(db *gorm.DB, prefs *PreferenceService, mailer mail.Mailer, policy RetryPolicy, opts ...EngineOption) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	if prefs == nil {
		return nil, errors.New("notification service: preference service is required")
	}
	if mailer == nil {
		return nil, errors.New("notification service: mailer is required")
	}

	svc := &NotificationService{
		db:     db,
		prefs:  prefs,
		mailer: mailer,
		policy: policy.normalised(),
		now:    time.Now,
		log:    logger.WithModule("notifications"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Policy returns the effective retry policy.
func (s *NotificationService) Policy() RetryPolicy {
	return s.policy
}

// Send validates the target preference and attempts exactly one delivery.
// Delivery failure is captured on the persisted record, not returned as an
// error; the immediate path is never retried.
func (s *NotificationService) Send(ctx context.Context, input SendInput) (*models.Notification, error) {
	ctx = ensureContext(ctx)
	pref, err := s.resolvePreference(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	notification, err := s.buildNotification(input, pref)
	if err != nil {
		return nil, err
	}

	deliveryErr := s.deliver(ctx, pref.ContactInfo, notification.Subject, notification.Body)
	recordDeliveryOutcome(notification, deliveryErr)
	observeDelivery("immediate", deliveryErr)

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: persist notification: %w", err)
	}
	return notification, nil
}

// Schedule validates the target preference and persists a pending
// notification for the due-sweep. No delivery happens at schedule time.
func (s *NotificationService) Schedule(ctx context.Context, input SendInput, at time.Time) (*models.Notification, error) {
	ctx = ensureContext(ctx)
	pref, err := s.resolvePreference(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	notification, err := s.buildNotification(input, pref)
	if err != nil {
		return nil, err
	}

	scheduledAt := at.UTC()
	notification.Status = models.NotificationPending
	notification.ScheduledAt = &scheduledAt

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: persist scheduled notification: %w", err)
	}
	return notification, nil
}

// SendReminder creates a schedule-shaped record but delivers it synchronously
// in the same call instead of waiting for the sweep.
func (s *NotificationService) SendReminder(ctx context.Context, input SendInput) (*models.Notification, error) {
	ctx = ensureContext(ctx)
	pref, err := s.resolvePreference(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	notification, err := s.buildNotification(input, pref)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	notification.ScheduledAt = &now

	deliveryErr := s.deliver(ctx, pref.ContactInfo, notification.Subject, notification.Body)
	recordDeliveryOutcome(notification, deliveryErr)
	observeDelivery("reminder", deliveryErr)

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: persist reminder: %w", err)
	}
	return notification, nil
}

// ProcessDue scans for pending notifications whose scheduled time has passed
// and attempts one delivery for each. Rows are claimed with a conditional
// update before the attempt so that overlapping sweeps never process the same
// row twice. One row's outcome never affects another's.
func (s *NotificationService) ProcessDue(ctx context.Context) (SweepStats, error) {
	ctx = ensureContext(ctx)
	now := s.now().UTC()
	metrics.DueSweepRuns.Inc()

	var due []models.Notification
	if err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? AND deleted = ?",
			models.NotificationPending, now, false).
		Find(&due).Error; err != nil {
		return SweepStats{}, fmt.Errorf("notification service: query due notifications: %w", err)
	}

	stats := SweepStats{Due: len(due)}
	for i := range due {
		outcome := s.processDueRow(ctx, &due[i], now)
		switch outcome {
		case models.NotificationSucceeded:
			stats.Succeeded++
		case models.NotificationFailed:
			stats.Failed++
		case models.NotificationPending:
			stats.Retried++
		default:
			stats.Skipped++
		}
	}

	if stats.Due > 0 {
		s.log.Info("due-sweep completed",
			zap.Int("due", stats.Due),
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped))
	}
	return stats, nil
}

// processDueRow claims, delivers, and persists a single due notification.
// Returns the resulting status, or "" when the row was skipped.
func (s *NotificationService) processDueRow(ctx context.Context, n *models.Notification, now time.Time) models.NotificationStatus {
	// Claim by pushing the schedule forward, restricted to the state we
	// observed. Zero rows affected means a concurrent sweep got here first.
	claimUntil := now.Add(s.policy.Backoff)
	claim := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND status = ? AND scheduled_at = ?", n.ID, models.NotificationPending, n.ScheduledAt).
		Update("scheduled_at", claimUntil)
	if claim.Error != nil {
		s.log.Error("claim due notification", zap.String("id", n.ID), zap.Error(claim.Error))
		metrics.DueSweepProcessed.WithLabelValues("skipped").Inc()
		return ""
	}
	if claim.RowsAffected == 0 {
		metrics.DueSweepProcessed.WithLabelValues("skipped").Inc()
		return ""
	}

	deliveryErr := s.deliverTo(ctx, n)
	next := applyDeliveryOutcome(*n, deliveryErr, now, s.policy)
	observeDelivery("scheduled", deliveryErr)

	updates := map[string]any{
		"status":       next.Status,
		"attempts":     next.Attempts,
		"last_error":   next.LastError,
		"scheduled_at": next.ScheduledAt,
	}
	if err := s.db.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", n.ID).Updates(updates).Error; err != nil {
		s.log.Error("persist due notification outcome", zap.String("id", n.ID), zap.Error(err))
		metrics.DueSweepProcessed.WithLabelValues("skipped").Inc()
		return ""
	}

	switch next.Status {
	case models.NotificationSucceeded:
		metrics.DueSweepProcessed.WithLabelValues("succeeded").Inc()
	case models.NotificationFailed:
		metrics.DueSweepProcessed.WithLabelValues("failed").Inc()
	default:
		metrics.DueSweepProcessed.WithLabelValues("retried").Inc()
	}
	return next.Status
}

// deliverTo re-reads the user's current preference before delivering; a
// preference that vanished or was disabled since scheduling counts as a
// failed attempt.
func (s *NotificationService) deliverTo(ctx context.Context, n *models.Notification) error {
	pref, err := s.prefs.GetByUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve preference: %w", err)
	}
	if !pref.Enabled {
		return fmt.Errorf("preference disabled for user %s", n.UserID)
	}
	if strings.TrimSpace(pref.ContactInfo) == "" {
		return fmt.Errorf("no contact address for user %s", n.UserID)
	}
	return s.deliver(ctx, pref.ContactInfo, n.Subject, n.Body)
}

// GetByID loads a notification regardless of its soft-delete flag.
func (s *NotificationService) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	ctx = ensureContext(ctx)
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.NewBadRequest("notification id is required")
	}

	var notification models.Notification
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}
	return &notification, nil
}

// ListForUser returns the user's non-deleted notifications, newest first.
func (s *NotificationService) ListForUser(ctx context.Context, userID string) ([]models.Notification, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}
	return rows, nil
}

// ClearForUser soft-deletes all of the user's notifications. Rows remain in
// the store and stay loadable by id.
func (s *NotificationService) ClearForUser(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperrors.NewBadRequest("user id is required")
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND deleted = ?", userID, false).
		Update("deleted", true).Error; err != nil {
		return fmt.Errorf("notification service: clear notifications: %w", err)
	}
	return nil
}

func (s *NotificationService) resolvePreference(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	pref, err := s.prefs.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !pref.Enabled {
		return nil, apperrors.ErrPreferenceDisabled
	}
	if strings.TrimSpace(pref.ContactInfo) == "" {
		return nil, apperrors.ErrInvalidContact
	}
	return pref, nil
}

func (s *NotificationService) buildNotification(input SendInput, pref *models.NotificationPreference) (*models.Notification, error) {
	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		return nil, apperrors.NewBadRequest("subject is required")
	}
	body := input.Body
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.NewBadRequest("body is required")
	}

	notification := &models.Notification{
		UserID:  pref.UserID,
		Channel: pref.Channel,
		Subject: subject,
		Body:    body,
	}

	if input.Metadata != nil {
		data, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(data)
	}

	return notification, nil
}

func (s *NotificationService) deliver(ctx context.Context, to, subject, body string) error {
	return s.mailer.Send(ctx, mail.Message{
		To:      to,
		Subject: subject,
		Body:    body,
	})
}

// recordDeliveryOutcome writes a single synchronous attempt onto a fresh
// record: SUCCEEDED, or FAILED with the failure message. Used by the
// immediate and reminder paths which never retry.
func recordDeliveryOutcome(n *models.Notification, deliveryErr error) {
	if deliveryErr == nil {
		n.Status = models.NotificationSucceeded
		n.LastError = nil
		return
	}
	msg := deliveryErr.Error()
	n.Status = models.NotificationFailed
	n.LastError = &msg
}

// applyDeliveryOutcome is the pure state transition for the scheduled path:
// given the record and the outcome of one delivery attempt, it computes the
// next record state under the supplied retry policy.
func applyDeliveryOutcome(n models.Notification, deliveryErr error, now time.Time, policy RetryPolicy) models.Notification {
	policy = policy.normalised()

	if deliveryErr == nil {
		n.Status = models.NotificationSucceeded
		n.LastError = nil
		return n
	}

	msg := deliveryErr.Error()
	n.Attempts++
	n.LastError = &msg

	if n.Attempts >= policy.MaxAttempts {
		n.Status = models.NotificationFailed
		return n
	}

	retryAt := now.Add(policy.Backoff)
	n.Status = models.NotificationPending
	n.ScheduledAt = &retryAt
	return n
}

func observeDelivery(path string, deliveryErr error) {
	result := "success"
	if deliveryErr != nil {
		result = "failure"
	}
	metrics.Deliveries.WithLabelValues(path, result).Inc()
}
