package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/events"
	"github.com/velinpetkov/eventnotify/internal/models"
	"github.com/velinpetkov/eventnotify/pkg/logger"
	"github.com/velinpetkov/eventnotify/pkg/mail"
	"github.com/velinpetkov/eventnotify/pkg/metrics"
)

// DigestSubject is the subject line for every digest email.
const DigestSubject = "Weekly digest: new events"

// EventSource lists the upstream events used to compose digest bodies.
type EventSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]events.EventSummary, error)
}

// DigestRunStats summarises one digest batch run.
type DigestRunStats struct {
	Subscribers int
	Sent        int
	Failed      int
	Skipped     int
}

// DigestService sends one composed digest per enabled subscriber for a
// closed period, at most once per (user, period). The uniqueness constraint
// on the send log is the authority for "already handled"; the pre-check only
// avoids redundant sends in the common case.
type DigestService struct {
	db     *gorm.DB
	prefs  *PreferenceService
	mailer mail.Mailer
	source EventSource
	now    func() time.Time
	log    *zap.Logger
}

// DigestOption customises the DigestService.
type DigestOption func(*DigestService)

// WithDigestNow overrides the clock used for send-log timestamps.
func WithDigestNow(now func() time.Time) DigestOption {
	return func(s *DigestService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDigestService constructs a DigestService.
func NewDigestService(db *gorm.DB, prefs *PreferenceService, mailer mail.Mailer, source EventSource, opts ...DigestOption) (*DigestService, error) {
	if db == nil {
		return nil, errors.New("digest service: db is required")
	}
	if prefs == nil {
		return nil, errors.New("digest service: preference service is required")
	}
	if mailer == nil {
		return nil, errors.New("digest service: mailer is required")
	}
	if source == nil {
		return nil, errors.New("digest service: event source is required")
	}

	svc := &DigestService{
		db:     db,
		prefs:  prefs,
		mailer: mailer,
		source: source,
		now:    time.Now,
		log:    logger.WithModule("digest"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RunForPeriod composes and sends the digest for [periodStart, periodEnd)
// to every enabled EMAIL subscriber, exactly once per subscriber and period.
func (s *DigestService) RunForPeriod(ctx context.Context, periodStart, periodEnd time.Time) (DigestRunStats, error) {
	ctx = ensureContext(ctx)

	subscribers, err := s.prefs.ListEnabledEmailSubscribers(ctx)
	if err != nil {
		return DigestRunStats{}, err
	}

	body := s.composeBody(ctx, periodStart, periodEnd)

	stats := DigestRunStats{Subscribers: len(subscribers)}
	for _, pref := range subscribers {
		switch s.processSubscriber(ctx, pref, body, periodStart, periodEnd) {
		case models.DigestSent:
			stats.Sent++
			metrics.DigestSubscribers.WithLabelValues("sent").Inc()
		case models.DigestFailed:
			stats.Failed++
			metrics.DigestSubscribers.WithLabelValues("failed").Inc()
		default:
			stats.Skipped++
			metrics.DigestSubscribers.WithLabelValues("skipped").Inc()
		}
	}

	s.log.Info("digest run completed",
		zap.Time("period_start", periodStart),
		zap.Time("period_end", periodEnd),
		zap.Int("subscribers", stats.Subscribers),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// processSubscriber handles one subscriber: dedup pre-check, delivery,
// notification record, send-log insert. Returns the digest status, or ""
// when the subscriber was skipped.
func (s *DigestService) processSubscriber(ctx context.Context, pref models.NotificationPreference, body string, periodStart, periodEnd time.Time) models.DigestStatus {
	var existing int64
	err := s.db.WithContext(ctx).
		Model(&models.DigestSendLog{}).
		Where("user_id = ? AND period_start = ? AND period_end = ?", pref.UserID, periodStart, periodEnd).
		Count(&existing).Error
	if err != nil {
		s.log.Error("digest dedup pre-check", zap.String("user_id", pref.UserID), zap.Error(err))
		return ""
	}
	if existing > 0 {
		return ""
	}

	deliveryErr := s.mailer.Send(ctx, mail.Message{
		To:      pref.ContactInfo,
		Subject: DigestSubject,
		Body:    body,
	})
	observeDelivery("digest", deliveryErr)

	notification := &models.Notification{
		UserID:  pref.UserID,
		Channel: pref.Channel,
		Subject: DigestSubject,
		Body:    body,
	}
	recordDeliveryOutcome(notification, deliveryErr)
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		s.log.Error("persist digest notification", zap.String("user_id", pref.UserID), zap.Error(err))
	}

	entry := models.DigestSendLog{
		UserID:      pref.UserID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		SentAt:      s.now().UTC(),
		Status:      models.DigestSent,
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		entry.Status = models.DigestFailed
		entry.ErrorMsg = &msg
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if isUniqueConstraintError(err) {
			// A concurrent run already logged this subscriber and period;
			// the constraint, not the pre-check, is the source of truth.
			s.log.Debug("digest send log already present",
				zap.String("user_id", pref.UserID),
				zap.Time("period_start", periodStart))
			return ""
		}
		s.log.Error("persist digest send log", zap.String("user_id", pref.UserID), zap.Error(err))
	}

	return entry.Status
}

// composeBody builds the plain-text digest body for the period. An upstream
// fetch error degrades to the "nothing new" body rather than failing the run.
func (s *DigestService) composeBody(ctx context.Context, from, to time.Time) string {
	items, err := s.source.ListBetween(ctx, from, to)
	if err != nil {
		s.log.Warn("fetch events for digest", zap.Error(err))
		items = nil
	}
	return ComposeDigestBody(items, from, to)
}

// ComposeDigestBody renders the human-readable digest listing for the period.
func ComposeDigestBody(items []events.EventSummary, from, to time.Time) string {
	if len(items) == 0 {
		return fmt.Sprintf(
			"Hello!\n\nThere are no new events for the period %s - %s.\nWe will write again next week.\n",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	var sb strings.Builder
	sb.WriteString("Hello!\n\n")
	fmt.Fprintf(&sb, "Here are the new events for the period %s - %s:\n\n",
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	for _, item := range items {
		fmt.Fprintf(&sb, "* %s - %s", item.Title, item.DateTime.Format("2006-01-02 15:04"))
		if item.Location != "" {
			fmt.Fprintf(&sb, ", %s", item.Location)
		}
		if item.Price != nil {
			fmt.Fprintf(&sb, " (price: %.2f)", *item.Price)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nHave a great weekend!\n")
	return sb.String()
}
