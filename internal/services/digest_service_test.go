package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/events"
	"github.com/velinpetkov/eventnotify/internal/models"
)

// fakeEventSource returns canned events, or an error, for every period.
type fakeEventSource struct {
	items []events.EventSummary
	err   error
}

func (s *fakeEventSource) ListBetween(_ context.Context, _, _ time.Time) ([]events.EventSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

func newTestDigest(t *testing.T, mailer *fakeMailer, source EventSource) (*gorm.DB, *PreferenceService, *DigestService) {
	t.Helper()

	db, prefs, _ := newTestEngine(t, mailer)

	digest, err := NewDigestService(db, prefs, mailer, source)
	require.NoError(t, err)
	return db, prefs, digest
}

func countDigestLogs(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.DigestSendLog{}).Where("user_id = ?", userID).Count(&count).Error)
	return count
}

func digestPeriod() (time.Time, time.Time) {
	end := time.Date(2025, 6, 6, 17, 30, 0, 0, time.UTC)
	return end.AddDate(0, 0, -7), end
}

func TestRunForPeriodSendsOncePerSubscriber(t *testing.T) {
	mailer := &fakeMailer{}
	db, prefs, digest := newTestDigest(t, mailer, &fakeEventSource{})

	userID := mustCreatePreference(t, prefs, true, "leo@example.com")
	from, to := digestPeriod()

	stats, err := digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, DigestRunStats{Subscribers: 1, Sent: 1}, stats)
	require.Len(t, mailer.sentMessages(), 1)
	require.EqualValues(t, 1, countDigestLogs(t, db, userID))

	// A repeat run for the same period is a no-op for this subscriber.
	stats, err = digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, DigestRunStats{Subscribers: 1, Skipped: 1}, stats)
	require.Len(t, mailer.sentMessages(), 1)
	require.EqualValues(t, 1, countDigestLogs(t, db, userID))
}

func TestRunForPeriodDistinctPeriodsSendAgain(t *testing.T) {
	mailer := &fakeMailer{}
	db, prefs, digest := newTestDigest(t, mailer, &fakeEventSource{})

	userID := mustCreatePreference(t, prefs, true, "mia@example.com")
	from, to := digestPeriod()

	_, err := digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)

	nextFrom, nextTo := from.AddDate(0, 0, 7), to.AddDate(0, 0, 7)
	stats, err := digest.RunForPeriod(context.Background(), nextFrom, nextTo)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Sent)
	require.EqualValues(t, 2, countDigestLogs(t, db, userID))
}

func TestRunForPeriodSkipsDisabledSubscribers(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, digest := newTestDigest(t, mailer, &fakeEventSource{})

	mustCreatePreference(t, prefs, false, "off@example.com")
	from, to := digestPeriod()

	stats, err := digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, DigestRunStats{}, stats)
	require.Empty(t, mailer.sentMessages())
}

func TestRunForPeriodRecordsDeliveryFailure(t *testing.T) {
	mailer := &fakeMailer{}
	mailer.failWith(errors.New("smtp: connection refused"))
	db, prefs, digest := newTestDigest(t, mailer, &fakeEventSource{})

	userID := mustCreatePreference(t, prefs, true, "nick@example.com")
	from, to := digestPeriod()

	stats, err := digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, DigestRunStats{Subscribers: 1, Failed: 1}, stats)

	var entry models.DigestSendLog
	require.NoError(t, db.Where("user_id = ?", userID).First(&entry).Error)
	require.Equal(t, models.DigestFailed, entry.Status)
	require.NotNil(t, entry.ErrorMsg)
	require.Contains(t, *entry.ErrorMsg, "connection refused")

	var notification models.Notification
	require.NoError(t, db.Where("user_id = ?", userID).First(&notification).Error)
	require.Equal(t, models.NotificationFailed, notification.Status)
}

func TestRunForPeriodDegradesOnEventSourceError(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, digest := newTestDigest(t, mailer, &fakeEventSource{err: errors.New("upstream unavailable")})

	mustCreatePreference(t, prefs, true, "olga@example.com")
	from, to := digestPeriod()

	stats, err := digest.RunForPeriod(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Sent)

	sent := mailer.sentMessages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Body, "no new events")
}

func TestRunForPeriodOverlappingRunsLogOnce(t *testing.T) {
	mailer := newGatedMailer()
	db, prefs, _ := newTestEngine(t, mailer)

	digest, err := NewDigestService(db, prefs, mailer, &fakeEventSource{})
	require.NoError(t, err)

	userID := mustCreatePreference(t, prefs, true, "paula@example.com")
	from, to := digestPeriod()

	type runResult struct {
		stats DigestRunStats
		err   error
	}
	results := make(chan runResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			stats, runErr := digest.RunForPeriod(context.Background(), from, to)
			results <- runResult{stats: stats, err: runErr}
		}()
	}

	// Both runs have passed the dedup pre-check and are blocked mid-send;
	// from here only the unique constraint can keep the log single.
	<-mailer.arrived
	<-mailer.arrived
	close(mailer.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	require.EqualValues(t, 1, countDigestLogs(t, db, userID))
	require.Equal(t, 1, first.stats.Sent+second.stats.Sent)
	require.Equal(t, 1, first.stats.Skipped+second.stats.Skipped)
	require.Len(t, mailer.sentMessages(), 2)
}

func TestDuplicateSendLogHitsUniqueConstraint(t *testing.T) {
	db, _, _ := newTestEngine(t, &fakeMailer{})
	from, to := digestPeriod()

	entry := models.DigestSendLog{
		UserID:      "dup-user",
		PeriodStart: from,
		PeriodEnd:   to,
		SentAt:      to,
		Status:      models.DigestSent,
	}
	require.NoError(t, db.Create(&entry).Error)

	dup := models.DigestSendLog{
		UserID:      "dup-user",
		PeriodStart: from,
		PeriodEnd:   to,
		SentAt:      to,
		Status:      models.DigestSent,
	}
	err := db.Create(&dup).Error
	require.Error(t, err)
	require.True(t, isUniqueConstraintError(err))
}

func TestComposeDigestBodyEmptyPeriod(t *testing.T) {
	from, to := digestPeriod()

	body := ComposeDigestBody(nil, from, to)
	require.Contains(t, body, "Hello!")
	require.Contains(t, body, "no new events")
	require.Contains(t, body, from.Format("2006-01-02"))
	require.Contains(t, body, to.Format("2006-01-02"))
}

func TestComposeDigestBodyListsEvents(t *testing.T) {
	from, to := digestPeriod()
	price := 25.50

	body := ComposeDigestBody([]events.EventSummary{
		{
			Title:    "Jazz Evening",
			DateTime: time.Date(2025, 6, 3, 20, 0, 0, 0, time.UTC),
			Location: "Sofia Live Club",
			Price:    &price,
		},
		{
			Title:    "Open Air Cinema",
			DateTime: time.Date(2025, 6, 5, 21, 30, 0, 0, time.UTC),
		},
	}, from, to)

	require.Contains(t, body, "* Jazz Evening - 2025-06-03 20:00, Sofia Live Club (price: 25.50)")
	require.Contains(t, body, "* Open Air Cinema - 2025-06-05 21:30\n")
	require.NotContains(t, body, "no new events")
}
