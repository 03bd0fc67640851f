package services

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/velinpetkov/eventnotify/internal/models"
	apperrors "github.com/velinpetkov/eventnotify/pkg/errors"
	"github.com/velinpetkov/eventnotify/pkg/mail"
	"github.com/velinpetkov/eventnotify/pkg/metrics"
)

func TestSendFailsWithoutPreference(t *testing.T) {
	mailer := &fakeMailer{}
	db, _, engine := newTestEngine(t, mailer)

	_, err := engine.Send(context.Background(), SendInput{
		UserID:  "11111111-1111-4111-8111-111111111111",
		Subject: "Hello",
		Body:    "World",
	})
	require.ErrorIs(t, err, apperrors.ErrPreferenceNotFound)
	require.Empty(t, mailer.sentMessages())
	require.Zero(t, countNotifications(t, db, "11111111-1111-4111-8111-111111111111"))
}

func TestSendFailsWhenPreferenceDisabled(t *testing.T) {
	mailer := &fakeMailer{}
	db, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, false, "alice@example.com")

	_, err := engine.Send(context.Background(), SendInput{UserID: userID, Subject: "Hello", Body: "World"})
	require.ErrorIs(t, err, apperrors.ErrPreferenceDisabled)
	require.Empty(t, mailer.sentMessages())
	require.Zero(t, countNotifications(t, db, userID))
}

func TestSendFailsWithBlankContact(t *testing.T) {
	mailer := &fakeMailer{}
	db, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "   ")

	_, err := engine.Send(context.Background(), SendInput{UserID: userID, Subject: "Hello", Body: "World"})
	require.ErrorIs(t, err, apperrors.ErrInvalidContact)
	require.Zero(t, countNotifications(t, db, userID))
}

func TestSendDeliversExactlyOnce(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "alice@example.com")

	notification, err := engine.Send(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Welcome",
		Body:    "Glad you are here",
	})
	require.NoError(t, err)
	require.Equal(t, models.NotificationSucceeded, notification.Status)
	require.Nil(t, notification.LastError)
	require.Nil(t, notification.ScheduledAt)
	require.Zero(t, notification.Attempts)

	sent := mailer.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].To)
	require.Equal(t, "Welcome", sent[0].Subject)
	require.Equal(t, "Glad you are here", sent[0].Body)
}

func TestSendRecordsDeliveryFailureAsData(t *testing.T) {
	mailer := &fakeMailer{}
	mailer.failWith(errors.New("smtp: connection refused"))
	_, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "bob@example.com")

	notification, err := engine.Send(context.Background(), SendInput{UserID: userID, Subject: "Hi", Body: "There"})
	require.NoError(t, err, "delivery failure must not surface as an error")
	require.Equal(t, models.NotificationFailed, notification.Status)
	require.NotNil(t, notification.LastError)
	require.Contains(t, *notification.LastError, "connection refused")
}

func TestScheduleCreatesPendingRecord(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "carol@example.com")
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	notification, err := engine.Schedule(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Reminder",
		Body:    "Event soon",
	}, at)
	require.NoError(t, err)
	require.Equal(t, models.NotificationPending, notification.Status)
	require.Zero(t, notification.Attempts)
	require.NotNil(t, notification.ScheduledAt)
	require.True(t, notification.ScheduledAt.Equal(at))
	require.Empty(t, mailer.sentMessages(), "no delivery happens at schedule time")
}

func TestSendReminderDeliversSynchronously(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "dave@example.com")
	reminderDeliveries := promtest.ToFloat64(metrics.Deliveries.WithLabelValues("reminder", "success"))

	notification, err := engine.SendReminder(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Starting soon",
		Body:    "Your event starts in two hours",
	})
	require.NoError(t, err)
	require.Equal(t, models.NotificationSucceeded, notification.Status)
	require.NotNil(t, notification.ScheduledAt)
	require.Len(t, mailer.sentMessages(), 1)

	// Reminders are counted apart from the immediate path.
	require.Equal(t, reminderDeliveries+1,
		promtest.ToFloat64(metrics.Deliveries.WithLabelValues("reminder", "success")))
}

func TestProcessDueRetriesWithBackoffThenFails(t *testing.T) {
	mailer := &fakeMailer{}
	mailer.failWith(errors.New("smtp: timeout"))

	clock := newManualClock(time.Now().UTC().Truncate(time.Second))
	_, prefs, engine := newTestEngine(t, mailer, WithNow(clock.Now))

	userID := mustCreatePreference(t, prefs, true, "erin@example.com")
	scheduledAt := clock.Now().Add(-time.Minute)

	created, err := engine.Schedule(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Retry me",
		Body:    "Body",
	}, scheduledAt)
	require.NoError(t, err)

	// First failing sweep: one attempt, still pending, pushed into the future.
	stats, err := engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Due)
	require.Equal(t, 1, stats.Retried)

	afterFirst, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationPending, afterFirst.Status)
	require.Equal(t, 1, afterFirst.Attempts)
	require.NotNil(t, afterFirst.LastError)
	require.True(t, afterFirst.ScheduledAt.After(scheduledAt), "retry must be pushed strictly later")

	// Second failing sweep once the backoff elapses.
	clock.Advance(engine.Policy().Backoff + time.Second)
	_, err = engine.ProcessDue(context.Background())
	require.NoError(t, err)

	afterSecond, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationPending, afterSecond.Status)
	require.Equal(t, 2, afterSecond.Attempts)

	// Third failing sweep hits the attempt cap.
	clock.Advance(engine.Policy().Backoff + time.Second)
	stats, err = engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	terminal, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationFailed, terminal.Status)
	require.Equal(t, 3, terminal.Attempts)

	// Terminal rows are never swept again.
	clock.Advance(time.Hour)
	stats, err = engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Due)
}

func TestProcessDueDeliversPendingNotification(t *testing.T) {
	mailer := &fakeMailer{}
	clock := newManualClock(time.Now().UTC().Truncate(time.Second))
	_, prefs, engine := newTestEngine(t, mailer, WithNow(clock.Now))

	userID := mustCreatePreference(t, prefs, true, "frank@example.com")

	created, err := engine.Schedule(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Due now",
		Body:    "Body",
	}, clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	stats, err := engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)

	delivered, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationSucceeded, delivered.Status)
	require.Nil(t, delivered.LastError)
	require.Len(t, mailer.sentMessages(), 1)
}

func TestProcessDueIgnoresFutureNotifications(t *testing.T) {
	mailer := &fakeMailer{}
	clock := newManualClock(time.Now().UTC().Truncate(time.Second))
	_, prefs, engine := newTestEngine(t, mailer, WithNow(clock.Now))

	userID := mustCreatePreference(t, prefs, true, "grace@example.com")

	_, err := engine.Schedule(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Future",
		Body:    "Body",
	}, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	stats, err := engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Due)
	require.Empty(t, mailer.sentMessages())
}

func TestProcessDueSkipsRowClaimedElsewhere(t *testing.T) {
	mailer := &fakeMailer{}
	clock := newManualClock(time.Now().UTC().Truncate(time.Second))
	db, prefs, engine := newTestEngine(t, mailer, WithNow(clock.Now))

	userID := mustCreatePreference(t, prefs, true, "heidi@example.com")
	due := clock.Now().Add(-time.Minute)

	for _, subject := range []string{"First", "Second"} {
		_, err := engine.Schedule(context.Background(), SendInput{
			UserID:  userID,
			Subject: subject,
			Body:    "Body",
		}, due)
		require.NoError(t, err)
	}

	// While the first row is being delivered, another sweep claims every
	// remaining pending row by pushing its schedule forward.
	farFuture := clock.Now().Add(24 * time.Hour)
	mailer.onSend = func(mail.Message) {
		err := db.Model(&models.Notification{}).
			Where("status = ?", models.NotificationPending).
			Update("scheduled_at", farFuture).Error
		require.NoError(t, err)
	}

	stats, err := engine.ProcessDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Due)
	require.Equal(t, 1, stats.Succeeded)
	require.Equal(t, 1, stats.Skipped)
	require.Len(t, mailer.sentMessages(), 1)
}

func TestProcessDueOverlappingSweepsDeliverOnce(t *testing.T) {
	mailer := newGatedMailer()
	clock := newManualClock(time.Now().UTC().Truncate(time.Second))
	_, prefs, engine := newTestEngine(t, mailer, WithNow(clock.Now))

	userID := mustCreatePreference(t, prefs, true, "iris@example.com")

	created, err := engine.Schedule(context.Background(), SendInput{
		UserID:  userID,
		Subject: "Once only",
		Body:    "Body",
	}, clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	var first SweepStats
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, _ = engine.ProcessDue(context.Background())
	}()

	// The first sweep has claimed the row and is blocked mid-delivery; a
	// second sweep running now must not pick it up again.
	<-mailer.arrived
	second, err := engine.ProcessDue(context.Background())
	require.NoError(t, err)

	close(mailer.release)
	<-done

	require.Equal(t, 1, first.Due+second.Due)
	require.Equal(t, 1, first.Succeeded)
	require.Zero(t, second.Succeeded)
	require.Len(t, mailer.sentMessages(), 1)

	delivered, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationSucceeded, delivered.Status)
}

func TestGetByIDNotFound(t *testing.T) {
	_, _, engine := newTestEngine(t, &fakeMailer{})

	_, err := engine.GetByID(context.Background(), "22222222-2222-4222-8222-222222222222")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClearForUserSoftDeletes(t *testing.T) {
	mailer := &fakeMailer{}
	_, prefs, engine := newTestEngine(t, mailer)

	userID := mustCreatePreference(t, prefs, true, "henry@example.com")

	created, err := engine.Send(context.Background(), SendInput{UserID: userID, Subject: "Keep", Body: "History"})
	require.NoError(t, err)

	require.NoError(t, engine.ClearForUser(context.Background(), userID))

	items, err := engine.ListForUser(context.Background(), userID)
	require.NoError(t, err)
	require.Empty(t, items)

	// Soft-deleted rows stay loadable by id.
	loaded, err := engine.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, loaded.Deleted)
}

func TestApplyDeliveryOutcome(t *testing.T) {
	now := time.Date(2025, 6, 6, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Minute}
	scheduledAt := now.Add(-time.Minute)

	pending := models.Notification{
		Status:      models.NotificationPending,
		ScheduledAt: &scheduledAt,
	}

	t.Run("success clears the error", func(t *testing.T) {
		prev := "boom"
		n := pending
		n.LastError = &prev

		next := applyDeliveryOutcome(n, nil, now, policy)
		require.Equal(t, models.NotificationSucceeded, next.Status)
		require.Nil(t, next.LastError)
	})

	t.Run("failure below the cap reschedules", func(t *testing.T) {
		next := applyDeliveryOutcome(pending, errors.New("boom"), now, policy)
		require.Equal(t, models.NotificationPending, next.Status)
		require.Equal(t, 1, next.Attempts)
		require.NotNil(t, next.LastError)
		require.True(t, next.ScheduledAt.Equal(now.Add(policy.Backoff)))
	})

	t.Run("failure at the cap is terminal", func(t *testing.T) {
		n := pending
		n.Attempts = 2

		next := applyDeliveryOutcome(n, errors.New("boom"), now, policy)
		require.Equal(t, models.NotificationFailed, next.Status)
		require.Equal(t, 3, next.Attempts)
	})

	t.Run("zero policy falls back to defaults", func(t *testing.T) {
		next := applyDeliveryOutcome(pending, errors.New("boom"), now, RetryPolicy{})
		require.Equal(t, models.NotificationPending, next.Status)
		require.True(t, next.ScheduledAt.Equal(now.Add(DefaultRetryBackoff)))
	})
}
