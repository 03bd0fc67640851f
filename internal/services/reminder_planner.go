package services

import (
	"context"
	"time"

	"github.com/velinpetkov/eventnotify/internal/models"
	apperrors "github.com/velinpetkov/eventnotify/pkg/errors"
)

// DefaultReminderOffsetsMinutes are applied when a caller supplies no
// offsets: one day and two hours before the event.
var DefaultReminderOffsetsMinutes = []int{1440, 120}

// EventReminderInput describes a request to schedule reminders ahead of an
// event's start time.
type EventReminderInput struct {
	UserID         string
	Subject        string
	Body           string
	EventStart     time.Time
	OffsetsMinutes []int
}

// PlanReminderTimes computes candidate fire times for the supplied offsets,
// in offset order, dropping any candidate that is not strictly in the future.
// A nil or empty offset set falls back to the defaults.
func PlanReminderTimes(eventStart time.Time, offsetsMinutes []int, now time.Time) []time.Time {
	offsets := offsetsMinutes
	if len(offsets) == 0 {
		offsets = DefaultReminderOffsetsMinutes
	}

	times := make([]time.Time, 0, len(offsets))
	for _, offset := range offsets {
		fireAt := eventStart.Add(-time.Duration(offset) * time.Minute)
		if !fireAt.After(now) {
			continue
		}
		times = append(times, fireAt)
	}
	return times
}

// ScheduleEventReminders plans reminder times for the event and delegates
// each surviving candidate to Schedule. All offsets landing in the past is
// not an error; the result is simply empty.
func (s *NotificationService) ScheduleEventReminders(ctx context.Context, input EventReminderInput) ([]models.Notification, error) {
	ctx = ensureContext(ctx)
	if input.EventStart.IsZero() {
		return nil, apperrors.NewBadRequest("event start is required")
	}

	fireTimes := PlanReminderTimes(input.EventStart, input.OffsetsMinutes, s.now().UTC())

	created := make([]models.Notification, 0, len(fireTimes))
	for _, fireAt := range fireTimes {
		notification, err := s.Schedule(ctx, SendInput{
			UserID:  input.UserID,
			Subject: input.Subject,
			Body:    input.Body,
		}, fireAt)
		if err != nil {
			return nil, err
		}
		created = append(created, *notification)
	}
	return created, nil
}
