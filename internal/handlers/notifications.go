package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velinpetkov/eventnotify/internal/services"
	appErrors "github.com/velinpetkov/eventnotify/pkg/errors"
	"github.com/velinpetkov/eventnotify/pkg/metrics"
	"github.com/velinpetkov/eventnotify/pkg/response"
)

// NotificationHandler exposes HTTP endpoints for the delivery engine.
type NotificationHandler struct {
	engine *services.NotificationService
	digest *services.DigestService
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(engine *services.NotificationService, digest *services.DigestService) *NotificationHandler {
	return &NotificationHandler{engine: engine, digest: digest}
}

type sendRequest struct {
	UserID   string         `json:"user_id" validate:"required,uuid4"`
	Subject  string         `json:"subject" validate:"required,notblank,max=255"`
	Body     string         `json:"body" validate:"required,notblank"`
	Metadata map[string]any `json:"metadata"`
}

func (r sendRequest) toInput() services.SendInput {
	return services.SendInput{
		UserID:   r.UserID,
		Subject:  r.Subject,
		Body:     r.Body,
		Metadata: r.Metadata,
	}
}

// Send delivers a notification immediately.
func (h *NotificationHandler) Send(c *gin.Context) {
	var payload sendRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	notification, err := h.engine.Send(c.Request.Context(), payload.toInput())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, notification)
}

type scheduleRequest struct {
	UserID      string         `json:"user_id" validate:"required,uuid4"`
	Subject     string         `json:"subject" validate:"required,notblank,max=255"`
	Body        string         `json:"body" validate:"required,notblank"`
	ScheduledAt time.Time      `json:"scheduled_at" validate:"required"`
	Metadata    map[string]any `json:"metadata"`
}

// Schedule persists a notification for future delivery by the due-sweep.
func (h *NotificationHandler) Schedule(c *gin.Context) {
	var payload scheduleRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	notification, err := h.engine.Schedule(c.Request.Context(), services.SendInput{
		UserID:   payload.UserID,
		Subject:  payload.Subject,
		Body:     payload.Body,
		Metadata: payload.Metadata,
	}, payload.ScheduledAt)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, notification)
}

// SendReminder delivers a reminder synchronously while recording it like a
// scheduled notification.
func (h *NotificationHandler) SendReminder(c *gin.Context) {
	var payload sendRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	notification, err := h.engine.SendReminder(c.Request.Context(), payload.toInput())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, notification)
}

type eventReminderRequest struct {
	UserID         string    `json:"user_id" validate:"required,uuid4"`
	Subject        string    `json:"subject" validate:"required,notblank,max=255"`
	Body           string    `json:"body" validate:"required,notblank"`
	EventStart     time.Time `json:"event_start" validate:"required"`
	OffsetsMinutes []int     `json:"offsets_minutes"`
}

// ScheduleEventReminders plans and schedules reminders ahead of an event.
func (h *NotificationHandler) ScheduleEventReminders(c *gin.Context) {
	var payload eventReminderRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	created, err := h.engine.ScheduleEventReminders(c.Request.Context(), services.EventReminderInput{
		UserID:         payload.UserID,
		Subject:        payload.Subject,
		Body:           payload.Body,
		EventStart:     payload.EventStart,
		OffsetsMinutes: payload.OffsetsMinutes,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, created)
}

type digestRunRequest struct {
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required"`
}

// RunDigest triggers an on-demand digest run for the supplied period.
func (h *NotificationHandler) RunDigest(c *gin.Context) {
	var payload digestRunRequest
	if !bindAndValidate(c, &payload) {
		return
	}
	if !payload.PeriodEnd.After(payload.PeriodStart) {
		response.Error(c, appErrors.NewBadRequest("period_end must be after period_start"))
		return
	}

	metrics.DigestRuns.WithLabelValues("manual").Inc()
	stats, err := h.digest.RunForPeriod(c.Request.Context(), payload.PeriodStart, payload.PeriodEnd)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// Get returns one notification by id.
func (h *NotificationHandler) Get(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	notification, err := h.engine.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, notification)
}

// List returns the user's non-deleted notifications.
func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := requireUserIDQuery(c)
	if !ok {
		return
	}

	items, err := h.engine.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// Clear soft-deletes all of the user's notifications.
func (h *NotificationHandler) Clear(c *gin.Context) {
	userID, ok := requireUserIDQuery(c)
	if !ok {
		return
	}

	if err := h.engine.ClearForUser(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"cleared": true})
}
