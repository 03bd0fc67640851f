package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/velinpetkov/eventnotify/internal/services"
	appErrors "github.com/velinpetkov/eventnotify/pkg/errors"
	"github.com/velinpetkov/eventnotify/pkg/response"
)

// PreferenceHandler exposes HTTP endpoints for notification preferences.
type PreferenceHandler struct {
	prefs *services.PreferenceService
}

// NewPreferenceHandler constructs a preference handler.
func NewPreferenceHandler(prefs *services.PreferenceService) *PreferenceHandler {
	return &PreferenceHandler{prefs: prefs}
}

type upsertPreferenceRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid4"`
	Channel     string `json:"channel"`
	Enabled     bool   `json:"enabled"`
	ContactInfo string `json:"contact_info" validate:"required,notblank"`
}

// Upsert creates or updates the preference for a user.
func (h *PreferenceHandler) Upsert(c *gin.Context) {
	var payload upsertPreferenceRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	pref, err := h.prefs.Upsert(c.Request.Context(), services.UpsertPreferenceInput{
		UserID:      payload.UserID,
		Channel:     payload.Channel,
		Enabled:     payload.Enabled,
		ContactInfo: payload.ContactInfo,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, pref)
}

// Get returns the preference for a user.
func (h *PreferenceHandler) Get(c *gin.Context) {
	userID, ok := requireUserIDQuery(c)
	if !ok {
		return
	}

	pref, err := h.prefs.GetByUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, pref)
}

// SetEnabled toggles notifications for a user.
func (h *PreferenceHandler) SetEnabled(c *gin.Context) {
	userID, ok := requireUserIDQuery(c)
	if !ok {
		return
	}

	enabledParam := strings.TrimSpace(c.Query("enabled"))
	enabled, err := strconv.ParseBool(enabledParam)
	if err != nil {
		response.Error(c, appErrors.NewBadRequest("enabled query parameter must be true or false"))
		return
	}

	pref, err := h.prefs.SetEnabled(c.Request.Context(), userID, enabled)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, pref)
}
