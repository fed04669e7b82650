package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"github.com/gin-gonic/gin"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

type recurringRequestPayload struct {
	Type          string `json:"type"`
	PreferredTime string `json:"preferred_time"`
}

type nudgeRequestPayload struct {
	Context string `json:"context"`
}

type emergencyRequestPayload struct {
	Trigger string `json:"trigger"`
}

type sendResponsePayload struct {
	Sent bool `json:"sent"`
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.notifications.Preferences(c.Request.Context(), userID))
}

func (h *httpHandler) handleUpdatePreferences(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var request notifications.Preferences
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	updated, err := h.notifications.UpdatePreferences(c.Request.Context(), userID, request)
	if err != nil {
		if errors.Is(err, notifications.ErrInvalidClock) || errors.Is(err, notifications.ErrInvalidTimezone) {
			h.respondError(c, http.StatusBadRequest, "invalid_quiet_hours", err)
			return
		}
		h.respondError(c, http.StatusInternalServerError, "preferences_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleSetupRecurring(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var request recurringRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	notificationType, err := notifications.ParseType(request.Type)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_type", err)
		return
	}
	preferredTime := strings.TrimSpace(request.PreferredTime)
	if preferredTime == "" {
		switch notificationType {
		case notifications.TypeStreakReminder:
			preferredTime = notifications.DefaultStreakReminderTime
		case notifications.TypeDailyCheckin:
			preferredTime = notifications.DefaultDailyCheckinTime
		}
	}

	schedule, err := h.notifications.SetupRecurring(c.Request.Context(), userID, notificationType, preferredTime)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, schedule)
	case errors.Is(err, notifications.ErrUnsupportedRecurringType):
		h.respondError(c, http.StatusBadRequest, "unsupported_type", err)
	case errors.Is(err, notifications.ErrInvalidClock):
		h.respondError(c, http.StatusBadRequest, "invalid_preferred_time", err)
	default:
		h.respondError(c, http.StatusInternalServerError, "schedule_failed", err)
	}
}

func (h *httpHandler) handleDisableRecurring(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	notificationType, err := notifications.ParseType(c.Param("type"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_type", err)
		return
	}
	err = h.notifications.DisableRecurring(c.Request.Context(), userID, notificationType)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, notifications.ErrScheduleNotFound):
		h.respondError(c, http.StatusNotFound, "schedule_not_found", err)
	default:
		h.respondError(c, http.StatusInternalServerError, "schedule_update_failed", err)
	}
}

func (h *httpHandler) handleSendNudge(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var request nudgeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	nudgeContext, err := notifications.ParseNudgeContext(request.Context)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_context", err)
		return
	}
	sent := h.notifications.SendContextualNudge(c.Request.Context(), userID, nudgeContext)
	c.JSON(http.StatusOK, sendResponsePayload{Sent: sent})
}

func (h *httpHandler) handleSendMilestone(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var milestone notifications.Milestone
	if err := c.ShouldBindJSON(&milestone); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(milestone.Type) == "" || strings.TrimSpace(milestone.Value) == "" {
		h.respondError(c, http.StatusBadRequest, "invalid_milestone", nil)
		return
	}
	sent := h.notifications.SendMilestone(c.Request.Context(), userID, milestone)
	c.JSON(http.StatusOK, sendResponsePayload{Sent: sent})
}

func (h *httpHandler) handleSendEmergency(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var request emergencyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	trigger, err := notifications.ParseEmergencyTrigger(request.Trigger)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_trigger", err)
		return
	}
	sent := h.notifications.SendEmergencySupport(c.Request.Context(), userID, trigger)
	c.JSON(http.StatusOK, sendResponsePayload{Sent: sent})
}

func (h *httpHandler) handleListInbox(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	if h.inbox == nil {
		h.respondError(c, http.StatusServiceUnavailable, "inbox_unavailable", nil)
		return
	}
	limit := defaultInboxLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = min(parsed, maxInboxLimit)
	}
	entries, err := h.inbox.ListInbox(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "inbox_query_failed", err)
		return
	}
	if entries == nil {
		entries = []notifications.InboxEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": entries})
}

func (h *httpHandler) handleMarkInboxRead(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	if h.inbox == nil {
		h.respondError(c, http.StatusServiceUnavailable, "inbox_unavailable", nil)
		return
	}
	notificationID := strings.TrimSpace(c.Param("id"))
	err := h.inbox.MarkInboxRead(c.Request.Context(), userID, notificationID, h.clock().UTC())
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, notifications.ErrInboxEntryNotFound):
		h.respondError(c, http.StatusNotFound, "notification_not_found", err)
	default:
		h.respondError(c, http.StatusInternalServerError, "inbox_update_failed", err)
	}
}
