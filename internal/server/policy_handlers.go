package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/policy"
	"github.com/gin-gonic/gin"
)

type actionRequestPayload struct {
	PersonaVoice string `json:"persona_voice"`
	FeatureKey   string `json:"feature_key"`
}

type gamingRequestPayload struct {
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
	XP         int    `json:"xp"`
}

func (h *httpHandler) handlePolicyStatus(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.gate.CheckStatus(c.Request.Context(), userID))
}

func (h *httpHandler) handleCheckAction(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	actionType, err := policy.ParseActionType(c.Param("action"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_action", err)
		return
	}
	request, ok := h.bindActionRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var decision policy.Decision
	switch actionType {
	case policy.ActionRitual:
		decision = h.gate.CheckRitualAction(ctx, userID)
	case policy.ActionJournal:
		decision = h.gate.CheckJournalAction(ctx, userID)
	case policy.ActionAISession:
		if strings.TrimSpace(request.PersonaVoice) == "" {
			h.respondError(c, http.StatusBadRequest, "missing_persona_voice", nil)
			return
		}
		decision = h.gate.CheckAITherapyAction(ctx, userID, request.PersonaVoice)
	}
	c.JSON(http.StatusOK, decision)
}

func (h *httpHandler) handleRecordAction(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	actionType, err := policy.ParseActionType(c.Param("action"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_action", err)
		return
	}
	request, ok := h.bindActionRequest(c)
	if !ok {
		return
	}

	featureKey := request.FeatureKey
	if actionType == policy.ActionAISession {
		featureKey = request.PersonaVoice
	}
	if err := h.gate.RecordAction(c.Request.Context(), userID, actionType, featureKey); err != nil {
		h.respondError(c, http.StatusInternalServerError, "record_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDetectGaming(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	var request gamingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	action, err := policy.ParseGamingAction(request.ActionType)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_action", err)
		return
	}
	verdict := h.gate.DetectGaming(c.Request.Context(), userID, action, policy.GamingInput{
		Content: request.Content,
		XP:      request.XP,
	})
	c.JSON(http.StatusOK, verdict)
}

// bindActionRequest accepts an empty body.
func (h *httpHandler) bindActionRequest(c *gin.Context) (actionRequestPayload, bool) {
	var request actionRequestPayload
	if c.Request.ContentLength == 0 {
		return request, true
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return actionRequestPayload{}, false
	}
	return request, true
}
