package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/policy"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "mend_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingPolicyGate       = errors.New("policy gate dependency required")
	errMissingNotifications    = errors.New("notification scheduler dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

// PolicyGate is the fair-use gate consulted before gated actions.
type PolicyGate interface {
	CheckStatus(ctx context.Context, userID users.UserID) policy.Status
	CheckRitualAction(ctx context.Context, userID users.UserID) policy.Decision
	CheckJournalAction(ctx context.Context, userID users.UserID) policy.Decision
	CheckAITherapyAction(ctx context.Context, userID users.UserID, personaVoice string) policy.Decision
	RecordAction(ctx context.Context, userID users.UserID, actionType policy.ActionType, featureKey string) error
	DetectGaming(ctx context.Context, userID users.UserID, action policy.GamingAction, input policy.GamingInput) policy.GamingVerdict
}

// NotificationScheduler is the notification surface exposed over HTTP.
type NotificationScheduler interface {
	Preferences(ctx context.Context, userID users.UserID) notifications.Preferences
	UpdatePreferences(ctx context.Context, userID users.UserID, preferences notifications.Preferences) (notifications.Preferences, error)
	SetupRecurring(ctx context.Context, userID users.UserID, notificationType notifications.Type, preferredTime string) (notifications.Schedule, error)
	DisableRecurring(ctx context.Context, userID users.UserID, notificationType notifications.Type) error
	SendContextualNudge(ctx context.Context, userID users.UserID, nudgeContext notifications.NudgeContext) bool
	SendMilestone(ctx context.Context, userID users.UserID, milestone notifications.Milestone) bool
	SendEmergencySupport(ctx context.Context, userID users.UserID, trigger notifications.EmergencyTrigger) bool
}

// RealtimeSubscriber opens per-user notification streams.
type RealtimeSubscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan notifications.RealtimeMessage, func())
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler. Inbox, Realtime, and MetricsHandler are optional.
type Dependencies struct {
	Gate              PolicyGate
	Notifications     NotificationScheduler
	Inbox             notifications.InboxStore
	Realtime          RealtimeSubscriber
	Sessions          SessionValidator
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingPolicyGate
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		gate:              deps.Gate,
		notifications:     deps.Notifications,
		inbox:             deps.Inbox,
		realtime:          deps.Realtime,
		sessions:          deps.Sessions,
		heartbeatInterval: heartbeat,
		clock:             clock,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/policy/status", handler.handlePolicyStatus)
	protected.POST("/policy/actions/:action/check", handler.handleCheckAction)
	protected.POST("/policy/actions/:action", handler.handleRecordAction)
	protected.POST("/policy/gaming", handler.handleDetectGaming)

	protected.GET("/notifications/preferences", handler.handleGetPreferences)
	protected.PUT("/notifications/preferences", handler.handleUpdatePreferences)
	protected.POST("/notifications/recurring", handler.handleSetupRecurring)
	protected.DELETE("/notifications/recurring/:type", handler.handleDisableRecurring)
	protected.POST("/notifications/nudges", handler.handleSendNudge)
	protected.POST("/notifications/milestones", handler.handleSendMilestone)
	protected.POST("/notifications/emergency", handler.handleSendEmergency)
	protected.GET("/notifications/inbox", handler.handleListInbox)
	protected.POST("/notifications/inbox/:id/read", handler.handleMarkInboxRead)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

// corsMiddleware allows credentialed requests only from explicitly configured
// origins. Without a list (or with "*") any origin may call, without cookies.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, origin)
		}
	}
	if wildcard || len(origins) == 0 {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return cors.New(config)
}

type httpHandler struct {
	gate              PolicyGate
	notifications     NotificationScheduler
	inbox             notifications.InboxStore
	realtime          RealtimeSubscriber
	sessions          SessionValidator
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zap.InfoLevel
		}
		h.logger.Log(level, "token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := users.NewUserID(claims.UserID)
	if err != nil {
		h.logger.Warn("session carries invalid user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func requestUserID(c *gin.Context) (users.UserID, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(users.UserID)
	return userID, ok && userID != ""
}

func (h *httpHandler) userOrAbort(c *gin.Context) (users.UserID, bool) {
	userID, ok := requestUserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondError(c *gin.Context, status int, errorCode string, err error) {
	body := gin.H{"error": errorCode}
	if code := apperr.CodeOf(err); code != "" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("error_code", errorCode),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}
