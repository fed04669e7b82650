package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleNotificationStream serves the caller's in-app notifications as Server-Sent Events.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID, ok := h.userOrAbort(c)
	if !ok {
		return
	}
	if h.realtime == nil {
		h.respondError(c, http.StatusServiceUnavailable, "stream_unavailable", nil)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(notifications.RealtimeEventHeartbeat, h.heartbeat())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	h.logger.Debug("notification stream opened", zap.String("user_id", userID.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-ticker.C:
			c.SSEvent(notifications.RealtimeEventHeartbeat, h.heartbeat())
			return true
		}
	})
	h.logger.Debug("notification stream closed", zap.String("user_id", userID.String()))
}

func (h *httpHandler) heartbeat() notifications.RealtimeMessage {
	return notifications.RealtimeMessage{
		EventType: notifications.RealtimeEventHeartbeat,
		Timestamp: h.clock().UTC(),
	}
}
