package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/escalation"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/pkg/logger"
)

// WebSocketHandler streams escalation lifecycle events to expert consoles.
type WebSocketHandler struct {
	notifier *escalation.Notifier
}

func NewWebSocketHandler(notifier *escalation.Notifier) *WebSocketHandler {
	return &WebSocketHandler{
		notifier: notifier,
	}
}

// HandleConnection pushes the tenant's escalation events until the client
// disconnects. The tenant id was stored on the context by the auth
// middleware before the upgrade.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	tenantID, _ := c.Locals(auth.TenantLocal).(string)
	if tenantID == "" {
		c.WriteJSON(map[string]interface{}{
			"type":  "error",
			"error": "Unauthorized",
		})
		c.Close()
		return
	}

	logger.Info("Escalation feed connected", zap.String("tenant_id", tenantID))

	events, cancel := h.notifier.Subscribe(tenantID)
	defer cancel()

	done := make(chan struct{})

	// Drain the read side so we notice the client going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		c.Close()
		logger.Info("Escalation feed disconnected", zap.String("tenant_id", tenantID))
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			err := c.WriteJSON(map[string]interface{}{
				"type":       string(event.Type),
				"escalation": event.Escalation,
			})
			if err != nil {
				logger.Warn("Failed to push escalation event", zap.Error(err))
				return
			}
		}
	}
}
