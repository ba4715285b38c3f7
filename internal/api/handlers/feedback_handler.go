package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

// FeedbackStore is the subset of the storage client the feedback handler
// needs.
type FeedbackStore interface {
	QueryLogExists(ctx context.Context, tenantID, conversationID, messageID string) (bool, error)
	InsertFeedback(ctx context.Context, fb *models.Feedback) error
}

type FeedbackHandler struct {
	store FeedbackStore
}

func NewFeedbackHandler(store FeedbackStore) *FeedbackHandler {
	return &FeedbackHandler{
		store: store,
	}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		Helpful        *bool  `json:"helpful"`
		Text           string `json:"feedback_text"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.ConversationID == "" || req.MessageID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "conversation_id, message_id and helpful are required",
		})
	}

	tenantID := auth.TenantID(c)

	exists, err := h.store.QueryLogExists(c.Context(), tenantID, req.ConversationID, req.MessageID)
	if err != nil {
		logger.Error("Failed to verify message", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown message",
		})
	}

	fb := &models.Feedback{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Helpful:        *req.Helpful,
		Text:           req.Text,
		CreatedAt:      time.Now(),
	}

	if err := h.store.InsertFeedback(c.Context(), fb); err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}

	if *req.Helpful {
		metrics.UserSatisfaction.WithLabelValues("true").Inc()
	} else {
		metrics.UserSatisfaction.WithLabelValues("false").Inc()
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Feedback recorded",
	})
}
