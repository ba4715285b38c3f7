package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/internal/pipeline"
	"github.com/supportrag/backend/pkg/logger"
)

type QueryHandler struct {
	engine *pipeline.Engine
}

func NewQueryHandler(engine *pipeline.Engine) *QueryHandler {
	return &QueryHandler{
		engine: engine,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query          string   `json:"query"`
		ConversationID string   `json:"conversation_id"`
		UserID         string   `json:"user_id"`
		Category       string   `json:"category"`
		Tags           []string `json:"tags"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	response, err := h.engine.Process(c.Context(), pipeline.Request{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		TenantID:       auth.TenantID(c),
		Category:       req.Category,
		Tags:           req.Tags,
	})
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(response)
}
