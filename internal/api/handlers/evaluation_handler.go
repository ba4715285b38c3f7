package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/evaluation"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/pkg/logger"
)

type EvaluationHandler struct {
	evaluator *evaluation.Evaluator
}

func NewEvaluationHandler(evaluator *evaluation.Evaluator) *EvaluationHandler {
	return &EvaluationHandler{
		evaluator: evaluator,
	}
}

// GetReport aggregates pipeline quality for the calling tenant. The window
// defaults to the last 7 days; ?days=N widens or narrows it.
func (h *EvaluationHandler) GetReport(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	if days <= 0 || days > 365 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be between 1 and 365",
		})
	}

	since := time.Now().AddDate(0, 0, -days)

	report, err := h.evaluator.Evaluate(c.Context(), auth.TenantID(c), since)
	if err != nil {
		logger.Error("Failed to build evaluation report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build evaluation report",
		})
	}

	return c.JSON(report)
}
