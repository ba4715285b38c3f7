package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/escalation"
	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

// ExpertHandler is the surface for the human side of the escalation queue.
type ExpertHandler struct {
	engine *escalation.Engine
}

func NewExpertHandler(engine *escalation.Engine) *ExpertHandler {
	return &ExpertHandler{
		engine: engine,
	}
}

var validStatuses = map[string]models.EscalationStatus{
	"pending":     models.StatusPending,
	"assigned":    models.StatusAssigned,
	"in_progress": models.StatusInProgress,
	"resolved":    models.StatusResolved,
	"closed":      models.StatusClosed,
}

func (h *ExpertHandler) ListEscalations(c *fiber.Ctx) error {
	var status models.EscalationStatus
	if raw := c.Query("status"); raw != "" {
		s, ok := validStatuses[raw]
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown status filter",
			})
		}
		status = s
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	items, err := h.engine.List(c.Context(), auth.TenantID(c), status, limit)
	if err != nil {
		logger.Error("Failed to list escalations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list escalations",
		})
	}

	return c.JSON(fiber.Map{
		"escalations": items,
	})
}

func (h *ExpertHandler) GetEscalation(c *fiber.Ctx) error {
	q, err := h.tenantEscalation(c)
	if err != nil {
		return err
	}
	return c.JSON(q)
}

func (h *ExpertHandler) SelfAssign(c *fiber.Ctx) error {
	var req struct {
		ExpertID string `json:"expert_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.ExpertID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "expert_id is required",
		})
	}

	if _, err := h.tenantEscalation(c); err != nil {
		return err
	}

	q, err := h.engine.SelfAssign(c.Context(), c.Params("id"), req.ExpertID)
	if err != nil {
		return h.escalationError(c, err, "Failed to assign escalation")
	}

	return c.JSON(q)
}

func (h *ExpertHandler) StartWork(c *fiber.Ctx) error {
	if _, err := h.tenantEscalation(c); err != nil {
		return err
	}

	if err := h.engine.Start(c.Context(), c.Params("id")); err != nil {
		return h.escalationError(c, err, "Failed to start escalation")
	}

	return c.JSON(fiber.Map{
		"message": "Escalation in progress",
	})
}

func (h *ExpertHandler) Respond(c *fiber.Ctx) error {
	var req struct {
		ExpertID string `json:"expert_id"`
		Response string `json:"response"`
		AddToKB  bool   `json:"add_to_kb"`
	}
	if err := c.BodyParser(&req); err != nil || req.ExpertID == "" || req.Response == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "expert_id and response are required",
		})
	}

	if _, err := h.tenantEscalation(c); err != nil {
		return err
	}

	err := h.engine.Respond(c.Context(), c.Params("id"), req.ExpertID, req.Response, req.AddToKB)
	if err != nil {
		return h.escalationError(c, err, "Failed to record response")
	}

	metrics.ExpertResponses.Inc()

	return c.JSON(fiber.Map{
		"message": "Response recorded",
	})
}

func (h *ExpertHandler) CloseEscalation(c *fiber.Ctx) error {
	if _, err := h.tenantEscalation(c); err != nil {
		return err
	}

	if err := h.engine.Close(c.Context(), c.Params("id")); err != nil {
		return h.escalationError(c, err, "Failed to close escalation")
	}

	return c.JSON(fiber.Map{
		"message": "Escalation closed",
	})
}

// tenantEscalation loads the escalation in the path and rejects the request
// when it belongs to another tenant.
func (h *ExpertHandler) tenantEscalation(c *fiber.Ctx) (*models.EscalatedQuestion, error) {
	q, err := h.engine.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, escalation.ErrNotFound) {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Escalation not found",
			})
		}
		logger.Error("Failed to load escalation", zap.Error(err))
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load escalation",
		})
	}

	if q.TenantID != auth.TenantID(c) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Escalation not found",
		})
	}

	return q, nil
}

func (h *ExpertHandler) escalationError(c *fiber.Ctx, err error, fallbackMsg string) error {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Escalation not found",
		})
	case errors.Is(err, escalation.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Escalation is not in a state that allows this action",
		})
	default:
		logger.Error(fallbackMsg, zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fallbackMsg,
		})
	}
}
