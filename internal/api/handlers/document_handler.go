package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/ingestion"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Title    string   `json:"title"`
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
		Content  string   `json:"content"`
		HTML     bool     `json:"html"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content is required",
		})
	}

	doc, err := h.processor.ProcessDocument(c.Context(), auth.TenantID(c), ingestion.DocumentInput{
		Title:    req.Title,
		Category: req.Category,
		Tags:     req.Tags,
		Content:  req.Content,
		HTML:     req.HTML,
	})
	if err != nil {
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":     "Document processed successfully",
		"document_id": doc.ID,
		"title":       doc.Title,
	})
}

func (h *DocumentHandler) UploadFAQ(c *fiber.Ctx) error {
	var req struct {
		Question string   `json:"question"`
		Answer   string   `json:"answer"`
		Patterns []string `json:"patterns"`
		Category string   `json:"category"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Question == "" || req.Answer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question and answer are required",
		})
	}

	entry := &models.FAQEntry{
		Question: req.Question,
		Answer:   req.Answer,
		Patterns: req.Patterns,
		Category: req.Category,
	}

	if err := h.processor.ProcessFAQ(c.Context(), auth.TenantID(c), entry); err != nil {
		logger.Error("Failed to store faq entry", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store FAQ entry",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "FAQ entry stored",
		"faq_id":  entry.ID,
	})
}
