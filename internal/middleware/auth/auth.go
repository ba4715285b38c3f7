package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/tenant"
	"github.com/supportrag/backend/pkg/logger"
)

// TenantLocal is the fiber.Ctx local under which the resolved tenant id is
// stored for downstream handlers.
const TenantLocal = "tenant_id"

// Middleware resolves the API key on every request to a tenant id. Paths in
// skip are exempt (health, metrics).
func Middleware(resolver *tenant.Resolver, skip ...string) fiber.Handler {
	skipSet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipSet[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := skipSet[c.Path()]; ok {
			return c.Next()
		}

		credential := extractCredential(c)
		if credential == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing API key",
			})
		}

		tenantID, err := resolver.Resolve(c.Context(), credential)
		if err != nil {
			if errors.Is(err, tenant.ErrInvalidCredential) || errors.Is(err, tenant.ErrExpiredCredential) {
				logger.Warn("Rejected API key",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
					zap.Error(err),
				)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid or expired API key",
				})
			}
			logger.Error("Tenant resolution failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal server error",
			})
		}

		c.Locals(TenantLocal, tenantID)
		return c.Next()
	}
}

// TenantID reads the tenant id the auth middleware stored on the request.
func TenantID(c *fiber.Ctx) string {
	id, _ := c.Locals(TenantLocal).(string)
	return id
}

func extractCredential(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}

	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	return ""
}
