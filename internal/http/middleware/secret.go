package middleware

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CronAuth validates the bearer token of scheduler-triggered endpoints.
// Expects: Authorization: Bearer <secret>. When secret returns "" every request passes.
func CronAuth(secret func() string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := secret()
		if expected == "" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			logger.Warn("Rejected cron request without bearer token", slog.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		provided := strings.TrimPrefix(authHeader, "Bearer ")
		if !secureCompare(provided, expected) {
			logger.Warn("Rejected cron request with invalid token", slog.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		return c.Next()
	}
}

// WebhookSignature validates the shared secret sent by the webhook provider in the
// X-Webhook-Signature header. When secret returns "" every request passes.
func WebhookSignature(secret func() string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := secret()
		if expected == "" {
			return c.Next()
		}

		if !secureCompare(c.Get("X-Webhook-Signature"), expected) {
			logger.Warn("Rejected webhook with invalid signature", slog.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// secureCompare performs constant-time string comparison
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}
