package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wholestack/jukebox/internal/pkg/env"
)

// WebhookAuthMiddleware guards the payment callback with the shared secret
// configured at the gateway. An empty WEBHOOK_API_KEY leaves the route open
// for deployments that rely on network isolation instead.
func WebhookAuthMiddleware() fiber.Handler {
	secret := env.GetEnv("WEBHOOK_API_KEY", "")

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-Api-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
