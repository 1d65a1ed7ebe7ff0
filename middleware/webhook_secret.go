package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret rejects requests whose X-Webhook-Secret header does not match.
// An empty secret disables the check.
func WebhookSecret(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		given := c.Get(WebhookSecretHeader)
		if given == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Webhook secret required",
			})
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid webhook secret",
			})
		}
		return c.Next()
	}
}
