package middleware

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ServiceTokenMiddleware admits only trusted callers presenting the shared
// service token. With no token configured every request is refused.
func ServiceTokenMiddleware(expectedToken string, logger *slog.Logger) fiber.Handler {
	if expectedToken == "" {
		logger.Warn("SERVICE_TOKEN is not set; trusted-caller routes are disabled")
	}

	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" || expectedToken == "" {
			logger.Debug("service token missing", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "unauthorized",
			})
		}

		// Parse "Bearer <token>"; a raw token is accepted too
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn("invalid service token", "path", c.Path(), "ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "unauthorized",
			})
		}

		return c.Next()
	}
}
