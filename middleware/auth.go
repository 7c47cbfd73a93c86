package middleware

import (
	"log/slog"
	"strings"

	"miniapp-auth/services"

	"github.com/gofiber/fiber/v2"
)

const launchDataLocal = "launch_data"

// LaunchDataMiddleware re-verifies the launch payload carried in
// "Authorization: tma <initData>" on every privileged call. There is no session;
// the signed payload is the credential.
func LaunchDataMiddleware(verifier *services.PayloadVerifier, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		scheme, initData, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "tma") || strings.TrimSpace(initData) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "unauthorized",
			})
		}

		vp, err := verifier.Authenticate(initData)
		if err != nil {
			logger.Debug("launch data rejected", "path", c.Path(), "kind", services.KindOf(err).String())
			status := fiber.StatusUnauthorized
			if services.KindOf(err) == services.KindValidation {
				status = fiber.StatusBadRequest
			}
			return c.Status(status).JSON(fiber.Map{
				"success": false,
				"error":   services.PublicMessage(err),
			})
		}

		c.Locals(launchDataLocal, vp)
		return c.Next()
	}
}

// LaunchData returns the payload verified by LaunchDataMiddleware.
func LaunchData(c *fiber.Ctx) *services.VerifiedPayload {
	vp, _ := c.Locals(launchDataLocal).(*services.VerifiedPayload)
	return vp
}
