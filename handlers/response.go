package handlers

import (
	"log/slog"

	"miniapp-auth/services"

	"github.com/gofiber/fiber/v2"
)

func statusFor(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindUnauthorized:
		return fiber.StatusUnauthorized
	case services.KindNotFound:
		return fiber.StatusNotFound
	case services.KindConflict:
		return fiber.StatusConflict
	case services.KindUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError is the one place service errors become the failure envelope. Only
// the short category message reaches the client.
func writeError(c *fiber.Ctx, logger *slog.Logger, err error) error {
	kind := services.KindOf(err)
	status := statusFor(kind)
	if status >= fiber.StatusInternalServerError {
		logger.Error("request failed", "path", c.Path(), "request_id", c.Locals("requestid"), "kind", kind.String(), "err", err)
	} else {
		logger.Debug("request rejected", "path", c.Path(), "kind", kind.String(), "err", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   services.PublicMessage(err),
	})
}

func writeAuthResult(c *fiber.Ctx, res *services.AuthResult) error {
	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	body := fiber.Map{
		"success":       true,
		"profile":       res.Profile,
		"balance":       res.Balance,
		"referralStats": res.ReferralStats,
		"role":          res.Role,
		"created":       res.Created,
	}
	if res.Referral != nil {
		body["referral"] = res.Referral
	}
	return c.Status(status).JSON(body)
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   "invalid JSON",
	})
}
