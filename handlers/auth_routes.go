// handlers/auth_routes.go
package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"miniapp-auth/middleware"
	"miniapp-auth/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type RoutesConfig struct {
	ServiceToken     string
	RequestTimeout   time.Duration
	OTPRequestsPerIP int
	// Failed passcode checks allowed per client IP and email within OTPVerifyWindow.
	OTPVerifyAttempts int
	OTPVerifyWindow   time.Duration
	// Email register/login calls allowed per client IP per minute.
	AuthAttemptsPerIP int
}

type AuthHandler struct {
	auth    *services.AuthService
	timeout time.Duration
	log     *slog.Logger
}

func SetupAuthRoutes(app *fiber.App, auth *services.AuthService, cfg RoutesConfig, logger *slog.Logger) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.OTPRequestsPerIP <= 0 {
		cfg.OTPRequestsPerIP = 5
	}
	if cfg.OTPVerifyAttempts <= 0 {
		cfg.OTPVerifyAttempts = 5
	}
	if cfg.OTPVerifyWindow <= 0 {
		cfg.OTPVerifyWindow = services.DefaultOTPTTL
	}
	if cfg.AuthAttemptsPerIP <= 0 {
		cfg.AuthAttemptsPerIP = 10
	}
	h := &AuthHandler{auth: auth, timeout: cfg.RequestTimeout, log: logger}

	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "alive"})
	})

	// 🔓 Public routes: credentials travel in the body
	authGroup := app.Group("/auth")
	authGroup.Post("/telegram", h.LaunchAuth)
	emailLimiter := rateLimiter(cfg.AuthAttemptsPerIP, time.Minute, false, clientIP)
	authGroup.Post("/email/register", emailLimiter, h.RegisterEmail)
	authGroup.Post("/email/login", emailLimiter, h.LoginEmail)
	authGroup.Post("/otp/request", rateLimiter(cfg.OTPRequestsPerIP, time.Minute, false, clientIP), h.RequestOTP)
	authGroup.Post("/otp/verify", rateLimiter(cfg.OTPVerifyAttempts, cfg.OTPVerifyWindow, true, clientIPAndEmail), h.VerifyOTP)
	authGroup.Post("/link/telegram", h.LinkTelegram)

	// 🔐 Trusted callers only: unsigned registration
	authGroup.Post("/register", middleware.ServiceTokenMiddleware(cfg.ServiceToken, logger), h.Register)

	// 🔐 Launch-data authenticated routes
	launch := middleware.LaunchDataMiddleware(auth.Verifier(), logger)
	authGroup.Post("/link/email", launch, h.LinkEmail)

	referrals := app.Group("/referrals")
	referrals.Post("/validate", h.ValidateReferral)
	referrals.Get("/stats", launch, h.ReferralStats)
}

// rateLimiter rejects with 429 once key has made max counted requests within
// window. With failuresOnly, responses below 400 are not counted.
func rateLimiter(max int, window time.Duration, failuresOnly bool, key func(*fiber.Ctx) string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:                    max,
		Expiration:             window,
		KeyGenerator:           key,
		SkipSuccessfulRequests: failuresOnly,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests, try again later",
			})
		},
	})
}

func clientIP(c *fiber.Ctx) string {
	return c.IP()
}

// clientIPAndEmail keys passcode checks by caller and target account.
func clientIPAndEmail(c *fiber.Ctx) string {
	var req struct {
		Email string `json:"email"`
	}
	_ = c.BodyParser(&req)
	email := services.NormalizeEmail(req.Email)
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(req.Email))
	}
	return c.IP() + "|" + email
}

func (h *AuthHandler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

func (h *AuthHandler) LaunchAuth(c *fiber.Ctx) error {
	var req struct {
		InitData     string `json:"initData"`
		ReferralCode string `json:"referralCode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.LaunchAuth(ctx, req.InitData, req.ReferralCode)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return writeAuthResult(c, res)
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req services.RegistrationInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.Register(ctx, req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return writeAuthResult(c, res)
}

func (h *AuthHandler) RegisterEmail(c *fiber.Ctx) error {
	var req services.EmailRegistrationInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.RegisterEmail(ctx, req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return writeAuthResult(c, res)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) LoginEmail(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.LoginEmail(ctx, req.Email, req.Password)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return writeAuthResult(c, res)
}

func (h *AuthHandler) RequestOTP(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.RequestOTP(ctx, req.Email)
	if err != nil {
		return writeError(c, h.log, err)
	}
	body := fiber.Map{"success": true, "message": "if the account exists, a code has been sent"}
	if res.OTP != "" {
		body["otp"] = res.OTP
	}
	return c.JSON(body)
}

func (h *AuthHandler) VerifyOTP(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.VerifyOTP(ctx, req.Email, req.OTP)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return writeAuthResult(c, res)
}

func (h *AuthHandler) LinkEmail(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.auth.LinkEmail(ctx, middleware.LaunchData(c), req.Email, req.Password); err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *AuthHandler) LinkTelegram(c *fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		InitData string `json:"initData"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.auth.LinkTelegram(ctx, req.Email, req.Password, req.InitData); err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *AuthHandler) ValidateReferral(c *fiber.Ctx) error {
	var req struct {
		Code     string `json:"code"`
		InitData string `json:"initData"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.ValidateReferral(ctx, req.Code, req.InitData)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"valid":       res.Valid,
		"reason":      res.Reason,
		"referrer_id": res.ReferrerID,
	})
}

func (h *AuthHandler) ReferralStats(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	summary, err := h.auth.ReferralSummary(ctx, middleware.LaunchData(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"referralStats": summary.Stats,
		"referrals":     summary.Referrals,
	})
}
