package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"miniapp-auth/config"
	"miniapp-auth/handlers"
	"miniapp-auth/models"
	"miniapp-auth/services"
	"miniapp-auth/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}

	app := &cli.App{
		Name:   "miniapp-auth",
		Usage:  "Mini-app launch, email and OTP authentication with referral attribution",
		Flags:  config.Flags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "sign-init-data",
				Usage:  "print a signed launch payload for local testing",
				Flags:  signFlags,
				Action: signInitData,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(cCtx *cli.Context) error {
	cfg, err := config.FromCLI(cCtx)
	if err != nil {
		return err
	}

	logger := utils.SetupLogger(&utils.LoggingOpts{
		Debug:   cfg.LogDebug,
		JSON:    cfg.LogJSON,
		Service: "miniapp-auth",
	})

	db, err := utils.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseDebug)
	if err != nil {
		logger.Error("failed to connect to database", "err", err)
		return err
	}
	if err := models.Migrate(db); err != nil {
		logger.Error("failed to migrate database", "err", err)
		return err
	}

	verifier, err := services.NewPayloadVerifier(cfg.BotToken, cfg.InitDataMaxAge, logger)
	if err != nil {
		return err
	}
	referrals := services.NewReferralResolver(db, logger)
	ledger := services.NewReferralLedger(db, logger)
	identities := services.NewIdentityResolver(db, referrals, ledger, logger)
	if cfg.R2.Enabled() {
		mirror, err := utils.NewR2AvatarMirror(cCtx.Context, cfg.R2)
		if err != nil {
			logger.Error("failed to initialize R2 client", "err", err)
			return err
		}
		identities.WithAvatarMirror(mirror)
		logger.Info("avatar mirroring enabled", "bucket", cfg.R2.Bucket)
	}
	otps := services.NewOtpStore(db, cfg.OTPTTL, logger)

	var mailer services.Mailer = services.LogMailer{Log: logger}
	if cfg.MailRelayURL != "" {
		mailer = services.NewMailRelayClient(cfg.MailRelayURL, cfg.MailRelayToken)
	}

	authService := services.NewAuthService(db, verifier, identities, referrals, ledger, otps, mailer,
		services.AuthServiceConfig{ExposeOTP: cfg.OTPEcho}, logger)

	janitor, err := services.StartOTPJanitor(otps, cfg.OTPSweepInterval, logger)
	if err != nil {
		logger.Error("failed to start otp janitor", "err", err)
		return err
	}

	fiberApp := fiber.New(fiber.Config{
		BodyLimit:    64 * 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	fiberApp.Use(recover.New())
	fiberApp.Use(requestid.New())
	fiberApp.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n",
	}))
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		MaxAge:       86400,
	}))

	handlers.SetupAuthRoutes(fiberApp, authService, handlers.RoutesConfig{
		ServiceToken:      cfg.ServiceToken,
		RequestTimeout:    cfg.RequestTimeout,
		OTPRequestsPerIP:  cfg.OTPRequestsPerIP,
		OTPVerifyAttempts: cfg.OTPVerifyAttempts,
		OTPVerifyWindow:   cfg.OTPTTL,
		AuthAttemptsPerIP: cfg.AuthAttemptsPerIP,
	}, logger)

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := fiberApp.Listen(cfg.ListenAddr); err != nil {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	logger.Info("server running", "addr", cfg.ListenAddr, "env", cfg.Environment, "origins", cfg.AllowedOrigins)

	<-ctx.Done()
	logger.Info("shutting down server")
	if err := fiberApp.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if err := janitor.Shutdown(); err != nil {
		logger.Error("otp janitor shutdown failed", "err", err)
	}
	return nil
}

var signFlags = []cli.Flag{
	&cli.StringFlag{Name: "bot-token", EnvVars: []string{"TELEGRAM_BOT_TOKEN"}, Required: true},
	&cli.Int64Flag{Name: "user-id", Required: true},
	&cli.StringFlag{Name: "first-name", Value: "Test"},
	&cli.StringFlag{Name: "username"},
	&cli.StringFlag{Name: "start-param"},
}

func signInitData(cCtx *cli.Context) error {
	user, err := json.Marshal(services.TelegramUser{
		ID:        cCtx.Int64("user-id"),
		FirstName: cCtx.String("first-name"),
		Username:  cCtx.String("username"),
	})
	if err != nil {
		return err
	}
	fields := map[string]string{
		"user":      string(user),
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
		"query_id":  "local-" + strconv.FormatInt(time.Now().UnixNano(), 36),
	}
	if sp := cCtx.String("start-param"); sp != "" {
		fields["start_param"] = sp
	}
	fmt.Println(services.SignLaunchData(fields, cCtx.String("bot-token")))
	return nil
}
