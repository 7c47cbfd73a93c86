package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"miniapp-auth/utils"

	"github.com/urfave/cli/v2"
)

// Config is the full runtime configuration. Everything is read once at startup
// and passed down explicitly.
type Config struct {
	Environment string
	ListenAddr  string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseDebug  bool

	BotToken       string
	InitDataMaxAge time.Duration

	OTPTTL            time.Duration
	OTPEcho           bool
	OTPSweepInterval  time.Duration
	OTPRequestsPerIP  int
	OTPVerifyAttempts int
	AuthAttemptsPerIP int

	ServiceToken   string
	AllowedOrigins string
	RequestTimeout time.Duration

	MailRelayURL   string
	MailRelayToken string

	R2 utils.R2Config

	LogJSON  bool
	LogDebug bool
}

var (
	ErrMissingBotToken    = errors.New("TELEGRAM_BOT_TOKEN is not set; launch data cannot be verified")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set")
	ErrOTPEchoProduction  = errors.New("OTP_ECHO must not be enabled when APP_ENV=production")
)

// Validate reports configuration faults. These are fatal at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return ErrMissingBotToken
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrMissingDatabaseURL
	}
	if c.OTPEcho && c.IsProduction() {
		return ErrOTPEchoProduction
	}
	if c.InitDataMaxAge <= 0 {
		return fmt.Errorf("INIT_DATA_MAX_AGE must be positive, got %s", c.InitDataMaxAge)
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive, got %s", c.OTPTTL)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

var Flags = []cli.Flag{
	&cli.StringFlag{Name: "env", EnvVars: []string{"APP_ENV"}, Value: "development", Usage: "deployment environment"},
	&cli.StringFlag{Name: "listen-addr", EnvVars: []string{"LISTEN_ADDR"}, Value: ":5200", Usage: "address to listen on for the API"},
	&cli.StringFlag{Name: "db-driver", EnvVars: []string{"DB_DRIVER"}, Value: "postgres", Usage: "database driver: postgres or mysql"},
	&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Usage: "database DSN"},
	&cli.BoolFlag{Name: "db-debug", EnvVars: []string{"DB_DEBUG"}, Usage: "log every SQL statement"},
	&cli.StringFlag{Name: "bot-token", EnvVars: []string{"TELEGRAM_BOT_TOKEN"}, Usage: "shared secret used to verify launch data"},
	&cli.DurationFlag{Name: "init-data-max-age", EnvVars: []string{"INIT_DATA_MAX_AGE"}, Value: 24 * time.Hour, Usage: "maximum age of accepted launch data"},
	&cli.DurationFlag{Name: "otp-ttl", EnvVars: []string{"OTP_TTL"}, Value: 10 * time.Minute, Usage: "lifetime of an issued passcode"},
	&cli.BoolFlag{Name: "otp-echo", EnvVars: []string{"OTP_ECHO"}, Usage: "TEST ONLY: return issued passcodes in the response body"},
	&cli.DurationFlag{Name: "otp-sweep-interval", EnvVars: []string{"OTP_SWEEP_INTERVAL"}, Value: 15 * time.Minute, Usage: "how often expired passcodes are purged"},
	&cli.IntFlag{Name: "otp-requests-per-ip", EnvVars: []string{"OTP_REQUESTS_PER_IP"}, Value: 5, Usage: "passcode requests allowed per IP per minute"},
	&cli.IntFlag{Name: "otp-verify-attempts", EnvVars: []string{"OTP_VERIFY_ATTEMPTS"}, Value: 5, Usage: "failed passcode checks allowed per IP and email within one passcode lifetime"},
	&cli.IntFlag{Name: "auth-attempts-per-ip", EnvVars: []string{"AUTH_ATTEMPTS_PER_IP"}, Value: 10, Usage: "email register/login calls allowed per IP per minute"},
	&cli.StringFlag{Name: "service-token", EnvVars: []string{"SERVICE_TOKEN"}, Usage: "bearer token trusted callers use for unsigned registration"},
	&cli.StringFlag{Name: "allowed-origins", EnvVars: []string{"ALLOWED_ORIGINS"}, Value: "http://localhost:3000", Usage: "comma separated CORS origins"},
	&cli.DurationFlag{Name: "request-timeout", EnvVars: []string{"REQUEST_TIMEOUT"}, Value: 10 * time.Second, Usage: "per-request deadline"},
	&cli.StringFlag{Name: "mail-relay-url", EnvVars: []string{"MAIL_RELAY_URL"}, Usage: "HTTP mail relay base URL; empty logs instead of sending"},
	&cli.StringFlag{Name: "mail-relay-token", EnvVars: []string{"MAIL_RELAY_TOKEN"}, Usage: "bearer token for the mail relay"},
	&cli.StringFlag{Name: "r2-account-id", EnvVars: []string{"CLOUDFLARE_ACCOUNT_ID"}},
	&cli.StringFlag{Name: "r2-access-key-id", EnvVars: []string{"R2_ACCESS_KEY_ID"}},
	&cli.StringFlag{Name: "r2-access-key-secret", EnvVars: []string{"R2_ACCESS_KEY_SECRET"}},
	&cli.StringFlag{Name: "r2-bucket", EnvVars: []string{"R2_BUCKET_NAME"}},
	&cli.StringFlag{Name: "cdn-base-url", EnvVars: []string{"CDN_BASE_URL"}},
	&cli.BoolFlag{Name: "log-json", EnvVars: []string{"LOG_JSON"}, Usage: "log in JSON format"},
	&cli.BoolFlag{Name: "log-debug", EnvVars: []string{"LOG_DEBUG"}, Usage: "log debug messages"},
}

// FromCLI builds and validates a Config from parsed flags.
func FromCLI(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Environment:       c.String("env"),
		ListenAddr:        c.String("listen-addr"),
		DatabaseDriver:    c.String("db-driver"),
		DatabaseURL:       c.String("database-url"),
		DatabaseDebug:     c.Bool("db-debug"),
		BotToken:          c.String("bot-token"),
		InitDataMaxAge:    c.Duration("init-data-max-age"),
		OTPTTL:            c.Duration("otp-ttl"),
		OTPEcho:           c.Bool("otp-echo"),
		OTPSweepInterval:  c.Duration("otp-sweep-interval"),
		OTPRequestsPerIP:  c.Int("otp-requests-per-ip"),
		OTPVerifyAttempts: c.Int("otp-verify-attempts"),
		AuthAttemptsPerIP: c.Int("auth-attempts-per-ip"),
		ServiceToken:      c.String("service-token"),
		AllowedOrigins:    normalizeOrigins(c.String("allowed-origins")),
		RequestTimeout:    c.Duration("request-timeout"),
		MailRelayURL:      strings.TrimRight(c.String("mail-relay-url"), "/"),
		MailRelayToken:    c.String("mail-relay-token"),
		R2: utils.R2Config{
			AccountID:       c.String("r2-account-id"),
			AccessKeyID:     c.String("r2-access-key-id"),
			AccessKeySecret: c.String("r2-access-key-secret"),
			Bucket:          c.String("r2-bucket"),
			CDNBaseURL:      c.String("cdn-base-url"),
		},
		LogJSON:  c.Bool("log-json"),
		LogDebug: c.Bool("log-debug"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
