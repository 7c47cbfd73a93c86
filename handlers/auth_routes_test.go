package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"miniapp-auth/models"
	"miniapp-auth/services"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	botToken     = "123456:handler-test-token"
	serviceToken = "svc-secret"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestApp(t *testing.T, opts ...func(*RoutesConfig)) (*fiber.App, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	verifier, err := services.NewPayloadVerifier(botToken, services.DefaultInitDataMaxAge, quietLog)
	require.NoError(t, err)
	referrals := services.NewReferralResolver(db, quietLog)
	ledger := services.NewReferralLedger(db, quietLog)
	identities := services.NewIdentityResolver(db, referrals, ledger, quietLog).WithPasswordCost(bcrypt.MinCost)
	otps := services.NewOtpStore(db, services.DefaultOTPTTL, quietLog)
	auth := services.NewAuthService(db, verifier, identities, referrals, ledger, otps,
		services.LogMailer{Log: quietLog}, services.AuthServiceConfig{ExposeOTP: true}, quietLog)

	cfg := RoutesConfig{
		ServiceToken:     serviceToken,
		RequestTimeout:   5 * time.Second,
		OTPRequestsPerIP: 5,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	app := fiber.New()
	SetupAuthRoutes(app, auth, cfg, quietLog)
	return app, db
}

func initDataFor(t *testing.T, id int64, firstName string, extra map[string]string) string {
	t.Helper()
	user, err := json.Marshal(services.TelegramUser{ID: id, FirstName: firstName})
	require.NoError(t, err)
	fields := map[string]string{
		"user":      string(user),
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return services.SignLaunchData(fields, botToken)
}

type envelope struct {
	Success       bool                      `json:"success"`
	Error         string                    `json:"error"`
	Created       bool                      `json:"created"`
	Role          string                    `json:"role"`
	OTP           string                    `json:"otp"`
	Valid         bool                      `json:"valid"`
	Reason        string                    `json:"reason"`
	Profile       *models.Profile           `json:"profile"`
	ReferralStats *models.ReferralStats     `json:"referralStats"`
	Referrals     []models.ReferralEdge     `json:"referrals"`
	Referral      *services.ReferralOutcome `json:"referral"`
}

func do(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestLivez(t *testing.T) {
	app, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTelegramAuthRoute(t *testing.T) {
	app, _ := newTestApp(t)
	initData := initDataFor(t, 279058397, "Vladislav", nil)

	status, body := do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": initData}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, body.Success)
	require.True(t, body.Created)
	require.Equal(t, "user", body.Role)
	require.NotNil(t, body.Profile)
	require.Equal(t, "Vladislav", body.Profile.FirstName)
	require.Len(t, body.Profile.ReferralCode, services.ReferralCodeLength)
	require.NotNil(t, body.ReferralStats)

	status, body = do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": initData}, nil)
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Created)
}

func TestTelegramAuthRouteFailures(t *testing.T) {
	app, db := newTestApp(t)

	forged := services.SignLaunchData(map[string]string{
		"user":      `{"id":1,"first_name":"Mallory"}`,
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	}, "other:token")
	status, body := do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": forged}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, body.Success)
	require.Equal(t, "unauthorized", body.Error)

	status, body = do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": ""}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, body.Success)

	status, body = do(t, app, http.MethodPost, "/auth/telegram", "{not json", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid JSON", body.Error)

	var n int64
	require.NoError(t, db.Model(&models.Profile{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestRegisterRequiresServiceToken(t *testing.T) {
	app, _ := newTestApp(t)
	payload := map[string]interface{}{"telegram_id": 4242, "first_name": "Bot"}

	status, _ := do(t, app, http.MethodPost, "/auth/register", payload, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, app, http.MethodPost, "/auth/register", payload,
		map[string]string{fiber.HeaderAuthorization: "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := do(t, app, http.MethodPost, "/auth/register", payload,
		map[string]string{fiber.HeaderAuthorization: "Bearer " + serviceToken})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, body.Created)
	require.EqualValues(t, 4242, *body.Profile.TelegramID)
}

func TestEmailAndOTPRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := do(t, app, http.MethodPost, "/auth/email/register", map[string]string{
		"email": "ivan@example.com", "password": "hunter2hunter2", "firstName": "Ivan",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "ivan@example.com", *body.Profile.Email)

	status, body = do(t, app, http.MethodPost, "/auth/email/register", map[string]string{
		"email": "ivan@example.com", "password": "hunter2hunter2", "firstName": "Ivan",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, services.RegistrationRejectedMessage, body.Error)

	status, body = do(t, app, http.MethodPost, "/auth/email/login", map[string]string{
		"email": "ivan@example.com", "password": "nope-nope-nope",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid credentials", body.Error)

	status, body = do(t, app, http.MethodPost, "/auth/email/login", map[string]string{
		"email": "ivan@example.com", "password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)

	status, body = do(t, app, http.MethodPost, "/auth/otp/request", map[string]string{"email": "ivan@example.com"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.OTP, 6)
	code := body.OTP

	status, _ = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "ivan@example.com", "otp": "abc"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "ivan@example.com", "otp": code}, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)

	status, _ = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "ivan@example.com", "otp": code}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestOTPRequestsAreRateLimited(t *testing.T) {
	app, _ := newTestApp(t, func(c *RoutesConfig) { c.OTPRequestsPerIP = 2 })
	for i := 0; i < 2; i++ {
		status, _ := do(t, app, http.MethodPost, "/auth/otp/request", map[string]string{"email": "x@example.com"}, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := do(t, app, http.MethodPost, "/auth/otp/request", map[string]string{"email": "x@example.com"}, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.False(t, body.Success)
}

func TestOTPVerifyIsRateLimitedPerEmail(t *testing.T) {
	app, _ := newTestApp(t, func(c *RoutesConfig) { c.OTPVerifyAttempts = 3 })

	status, _ := do(t, app, http.MethodPost, "/auth/email/register", map[string]string{
		"email": "olga@example.com", "password": "hunter2hunter2", "firstName": "Olga",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	status, body := do(t, app, http.MethodPost, "/auth/otp/request", map[string]string{"email": "olga@example.com"}, nil)
	require.Equal(t, http.StatusOK, status)
	code := body.OTP
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		status, _ = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "olga@example.com", "otp": wrong}, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	}
	// Locked out even with the right code; casing does not open a new bucket.
	status, body = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "Olga@Example.com", "otp": code}, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.False(t, body.Success)

	status, _ = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "other@example.com", "otp": wrong}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestSuccessfulOTPVerifyIsNotCounted(t *testing.T) {
	app, _ := newTestApp(t, func(c *RoutesConfig) { c.OTPVerifyAttempts = 1 })

	status, _ := do(t, app, http.MethodPost, "/auth/email/register", map[string]string{
		"email": "pia@example.com", "password": "hunter2hunter2", "firstName": "Pia",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	for i := 0; i < 2; i++ {
		_, body := do(t, app, http.MethodPost, "/auth/otp/request", map[string]string{"email": "pia@example.com"}, nil)
		status, _ = do(t, app, http.MethodPost, "/auth/otp/verify", map[string]string{"email": "pia@example.com", "otp": body.OTP}, nil)
		require.Equal(t, http.StatusOK, status)
	}
}

func TestEmailAuthIsRateLimitedPerIP(t *testing.T) {
	app, _ := newTestApp(t, func(c *RoutesConfig) { c.AuthAttemptsPerIP = 2 })
	creds := map[string]string{"email": "quinn@example.com", "password": "hunter2hunter2"}

	for i := 0; i < 2; i++ {
		status, _ := do(t, app, http.MethodPost, "/auth/email/login", creds, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, body := do(t, app, http.MethodPost, "/auth/email/login", creds, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "too many requests, try again later", body.Error)

	status, _ = do(t, app, http.MethodPost, "/auth/email/register", map[string]string{
		"email": "quinn@example.com", "password": "hunter2hunter2", "firstName": "Quinn",
	}, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestLaunchDataProtectedRoutes(t *testing.T) {
	app, _ := newTestApp(t)
	initData := initDataFor(t, 555, "Judy", nil)

	status, _ := do(t, app, http.MethodGet, "/referrals/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, app, http.MethodGet, "/referrals/stats", nil,
		map[string]string{fiber.HeaderAuthorization: "tma " + initData})
	require.Equal(t, http.StatusNotFound, status)

	status, me := do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": initData}, nil)
	require.Equal(t, http.StatusCreated, status)

	friendData := initDataFor(t, 556, "Ken", map[string]string{"start_param": "ref_" + me.Profile.ReferralCode})
	status, friend := do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": friendData}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, friend.Referral)
	require.True(t, friend.Referral.Applied)

	status, body := do(t, app, http.MethodGet, "/referrals/stats", nil,
		map[string]string{fiber.HeaderAuthorization: "tma " + initData})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body.ReferralStats.TotalReferrals)
	require.Len(t, body.Referrals, 1)
	require.Equal(t, friend.Profile.ID, body.Referrals[0].ReferredID)

	status, _ = do(t, app, http.MethodPost, "/auth/link/email",
		map[string]string{"email": "judy@example.com", "password": "hunter2hunter2"},
		map[string]string{fiber.HeaderAuthorization: "tma " + initData})
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, app, http.MethodPost, "/auth/link/email",
		map[string]string{"email": "judy2@example.com", "password": "hunter2hunter2"},
		map[string]string{fiber.HeaderAuthorization: "tma " + initData})
	require.Equal(t, http.StatusConflict, status)
	require.False(t, body.Success)
}

func TestValidateReferralRoute(t *testing.T) {
	app, _ := newTestApp(t)
	initData := initDataFor(t, 777, "Liam", nil)
	_, me := do(t, app, http.MethodPost, "/auth/telegram", map[string]string{"initData": initData}, nil)

	status, body := do(t, app, http.MethodPost, "/referrals/validate",
		map[string]string{"code": me.Profile.ReferralCode, "initData": initData}, nil)
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Valid)
	require.Equal(t, "cannot use your own code", body.Reason)

	status, body = do(t, app, http.MethodPost, "/referrals/validate",
		map[string]string{"code": me.Profile.ReferralCode}, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Valid)

	status, body = do(t, app, http.MethodPost, "/referrals/validate", map[string]string{"code": "NOPE9999"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Valid)
	require.Equal(t, "referral code not found", body.Reason)
}
