package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"miniapp-auth/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "123456:test-bot-token"

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestDB opens a private in-memory database. A single connection keeps
// transactions serialized the way row locks would on a server database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

type testEnv struct {
	db         *gorm.DB
	verifier   *PayloadVerifier
	referrals  *ReferralResolver
	ledger     *ReferralLedger
	identities *IdentityResolver
	otps       *OtpStore
	mailer     *fakeMailer
	auth       *AuthService
}

func newTestEnv(t *testing.T, exposeOTP bool) *testEnv {
	t.Helper()
	db := newTestDB(t)
	verifier, err := NewPayloadVerifier(testSecret, DefaultInitDataMaxAge, testLog)
	require.NoError(t, err)
	referrals := NewReferralResolver(db, testLog)
	ledger := NewReferralLedger(db, testLog)
	identities := NewIdentityResolver(db, referrals, ledger, testLog).WithPasswordCost(bcrypt.MinCost)
	otps := NewOtpStore(db, DefaultOTPTTL, testLog)
	mailer := &fakeMailer{}
	auth := NewAuthService(db, verifier, identities, referrals, ledger, otps, mailer,
		AuthServiceConfig{ExposeOTP: exposeOTP}, testLog)
	return &testEnv{
		db:         db,
		verifier:   verifier,
		referrals:  referrals,
		ledger:     ledger,
		identities: identities,
		otps:       otps,
		mailer:     mailer,
		auth:       auth,
	}
}

func signedInitData(t *testing.T, secret string, user TelegramUser, authDate time.Time, extra map[string]string) string {
	t.Helper()
	raw, err := json.Marshal(user)
	require.NoError(t, err)
	fields := map[string]string{
		"user":      string(raw),
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return SignLaunchData(fields, secret)
}

func createPlatformProfile(t *testing.T, env *testEnv, tgID int64, opts CreateOptions) *models.Profile {
	t.Helper()
	res, err := env.identities.FindOrCreate(context.Background(),
		PlatformIdentity{User: TelegramUser{ID: tgID, FirstName: "User" + strconv.FormatInt(tgID, 10)}}, opts)
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Profile
}

func loadStats(t *testing.T, db *gorm.DB, profileID string) models.ReferralStats {
	t.Helper()
	var stats models.ReferralStats
	require.NoError(t, db.Where("profile_id = ?", profileID).Take(&stats).Error)
	return stats
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

type sentMail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendEmail(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
