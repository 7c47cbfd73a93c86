package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"miniapp-auth/models"

	"gorm.io/gorm"
)

const (
	DefaultOTPTTL = 10 * time.Minute
	otpDigits     = 6
	otpMin        = 100000
	otpSpan       = 900000
)

// OtpStore issues and checks six-digit passcodes. Only a hash of each code is
// stored and a profile has at most one live code.
type OtpStore struct {
	DB  *gorm.DB
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

func NewOtpStore(db *gorm.DB, ttl time.Duration, logger *slog.Logger) *OtpStore {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OtpStore{DB: db, ttl: ttl, now: time.Now, log: logger}
}

// WithClock swaps the time source. Used by tests.
func (s *OtpStore) WithClock(now func() time.Time) *OtpStore {
	cp := *s
	cp.now = now
	return &cp
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// hashOTP binds the code to its profile so equal codes of different accounts
// never share a hash.
func hashOTP(profileID, code string) string {
	sum := sha256.Sum256([]byte(profileID + ":" + code))
	return hex.EncodeToString(sum[:])
}

// Issue replaces any previous code for profileID and returns the new plaintext
// for out-of-band delivery. The plaintext is never persisted.
func (s *OtpStore) Issue(ctx context.Context, profileID string) (string, error) {
	code, err := generateOTP()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	record := models.OtpCode{
		ProfileID: profileID,
		CodeHash:  hashOTP(profileID, code),
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", profileID).Delete(&models.OtpCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return "", storageError("issue otp", err)
	}

	s.log.Info("otp issued", "profile_id", profileID, "expires_at", record.ExpiresAt)
	return code, nil
}

// Verify reports whether candidate is the live, unexpired code for profileID.
// A failed check leaves the stored code untouched.
func (s *OtpStore) Verify(ctx context.Context, profileID, candidate string) (bool, error) {
	if profileID == "" || !isOTPShaped(candidate) {
		return false, nil
	}
	var record models.OtpCode
	err := s.DB.WithContext(ctx).
		Where("profile_id = ? AND code_hash = ? AND expires_at > ?", profileID, hashOTP(profileID, candidate), s.now().UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("verify otp", err)
	}
	return true, nil
}

// Consume verifies and invalidates in one statement: it deletes the live code
// matching candidate and reports whether exactly one row went. Of any number of
// concurrent callers presenting the same code, at most one gets true.
func (s *OtpStore) Consume(ctx context.Context, profileID, candidate string) (bool, error) {
	if profileID == "" || !isOTPShaped(candidate) {
		return false, nil
	}
	res := s.DB.WithContext(ctx).
		Where("profile_id = ? AND code_hash = ? AND expires_at > ?", profileID, hashOTP(profileID, candidate), s.now().UTC()).
		Delete(&models.OtpCode{})
	if res.Error != nil {
		return false, storageError("consume otp", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Invalidate removes the profile's code and reports whether one was present.
func (s *OtpStore) Invalidate(ctx context.Context, profileID string) (bool, error) {
	res := s.DB.WithContext(ctx).Where("profile_id = ?", profileID).Delete(&models.OtpCode{})
	if res.Error != nil {
		return false, storageError("invalidate otp", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PurgeExpired deletes codes whose expiry has passed and returns how many went.
func (s *OtpStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&models.OtpCode{})
	if res.Error != nil {
		return 0, storageError("purge otp", res.Error)
	}
	return res.RowsAffected, nil
}

func isOTPShaped(s string) bool {
	if len(s) != otpDigits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
