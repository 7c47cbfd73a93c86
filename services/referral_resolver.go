package services

import (
	"context"
	"errors"
	"log/slog"

	"miniapp-auth/models"

	"gorm.io/gorm"
)

// ReferralValidation is the answer to "may this caller use this code".
type ReferralValidation struct {
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

const (
	reasonCodeRequired  = "referral code is required"
	reasonCodeUnknown   = "referral code not found"
	reasonSelfReferral  = "cannot use your own code"
	reasonReferralCycle = "referral would create a cycle"
)

// ReferralResolver maps human-typed referral codes to referrer profiles.
type ReferralResolver struct {
	DB  *gorm.DB
	log *slog.Logger
}

func NewReferralResolver(db *gorm.DB, logger *slog.Logger) *ReferralResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferralResolver{DB: db, log: logger}
}

// FindReferrerID returns the profile id owning code, or "" for blank and unknown
// codes. An invalid code must never block registration.
func (r *ReferralResolver) FindReferrerID(ctx context.Context, code string) (string, error) {
	return r.findReferrerID(r.DB.WithContext(ctx), code)
}

func (r *ReferralResolver) findReferrerID(tx *gorm.DB, code string) (string, error) {
	code = NormalizeReferralCode(code)
	if code == "" {
		return "", nil
	}

	var p models.Profile
	err := tx.Select("id").Where("referral_code = ?", code).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Debug("referral code not found", "code", code)
		return "", nil
	}
	if err != nil {
		return "", storageError("find referrer", err)
	}
	return p.ID, nil
}

// Validate checks code on behalf of requesterID (empty for an anonymous caller).
func (r *ReferralResolver) Validate(ctx context.Context, code, requesterID string) (*ReferralValidation, error) {
	if NormalizeReferralCode(code) == "" {
		return &ReferralValidation{Valid: false, Reason: reasonCodeRequired}, nil
	}
	referrerID, err := r.FindReferrerID(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrerID == "" {
		return &ReferralValidation{Valid: false, Reason: reasonCodeUnknown}, nil
	}
	if requesterID != "" && referrerID == requesterID {
		return &ReferralValidation{Valid: false, Reason: reasonSelfReferral}, nil
	}
	return &ReferralValidation{Valid: true, ReferrerID: referrerID}, nil
}
