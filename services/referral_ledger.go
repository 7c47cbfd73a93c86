package services

import (
	"context"
	"errors"
	"log/slog"

	"miniapp-auth/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReferralLedger records referral edges and keeps ReferralStats in step with them.
type ReferralLedger struct {
	DB  *gorm.DB
	log *slog.Logger
}

func NewReferralLedger(db *gorm.DB, logger *slog.Logger) *ReferralLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferralLedger{DB: db, log: logger}
}

// Attach credits referrerID with referredID. It reports whether a new edge was
// created; repeated calls for the same pair change nothing.
func (l *ReferralLedger) Attach(ctx context.Context, referrerID, referredID string) (bool, error) {
	var created bool
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = l.AttachTx(tx, referrerID, referredID, nil)
		return err
	})
	if err != nil {
		return false, storageError("attach referral", err)
	}
	return created, nil
}

// AttachTx is Attach inside a caller-owned transaction.
func (l *ReferralLedger) AttachTx(tx *gorm.DB, referrerID, referredID string, codeUsed *string) (bool, error) {
	if referrerID == "" || referredID == "" {
		return false, validationError("referrer and referred ids are required")
	}
	if referrerID == referredID {
		return false, validationError(reasonSelfReferral)
	}
	cyclic, err := inReferralChain(tx, referrerID, referredID)
	if err != nil {
		return false, err
	}
	if cyclic {
		return false, validationError(reasonReferralCycle)
	}

	edge := models.ReferralEdge{
		ReferrerID:       referrerID,
		ReferredID:       referredID,
		Level:            1,
		IsActive:         true,
		ReferralCodeUsed: codeUsed,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// The referred profile already has a referrer; counters stay as they are.
		l.log.Debug("referral edge already present", "referrer_id", referrerID, "referred_id", referredID)
		return false, nil
	}

	if err := tx.Model(&models.Profile{}).
		Where("id = ? AND referred_by IS NULL", referredID).
		Update("referred_by", referrerID).Error; err != nil {
		return false, err
	}

	if err := incrementStats(tx, referrerID, map[string]interface{}{
		"total_referrals": gorm.Expr("total_referrals + ?", 1),
		"level_1_count":   gorm.Expr("level_1_count + ?", 1),
	}); err != nil {
		return false, err
	}

	if err := l.creditAncestors(tx, referrerID, referredID); err != nil {
		return false, err
	}

	l.log.Info("referral attached", "referrer_id", referrerID, "referred_id", referredID)
	return true, nil
}

// creditAncestors walks referred_by upward from the direct referrer and bumps the
// level 2..5 counter of each ancestor. No edges are written for those hops.
func (l *ReferralLedger) creditAncestors(tx *gorm.DB, referrerID, referredID string) error {
	seen := map[string]bool{referrerID: true, referredID: true}
	current := referrerID
	for level := 2; level <= models.MaxReferralLevel; level++ {
		var p models.Profile
		err := tx.Select("id", "referred_by").Where("id = ?", current).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.ReferredBy == nil || seen[*p.ReferredBy] {
			return nil
		}
		ancestor := *p.ReferredBy
		seen[ancestor] = true

		col := models.LevelColumn(level)
		if err := incrementStats(tx, ancestor, map[string]interface{}{
			col: gorm.Expr(col+" + ?", 1),
		}); err != nil {
			return err
		}
		current = ancestor
	}
	return nil
}

// inReferralChain reports whether target is profileID or one of its ancestors
// through referred_by.
func inReferralChain(tx *gorm.DB, profileID, target string) (bool, error) {
	seen := map[string]bool{}
	current := profileID
	for current != "" && !seen[current] {
		if current == target {
			return true, nil
		}
		seen[current] = true
		var p models.Profile
		err := tx.Select("id", "referred_by").Where("id = ?", current).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.ReferredBy == nil {
			return false, nil
		}
		current = *p.ReferredBy
	}
	return false, nil
}

// incrementStats applies in-database increments to a profile's stats row,
// creating the row first if an older account never got one.
func incrementStats(tx *gorm.DB, profileID string, updates map[string]interface{}) error {
	res := tx.Model(&models.ReferralStats{}).Where("profile_id = ?", profileID).UpdateColumns(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ReferralStats{ProfileID: profileID}).Error; err != nil {
		return err
	}
	return tx.Model(&models.ReferralStats{}).Where("profile_id = ?", profileID).UpdateColumns(updates).Error
}

// ReferralSummary is a referrer's counters plus the accounts it referred directly.
type ReferralSummary struct {
	Stats     models.ReferralStats  `json:"stats"`
	Referrals []models.ReferralEdge `json:"referrals"`
}

func (l *ReferralLedger) Summary(ctx context.Context, profileID string) (*ReferralSummary, error) {
	db := l.DB.WithContext(ctx)

	var stats models.ReferralStats
	err := db.Where("profile_id = ?", profileID).Take(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError("referral stats not found")
	}
	if err != nil {
		return nil, storageError("load referral stats", err)
	}

	var edges []models.ReferralEdge
	if err := db.Where("referrer_id = ? AND is_active = ?", profileID, true).
		Order("created_at DESC").
		Find(&edges).Error; err != nil {
		return nil, storageError("list referrals", err)
	}
	return &ReferralSummary{Stats: stats, Referrals: edges}, nil
}
