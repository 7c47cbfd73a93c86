package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MaxReferralLevel is the deepest hop tracked in ReferralStats.
const MaxReferralLevel = 5

// ReferralEdge attributes a referred profile to the referrer credited for it.
// ReferredID is unique: an account has at most one referrer.
type ReferralEdge struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	ReferrerID       string    `gorm:"size:36;index;not null" json:"referrer_id"`
	ReferredID       string    `gorm:"size:36;uniqueIndex;not null" json:"referred_id"`
	Level            int       `gorm:"not null;default:1" json:"level"`
	IsActive         bool      `gorm:"not null;default:true" json:"is_active"`
	ReferralCodeUsed *string   `gorm:"size:16" json:"referral_code_used,omitempty"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (e *ReferralEdge) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// ReferralStats holds aggregate counters for a referrer. Only the ledger writes it,
// always with in-database increments.
type ReferralStats struct {
	ProfileID      string          `gorm:"primaryKey;size:36" json:"profile_id"`
	TotalReferrals int64           `gorm:"not null;default:0" json:"total_referrals"`
	TotalEarnings  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"total_earnings"`
	Level1Count    int64           `gorm:"column:level_1_count;not null;default:0" json:"level_1_count"`
	Level2Count    int64           `gorm:"column:level_2_count;not null;default:0" json:"level_2_count"`
	Level3Count    int64           `gorm:"column:level_3_count;not null;default:0" json:"level_3_count"`
	Level4Count    int64           `gorm:"column:level_4_count;not null;default:0" json:"level_4_count"`
	Level5Count    int64           `gorm:"column:level_5_count;not null;default:0" json:"level_5_count"`
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ReferralStats) TableName() string {
	return "referral_stats"
}

// LevelColumn returns the counter column for a hop distance, or "" when out of range.
func LevelColumn(level int) string {
	switch level {
	case 1:
		return "level_1_count"
	case 2:
		return "level_2_count"
	case 3:
		return "level_3_count"
	case 4:
		return "level_4_count"
	case 5:
		return "level_5_count"
	default:
		return ""
	}
}
