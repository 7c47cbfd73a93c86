package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is created together with its Profile and never recreated.
type Balance struct {
	ProfileID       string          `gorm:"primaryKey;size:36" json:"profile_id"`
	InternalBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"internal_balance"`
	ExternalBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"external_balance"`
	TotalEarned     decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"total_earned"`
	TotalWithdrawn  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"total_withdrawn"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}
