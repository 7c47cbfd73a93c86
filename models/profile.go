package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Profile is the durable account record. A profile carries a platform identity
// (TelegramID), an email identity (Email + PasswordHash), or both once linked.
type Profile struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	TelegramID   *int64  `gorm:"uniqueIndex" json:"telegram_id,omitempty"`
	Email        *string `gorm:"uniqueIndex;size:320" json:"email,omitempty"`
	PasswordHash *string `gorm:"size:100" json:"-"`

	FirstName    string  `gorm:"size:255" json:"first_name"`
	LastName     *string `gorm:"size:255" json:"last_name,omitempty"`
	Username     *string `gorm:"index;size:255" json:"username,omitempty"`
	AvatarURL    *string `json:"avatar_url,omitempty"`
	LanguageCode *string `gorm:"size:16" json:"language_code,omitempty"`
	IsPremium    bool    `gorm:"default:false" json:"is_premium"`

	ReferralCode string  `gorm:"uniqueIndex;size:16;not null" json:"referral_code"`
	ReferredBy   *string `gorm:"size:36;index" json:"referred_by,omitempty"` // set once, never rewritten

	LoginCount  int64      `gorm:"default:0" json:"login_count"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`

	Timestamps
}

func (p *Profile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
