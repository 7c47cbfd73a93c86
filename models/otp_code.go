package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OtpCode holds the hash of the single live passcode for a profile.
// Rows are hard-deleted; there is no soft delete here.
type OtpCode struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ProfileID string    `gorm:"size:36;uniqueIndex;not null" json:"profile_id"`
	CodeHash  string    `gorm:"size:64;not null;index" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (OtpCode) TableName() string {
	return "otp_codes"
}

func (o *OtpCode) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}
