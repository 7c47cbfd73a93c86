package models

import "time"

// Timestamps adds GORM auto-times. Rows are deleted outright; there is no
// soft-delete column, so a removed identity can register again.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
