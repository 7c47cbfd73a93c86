package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// UserRole is defaulted at profile creation; changes come from admin tooling only.
type UserRole struct {
	ProfileID string    `gorm:"primaryKey;size:36" json:"profile_id"`
	Role      Role      `gorm:"type:varchar(32);not null;default:'user'" json:"role"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
