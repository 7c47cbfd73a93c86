package models

import "gorm.io/gorm"

// All lists every table owned by this service, in migration order.
func All() []interface{} {
	return []interface{}{
		&Profile{},
		&Balance{},
		&ReferralStats{},
		&ReferralEdge{},
		&OtpCode{},
		&UserRole{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}
