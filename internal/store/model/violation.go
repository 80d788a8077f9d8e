package model

import "time"

// UploaderViolation counts security violations per uploader.
type UploaderViolation struct {
	UserID          string `gorm:"primaryKey"`
	Count           int    `gorm:"column:violation_count;not null;default:0"`
	Flagged         bool   `gorm:"not null;default:false"`
	LastThreatLevel string
	LastViolationAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
