package models

import "time"

// AuthProfile stores OAuth identity and tokens for one provider account.
// Several profiles may coexist per provider (multi-account); the active one
// is tracked by the IsPrimary pointer, not by ordering.
type AuthProfile struct {
	ID           string `gorm:"primaryKey"` // UUID
	Label        string
	Provider     string `gorm:"index"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
	IsEnabled    bool `gorm:"default:true"`
	IsPrimary    bool `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
