package models

import "time"

// Credential status values. A cooldown entry is lazily reactivated once
// CooldownUntil has passed; disabled entries never come back on their own.
const (
	CredentialActive   = "active"
	CredentialCooldown = "cooldown"
	CredentialDisabled = "disabled"
)

// Credential sources. OAuth-sourced credentials are synthesized per call and
// never persisted; only manual rows live in this table.
const (
	SourceManual = "manual"
	SourceOAuth  = "oauth"
)

// Credential is a stored API key for one provider. SecretEnc holds the
// ciphertext; plaintext only ever exists in memory after a pool read.
type Credential struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	ProviderID    string `gorm:"index"`
	SecretEnc     string
	Alias         string
	LastFour      string
	Status        string `gorm:"default:active"`
	CooldownUntil *time.Time
	SuccessCount  int64
	FailureCount  int64
	LastErrorCode string
	LastUsedAt    *time.Time
	Source        string `gorm:"default:manual"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
