package keypool

import (
	"fmt"
	"time"

	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db/models"
	"github.com/autoflowhq/braincore/internal/provider"
)

// Root causes for an empty acquisition. Each maps to a distinct,
// user-actionable message instead of a generic failure.
const (
	ReasonNoneConfigured    = "none_configured"
	ReasonQuotaExhausted    = "quota_exhausted"
	ReasonCoolingDown       = "cooling_down"
	ReasonAllDisabled       = "all_disabled"
	ReasonOAuthNotConnected = "oauth_not_connected"
	ReasonOAuthOnly         = "oauth_connected_no_manual"
)

// NoCredentialError explains why no credential could be produced.
type NoCredentialError struct {
	ProviderID string
	Reason     string
}

func (e *NoCredentialError) Error() string {
	switch e.Reason {
	case ReasonQuotaExhausted:
		return fmt.Sprintf("all API keys for provider %q are quota-exhausted; add a new key or raise the quota", e.ProviderID)
	case ReasonCoolingDown:
		return fmt.Sprintf("all API keys for provider %q are cooling down after transient failures; retry shortly", e.ProviderID)
	case ReasonAllDisabled:
		return fmt.Sprintf("all API keys for provider %q are disabled; check that the keys are still valid", e.ProviderID)
	case ReasonOAuthNotConnected:
		return fmt.Sprintf("provider %q uses OAuth and no account is connected; sign in first", e.ProviderID)
	case ReasonOAuthOnly:
		return "no manual key; OAuth connected"
	default:
		return fmt.Sprintf("no API keys configured for provider %q", e.ProviderID)
	}
}

// AvailabilityError inspects the pool state and returns the most specific
// NoCredentialError for the provider. skippedOAuth marks that OAuth was
// deliberately bypassed for this call.
func (p *Pool) AvailabilityError(providerID string, skippedOAuth bool) error {
	var rows []models.Credential
	if err := p.db.Where("provider_id = ?", providerID).Find(&rows).Error; err != nil {
		return err
	}

	mode := p.cfg.AuthModeFor(providerID)

	if len(rows) == 0 {
		if mode == config.AuthModeOAuth && !p.HasOAuthProfile(providerID) {
			return &NoCredentialError{ProviderID: providerID, Reason: ReasonOAuthNotConnected}
		}
		if skippedOAuth && p.HasOAuthProfile(providerID) {
			return &NoCredentialError{ProviderID: providerID, Reason: ReasonOAuthOnly}
		}
		return &NoCredentialError{ProviderID: providerID, Reason: ReasonNoneConfigured}
	}

	now := time.Now()
	cooling, quota, disabled := 0, 0, 0
	for _, row := range rows {
		switch row.Status {
		case models.CredentialCooldown:
			if row.CooldownUntil != nil && row.CooldownUntil.After(now) {
				cooling++
			}
		case models.CredentialDisabled:
			disabled++
			if row.LastErrorCode == provider.CodeInsufficientQuota {
				quota++
			}
		}
	}

	switch {
	case cooling > 0:
		return &NoCredentialError{ProviderID: providerID, Reason: ReasonCoolingDown}
	case quota > 0 && quota == disabled:
		return &NoCredentialError{ProviderID: providerID, Reason: ReasonQuotaExhausted}
	case disabled == len(rows):
		return &NoCredentialError{ProviderID: providerID, Reason: ReasonAllDisabled}
	default:
		return &NoCredentialError{ProviderID: providerID, Reason: ReasonNoneConfigured}
	}
}
