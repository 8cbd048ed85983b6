// Package keypool selects, rotates, penalizes, and rehabilitates stored API
// keys, and synthesizes virtual OAuth credentials for providers that have a
// connected profile.
package keypool

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db/models"
	"github.com/autoflowhq/braincore/internal/logging"
	"github.com/autoflowhq/braincore/internal/provider"
	"github.com/autoflowhq/braincore/internal/secrets"
)

// TokenSource yields a live access token for an OAuth profile.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, profileID string) (string, error)
}

// Options tunes a single acquisition.
type Options struct {
	// SkipOAuth forces manual keys for this attempt, set by the orchestrator
	// after an OAuth credential fails auth mid-call.
	SkipOAuth bool
}

// Pool owns all credential reads and writes. The rotation cursor is
// per-provider, in-memory, and does not survive a restart.
type Pool struct {
	db       *gorm.DB
	cipher   secrets.Cipher
	profiles *auth.ProfileStore
	tokens   TokenSource
	cfg      *config.Config

	mu      sync.Mutex
	cursors map[string]int
}

func New(db *gorm.DB, cipher secrets.Cipher, profiles *auth.ProfileStore, tokens TokenSource, cfg *config.Config) *Pool {
	return &Pool{
		db:       db,
		cipher:   cipher,
		profiles: profiles,
		tokens:   tokens,
		cfg:      cfg,
		cursors:  make(map[string]int),
	}
}

// AddKey encrypts and stores a manual API key.
func (p *Pool) AddKey(providerID, secret, alias string) (*models.Credential, error) {
	enc, err := p.cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}
	cred := &models.Credential{
		ProviderID: providerID,
		SecretEnc:  enc,
		Alias:      alias,
		LastFour:   logging.LastFour(secret),
		Status:     models.CredentialActive,
		Source:     models.SourceManual,
	}
	if err := p.db.Create(cred).Error; err != nil {
		return nil, err
	}
	log.Printf("[KeyPool] Added key ...%s for provider %s", cred.LastFour, providerID)
	return cred, nil
}

// RemoveKey deletes a stored key.
func (p *Pool) RemoveKey(id int64) error {
	return p.db.Delete(&models.Credential{}, "id = ?", id).Error
}

// ListKeys returns the stored rows for one provider, secrets excluded.
func (p *Pool) ListKeys(providerID string) ([]models.Credential, error) {
	var rows []models.Credential
	q := p.db.Order("id ASC")
	if providerID != "" {
		q = q.Where("provider_id = ?", providerID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].SecretEnc = ""
	}
	return rows, nil
}

// ListAvailable returns usable decrypted credentials for a provider, sorted
// by descending historical success ratio, ties keeping insertion order.
// Expired cooldowns are reactivated in place; undecryptable rows are disabled
// and skipped rather than failing the whole read.
func (p *Pool) ListAvailable(providerID string) ([]provider.Credential, error) {
	var rows []models.Credential
	err := p.db.Where("provider_id = ?", providerID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	now := time.Now()
	type scored struct {
		cred  provider.Credential
		ratio float64
	}
	var usable []scored

	for i := range rows {
		row := &rows[i]
		if row.Status == models.CredentialDisabled {
			continue
		}
		if row.Status == models.CredentialCooldown {
			if row.CooldownUntil != nil && row.CooldownUntil.After(now) {
				continue
			}
			// Cooldown expired, rehabilitate.
			row.Status = models.CredentialActive
			row.CooldownUntil = nil
			p.db.Model(&models.Credential{}).Where("id = ?", row.ID).Updates(map[string]any{
				"status":         models.CredentialActive,
				"cooldown_until": nil,
			})
			log.Printf("[KeyPool] Key ...%s reactivated after cooldown", row.LastFour)
		}

		secret, err := p.cipher.Decrypt(row.SecretEnc)
		if err != nil {
			// An undecryptable secret can never be used; disable it.
			log.Printf("⚠️ [KeyPool] Key ...%s failed to decrypt, disabling: %v", row.LastFour, err)
			p.db.Model(&models.Credential{}).Where("id = ?", row.ID).
				Update("status", models.CredentialDisabled)
			continue
		}

		total := row.SuccessCount + row.FailureCount
		if total < 1 {
			total = 1
		}
		usable = append(usable, scored{
			cred: provider.Credential{
				ID:         row.ID,
				ProviderID: row.ProviderID,
				Secret:     secret,
				Source:     models.SourceManual,
			},
			ratio: float64(row.SuccessCount) / float64(total),
		})
	}

	sort.SliceStable(usable, func(i, j int) bool { return usable[i].ratio > usable[j].ratio })

	creds := make([]provider.Credential, len(usable))
	for i, s := range usable {
		creds[i] = s.cred
	}
	return creds, nil
}

// Next round-robins over the currently available manual keys. Nil when the
// provider has none.
func (p *Pool) Next(providerID string) (*provider.Credential, error) {
	creds, err := p.ListAvailable(providerID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	idx := p.cursors[providerID] % len(creds)
	p.cursors[providerID]++
	p.mu.Unlock()

	cred := creds[idx]
	return &cred, nil
}

// NextWithOAuth prefers a virtual OAuth credential for providers configured
// for OAuth, falling back to manual keys for mixed providers. An oauth-only
// provider yields nil rather than silently using manual keys.
func (p *Pool) NextWithOAuth(ctx context.Context, providerID string, opts Options) (*provider.Credential, error) {
	mode := p.cfg.AuthModeFor(providerID)

	if (mode == config.AuthModeOAuth || mode == config.AuthModeMixed) && !opts.SkipOAuth {
		if cred := p.virtualCredential(ctx, providerID); cred != nil {
			return cred, nil
		}
	}

	if mode == config.AuthModeOAuth {
		return nil, nil
	}
	return p.Next(providerID)
}

func (p *Pool) virtualCredential(ctx context.Context, providerID string) *provider.Credential {
	profile, err := p.profiles.FirstUsable(providerID, time.Now())
	if err != nil || profile == nil {
		return nil
	}
	tok, err := p.tokens.GetValidAccessToken(ctx, profile.ID)
	if err != nil {
		log.Printf("⚠️ [KeyPool] OAuth token unavailable for %s: %v", providerID, err)
		return nil
	}
	return &provider.Credential{
		ID:         provider.VirtualCredentialID,
		ProviderID: providerID,
		Secret:     tok,
		Source:     models.SourceOAuth,
		AccountID:  profile.AccountID,
	}
}

// HasOAuthProfile reports whether an enabled profile exists for the provider.
func (p *Pool) HasOAuthProfile(providerID string) bool {
	profile, err := p.profiles.FirstUsable(providerID, time.Now())
	return err == nil && profile != nil
}

// RecordSuccess updates bookkeeping after a successful call. Virtual OAuth
// credentials carry a non-positive id and are never scored.
func (p *Pool) RecordSuccess(id int64) {
	if id <= 0 {
		return
	}
	now := time.Now()
	p.db.Model(&models.Credential{}).Where("id = ?", id).Updates(map[string]any{
		"success_count":  gorm.Expr("success_count + 1"),
		"status":         models.CredentialActive,
		"cooldown_until": nil,
		"last_used_at":   now,
	})
}

// RecordFailure penalizes a credential according to the failure class:
// quota exhaustion disables permanently, transient faults cool down,
// auth failures disable, anything else only counts.
func (p *Pool) RecordFailure(id int64, apiErr *provider.APIError) {
	if id <= 0 || apiErr == nil {
		return
	}

	updates := map[string]any{
		"failure_count":   gorm.Expr("failure_count + 1"),
		"last_error_code": apiErr.Code,
	}

	switch {
	case apiErr.QuotaExhausted():
		// Cooldown does not help quota exhaustion.
		updates["status"] = models.CredentialDisabled
	case apiErr.Retryable():
		until := time.Now().Add(time.Duration(p.cfg.CooldownMinutes) * time.Minute)
		updates["status"] = models.CredentialCooldown
		updates["cooldown_until"] = until
	case apiErr.AuthFailure():
		updates["status"] = models.CredentialDisabled
	}

	p.db.Model(&models.Credential{}).Where("id = ?", id).Updates(updates)
}
