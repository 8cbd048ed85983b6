// Package token keeps OAuth access tokens fresh with a strict single-flight
// guarantee per profile.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db/models"
	"github.com/autoflowhq/braincore/internal/logging"
)

// ExpiryMargin is how early a token counts as expiring. Inside the margin the
// caller goes through the refresh path instead of using the cached token.
const ExpiryMargin = 60 * time.Second

// RefreshError reports a failed refresh. Terminal errors mean the profile was
// deleted and only a fresh login can recover.
type RefreshError struct {
	Reason     string
	StatusCode int
	Terminal   bool
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s)", e.Reason)
}

// ExchangeFunc trades a refresh token for a new token triple. Swappable for
// tests; the default goes through the oauth2 token endpoint.
type ExchangeFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Refresher returns non-expired access tokens for stored profiles. Concurrent
// callers for the same profile coalesce onto one in-flight refresh; some
// authorization servers invalidate a refresh token on concurrent use, so a
// duplicate network refresh must never race.
type Refresher struct {
	store    *auth.ProfileStore
	provider string
	exchange ExchangeFunc
	group    singleflight.Group
	now      func() time.Time
}

// NewRefresher builds a refresher for the configured OAuth provider.
func NewRefresher(store *auth.ProfileStore, cfg config.OAuthConfig) *Refresher {
	oc := &oauth2.Config{
		ClientID: cfg.ClientID,
		Scopes:   cfg.Scopes,
		Endpoint: oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
	}
	return &Refresher{
		store:    store,
		provider: cfg.Provider,
		exchange: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		},
		now: time.Now,
	}
}

// NewRefresherWithExchange builds a refresher with a custom exchange, used by
// tests and by gateways that speak a non-standard token endpoint.
func NewRefresherWithExchange(store *auth.ProfileStore, provider string, exchange ExchangeFunc) *Refresher {
	return &Refresher{store: store, provider: provider, exchange: exchange, now: time.Now}
}

// GetValidAccessToken resolves the profile (explicit id, or the provider's
// active pointer when empty) and returns a non-expired access token,
// refreshing it when needed.
func (r *Refresher) GetValidAccessToken(ctx context.Context, profileID string) (string, error) {
	profile, err := r.resolve(profileID)
	if err != nil {
		return "", err
	}

	if profile.ExpiresAt.After(r.now().Add(ExpiryMargin)) {
		return profile.AccessToken, nil
	}

	// Callers arriving while a refresh for this profile is in flight share
	// the same pending result; the group entry is dropped once it settles.
	v, err, _ := r.group.Do(profile.ID, func() (any, error) {
		return r.refresh(ctx, profile.ID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) resolve(profileID string) (*models.AuthProfile, error) {
	if profileID != "" {
		return r.store.Get(profileID)
	}
	return r.store.Active(r.provider)
}

func (r *Refresher) refresh(ctx context.Context, profileID string) (string, error) {
	// Re-read inside the flight: an earlier caller may have refreshed while
	// we waited on the group.
	profile, err := r.store.Get(profileID)
	if err != nil {
		return "", err
	}
	if profile.ExpiresAt.After(r.now().Add(ExpiryMargin)) {
		return profile.AccessToken, nil
	}

	if profile.RefreshToken == "" {
		// Without a refresh token this profile can never recover.
		log.Printf("[Token] Profile %s has no refresh token, deleting", profile.ID)
		if err := r.store.Delete(profile.ID); err != nil {
			log.Printf("[Token] Failed to delete profile %s: %v", profile.ID, err)
		}
		return "", &RefreshError{Reason: "missing_refresh_token", Terminal: true}
	}

	newToken, err := r.exchange(ctx, profile.RefreshToken)
	if err != nil {
		refreshErr := classifyRefreshError(err)
		if refreshErr.Terminal {
			log.Printf("[Token] Refresh token rejected for %s (%s), deleting profile",
				profile.Label, refreshErr.Reason)
			if derr := r.store.Delete(profile.ID); derr != nil {
				log.Printf("[Token] Failed to delete profile %s: %v", profile.ID, derr)
			}
		} else {
			log.Printf("[Token] Transient refresh failure for %s: %s", profile.Label, refreshErr.Reason)
		}
		return "", refreshErr
	}

	refreshToken := profile.RefreshToken
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		// Rotated refresh token must be persisted or the next refresh dies.
		refreshToken = newToken.RefreshToken
	}
	if err := r.store.UpdateTokens(profile.ID, newToken.AccessToken, refreshToken, newToken.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	log.Printf("✅ [Token] Refreshed token for %s (%s, expires %s)",
		profile.Label, logging.MaskSecret(newToken.AccessToken), newToken.Expiry.Format(time.RFC3339))
	return newToken.AccessToken, nil
}

func classifyRefreshError(err error) *RefreshError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		reason := retrieveErr.ErrorCode
		if reason == "" {
			reason = fmt.Sprintf("http_%d", status)
		}
		if retrieveErr.ErrorCode == "invalid_grant" || status == 401 {
			return &RefreshError{Reason: "invalid_grant", StatusCode: status, Terminal: true}
		}
		return &RefreshError{Reason: reason, StatusCode: status}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "revoked") {
		return &RefreshError{Reason: "invalid_grant", Terminal: true}
	}
	return &RefreshError{Reason: err.Error()}
}
