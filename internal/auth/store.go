// Package auth manages OAuth profiles: durable storage, token refresh, and
// the interactive login flow.
package auth

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/autoflowhq/braincore/internal/db/models"
)

// ErrNoActiveProfile is returned when neither an explicit profile id nor the
// active pointer resolves to a stored profile.
var ErrNoActiveProfile = errors.New("no active auth profile")

// ProfileStore owns all reads and writes of AuthProfile rows. Mutation goes
// through these methods only.
type ProfileStore struct {
	db *gorm.DB
}

func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// Get returns one profile by id.
func (s *ProfileStore) Get(id string) (*models.AuthProfile, error) {
	var p models.AuthProfile
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveProfile
		}
		return nil, err
	}
	return &p, nil
}

// Active returns the primary profile for a provider namespace.
func (s *ProfileStore) Active(providerID string) (*models.AuthProfile, error) {
	var p models.AuthProfile
	err := s.db.Where("provider = ? AND is_primary = ? AND is_enabled = ?", providerID, true, true).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveProfile
		}
		return nil, err
	}
	return &p, nil
}

// FirstUsable returns the first enabled, non-expired profile for a provider,
// preferring the primary one. Nil without error when none qualifies.
func (s *ProfileStore) FirstUsable(providerID string, now time.Time) (*models.AuthProfile, error) {
	var profiles []models.AuthProfile
	err := s.db.Where("provider = ? AND is_enabled = ?", providerID, true).
		Order("is_primary DESC, created_at ASC").Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].ExpiresAt.After(now) || profiles[i].RefreshToken != "" {
			return &profiles[i], nil
		}
	}
	return nil, nil
}

// List returns all profiles, optionally scoped to one provider.
func (s *ProfileStore) List(providerID string) ([]models.AuthProfile, error) {
	var profiles []models.AuthProfile
	q := s.db.Order("created_at ASC")
	if providerID != "" {
		q = q.Where("provider = ?", providerID)
	}
	if err := q.Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// Save inserts or updates a profile. The first profile stored for a provider
// becomes primary automatically.
func (s *ProfileStore) Save(p *models.AuthProfile) error {
	if !p.IsPrimary {
		var count int64
		s.db.Model(&models.AuthProfile{}).
			Where("provider = ? AND is_primary = ?", p.Provider, true).Count(&count)
		if count == 0 {
			p.IsPrimary = true
		}
	}
	return s.db.Save(p).Error
}

// UpdateTokens atomically replaces the token triple after a refresh.
func (s *ProfileStore) UpdateTokens(id, accessToken, refreshToken string, expiresAt time.Time) error {
	res := s.db.Model(&models.AuthProfile{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_at":    expiresAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("profile %s not found", id)
	}
	return nil
}

// Delete removes a profile; the oldest remaining profile for the provider is
// promoted so the active pointer stays meaningful.
func (s *ProfileStore) Delete(id string) error {
	p, err := s.Get(id)
	if err != nil {
		if errors.Is(err, ErrNoActiveProfile) {
			return nil
		}
		return err
	}
	if err := s.db.Delete(&models.AuthProfile{}, "id = ?", id).Error; err != nil {
		return err
	}
	if p.IsPrimary {
		var next models.AuthProfile
		err := s.db.Where("provider = ?", p.Provider).Order("created_at ASC").First(&next).Error
		if err == nil {
			s.db.Model(&models.AuthProfile{}).Where("id = ?", next.ID).Update("is_primary", true)
		}
	}
	return nil
}

// SetPrimary moves the active pointer to the given profile.
func (s *ProfileStore) SetPrimary(id string) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.db.Model(&models.AuthProfile{}).
		Where("provider = ? AND id <> ?", p.Provider, id).
		Update("is_primary", false).Error; err != nil {
		return err
	}
	return s.db.Model(&models.AuthProfile{}).Where("id = ?", id).Update("is_primary", true).Error
}

// SetEnabled toggles a profile without deleting its tokens.
func (s *ProfileStore) SetEnabled(id string, enabled bool) error {
	return s.db.Model(&models.AuthProfile{}).Where("id = ?", id).Update("is_enabled", enabled).Error
}

// ProfileView is the read model served to observers: no tokens, derived flags.
type ProfileView struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Provider  string    `json:"provider"`
	AccountID string    `json:"accountId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsActive  bool      `json:"isActive"`
	IsExpired bool      `json:"isExpired"`
	IsEnabled bool      `json:"isEnabled"`
}

// ListViews projects all profiles into the token-free read model.
func (s *ProfileStore) ListViews(providerID string, now time.Time) ([]ProfileView, error) {
	profiles, err := s.List(providerID)
	if err != nil {
		return nil, err
	}
	views := make([]ProfileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, ProfileView{
			ID:        p.ID,
			Label:     p.Label,
			Provider:  p.Provider,
			AccountID: p.AccountID,
			ExpiresAt: p.ExpiresAt,
			IsActive:  p.IsPrimary,
			IsExpired: !p.ExpiresAt.After(now),
			IsEnabled: p.IsEnabled,
		})
	}
	return views, nil
}
