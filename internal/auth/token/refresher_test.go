package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/db/models"
)

func newTestStore(t *testing.T) *auth.ProfileStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.AuthProfile{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return auth.NewProfileStore(db)
}

func seedProfile(t *testing.T, store *auth.ProfileStore, id string, expiresAt time.Time, refreshToken string) {
	t.Helper()
	err := store.Save(&models.AuthProfile{
		ID:           id,
		Label:        "acct-" + id,
		Provider:     "openai",
		AccessToken:  "access-" + id,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		IsEnabled:    true,
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func TestGetValidAccessTokenFastPath(t *testing.T) {
	store := newTestStore(t)
	seedProfile(t, store, "p1", time.Now().Add(time.Hour), "refresh-1")

	var calls atomic.Int64
	r := NewRefresherWithExchange(store, "openai", func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		return nil, errors.New("should not be called")
	})

	got, err := r.GetValidAccessToken(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "access-p1" {
		t.Fatalf("expected cached token, got %q", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no exchange calls, got %d", calls.Load())
	}
}

func TestGetValidAccessTokenResolvesActivePointer(t *testing.T) {
	store := newTestStore(t)
	seedProfile(t, store, "p1", time.Now().Add(time.Hour), "refresh-1")

	r := NewRefresherWithExchange(store, "openai", nil)
	got, err := r.GetValidAccessToken(context.Background(), "")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "access-p1" {
		t.Fatalf("expected primary profile token, got %q", got)
	}
}

func TestGetValidAccessTokenNoProfile(t *testing.T) {
	store := newTestStore(t)
	r := NewRefresherWithExchange(store, "openai", nil)
	if _, err := r.GetValidAccessToken(context.Background(), ""); !errors.Is(err, auth.ErrNoActiveProfile) {
		t.Fatalf("expected ErrNoActiveProfile, got %v", err)
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	store := newTestStore(t)
	seedProfile(t, store, "p1", time.Now().Add(-time.Minute), "refresh-1")

	var calls atomic.Int64
	release := make(chan struct{})
	r := NewRefresherWithExchange(store, "openai", func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		<-release
		return &oauth2.Token{
			AccessToken:  "fresh-token",
			RefreshToken: "refresh-2",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	})

	const callers = 2
	results := make([]string, callers)
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = r.GetValidAccessToken(context.Background(), "p1")
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let both reach the flight
	close(release)
	done.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one network refresh, got %d", calls.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != "fresh-token" {
			t.Fatalf("caller %d got %q", i, results[i])
		}
	}

	// Token triple replaced atomically in the store.
	p, err := store.Get("p1")
	if err != nil {
		t.Fatalf("reload profile: %v", err)
	}
	if p.AccessToken != "fresh-token" || p.RefreshToken != "refresh-2" {
		t.Fatalf("store not updated: %+v", p)
	}
}

func TestRefreshInvalidGrantDeletesProfile(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "structured invalid_grant",
			err: &oauth2.RetrieveError{
				Response:  &http.Response{StatusCode: 400},
				ErrorCode: "invalid_grant",
			},
		},
		{
			name: "http 401",
			err: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: 401},
			},
		},
		{
			name: "message marker",
			err:  errors.New("oauth2: token has been revoked"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			seedProfile(t, store, "p1", time.Now().Add(-time.Minute), "refresh-1")

			r := NewRefresherWithExchange(store, "openai", func(ctx context.Context, rt string) (*oauth2.Token, error) {
				return nil, tt.err
			})

			_, err := r.GetValidAccessToken(context.Background(), "p1")
			var refreshErr *RefreshError
			if !errors.As(err, &refreshErr) {
				t.Fatalf("expected RefreshError, got %v", err)
			}
			if !refreshErr.Terminal || refreshErr.Reason != "invalid_grant" {
				t.Fatalf("expected terminal invalid_grant, got %+v", refreshErr)
			}
			if _, err := store.Get("p1"); !errors.Is(err, auth.ErrNoActiveProfile) {
				t.Fatal("expected profile to be deleted")
			}
		})
	}
}

func TestRefreshTransientKeepsProfile(t *testing.T) {
	store := newTestStore(t)
	seedProfile(t, store, "p1", time.Now().Add(-time.Minute), "refresh-1")

	r := NewRefresherWithExchange(store, "openai", func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: 503},
			ErrorCode: "temporarily_unavailable",
		}
	})

	_, err := r.GetValidAccessToken(context.Background(), "p1")
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %v", err)
	}
	if refreshErr.Terminal {
		t.Fatal("503 must not be terminal")
	}
	if _, err := store.Get("p1"); err != nil {
		t.Fatalf("profile should survive a transient failure: %v", err)
	}
}

func TestRefreshWithoutRefreshTokenIsTerminal(t *testing.T) {
	store := newTestStore(t)
	seedProfile(t, store, "p1", time.Now().Add(-time.Minute), "")

	r := NewRefresherWithExchange(store, "openai", func(ctx context.Context, rt string) (*oauth2.Token, error) {
		t.Fatal("exchange must not run without a refresh token")
		return nil, nil
	})

	_, err := r.GetValidAccessToken(context.Background(), "p1")
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) || !refreshErr.Terminal {
		t.Fatalf("expected terminal RefreshError, got %v", err)
	}
	if _, err := store.Get("p1"); !errors.Is(err, auth.ErrNoActiveProfile) {
		t.Fatal("expected profile to be deleted")
	}
}
