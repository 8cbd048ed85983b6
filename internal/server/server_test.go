package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/auth/flow"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db/models"
	"github.com/autoflowhq/braincore/internal/keypool"
	"github.com/autoflowhq/braincore/internal/metrics"
	"github.com/autoflowhq/braincore/internal/orchestrator"
	"github.com/autoflowhq/braincore/internal/provider"
	"github.com/autoflowhq/braincore/internal/secrets"
)

type stubTokens struct{}

func (stubTokens) GetValidAccessToken(ctx context.Context, profileID string) (string, error) {
	return "oauth-access-token", nil
}

type echoGateway struct{}

func (echoGateway) AnalyzeText(ctx context.Context, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	return &provider.Response{AnswerText: "echo", ModelUsed: "m", ProviderUsed: cred.ProviderID}, nil
}

func (echoGateway) AnalyzeImage(ctx context.Context, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	return &provider.Response{AnswerText: "echo-img", ModelUsed: "m", ProviderUsed: cred.ProviderID}, nil
}

func newTestServer(t *testing.T) (*Server, *keypool.Pool, *auth.ProfileStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Credential{}, &models.AuthProfile{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Defaults()
	cfg.Providers = []config.ProviderConfig{
		{ID: "gemini", AuthMode: config.AuthModeManual},
		{ID: "chatgpt", AuthMode: config.AuthModeOAuth},
	}

	profiles := auth.NewProfileStore(db)
	pool := keypool.New(db, secrets.Plain{}, profiles, stubTokens{}, cfg)

	registry := provider.NewRegistry()
	registry.Register("gemini", echoGateway{})
	registry.Register("chatgpt", echoGateway{})

	orch := orchestrator.New(pool, registry, nil, cfg.FallbackMaxAttempts)
	orch.SetFallbackProvider("")

	chatgptFlow := flow.NewController(profiles, config.OAuthConfig{
		Provider:     "chatgpt",
		ClientID:     "client",
		AuthURL:      "https://auth.example.com/authorize",
		TokenURL:     "https://auth.example.com/token",
		CallbackPort: 0,
	})
	chatgptFlow.SetBrowserOpener(func(string) error { return nil })

	srv := New(cfg, pool, profiles, map[string]*flow.Controller{"chatgpt": chatgptFlow}, orch, metrics.New())
	return srv, pool, profiles
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestKeyLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/keys", map[string]string{
		"provider": "gemini",
		"secret":   "sk-verysecret-9876",
		"alias":    "primary",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add key: %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-verysecret-9876") {
		t.Fatal("secret must never be serialized")
	}
	var created struct {
		ID       int64  `json:"id"`
		LastFour string `json:"lastFour"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.LastFour != "9876" {
		t.Fatalf("expected lastFour 9876, got %q", created.LastFour)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/keys?provider=gemini", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"9876"`) {
		t.Fatalf("list keys: %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-verysecret") {
		t.Fatal("list must not leak secrets")
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/keys/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete key: %d %s", rec.Code, rec.Body)
	}
}

func TestListProfilesOmitsTokens(t *testing.T) {
	srv, _, profiles := newTestServer(t)

	if err := profiles.Save(&models.AuthProfile{
		ID:           uuid.NewString(),
		Provider:     "chatgpt",
		Label:        "work",
		AccessToken:  "super-secret-access",
		RefreshToken: "super-secret-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		IsEnabled:    true,
	}); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/profiles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list profiles: %d %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if strings.Contains(body, "super-secret") {
		t.Fatal("tokens must never be serialized")
	}
	if !strings.Contains(body, "work") {
		t.Fatalf("expected profile label, got %s", body)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	if _, err := pool.AddKey("gemini", "sk-test", ""); err != nil {
		t.Fatalf("add key: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/analyze", map[string]string{
		"provider": "gemini",
		"prompt":   "what now?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		AnswerText   string `json:"answerText"`
		APIKeyIDUsed int64  `json:"apiKeyIdUsed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AnswerText != "echo" || resp.APIKeyIDUsed != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAnalyzeWithoutCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/analyze", map[string]string{
		"provider": "gemini",
		"prompt":   "hi",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "no") {
		t.Fatalf("expected actionable message, got %s", rec.Body)
	}
}

func TestLoginUnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/auth/gemini/login", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for provider without OAuth, got %d", rec.Code)
	}
}

func TestLoginStartReturnsFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/auth/chatgpt/login", map[string]string{"label": "work"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start login: %d %s", rec.Code, rec.Body)
	}
	var started struct {
		FlowID  string `json:"flowId"`
		AuthURL string `json:"authUrl"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.FlowID == "" || !strings.Contains(started.AuthURL, "auth.example.com") {
		t.Fatalf("unexpected login start %+v", started)
	}

	// Clean up the pending flow so its callback listener shuts down.
	doJSON(t, srv.Router(), http.MethodPost, "/api/auth/chatgpt/cancel", map[string]string{"flowId": started.FlowID})
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("expected runtime metrics in exposition")
	}
}
