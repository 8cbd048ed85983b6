// Package server exposes the admin and analysis HTTP surface: auth profile
// management, login flows, manual key CRUD, orchestrated analysis calls, and
// Prometheus metrics.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/auth/flow"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/keypool"
	"github.com/autoflowhq/braincore/internal/logging"
	"github.com/autoflowhq/braincore/internal/metrics"
	"github.com/autoflowhq/braincore/internal/orchestrator"
	"github.com/autoflowhq/braincore/internal/provider"
)

type Server struct {
	cfg      *config.Config
	pool     *keypool.Pool
	profiles *auth.ProfileStore
	flows    map[string]*flow.Controller
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics
}

func New(cfg *config.Config, pool *keypool.Pool, profiles *auth.ProfileStore, flows map[string]*flow.Controller, orch *orchestrator.Orchestrator, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pool:     pool,
		profiles: profiles,
		flows:    flows,
		orch:     orch,
		metrics:  m,
	}
}

// Router builds the chi router with the full admin surface mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles/{id}/logout", s.handleLogout)
		r.Post("/profiles/{id}/primary", s.handleSetPrimary)
		r.Post("/profiles/{id}/enabled", s.handleSetEnabled)

		r.Post("/auth/{provider}/login", s.handleStartLogin)
		r.Post("/auth/{provider}/login/manual", s.handleManualLogin)
		r.Post("/auth/{provider}/cancel", s.handleCancelFlow)

		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleAddKey)
		r.Delete("/keys/{id}", s.handleRemoveKey)

		r.Post("/analyze", s.handleAnalyze)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ [Server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	views, err := s.profiles.ListViews(r.URL.Query().Get("provider"), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": views})
}

func (s *Server) controllerFor(providerID string) (*flow.Controller, bool) {
	c, ok := s.flows[providerID]
	return c, ok
}

func (s *Server) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	ctrl, ok := s.controllerFor(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, "provider has no OAuth configuration: "+providerID)
		return
	}

	var body struct {
		Label string `json:"label"`
	}
	// Body is optional; a missing label is fine.
	_ = json.NewDecoder(r.Body).Decode(&body)

	started, err := ctrl.StartLogin(body.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"flowId":         started.FlowID,
		"authUrl":        started.AuthURL,
		"callbackUrl":    started.CallbackURL,
		"manualFallback": started.ManualFallback,
	})
}

func (s *Server) handleManualLogin(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	ctrl, ok := s.controllerFor(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, "provider has no OAuth configuration: "+providerID)
		return
	}

	var body struct {
		FlowID string `json:"flowId"`
		Pasted string `json:"pasted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.FlowID == "" || body.Pasted == "" {
		writeError(w, http.StatusBadRequest, "flowId and pasted are required")
		return
	}

	result, err := ctrl.FinishLoginManual(r.Context(), body.FlowID, body.Pasted)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profileId":    result.Profile.ID,
		"provider":     result.Profile.Provider,
		"accountId":    result.Profile.AccountID,
		"scopeWarning": result.ScopeWarning,
	})
}

func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	ctrl, ok := s.controllerFor(providerID)
	if !ok {
		writeError(w, http.StatusNotFound, "provider has no OAuth configuration: "+providerID)
		return
	}

	var body struct {
		FlowID string `json:"flowId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.FlowID == "" {
		writeError(w, http.StatusBadRequest, "flowId is required")
		return
	}
	ctrl.CancelFlow(body.FlowID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.profiles.Get(id)
	if err != nil {
		if errors.Is(err, auth.ErrNoActiveProfile) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}

	if ctrl, ok := s.controllerFor(p.Provider); ok {
		err = ctrl.Logout(id)
	} else {
		err = s.profiles.Delete(id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.SetPrimary(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set primary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "primary"})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.profiles.SetEnabled(chi.URLParam(r, "id"), *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

// keyView is what the API serializes for a stored key. Secret material never
// leaves the store; lastFour is the only hint.
type keyView struct {
	ID            int64      `json:"id"`
	Provider      string     `json:"provider"`
	Alias         string     `json:"alias,omitempty"`
	LastFour      string     `json:"lastFour"`
	Status        string     `json:"status"`
	SuccessCount  int64      `json:"successCount"`
	FailureCount  int64      `json:"failureCount"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	Source        string     `json:"source"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := s.pool.ListKeys(r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	views := make([]keyView, 0, len(rows))
	for _, row := range rows {
		views = append(views, keyView{
			ID:            row.ID,
			Provider:      row.ProviderID,
			Alias:         row.Alias,
			LastFour:      row.LastFour,
			Status:        row.Status,
			SuccessCount:  row.SuccessCount,
			FailureCount:  row.FailureCount,
			LastErrorCode: row.LastErrorCode,
			LastUsedAt:    row.LastUsedAt,
			Source:        row.Source,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
		Secret   string `json:"secret"`
		Alias    string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" || body.Secret == "" {
		writeError(w, http.StatusBadRequest, "provider and secret are required")
		return
	}

	cred, err := s.pool.AddKey(body.Provider, body.Secret, body.Alias)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	log.Printf("🔑 [Server] stored key %s for %s", logging.MaskSecret(body.Secret), body.Provider)
	writeJSON(w, http.StatusCreated, keyView{
		ID:       cred.ID,
		Provider: cred.ProviderID,
		Alias:    cred.Alias,
		LastFour: cred.LastFour,
		Status:   cred.Status,
		Source:   cred.Source,
	})
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := s.pool.RemoveKey(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider    string `json:"provider"`
		Model       string `json:"model"`
		System      string `json:"system"`
		Prompt      string `json:"prompt"`
		ImageBase64 string `json:"imageBase64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "provider and prompt are required")
		return
	}

	req := provider.Request{
		Model:    body.Model,
		System:   body.System,
		Messages: []provider.Message{{Role: "user", Content: body.Prompt}},
	}
	if body.ImageBase64 != "" {
		png, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "imageBase64 is not valid base64")
			return
		}
		req.ImagePNG = png
	}

	resp, err := s.orch.Analyze(r.Context(), body.Provider, req)
	if err != nil {
		var noCred *keypool.NoCredentialError
		if errors.As(err, &noCred) {
			writeError(w, http.StatusServiceUnavailable, noCred.Error())
			return
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
			writeError(w, http.StatusBadGateway, apiErr.Message)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answerText":   resp.AnswerText,
		"modelUsed":    resp.ModelUsed,
		"providerUsed": resp.ProviderUsed,
		"apiKeyIdUsed": resp.APIKeyIDUsed,
		"usage":        resp.Usage,
	})
}
