// Package flow orchestrates the OAuth authorization-code+PKCE login dance,
// automatic via a loopback callback server or manual via a pasted redirect.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db/models"
)

// State is the observable login-flow state.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingCallback State = "awaiting_callback"
	StateExchangingCode   State = "exchanging_code"
	StateConnected        State = "connected"
	StateError            State = "error"
)

// CallbackTimeout bounds how long the loopback listener waits for the
// browser to come back.
const CallbackTimeout = 5 * time.Minute

// ErrFlowCancelled rejects pending waiters when a flow is torn down.
var ErrFlowCancelled = errors.New("login flow cancelled")

// StateChange is broadcast to every subscriber on each transition.
type StateChange struct {
	FlowID string `json:"flowId"`
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// LoginResult is the success payload of a finished flow. ScopeWarning is a
// non-fatal note when the server granted fewer scopes than requested; the
// token is still usable.
type LoginResult struct {
	Profile      auth.ProfileView
	ScopeWarning string
}

// Outcome settles the per-flow Done channel exactly once.
type Outcome struct {
	Result *LoginResult
	Err    error
}

// LoginStarted is returned by StartLogin. When ManualFallback is set the
// loopback port was unavailable: the browser is still opened, but the caller
// must collect the redirect via FinishLoginManual.
type LoginStarted struct {
	FlowID         string
	AuthURL        string
	CallbackURL    string
	ManualFallback bool
	Done           <-chan Outcome
}

// ExchangeFunc trades an authorization code + PKCE verifier for tokens.
type ExchangeFunc func(ctx context.Context, code, verifier string) (*oauth2.Token, error)

type loginFlow struct {
	id       string
	label    string
	verifier string
	state    string
	server   *callbackServer
	done     chan Outcome
	settled  bool
}

// Controller runs at most one login flow per flow id and broadcasts state
// changes to observers. All public methods are safe for concurrent use.
type Controller struct {
	store       *auth.ProfileStore
	cfg         config.OAuthConfig
	oauth       *oauth2.Config
	exchange    ExchangeFunc
	openBrowser func(url string) error
	now         func() time.Time

	mu        sync.Mutex
	flows     map[string]*loginFlow
	listeners map[int]func(StateChange)
	nextSub   int
}

// NewController wires a controller against the real oauth2 endpoints.
func NewController(store *auth.ProfileStore, cfg config.OAuthConfig) *Controller {
	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		Scopes:      cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		RedirectURL: fmt.Sprintf("http://localhost:%d/callback", cfg.CallbackPort),
	}
	c := &Controller{
		store:       store,
		cfg:         cfg,
		oauth:       oc,
		openBrowser: openBrowser,
		now:         time.Now,
		flows:       make(map[string]*loginFlow),
		listeners:   make(map[int]func(StateChange)),
	}
	c.exchange = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		return oc.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	}
	return c
}

// SetExchange overrides the token exchange (tests, nonstandard endpoints).
func (c *Controller) SetExchange(fn ExchangeFunc) { c.exchange = fn }

// SetBrowserOpener overrides how the authorize URL is opened.
func (c *Controller) SetBrowserOpener(fn func(url string) error) { c.openBrowser = fn }

// Subscribe registers an observer; the returned function unsubscribes.
func (c *Controller) Subscribe(fn func(StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) emit(change StateChange) {
	c.mu.Lock()
	fns := make([]func(StateChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// StartLogin begins a new login attempt. The PKCE pair lives only for this
// attempt and is discarded after exchange or cancellation.
func (c *Controller) StartLogin(label string) (*LoginStarted, error) {
	verifier := oauth2.GenerateVerifier()
	stateToken := uuid.New().String()
	fl := &loginFlow{
		id:       uuid.New().String(),
		label:    label,
		verifier: verifier,
		state:    stateToken,
		done:     make(chan Outcome, 1),
	}

	authURL := c.oauth.AuthCodeURL(stateToken,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	manual := false
	server, err := newCallbackServer(c.cfg.CallbackPort, stateToken)
	if err != nil {
		// Port busy: the browser still opens, the caller pastes the
		// redirect back through FinishLoginManual.
		log.Printf("[AuthFlow] Callback port %d unavailable, manual paste required: %v",
			c.cfg.CallbackPort, err)
		manual = true
	} else {
		fl.server = server
	}

	c.mu.Lock()
	c.flows[fl.id] = fl
	c.mu.Unlock()

	c.emit(StateChange{FlowID: fl.id, State: StateAwaitingCallback})

	if err := c.openBrowser(authURL); err != nil {
		log.Printf("[AuthFlow] Could not open browser, visit manually: %s", authURL)
	}

	if server != nil {
		go c.awaitCallback(fl)
	}

	started := &LoginStarted{
		FlowID:         fl.id,
		AuthURL:        authURL,
		ManualFallback: manual,
		Done:           fl.done,
	}
	if server != nil {
		started.CallbackURL = fmt.Sprintf("http://localhost:%d/callback", server.Port())
	}
	return started, nil
}

func (c *Controller) awaitCallback(fl *loginFlow) {
	code, err := fl.server.Wait(CallbackTimeout)
	if err != nil {
		if errors.Is(err, errServerClosed) {
			return // cancelled elsewhere, already settled
		}
		c.fail(fl, fmt.Errorf("callback: %w", err))
		return
	}
	c.completeExchange(context.Background(), fl, code)
}

// FinishLoginManual accepts a pasted redirect URL or a bare authorization
// code and continues the flow with the stored PKCE verifier.
func (c *Controller) FinishLoginManual(ctx context.Context, flowID, pasted string) (*LoginResult, error) {
	c.mu.Lock()
	fl, ok := c.flows[flowID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending login flow %q", flowID)
	}

	code, stateParam, err := extractCode(pasted)
	if err != nil {
		c.fail(fl, err)
		return nil, err
	}
	if stateParam != "" && stateParam != fl.state {
		err := errors.New("state mismatch on pasted redirect")
		c.fail(fl, err)
		return nil, err
	}

	c.completeExchange(ctx, fl, code)
	outcome := <-fl.done
	return outcome.Result, outcome.Err
}

func (c *Controller) completeExchange(ctx context.Context, fl *loginFlow, code string) {
	c.emit(StateChange{FlowID: fl.id, State: StateExchangingCode})

	token, err := c.exchange(ctx, code, fl.verifier)
	if err != nil {
		c.fail(fl, fmt.Errorf("code exchange: %w", err))
		return
	}

	profile := &models.AuthProfile{
		ID:           uuid.New().String(),
		Label:        fl.label,
		Provider:     c.cfg.Provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		AccountID:    accountIDFromToken(token),
		IsEnabled:    true,
	}
	if err := c.store.Save(profile); err != nil {
		c.fail(fl, fmt.Errorf("store profile: %w", err))
		return
	}

	warning := scopeShortfall(c.cfg.Scopes, token)
	if warning != "" {
		log.Printf("⚠️ [AuthFlow] %s", warning)
	}

	result := &LoginResult{
		Profile: auth.ProfileView{
			ID:        profile.ID,
			Label:     profile.Label,
			Provider:  profile.Provider,
			AccountID: profile.AccountID,
			ExpiresAt: profile.ExpiresAt,
			IsActive:  profile.IsPrimary,
			IsEnabled: true,
		},
		ScopeWarning: warning,
	}

	c.settle(fl, Outcome{Result: result})
	c.emit(StateChange{FlowID: fl.id, State: StateConnected, Detail: profile.ID})
	log.Printf("✅ [AuthFlow] Connected profile %s (%s)", profile.Label, profile.ID)
}

func (c *Controller) fail(fl *loginFlow, err error) {
	c.settle(fl, Outcome{Err: err})
	c.emit(StateChange{FlowID: fl.id, State: StateError, Detail: err.Error()})
}

func (c *Controller) settle(fl *loginFlow, outcome Outcome) {
	c.mu.Lock()
	already := fl.settled
	fl.settled = true
	delete(c.flows, fl.id)
	c.mu.Unlock()
	if already {
		return
	}
	if fl.server != nil {
		fl.server.Close()
	}
	fl.done <- outcome
}

// CancelFlow tears down the loopback listener and discards the PKCE pair.
// Pending waiters receive ErrFlowCancelled.
func (c *Controller) CancelFlow(flowID string) {
	c.mu.Lock()
	fl, ok := c.flows[flowID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.settle(fl, Outcome{Err: ErrFlowCancelled})
	c.emit(StateChange{FlowID: flowID, State: StateIdle, Detail: "cancelled"})
}

// Logout cancels any in-flight flow, deletes the stored profile, and emits
// idle.
func (c *Controller) Logout(profileID string) error {
	c.mu.Lock()
	var pending []*loginFlow
	for _, fl := range c.flows {
		pending = append(pending, fl)
	}
	c.mu.Unlock()
	for _, fl := range pending {
		c.settle(fl, Outcome{Err: ErrFlowCancelled})
	}

	if err := c.store.Delete(profileID); err != nil {
		return err
	}
	c.emit(StateChange{FlowID: profileID, State: StateIdle, Detail: "logged out"})
	return nil
}

// extractCode pulls the authorization code (and optional state) out of a
// pasted redirect URL, a bare query string, or a bare code.
func extractCode(pasted string) (code, state string, err error) {
	trimmed := strings.TrimSpace(pasted)
	if trimmed == "" {
		return "", "", errors.New("empty authorization code")
	}

	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "?") {
		u, perr := url.Parse(trimmed)
		if perr != nil {
			return "", "", fmt.Errorf("unparsable redirect: %w", perr)
		}
		q := u.Query()
		if q.Get("error") != "" {
			return "", "", fmt.Errorf("authorization denied: %s", q.Get("error"))
		}
		if q.Get("code") == "" {
			return "", "", errors.New("redirect carries no code parameter")
		}
		return q.Get("code"), q.Get("state"), nil
	}

	if strings.Contains(trimmed, "=") {
		q, perr := url.ParseQuery(trimmed)
		if perr == nil && q.Get("code") != "" {
			return q.Get("code"), q.Get("state"), nil
		}
	}

	return trimmed, "", nil
}

// accountIDFromToken parses the account id claim out of the id_token without
// verifying the signature; we only use it as a routing hint, never as proof.
func accountIDFromToken(token *oauth2.Token) string {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return ""
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if v, ok := claims["account_id"].(string); ok && v != "" {
		return v
	}
	if authInfo, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if v, ok := authInfo["chatgpt_account_id"].(string); ok {
			return v
		}
	}
	if v, ok := claims["sub"].(string); ok {
		return v
	}
	return ""
}

// scopeShortfall compares granted scopes against requested ones. A shortfall
// is a warning on a success result, not an error.
func scopeShortfall(requested []string, token *oauth2.Token) string {
	granted, _ := token.Extra("scope").(string)
	if granted == "" {
		return ""
	}
	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	var missing []string
	for _, s := range requested {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "granted scopes missing: " + strings.Join(missing, ", ")
}
