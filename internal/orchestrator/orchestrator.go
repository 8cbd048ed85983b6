// Package orchestrator routes analysis requests across credentials and
// providers until one succeeds or the attempt budget runs out.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/autoflowhq/braincore/internal/keypool"
	"github.com/autoflowhq/braincore/internal/metrics"
	"github.com/autoflowhq/braincore/internal/provider"
)

// DefaultFallbackProvider is the OAuth-backed provider substituted as a last
// resort when the requested provider has no usable credential.
const DefaultFallbackProvider = "chatgpt"

// DefaultOAuthRerouteFrom names the provider whose virtual OAuth credentials
// are executed by the fallback gateway instead of its own: an OAuth access
// token cannot authenticate against the plain API-key endpoint.
const DefaultOAuthRerouteFrom = "openai"

type Orchestrator struct {
	pool        *keypool.Pool
	registry    *provider.Registry
	metrics     *metrics.Metrics
	maxAttempts int

	// fallbackProvider is tried when the requested provider is out of
	// credentials. Empty disables substitution.
	fallbackProvider string
	rerouteFrom      string
}

func New(pool *keypool.Pool, registry *provider.Registry, m *metrics.Metrics, maxAttempts int) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		pool:             pool,
		registry:         registry,
		metrics:          m,
		maxAttempts:      maxAttempts,
		fallbackProvider: DefaultFallbackProvider,
		rerouteFrom:      DefaultOAuthRerouteFrom,
	}
}

// SetFallbackProvider overrides the last-resort provider. Empty disables it.
func (o *Orchestrator) SetFallbackProvider(id string) {
	o.fallbackProvider = id
}

// Analyze runs the credential rotation loop for one request. Vision requests
// (non-empty ImagePNG) go through the gateway's image path.
//
// An OAuth credential failing with 401/403 flips the call to manual-only
// without consuming an attempt; a manual key failing the same way consumes
// the attempt and lets rotation pick the next key.
func (o *Orchestrator) Analyze(ctx context.Context, providerID string, req provider.Request) (*provider.Response, error) {
	opts := keypool.Options{}
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; {
		cred, callProvider, err := o.acquire(ctx, providerID, opts)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			// The pool's availability error names the root cause; it is
			// more actionable than whatever the last attempt saw.
			return nil, o.pool.AvailabilityError(providerID, opts.SkipOAuth)
		}

		gw, err := o.registry.Get(callProvider)
		if err != nil {
			return nil, err
		}

		if o.metrics != nil {
			o.metrics.AnalyzeAttempts.WithLabelValues(callProvider, cred.Source).Inc()
		}

		resp, callErr := dispatch(ctx, gw, req, *cred)
		if callErr == nil {
			o.pool.RecordSuccess(cred.ID)
			resp.APIKeyIDUsed = cred.ID
			if resp.ProviderUsed == "" {
				resp.ProviderUsed = callProvider
			}
			return resp, nil
		}

		apiErr := provider.Classify(callErr)
		o.pool.RecordFailure(cred.ID, apiErr)
		lastErr = apiErr
		if o.metrics != nil {
			o.metrics.AnalyzeFailures.WithLabelValues(callProvider, apiErr.Code).Inc()
		}
		log.Printf("⚠️ [Orchestrator] attempt %d/%d on %s failed (key %d): %v",
			attempt, o.maxAttempts, callProvider, cred.ID, apiErr)

		if apiErr.AuthFailure() && cred.IsVirtual() && !opts.SkipOAuth {
			// The OAuth identity is bad, not the provider. Retry the same
			// attempt against manual keys only.
			log.Printf("🔐 [Orchestrator] OAuth auth failure on %s, switching to manual keys", callProvider)
			opts.SkipOAuth = true
			continue
		}

		attempt++
	}

	return nil, fmt.Errorf("all %d attempts failed for provider %s: %w", o.maxAttempts, providerID, lastErr)
}

// acquire picks a credential for the requested provider, substituting the
// fallback provider when the request would otherwise fail for lack of
// credentials.
func (o *Orchestrator) acquire(ctx context.Context, providerID string, opts keypool.Options) (*provider.Credential, string, error) {
	cred, err := o.pool.NextWithOAuth(ctx, providerID, opts)
	if err != nil {
		return nil, "", err
	}
	if cred != nil {
		if cred.IsVirtual() && o.fallbackProvider != "" &&
			providerID == o.rerouteFrom && providerID != o.fallbackProvider {
			if _, gwErr := o.registry.Get(o.fallbackProvider); gwErr == nil {
				if o.metrics != nil {
					o.metrics.ProviderFallbacks.WithLabelValues(providerID, o.fallbackProvider).Inc()
				}
				return cred, o.fallbackProvider, nil
			}
		}
		return cred, providerID, nil
	}

	if o.fallbackProvider == "" || o.fallbackProvider == providerID {
		return nil, providerID, nil
	}
	if !o.pool.HasOAuthProfile(o.fallbackProvider) {
		return nil, providerID, nil
	}

	cred, err = o.pool.NextWithOAuth(ctx, o.fallbackProvider, opts)
	if err != nil || cred == nil {
		return nil, providerID, err
	}

	log.Printf("🔁 [Orchestrator] no usable credential for %s, rerouting to %s", providerID, o.fallbackProvider)
	if o.metrics != nil {
		o.metrics.ProviderFallbacks.WithLabelValues(providerID, o.fallbackProvider).Inc()
	}
	return cred, o.fallbackProvider, nil
}

func dispatch(ctx context.Context, gw provider.Gateway, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	if len(req.ImagePNG) > 0 {
		return gw.AnalyzeImage(ctx, req, cred)
	}
	return gw.AnalyzeText(ctx, req, cred)
}
