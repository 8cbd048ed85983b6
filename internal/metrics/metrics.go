// Package metrics holds the Prometheus instrumentation for the access layer.
// A Metrics value is built once at startup and handed to the components that
// record into it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AnalyzeAttempts   *prometheus.CounterVec
	AnalyzeFailures   *prometheus.CounterVec
	ProviderFallbacks *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	BrainTurns        prometheus.Counter
	BrainToolCalls    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		AnalyzeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "braincore_analyze_attempts_total",
			Help: "Provider call attempts, by provider and credential source.",
		}, []string{"provider", "source"}),
		AnalyzeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "braincore_analyze_failures_total",
			Help: "Failed provider call attempts, by provider and error code.",
		}, []string{"provider", "code"}),
		ProviderFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "braincore_provider_fallbacks_total",
			Help: "Times a request was rerouted to the OAuth-backed fallback provider.",
		}, []string{"from", "to"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "braincore_token_refreshes_total",
			Help: "OAuth token refresh outcomes.",
		}, []string{"outcome"}),
		BrainTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "braincore_brain_turns_total",
			Help: "Decision turns executed by the agentic loop.",
		}),
		BrainToolCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "braincore_brain_tool_calls_total",
			Help: "Tool calls executed by the agentic loop.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
