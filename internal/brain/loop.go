// Package brain runs the bounded agentic decision loop: one multi-turn
// conversation per workflow node, with a strict JSON response contract and
// allow-listed tool dispatch.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/metrics"
	"github.com/autoflowhq/braincore/internal/provider"
	"github.com/autoflowhq/braincore/internal/util"
)

const retryBackoffStep = 200 * time.Millisecond

// Analyzer is the credential-rotating provider call, normally the
// orchestrator.
type Analyzer interface {
	Analyze(ctx context.Context, providerID string, req provider.Request) (*provider.Response, error)
}

type Loop struct {
	analyzer Analyzer
	toolbox  *Toolbox
	metrics  *metrics.Metrics
	cfg      config.BrainConfig

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewLoop(analyzer Analyzer, toolbox *Toolbox, m *metrics.Metrics, cfg config.BrainConfig) *Loop {
	if cfg.MaxTurnsPerNode < 1 {
		cfg.MaxTurnsPerNode = 60
	}
	if cfg.FailSafeMaxToolCalls < 1 {
		cfg.FailSafeMaxToolCalls = 200
	}
	if cfg.DecisionMaxAttempts < 1 {
		cfg.DecisionMaxAttempts = 3
	}
	return &Loop{
		analyzer: analyzer,
		toolbox:  toolbox,
		metrics:  m,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
}

// ExecuteNode runs the decision loop for one node until a validated route is
// produced or a bound trips. Every failure mode terminates with RouteError
// and a diagnostic message; this method never returns an error.
func (l *Loop) ExecuteNode(ctx context.Context, node NodeConfig, execCtx ExecutionContext) BrainRouteResult {
	transcript := []provider.Message{
		{Role: "user", Content: buildUserTurn(node, execCtx)},
	}
	executed := 0
	attempted := 0

	for turn := 1; turn <= l.cfg.MaxTurnsPerNode; turn++ {
		if l.metrics != nil {
			l.metrics.BrainTurns.Inc()
		}

		resp, err := l.decide(ctx, node, transcript)
		if err != nil {
			log.Printf("❌ [Brain] node %s turn %d: provider call failed: %v", execCtx.NodeID, turn, err)
			return errorResult(turn, executed, fmt.Sprintf("provider call failed: %v", err))
		}

		decision, err := ParseDecision(resp.AnswerText)
		if err != nil {
			log.Printf("❌ [Brain] node %s turn %d: malformed model response: %v", execCtx.NodeID, turn, err)
			return errorResult(turn, executed, fmt.Sprintf("malformed model response: %v", err))
		}

		if decision.Route != "" {
			if decision.Route == RouteError || routeAllowed(decision.Route, node.Routes) {
				return BrainRouteResult{
					Route:             decision.Route,
					ToolCallsExecuted: executed,
					Turns:             turn,
					Message:           decision.Message,
					MemoryPatch:       decision.MemoryPatch,
				}
			}
			log.Printf("❌ [Brain] node %s turn %d: model chose unknown route %q", execCtx.NodeID, turn, decision.Route)
			return errorResult(turn, executed, fmt.Sprintf("model chose route %q which is not in the node's route set", decision.Route))
		}

		if len(decision.ToolCalls) == 0 {
			return errorResult(turn, executed, "model returned neither a route nor tool calls")
		}

		results := make([]ToolResult, 0, len(decision.ToolCalls))
		for _, call := range decision.ToolCalls {
			attempted++
			if l.metrics != nil {
				l.metrics.BrainToolCalls.Inc()
			}
			if attempted > l.cfg.FailSafeMaxToolCalls {
				log.Printf("🛑 [Brain] node %s: tool-call budget (%d) exceeded, aborting", execCtx.NodeID, l.cfg.FailSafeMaxToolCalls)
				return errorResult(turn, executed, fmt.Sprintf("fail-safe tool-call budget of %d exceeded", l.cfg.FailSafeMaxToolCalls))
			}

			if !channelAllowed(call.Channel, node.AllowedChannels) {
				results = append(results, ToolResult{
					Channel: call.Channel,
					Error:   fmt.Sprintf("channel %q is not on this node's allow-list", call.Channel),
				})
				continue
			}
			res := l.toolbox.Execute(ctx, call)
			if res.OK {
				executed++
			}
			results = append(results, res)
		}

		transcript = append(transcript,
			provider.Message{Role: "assistant", Content: resp.AnswerText},
			provider.Message{Role: "user", Content: foldResults(results)},
		)
	}

	log.Printf("🛑 [Brain] node %s: %d turns without a terminal route", execCtx.NodeID, l.cfg.MaxTurnsPerNode)
	return errorResult(l.cfg.MaxTurnsPerNode, executed, fmt.Sprintf("no terminal route after %d turns", l.cfg.MaxTurnsPerNode))
}

// decide performs the provider call for one turn, honoring the node's input
// mode. A visual attempt that fails on capture falls back once to a
// context-only call within the same turn.
func (l *Loop) decide(ctx context.Context, node NodeConfig, transcript []provider.Message) (*provider.Response, error) {
	req := provider.Request{
		Model:    node.Model,
		System:   systemInstruction,
		Messages: transcript,
	}

	visual := node.InputMode == InputModeVisual || node.InputMode == InputModeHybrid
	if visual {
		png, err := l.toolbox.driver.Screenshot(ctx, node.CaptureRegion)
		if err != nil {
			log.Printf("⚠️ [Brain] screenshot failed, retrying context-only: %v", err)
			visual = false
		} else {
			req.ImagePNG = png
		}
	}

	resp, err := l.callWithRetry(ctx, node.Provider, req)
	if err != nil && visual && provider.Classify(err).CaptureFailure() {
		log.Printf("⚠️ [Brain] visual call failed on capture, retrying context-only: %v", err)
		req.ImagePNG = nil
		resp, err = l.callWithRetry(ctx, node.Provider, req)
	}
	return resp, err
}

// callWithRetry retries transient failures with linear backoff. Non-transient
// errors abort immediately.
func (l *Loop) callWithRetry(ctx context.Context, providerID string, req provider.Request) (*provider.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.DecisionMaxAttempts; attempt++ {
		resp, err := l.analyzer.Analyze(ctx, providerID, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !provider.IsTransientForDecision(err) {
			return nil, err
		}
		if attempt < l.cfg.DecisionMaxAttempts {
			l.sleep(retryBackoffStep * time.Duration(attempt))
		}
	}
	return nil, lastErr
}

// foldResults serializes tool outcomes into the next user message, bounding
// each string field so the transcript cannot grow without limit.
func foldResults(results []ToolResult) string {
	bounded := make([]ToolResult, len(results))
	for i, r := range results {
		bounded[i] = truncateResult(r)
	}
	payload, err := json.Marshal(map[string]any{"toolResults": bounded})
	if err != nil {
		return fmt.Sprintf(`{"toolResults":[],"error":%q}`, err.Error())
	}
	return string(payload)
}

func truncateResult(r ToolResult) ToolResult {
	r.Error = util.TruncateField(r.Error, util.DefaultFieldMaxLen)
	switch v := r.Result.(type) {
	case string:
		r.Result = util.TruncateField(v, util.DefaultFieldMaxLen)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = util.TruncateField(s, util.DefaultFieldMaxLen)
				continue
			}
			out[k] = item
		}
		r.Result = out
	}
	return r
}

func routeAllowed(route string, routes []string) bool {
	for _, r := range routes {
		if r == route {
			return true
		}
	}
	return false
}

func errorResult(turns, executed int, msg string) BrainRouteResult {
	return BrainRouteResult{
		Route:             RouteError,
		ToolCallsExecuted: executed,
		Turns:             turns,
		Message:           msg,
	}
}
