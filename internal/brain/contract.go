package brain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RouteError is the terminal route emitted for every failure mode: malformed
// responses, unknown routes, exhausted budgets. The workflow engine routes it
// to an error edge instead of crashing.
const RouteError = "ERROR"

// ToolCall is one requested tool invocation.
type ToolCall struct {
	Channel string         `json:"channel"`
	Args    map[string]any `json:"args"`
}

// Decision is the strict JSON contract the model must answer with: a single
// object carrying exactly these four fields, any of which may be absent.
type Decision struct {
	Route       string         `json:"route"`
	ToolCalls   []ToolCall     `json:"toolCalls"`
	Message     string         `json:"message"`
	MemoryPatch map[string]any `json:"memoryPatch"`
}

// BrainRouteResult is the single terminal output of one node execution.
type BrainRouteResult struct {
	Route             string         `json:"route"`
	ToolCallsExecuted int            `json:"toolCallsExecuted"`
	Turns             int            `json:"turns"`
	Message           string         `json:"message,omitempty"`
	MemoryPatch       map[string]any `json:"memoryPatch,omitempty"`
}

// decodeDecision parses text as a Decision, rejecting unknown fields and
// trailing content.
func decodeDecision(text string) (*Decision, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var d Decision
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	// Reject payloads like `{...} {...}` or `{...} trailing prose`; the
	// balanced-brace scan handles those.
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("trailing content after JSON object")
	}
	return &d, nil
}

// ParseDecision recovers a Decision from raw model output. Markdown code
// fences are stripped first; if the remainder is not directly parsable, every
// top-level balanced {...} candidate is tried in order.
func ParseDecision(raw string) (*Decision, error) {
	text := stripFences(raw)

	if d, err := decodeDecision(text); err == nil {
		return d, nil
	}

	for _, cand := range jsonCandidates(text) {
		if d, err := decodeDecision(cand); err == nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no parsable JSON object in model output")
}

// stripFences removes a surrounding Markdown code fence, with or without a
// language tag, keeping any prose around it.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return strings.TrimSpace(s)
	}
	var out strings.Builder
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		out.WriteString(line)
		out.WriteString("\n")
	}
	return strings.TrimSpace(out.String())
}

// jsonCandidates returns every top-level balanced brace span in text, in
// order of appearance. Braces inside string literals are skipped and
// backslash escapes honored, so `{"a":"}"}` yields one candidate.
func jsonCandidates(text string) []string {
	var candidates []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidates = append(candidates, text[start:i+1])
				start = -1
			}
		}
	}
	return candidates
}
