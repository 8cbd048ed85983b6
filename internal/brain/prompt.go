package brain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autoflowhq/braincore/internal/automation"
)

// systemInstruction is fixed for every turn: the model must answer with one
// JSON object carrying exactly these four fields, nothing else.
const systemInstruction = `You are the decision engine of a desktop automation workflow.
Respond with a SINGLE JSON object and nothing else. The object has exactly these fields:
  "route":       string  - the outgoing edge to take, chosen from the allowed routes, or "" if you need more tool calls first
  "toolCalls":   array   - tool invocations to run now, each {"channel": string, "args": object}; [] if none
  "message":     string  - short human-readable reasoning or status; "" if none
  "memoryPatch": object  - key/value pairs to merge into workflow memory; {} if none

Do not add fields. Do not wrap the object in prose or code fences.
Set "route" only when you are done with this node; otherwise request toolCalls and wait for their results.`

// NodeConfig is the per-node configuration supplied by the workflow engine.
type NodeConfig struct {
	Provider        string
	Model           string
	Instruction     string
	ContextTemplate string

	// InputMode is context, visual, or hybrid.
	InputMode string

	Routes          []string
	AllowedChannels []string
	CaptureRegion   *automation.Region
}

const (
	InputModeContext = "context"
	InputModeVisual  = "visual"
	InputModeHybrid  = "hybrid"
)

// ExecutionContext is the read-only bundle describing where in the workflow
// this node runs.
type ExecutionContext struct {
	WorkflowID              string
	RunID                   string
	NodeID                  string
	NeighboringNodesSummary string
	LastFoundImageRegion    *automation.Region
	RuntimeState            map[string]any
}

// buildUserTurn renders the first user message of a node execution: the node
// instruction, the optional context template, and a runtime-state snapshot.
func buildUserTurn(node NodeConfig, execCtx ExecutionContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Node %s (workflow %s, run %s)\n\n", execCtx.NodeID, execCtx.WorkflowID, execCtx.RunID)
	fmt.Fprintf(&sb, "Instruction:\n%s\n", node.Instruction)

	if node.ContextTemplate != "" {
		fmt.Fprintf(&sb, "\nContext:\n%s\n", node.ContextTemplate)
	}
	if execCtx.NeighboringNodesSummary != "" {
		fmt.Fprintf(&sb, "\nNeighboring nodes:\n%s\n", execCtx.NeighboringNodesSummary)
	}
	if execCtx.LastFoundImageRegion != nil {
		region, _ := json.Marshal(execCtx.LastFoundImageRegion)
		fmt.Fprintf(&sb, "\nLast found image region: %s\n", region)
	}
	if len(execCtx.RuntimeState) > 0 {
		state, err := json.Marshal(execCtx.RuntimeState)
		if err == nil {
			fmt.Fprintf(&sb, "\nRuntime state:\n%s\n", state)
		}
	}

	fmt.Fprintf(&sb, "\nAllowed routes: %s\n", strings.Join(node.Routes, ", "))
	fmt.Fprintf(&sb, "Allowed tool channels: %s\n", strings.Join(node.AllowedChannels, ", "))
	return sb.String()
}
