package brain

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/autoflowhq/braincore/internal/automation"
)

// ToolResult is one tool call outcome, folded back into the transcript.
type ToolResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Toolbox binds the fixed dispatch table to the automation collaborators.
type Toolbox struct {
	driver automation.Driver
	mapper automation.Mapper

	handlers map[string]func(ctx context.Context, args map[string]any) (any, error)
}

func NewToolbox(driver automation.Driver, mapper automation.Mapper) *Toolbox {
	tb := &Toolbox{driver: driver, mapper: mapper}
	tb.handlers = map[string]func(ctx context.Context, args map[string]any) (any, error){
		"mouse.move":          tb.mouseMove,
		"mouse.click":         tb.mouseClick,
		"mouse.drag":          tb.mouseDrag,
		"mouse.position":      tb.mousePosition,
		"keyboard.type":       tb.keyboardType,
		"keyboard.press":      tb.keyboardPress,
		"wait":                tb.wait,
		"screen.capture":      tb.screenCapture,
		"screen.size":         tb.screenSize,
		"template.find":       tb.templateFind,
		"mapping.savePoint":   tb.mappingSavePoint,
		"mapping.getPoint":    tb.mappingGetPoint,
		"mapping.deletePoint": tb.mappingDeletePoint,
		"mapping.listPoints":  tb.mappingListPoints,
	}
	return tb
}

// Channels lists the registered channel names.
func (tb *Toolbox) Channels() []string {
	out := make([]string, 0, len(tb.handlers))
	for ch := range tb.handlers {
		out = append(out, ch)
	}
	return out
}

// Execute dispatches one tool call. Unknown channels fail the call, never the
// turn.
func (tb *Toolbox) Execute(ctx context.Context, call ToolCall) ToolResult {
	handler, ok := tb.handlers[call.Channel]
	if !ok {
		return ToolResult{
			Channel: call.Channel,
			Error:   fmt.Sprintf("unknown tool channel %q", call.Channel),
		}
	}
	result, err := handler(ctx, call.Args)
	if err != nil {
		return ToolResult{Channel: call.Channel, Error: err.Error()}
	}
	return ToolResult{Channel: call.Channel, OK: true, Result: result}
}

func (tb *Toolbox) mouseMove(ctx context.Context, args map[string]any) (any, error) {
	p, err := pointArg(args)
	if err != nil {
		return nil, err
	}
	return nil, tb.driver.MoveMouse(ctx, p)
}

func (tb *Toolbox) mouseClick(ctx context.Context, args map[string]any) (any, error) {
	button := automation.MouseButton(stringArg(args, "button", string(automation.ButtonLeft)))
	double := boolArg(args, "double")
	return nil, tb.driver.Click(ctx, button, double)
}

func (tb *Toolbox) mouseDrag(ctx context.Context, args map[string]any) (any, error) {
	from, err := namedPointArg(args, "fromX", "fromY")
	if err != nil {
		return nil, err
	}
	to, err := namedPointArg(args, "toX", "toY")
	if err != nil {
		return nil, err
	}
	return nil, tb.driver.Drag(ctx, from, to)
}

func (tb *Toolbox) mousePosition(ctx context.Context, args map[string]any) (any, error) {
	return tb.driver.MousePosition(ctx)
}

func (tb *Toolbox) keyboardType(ctx context.Context, args map[string]any) (any, error) {
	text := stringArg(args, "text", "")
	if text == "" {
		return nil, fmt.Errorf("keyboard.type requires a text argument")
	}
	return nil, tb.driver.TypeText(ctx, text)
}

func (tb *Toolbox) keyboardPress(ctx context.Context, args map[string]any) (any, error) {
	key := stringArg(args, "key", "")
	if key == "" {
		return nil, fmt.Errorf("keyboard.press requires a key argument")
	}
	return nil, tb.driver.PressKey(ctx, key)
}

func (tb *Toolbox) wait(ctx context.Context, args map[string]any) (any, error) {
	ms := intArg(args, "ms", 0)
	if ms <= 0 {
		return nil, fmt.Errorf("wait requires a positive ms argument")
	}
	return nil, tb.driver.Wait(ctx, time.Duration(ms)*time.Millisecond)
}

func (tb *Toolbox) screenCapture(ctx context.Context, args map[string]any) (any, error) {
	region := regionArg(args)
	png, err := tb.driver.Screenshot(ctx, region)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pngBase64": base64.StdEncoding.EncodeToString(png),
		"bytes":     len(png),
	}, nil
}

func (tb *Toolbox) screenSize(ctx context.Context, args map[string]any) (any, error) {
	w, h, err := tb.driver.ScreenSize(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"width": w, "height": h}, nil
}

func (tb *Toolbox) templateFind(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, fmt.Errorf("template.find requires a name argument")
	}
	confidence := floatArg(args, "confidence", 0.9)
	timeoutMs := intArg(args, "timeoutMs", 3000)
	region, err := tb.mapper.FindTemplateOnScreen(ctx, name, confidence, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "region": region}, nil
}

func (tb *Toolbox) mappingSavePoint(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, fmt.Errorf("mapping.savePoint requires a name argument")
	}
	p, err := pointArg(args)
	if err != nil {
		return nil, err
	}
	return nil, tb.mapper.SavePoint(ctx, name, p)
}

func (tb *Toolbox) mappingGetPoint(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, fmt.Errorf("mapping.getPoint requires a name argument")
	}
	p, err := tb.mapper.GetPoint(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no mapping point named %q", name)
	}
	return p, nil
}

func (tb *Toolbox) mappingDeletePoint(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, fmt.Errorf("mapping.deletePoint requires a name argument")
	}
	return nil, tb.mapper.DeletePoint(ctx, name)
}

func (tb *Toolbox) mappingListPoints(ctx context.Context, args map[string]any) (any, error) {
	return tb.mapper.ListPoints(ctx)
}

// channelAllowed checks a call channel against a node allow-list. A single
// "*" entry allows everything.
func channelAllowed(channel string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == channel {
			return true
		}
	}
	return false
}

// JSON numbers arrive as float64; tool args accept both int and float forms.

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func pointArg(args map[string]any) (automation.Point, error) {
	return namedPointArg(args, "x", "y")
}

func namedPointArg(args map[string]any, xKey, yKey string) (automation.Point, error) {
	if _, ok := args[xKey]; !ok {
		return automation.Point{}, fmt.Errorf("missing %s coordinate", xKey)
	}
	if _, ok := args[yKey]; !ok {
		return automation.Point{}, fmt.Errorf("missing %s coordinate", yKey)
	}
	return automation.Point{
		X: intArg(args, xKey, 0),
		Y: intArg(args, yKey, 0),
	}, nil
}

func regionArg(args map[string]any) *automation.Region {
	raw, ok := args["region"].(map[string]any)
	if !ok {
		return nil
	}
	return &automation.Region{
		X:      intArg(raw, "x", 0),
		Y:      intArg(raw, "y", 0),
		Width:  intArg(raw, "width", 0),
		Height: intArg(raw, "height", 0),
	}
}
