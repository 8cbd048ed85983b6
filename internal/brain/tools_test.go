package brain

import (
	"context"
	"strings"
	"testing"
)

func TestToolboxDispatch(t *testing.T) {
	driver := &fakeDriver{}
	tb := NewToolbox(driver, newFakeMapper())
	ctx := context.Background()

	tests := []struct {
		name    string
		call    ToolCall
		wantOK  bool
		wantLog string
	}{
		{
			name:    "mouse move",
			call:    ToolCall{Channel: "mouse.move", Args: map[string]any{"x": float64(10), "y": float64(20)}},
			wantOK:  true,
			wantLog: "move(10,20)",
		},
		{
			name:    "click defaults to left single",
			call:    ToolCall{Channel: "mouse.click", Args: map[string]any{}},
			wantOK:  true,
			wantLog: "click(left,false)",
		},
		{
			name:   "type requires text",
			call:   ToolCall{Channel: "keyboard.type", Args: map[string]any{}},
			wantOK: false,
		},
		{
			name:   "move requires coordinates",
			call:   ToolCall{Channel: "mouse.move", Args: map[string]any{"x": float64(1)}},
			wantOK: false,
		},
		{
			name:   "unknown channel",
			call:   ToolCall{Channel: "rocket.launch", Args: map[string]any{}},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(driver.log)
			res := tb.Execute(ctx, tt.call)
			if res.OK != tt.wantOK {
				t.Fatalf("ok: expected %v, got %+v", tt.wantOK, res)
			}
			if tt.wantLog != "" {
				if len(driver.log) == before || driver.log[len(driver.log)-1] != tt.wantLog {
					t.Fatalf("expected driver log %q, got %v", tt.wantLog, driver.log)
				}
			}
			if !tt.wantOK && res.Error == "" {
				t.Fatal("failed calls must carry an error message")
			}
		})
	}
}

func TestMappingPointLifecycle(t *testing.T) {
	tb := NewToolbox(&fakeDriver{}, newFakeMapper())
	ctx := context.Background()

	save := tb.Execute(ctx, ToolCall{
		Channel: "mapping.savePoint",
		Args:    map[string]any{"name": "login-button", "x": float64(100), "y": float64(200)},
	})
	if !save.OK {
		t.Fatalf("save: %+v", save)
	}

	get := tb.Execute(ctx, ToolCall{Channel: "mapping.getPoint", Args: map[string]any{"name": "login-button"}})
	if !get.OK {
		t.Fatalf("get: %+v", get)
	}

	del := tb.Execute(ctx, ToolCall{Channel: "mapping.deletePoint", Args: map[string]any{"name": "login-button"}})
	if !del.OK {
		t.Fatalf("delete: %+v", del)
	}

	missing := tb.Execute(ctx, ToolCall{Channel: "mapping.getPoint", Args: map[string]any{"name": "login-button"}})
	if missing.OK || !strings.Contains(missing.Error, "login-button") {
		t.Fatalf("expected missing-point error, got %+v", missing)
	}
}

func TestTemplateFind(t *testing.T) {
	tb := NewToolbox(&fakeDriver{}, newFakeMapper())

	res := tb.Execute(context.Background(), ToolCall{
		Channel: "template.find",
		Args:    map[string]any{"name": "save-icon"},
	})
	if !res.OK {
		t.Fatalf("find: %+v", res)
	}
	out, ok := res.Result.(map[string]any)
	if !ok || out["found"] != true {
		t.Fatalf("expected found region, got %+v", res.Result)
	}
}

func TestChannelAllowed(t *testing.T) {
	if !channelAllowed("mouse.move", []string{"*"}) {
		t.Fatal("wildcard must allow everything")
	}
	if !channelAllowed("wait", []string{"wait", "mouse.move"}) {
		t.Fatal("exact match must be allowed")
	}
	if channelAllowed("keyboard.type", []string{"wait"}) {
		t.Fatal("unlisted channel must be rejected")
	}
	if channelAllowed("wait", nil) {
		t.Fatal("empty allow-list must reject everything")
	}
}
