package chatgpt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/autoflowhq/braincore/internal/provider"
)

func virtualCred() provider.Credential {
	return provider.Credential{
		ID:         provider.VirtualCredentialID,
		ProviderID: ProviderID,
		Secret:     "oauth-access",
		Source:     "oauth",
		AccountID:  "acct-123",
	}
}

func TestAnalyzeTextSendsAccountHeader(t *testing.T) {
	var gotAccount, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = r.Header.Get("Chatgpt-Account-Id")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-5",
			"output": []any{
				map[string]any{
					"type": "message",
					"content": []any{
						map[string]any{"type": "output_text", "text": "hello "},
						map[string]any{"type": "output_text", "text": "world"},
					},
				},
			},
			"usage": map[string]any{"input_tokens": 7, "output_tokens": 3, "total_tokens": 10},
		})
	}))
	defer srv.Close()

	g := New(srv.URL, "gpt-5", 0)
	resp, err := g.AnalyzeText(context.Background(), provider.Request{
		System:   "decide",
		Messages: []provider.Message{{Role: "user", Content: "next step?"}},
	}, virtualCred())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if gotAccount != "acct-123" {
		t.Fatalf("expected account header, got %q", gotAccount)
	}
	if gotAuth != "Bearer oauth-access" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if resp.AnswerText != "hello world" {
		t.Fatalf("expected concatenated output, got %q", resp.AnswerText)
	}
	if resp.ProviderUsed != ProviderID {
		t.Fatalf("unexpected provider attribution %q", resp.ProviderUsed)
	}
}

func TestAnalyzeImageBuildsInputImagePart(t *testing.T) {
	var gotBody responsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"output": []any{
				map[string]any{
					"type":    "message",
					"content": []any{map[string]any{"type": "output_text", "text": "seen"}},
				},
			},
		})
	}))
	defer srv.Close()

	g := New(srv.URL, "gpt-5", 0)
	_, err := g.AnalyzeImage(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "what do you see?"}},
		ImagePNG: []byte{1, 2, 3},
	}, virtualCred())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	last := gotBody.Input[len(gotBody.Input)-1]
	if len(last.Content) != 2 || last.Content[1].Type != "input_image" {
		t.Fatalf("expected input_image part, got %+v", last.Content)
	}
	if gotBody.Store {
		t.Fatal("store must be forced off")
	}
}

func TestErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"account_deactivated","message":"Account is deactivated"}}`))
	}))
	defer srv.Close()

	g := New(srv.URL, "gpt-5", 0)
	_, err := g.AnalyzeText(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}, virtualCred())

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.AuthFailure() || apiErr.Code != "account_deactivated" {
		t.Fatalf("got %+v", apiErr)
	}
}

func TestMissingImage(t *testing.T) {
	g := New("http://unused", "gpt-5", 0)
	_, err := g.AnalyzeImage(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "look"}},
	}, virtualCred())

	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || !apiErr.CaptureFailure() {
		t.Fatalf("expected capture failure, got %v", err)
	}
}
