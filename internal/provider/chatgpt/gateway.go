// Package chatgpt implements the OAuth-backed alternate provider gateway
// against the ChatGPT backend Responses API. Credentials are always virtual:
// a live access token plus the account id parsed at login.
package chatgpt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autoflowhq/braincore/internal/provider"
)

const (
	// ProviderID is the registry id of this gateway.
	ProviderID = "chatgpt"

	defaultBaseURL = "https://chatgpt.com/backend-api/codex"
	defaultTimeout = 180 * time.Second
	userAgent      = "braincore/1.0"
)

// Gateway speaks the Responses API wire format.
type Gateway struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

func New(baseURL, defaultModel string, timeout time.Duration) *Gateway {
	return NewWithClient(baseURL, defaultModel, timeout, nil)
}

func NewWithClient(baseURL, defaultModel string, timeout time.Duration, httpClient *http.Client) *Gateway {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Gateway{baseURL: trimmed, defaultModel: defaultModel, httpClient: httpClient}
}

type inputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputItem struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type responsesRequest struct {
	Model        string      `json:"model"`
	Instructions string      `json:"instructions"`
	Input        []inputItem `json:"input"`
	Stream       bool        `json:"stream"`
	Store        bool        `json:"store"`
}

type responsesResponse struct {
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnalyzeText sends a text-only request.
func (g *Gateway) AnalyzeText(ctx context.Context, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	return g.analyze(ctx, req, cred, false)
}

// AnalyzeImage attaches the screenshot as an input_image part.
func (g *Gateway) AnalyzeImage(ctx context.Context, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	if len(req.ImagePNG) == 0 {
		return nil, &provider.APIError{
			Code:    provider.CodeCaptureFailed,
			Message: "vision request carries no image data",
		}
	}
	return g.analyze(ctx, req, cred, true)
}

func (g *Gateway) analyze(ctx context.Context, req provider.Request, cred provider.Credential, withImage bool) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}

	payload := responsesRequest{
		Model:        model,
		Instructions: req.System,
		Store:        false,
	}
	for i, m := range req.Messages {
		parts := []inputPart{{Type: "input_text", Text: m.Content}}
		if withImage && i == len(req.Messages)-1 && m.Role == "user" {
			dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
			parts = append(parts, inputPart{Type: "input_image", ImageURL: dataURI})
		}
		payload.Input = append(payload.Input, inputItem{Role: m.Role, Content: parts})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Openai-Beta", "responses=experimental")
	if cred.AccountID != "" {
		httpReq.Header.Set("Chatgpt-Account-Id", cred.AccountID)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.Classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, raw)
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &provider.APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unparsable provider response: %v", err),
		}
	}
	if parsed.Error != nil {
		return nil, &provider.APIError{
			Code:       parsed.Error.Code,
			StatusCode: resp.StatusCode,
			Message:    parsed.Error.Message,
		}
	}

	var sb strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	if sb.Len() == 0 {
		return nil, &provider.APIError{
			StatusCode: resp.StatusCode,
			Message:    "provider response has no output text",
		}
	}

	modelUsed := parsed.Model
	if modelUsed == "" {
		modelUsed = model
	}
	return &provider.Response{
		AnswerText:   sb.String(),
		ModelUsed:    modelUsed,
		ProviderUsed: ProviderID,
		Usage: &provider.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func parseError(status int, raw []byte) *provider.APIError {
	var er struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		return &provider.APIError{Code: er.Error.Code, StatusCode: status, Message: er.Error.Message}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return &provider.APIError{StatusCode: status, Message: msg}
}
