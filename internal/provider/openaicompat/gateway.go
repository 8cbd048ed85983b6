// Package openaicompat implements the provider gateway contract against any
// OpenAI-compatible chat/completions endpoint using manual API keys.
package openaicompat

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

const defaultTimeout = 180 * time.Second

// Gateway speaks the chat/completions wire format. One instance per
// configured provider.
type Gateway struct {
	providerID   string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

func New(providerID, baseURL, defaultModel string, timeout time.Duration) *Gateway {
	return NewWithClient(providerID, baseURL, defaultModel, timeout, nil)
}

func NewWithClient(providerID, baseURL, defaultModel string, timeout time.Duration, httpClient *http.Client) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		providerID:   strings.ToLower(strings.TrimSpace(providerID)),
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		defaultModel: defaultModel,
		httpClient:   httpClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// AnalyzeText sends a text-only request.
func (g *Gateway) AnalyzeText(ctx context.Context, req provider.Request, cred provider.Credential) (*provider.Response, error) {
	return g.analyze(ctx, req, cred, false)
}

// AnalyzeImage sends a vision request with the screenshot attached as a
// data-URI image part on the final user message.
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

	payload := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for i, m := range req.Messages {
		last := i == len(req.Messages)-1
		if withImage && last && m.Role == "user" {
			dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
			payload.Messages = append(payload.Messages, chatMessage{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: m.Content},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
				},
			})
			continue
		}
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("Content-Type", "application/json")

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

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &provider.APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unparsable provider response: %v", err),
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &provider.APIError{
			StatusCode: resp.StatusCode,
			Message:    "provider response has no choices",
		}
	}

	modelUsed := parsed.Model
	if modelUsed == "" {
		modelUsed = model
	}
	return &provider.Response{
		AnswerText:   parsed.Choices[0].Message.Content,
		ModelUsed:    modelUsed,
		ProviderUsed: g.providerID,
		Usage: &provider.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func parseError(status int, raw []byte) *provider.APIError {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		code := er.Error.Code
		if code == "" {
			code = er.Error.Type
		}
		return &provider.APIError{Code: code, StatusCode: status, Message: er.Error.Message}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return &provider.APIError{StatusCode: status, Message: msg}
}
