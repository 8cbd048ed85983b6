// Package provider defines the gateway contract for external vision/chat
// model providers and the credential shape passed into every call.
package provider

import "context"

// VirtualCredentialID is the sentinel id carried by OAuth-derived
// credentials. It is non-positive so success/failure bookkeeping paths that
// expect a persisted row never touch it.
const VirtualCredentialID int64 = -1

// Credential is a decrypted, ready-to-use secret for one provider call.
// Manual credentials map to a stored row (positive ID); OAuth credentials are
// synthesized per call and never persisted.
type Credential struct {
	ID         int64
	ProviderID string
	Secret     string
	Source     string // models.SourceManual or models.SourceOAuth
	AccountID  string // OAuth account hint, used by the chatgpt gateway
}

// IsVirtual reports whether the credential was synthesized from an OAuth
// profile rather than read from the key store.
func (c Credential) IsVirtual() bool {
	return c.ID <= 0
}

// Message is one turn of conversation context sent to a provider.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is a provider-agnostic analyze request. ImagePNG is only consulted
// by AnalyzeImage.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	ImagePNG    []byte
	MaxTokens   int
	Temperature float64
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the provider-agnostic result of one analyze call.
type Response struct {
	AnswerText     string
	RecognizedText string
	Usage          *Usage
	ModelUsed      string
	ProviderUsed   string
	APIKeyIDUsed   int64
}

// Gateway is the per-provider HTTP client. Implementations return *APIError
// for any provider-reported failure so callers can classify retry policy.
type Gateway interface {
	AnalyzeImage(ctx context.Context, req Request, cred Credential) (*Response, error)
	AnalyzeText(ctx context.Context, req Request, cred Credential) (*Response, error)
}
