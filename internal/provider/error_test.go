package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIErrorClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       *APIError
		retryable bool
		auth      bool
		quota     bool
	}{
		{name: "rate limited", err: &APIError{StatusCode: 429}, retryable: true},
		{name: "server fault", err: &APIError{StatusCode: 503}, retryable: true},
		{name: "timeout code", err: &APIError{Code: CodeTimeout}, retryable: true},
		{name: "connection reset code", err: &APIError{Code: CodeConnectionReset}, retryable: true},
		{name: "unauthorized", err: &APIError{StatusCode: 401}, auth: true},
		{name: "forbidden", err: &APIError{StatusCode: 403}, auth: true},
		{name: "quota regardless of status", err: &APIError{Code: CodeInsufficientQuota, StatusCode: 429}, retryable: true, quota: true},
		{name: "plain bad request", err: &APIError{StatusCode: 400}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.retryable {
				t.Fatalf("Retryable: expected %v, got %v", tt.retryable, got)
			}
			if got := tt.err.AuthFailure(); got != tt.auth {
				t.Fatalf("AuthFailure: expected %v, got %v", tt.auth, got)
			}
			if got := tt.err.QuotaExhausted(); got != tt.quota {
				t.Fatalf("QuotaExhausted: expected %v, got %v", tt.quota, got)
			}
		})
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "deadline", err: errors.New("context deadline exceeded"), wantCode: CodeTimeout},
		{name: "reset", err: errors.New("read tcp: connection reset by peer"), wantCode: CodeConnectionReset},
		{name: "unclassified", err: errors.New("something odd"), wantCode: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, got.Code)
			}
		})
	}
}

func TestClassifyPreservesAPIError(t *testing.T) {
	orig := &APIError{Code: CodeInsufficientQuota, StatusCode: 429, Message: "quota"}
	wrapped := fmt.Errorf("call failed: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Fatal("expected wrapped APIError to be unwrapped as-is")
	}
}

func TestIsTransientForDecision(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "http 408", err: &APIError{StatusCode: 408}, want: true},
		{name: "http 429", err: &APIError{StatusCode: 429}, want: true},
		{name: "http 502", err: &APIError{StatusCode: 502}, want: true},
		{name: "message hint", err: errors.New("upstream temporarily unavailable"), want: true},
		{name: "auth failure", err: &APIError{StatusCode: 401, Message: "bad key"}, want: false},
		{name: "validation", err: &APIError{StatusCode: 400, Message: "bad request"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientForDecision(tt.err); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCredentialIsVirtual(t *testing.T) {
	if !(Credential{ID: VirtualCredentialID}).IsVirtual() {
		t.Fatal("sentinel id should be virtual")
	}
	if (Credential{ID: 7}).IsVirtual() {
		t.Fatal("persisted id should not be virtual")
	}
}
