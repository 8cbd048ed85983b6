package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known error codes surfaced by gateways.
const (
	CodeInsufficientQuota = "insufficient_quota"
	CodeTimeout           = "timeout"
	CodeConnectionReset   = "connection-reset"
	CodeCaptureFailed     = "capture_failed"
)

// APIError is the structured failure a gateway reports. StatusCode is zero
// when the failure never reached an HTTP response.
type APIError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

// Retryable reports whether rotating to another credential after a cooldown
// can help: rate limits, server faults, and transport drops.
func (e *APIError) Retryable() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case CodeTimeout, CodeConnectionReset:
		return true
	}
	return false
}

// AuthFailure reports an invalid credential. Not transient.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// QuotaExhausted reports permanent quota exhaustion. Cooldown does not help.
func (e *APIError) QuotaExhausted() bool {
	return e.Code == CodeInsufficientQuota
}

// CaptureFailure reports a screenshot-capture problem, which gets one
// context-only retry within the same turn instead of failing it.
func (e *APIError) CaptureFailure() bool {
	return e.Code == CodeCaptureFailed
}

var transientHints = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"unavailable",
	"temporarily",
	"deadline exceeded",
	"eof",
}

// Classify coerces an arbitrary error into an *APIError. Transport-level
// failures are mapped onto timeout/connection-reset codes by message hints.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	msg := strings.ToLower(err.Error())
	code := ""
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		code = CodeTimeout
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		code = CodeConnectionReset
	}
	return &APIError{Code: code, Message: err.Error()}
}

// IsTransientForDecision classifies errors for the brain's per-call retry:
// HTTP 408/409/425/429/5xx, or a transient-network hint in the code/message.
func IsTransientForDecision(err error) bool {
	apiErr := Classify(err)
	if apiErr == nil {
		return false
	}
	switch apiErr.StatusCode {
	case 408, 409, 425, 429:
		return true
	}
	if apiErr.StatusCode >= 500 {
		return true
	}
	probe := strings.ToLower(apiErr.Code + " " + apiErr.Message)
	for _, hint := range transientHints {
		if strings.Contains(probe, hint) {
			return true
		}
	}
	return false
}
