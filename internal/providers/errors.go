package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a vendor error body is kept, so logs and
// error chains stay a sane size.
const maxErrorBody = 2048

// Reason categorizes a provider failure for retry decisions.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonServerError    Reason = "server_error"
	ReasonNetwork        Reason = "network"
	ReasonUnknown        Reason = "unknown"
)

// Retryable reports whether the transport may retry the request. Only rate
// limits are retried at this layer; other transport failures surface
// immediately and the caller decides what to do with the turn.
func (r Reason) Retryable() bool {
	return r == ReasonRateLimit
}

// ProviderError is a typed failure from a vendor request, carrying the
// status code and a truncated error body.
type ProviderError struct {
	Provider string
	Model    string
	Reason   Reason
	Status   int
	Body     string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Reason, e.Provider)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Body != "" {
		parts = append(parts, e.Body)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newHTTPError builds a ProviderError from a non-2xx response.
func newHTTPError(provider, model string, status int, body []byte) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   classifyStatus(status),
		Status:   status,
		Body:     truncateBody(body),
	}
}

// newTransportError builds a ProviderError from a network-level failure.
func newTransportError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   ReasonNetwork,
		Cause:    cause,
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "...(truncated)"
	}
	return s
}
