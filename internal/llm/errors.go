package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a failure anywhere in the orchestration pipeline.
type ErrorCode string

const (
	ErrValidation     ErrorCode = "validation_error"
	ErrAuthentication ErrorCode = "authentication_error"
	ErrRateLimit      ErrorCode = "rate_limit_exceeded"
	ErrBudgetExceeded ErrorCode = "budget_exceeded"
	ErrProvider       ErrorCode = "provider_error"
	ErrTimeout        ErrorCode = "timeout"
	ErrNoProvider     ErrorCode = "no_provider_available"
	ErrCache          ErrorCode = "cache_error"
)

// Error is the shared error type across adapters, guards and the
// orchestrator. Provider is empty for failures not tied to one vendor.
type Error struct {
	Code     ErrorCode
	Provider ProviderName
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error for a provider.
func NewError(code ErrorCode, provider ProviderName, format string, args ...interface{}) *Error {
	return &Error{Code: code, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy code to an underlying vendor error.
func WrapError(code ErrorCode, provider ProviderName, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Provider: provider, Message: err.Error(), Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to provider_error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrProvider
}

// IsTransient reports whether err should count as a transient upstream
// failure: these advance the fallback chain and feed the health monitor's
// passive downgrade path. Local admission failures (rate limit, budget) and
// caller mistakes do not.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrProvider, ErrTimeout:
		return true
	}
	return false
}

// codeForStatus maps an upstream HTTP status to the taxonomy. Shared by the
// OpenAI-compatible adapters; vendors with richer SDK errors refine it.
func codeForStatus(status int) ErrorCode {
	switch {
	case status == 401 || status == 403:
		return ErrAuthentication
	case status == 404:
		return ErrValidation
	case status == 429:
		return ErrRateLimit
	case status >= 400 && status < 500:
		return ErrValidation
	default:
		return ErrProvider
	}
}
