package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies gateway errors. Retryable kinds advance the fallback
// chain and count against the provider's circuit breaker; fatal kinds abort
// the request immediately.
type ErrorKind string

const (
	ErrKindAuthentication        ErrorKind = "authentication"
	ErrKindAuthorization         ErrorKind = "authorization"
	ErrKindInvalidRequest        ErrorKind = "invalid_request"
	ErrKindModelNotFound         ErrorKind = "model_not_found"
	ErrKindContextLengthExceeded ErrorKind = "context_length_exceeded"
	ErrKindContentFilter         ErrorKind = "content_filter"
	ErrKindRateLimit             ErrorKind = "rate_limit"
	ErrKindServiceUnavailable    ErrorKind = "service_unavailable"
	ErrKindTimeout               ErrorKind = "timeout"
	ErrKindNoEligibleProvider    ErrorKind = "no_eligible_provider"
	ErrKindAllProvidersFailed    ErrorKind = "all_providers_failed"
	ErrKindStreamInterrupted     ErrorKind = "stream_interrupted"
)

// GatewayError is the single error shape callers ever see. Adapters map all
// provider-native failures into it before returning.
type GatewayError struct {
	Kind       ErrorKind `json:"kind"`
	Provider   string    `json:"provider,omitzero"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// TripsBreaker reports whether this failure counts toward the provider's
// circuit breaker. Only retryable kinds indicate provider unhealthiness.
func (e *GatewayError) TripsBreaker() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error.
func (e *GatewayError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case ErrKindAuthentication:
		return http.StatusUnauthorized
	case ErrKindAuthorization:
		return http.StatusForbidden
	case ErrKindInvalidRequest, ErrKindContextLengthExceeded:
		return http.StatusBadRequest
	case ErrKindModelNotFound, ErrKindNoEligibleProvider:
		return http.StatusNotFound
	case ErrKindContentFilter:
		return http.StatusUnprocessableEntity
	case ErrKindRateLimit:
		return http.StatusTooManyRequests
	case ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// KindOf returns the error kind, or empty string for non-gateway errors.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsRetryable reports whether the fallback orchestrator may try another
// candidate after this error. Unknown errors are treated as retryable so a
// misbehaving adapter cannot poison the whole chain.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return true
}

// NewAuthenticationError creates an authentication error (fatal).
func NewAuthenticationError(provider, message string, cause error) *GatewayError {
	return &GatewayError{Kind: ErrKindAuthentication, Provider: provider, Message: message, Retryable: false, Cause: cause}
}

// NewAuthorizationError creates an authorization error (fatal).
func NewAuthorizationError(provider, message string, cause error) *GatewayError {
	return &GatewayError{Kind: ErrKindAuthorization, Provider: provider, Message: message, Retryable: false, Cause: cause}
}

// NewInvalidRequestError creates a malformed-request error (fatal).
func NewInvalidRequestError(message string, cause error) *GatewayError {
	return &GatewayError{Kind: ErrKindInvalidRequest, Message: message, Retryable: false, Cause: cause}
}

// NewModelNotFoundError creates an unknown-model error (fatal).
func NewModelNotFoundError(modelID string) *GatewayError {
	return &GatewayError{
		Kind:    ErrKindModelNotFound,
		Message: fmt.Sprintf("model %q is not registered", modelID),
	}
}

// NewContextLengthExceededError creates an oversized-input error (fatal).
func NewContextLengthExceededError(modelID string, estimated, limit int) *GatewayError {
	return &GatewayError{
		Kind:    ErrKindContextLengthExceeded,
		Message: fmt.Sprintf("input of ~%d tokens exceeds %d token context window of model %s", estimated, limit, modelID),
	}
}

// NewContentFilterError creates a policy-refusal error (fatal).
func NewContentFilterError(provider, message string) *GatewayError {
	return &GatewayError{Kind: ErrKindContentFilter, Provider: provider, Message: message, Retryable: false}
}

// NewRateLimitError creates a provider-throttling error (retryable).
func NewRateLimitError(provider string, cause error) *GatewayError {
	return &GatewayError{
		Kind:      ErrKindRateLimit,
		Provider:  provider,
		Message:   fmt.Sprintf("provider %s rate limited the request", provider),
		Retryable: true,
		Cause:     cause,
	}
}

// NewServiceUnavailableError creates a provider-outage error (retryable).
func NewServiceUnavailableError(provider, message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:      ErrKindServiceUnavailable,
		Provider:  provider,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewTimeoutError creates a deadline-exceeded error (retryable).
func NewTimeoutError(provider string, cause error) *GatewayError {
	return &GatewayError{
		Kind:      ErrKindTimeout,
		Provider:  provider,
		Message:   fmt.Sprintf("request to provider %s timed out", provider),
		Retryable: true,
		Cause:     cause,
	}
}

// NewNoEligibleProviderError creates a no-candidates error (fatal, no
// fallback possible).
func NewNoEligibleProviderError(message string) *GatewayError {
	return &GatewayError{Kind: ErrKindNoEligibleProvider, Message: message}
}

// NewStreamInterruptedError marks a stream that failed after partial
// delivery. It is distinguishable from a normal failure because the caller
// has already consumed part of the output.
func NewStreamInterruptedError(provider string, cause error) *GatewayError {
	return &GatewayError{
		Kind:     ErrKindStreamInterrupted,
		Provider: provider,
		Message:  fmt.Sprintf("stream from provider %s terminated after partial delivery", provider),
		Cause:    cause,
	}
}

// AttemptFailure is one entry of an AllProvidersFailedError, in the order
// the fallback chain was consumed.
type AttemptFailure struct {
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Kind       ErrorKind `json:"kind"`
	Err        error     `json:"-"`
}

// AllProvidersFailedError aggregates every per-candidate failure once the
// fallback chain is exhausted.
type AllProvidersFailedError struct {
	Failures []AttemptFailure
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", f.ProviderID, f.ModelID, f.Err))
	}
	return fmt.Sprintf("all %d providers failed: [%s]", len(e.Failures), strings.Join(parts, "; "))
}

// Gateway converts the aggregate into the caller-facing error shape.
func (e *AllProvidersFailedError) Gateway() *GatewayError {
	return &GatewayError{
		Kind:       ErrKindAllProvidersFailed,
		Message:    e.Error(),
		StatusCode: http.StatusBadGateway,
		Cause:      e,
	}
}
