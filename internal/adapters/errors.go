package adapters

import (
	"context"
	"errors"
	"net/http"

	"github.com/lanternhq/modelgate/internal/models"
)

// MapStatusError translates an HTTP status returned by a provider SDK into
// the gateway error taxonomy. Adapters call this after extracting the status
// from their SDK's error type, so the gateway itself never inspects
// provider-native error shapes.
func MapStatusError(provider string, status int, cause error) *models.GatewayError {
	switch status {
	case http.StatusUnauthorized:
		return models.NewAuthenticationError(provider, "invalid or expired credentials", cause)
	case http.StatusForbidden:
		return models.NewAuthorizationError(provider, "caller lacks access to the requested model", cause)
	case http.StatusNotFound:
		return &models.GatewayError{
			Kind:     models.ErrKindModelNotFound,
			Provider: provider,
			Message:  "provider does not recognize the requested model",
			Cause:    cause,
		}
	case http.StatusRequestEntityTooLarge:
		return &models.GatewayError{
			Kind:     models.ErrKindContextLengthExceeded,
			Provider: provider,
			Message:  "provider rejected the request as too large",
			Cause:    cause,
		}
	case http.StatusUnprocessableEntity:
		return models.NewContentFilterError(provider, "provider refused the request on policy grounds")
	case http.StatusTooManyRequests:
		return models.NewRateLimitError(provider, cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return models.NewTimeoutError(provider, cause)
	default:
		if status >= 500 {
			return models.NewServiceUnavailableError(provider, "provider returned a server error", cause)
		}
		return models.NewInvalidRequestError("provider rejected the request", cause)
	}
}

// NewNotSupportedError marks an operation the backend has no API for. The
// failure is fatal: retrying against the same provider cannot succeed, and
// registration should not have advertised the capability.
func NewNotSupportedError(provider string, capability models.Capability) *models.GatewayError {
	return &models.GatewayError{
		Kind:     models.ErrKindInvalidRequest,
		Provider: provider,
		Message:  "provider " + provider + " does not support " + string(capability) + " generation",
	}
}

// MapTransportError translates non-HTTP failures (network errors, deadline
// expiry) into the taxonomy. Context cancellation passes through untouched:
// the caller going away is not a provider failure and the orchestrator
// handles it without charging the circuit.
func MapTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError(provider, err)
	}
	return models.NewServiceUnavailableError(provider, "provider unreachable", err)
}
