package telemetry

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport failure or timeout. Callers may retry after a
// backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("telemetry: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError means the token endpoint answered but did not hand out
// a usable bearer token. Retrying without new credentials will not help.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "telemetry: authentication failed: " + e.Reason
}

// APIError represents a non-2xx response from the telemetry service.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Message is the response body (truncated) or the status text.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telemetry: HTTP %d: %s", e.StatusCode, e.Message)
}

// ParsingError means the response body did not have any of the shapes the
// request expects. The service itself may be healthy.
type ParsingError struct {
	Err error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("telemetry: unexpected response shape: %v", e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether a caller may retry the operation that produced
// err. Network failures and 5xx responses are retryable; everything else is
// not.
func IsRetryable(err error) bool {
	var networkError *NetworkError
	if errors.As(err, &networkError) {
		return true
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		return apiError.StatusCode >= 500
	}
	return false
}
