// Package domain provides the canonical error taxonomy shared by the
// translation pipeline. Translators and handlers classify failures into these
// types; the HTTP layer maps them onto the client-facing error envelope.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates malformed or unrepresentable input.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a permission failure.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the backend is unavailable, either
	// because its circuit is open or because it refused the connection.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal error.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeContextLength indicates the context length was exceeded.
	ErrorTypeContextLength ErrorType = "context_length"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeModelNotFound         ErrorCode = "model_not_found"
	ErrorCodeCircuitOpen           ErrorCode = "circuit_open"
	ErrorCodeBackendTimeout        ErrorCode = "backend_timeout"
	ErrorCodeUnsupportedContent    ErrorCode = "unsupported_content"
)

// APIError is a canonical error raised anywhere in the pipeline and rendered
// by the HTTP layer.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeContextLength:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WireType returns the client protocol's error type string for this error.
func (e *APIError) WireType() string {
	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeContextLength:
		return "invalid_request_error"
	case ErrorTypeAuthentication:
		return "authentication_error"
	case ErrorTypePermission:
		return "permission_error"
	case ErrorTypeNotFound:
		return "not_found_error"
	case ErrorTypeRateLimit:
		return "rate_limit_error"
	case ErrorTypeOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// AsAPIError extracts an APIError from err, wrapping unclassified errors as
// server errors so every failure renders consistently.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewAPIError(ErrorTypeServer, err.Error())
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrUnsupportedContent flags conversation content the backend dialect
// cannot represent. Never retried.
func ErrUnsupportedContent(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(ErrorCodeUnsupportedContent)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrCircuitOpen reports a request rejected without a network attempt
// because the backend's breaker is open.
func ErrCircuitOpen(backend string) *APIError {
	return NewAPIError(ErrorTypeOverloaded,
		fmt.Sprintf("backend %s is unavailable, retry later", backend)).
		WithCode(ErrorCodeCircuitOpen)
}

// ErrBackendUnavailable creates an overloaded error for transport failures.
func ErrBackendUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

// ErrBackendTimeout reports a backend that stopped producing data inside
// the inactivity window.
func ErrBackendTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).
		WithCode(ErrorCodeBackendTimeout).
		WithStatusCode(http.StatusGatewayTimeout)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrContextLength creates a context length exceeded error.
func ErrContextLength(message string) *APIError {
	return NewAPIError(ErrorTypeContextLength, message).
		WithCode(ErrorCodeContextLengthExceeded)
}
