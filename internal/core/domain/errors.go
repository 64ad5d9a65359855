// Package domain provides the canonical request/response model and error
// taxonomy shared by every component of the proxy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid inbound request
	// that is not a provider payload problem (unknown mode header, bad policy).
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeMalformed indicates a codec could not parse a provider payload.
	ErrorTypeMalformed ErrorType = "malformed_upstream"

	// ErrorTypeReplayMiss indicates no cassette exists in replay mode.
	ErrorTypeReplayMiss ErrorType = "replay_miss"

	// ErrorTypeStrictMiss indicates no cassette exists in strict mode.
	ErrorTypeStrictMiss ErrorType = "strict_miss"

	// ErrorTypeCorrupt indicates a cassette failed integrity verification or
	// could not be decoded.
	ErrorTypeCorrupt ErrorType = "corrupt"

	// ErrorTypeModeViolation indicates an upstream call was attempted in a mode
	// that forbids it.
	ErrorTypeModeViolation ErrorType = "mode_violation"

	// ErrorTypeTimeout indicates the upstream call exceeded its deadline.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates the per-provider budget was exhausted.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUpstream indicates a transport failure or non-2xx upstream reply.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeStorageUnavailable indicates persistence failed: breaker open or
	// every backend exhausted.
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"

	// ErrorTypeNotFound indicates a record was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeServer indicates an internal error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeCircuitOpen       ErrorCode = "circuit_open"
	ErrorCodeBackendsExhausted ErrorCode = "backends_exhausted"
	ErrorCodeIntegrity         ErrorCode = "integrity_mismatch"
	ErrorCodeStreamedCassette  ErrorCode = "streamed_cassette"
	ErrorCodeStreamingRequest  ErrorCode = "streaming_request"
)

// APIError is the canonical error returned by every component. Frontdoors
// translate it into the provider's native error envelope.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode overrides the default HTTP status (upstream errors carry the
	// upstream status here)
	StatusCode int `json:"-"`

	// Provider indicates which provider the error relates to
	Provider Provider `json:"-"`

	// UpstreamType is the provider's own error type for upstream errors, echoed
	// back to the caller in the native envelope
	UpstreamType string `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is matches another *APIError of the same type (and code, when the target
// sets one), so errors.Is(err, domain.ErrReplayMissing) works across wrapping.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeMalformed:
		return http.StatusBadRequest
	case ErrorTypeReplayMiss, ErrorTypeStrictMiss, ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeCorrupt:
		return http.StatusUnprocessableEntity
	case ErrorTypeModeViolation:
		return http.StatusForbidden
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	case ErrorTypeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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

// WithProvider sets the provider the error relates to.
func (e *APIError) WithProvider(p Provider) *APIError {
	e.Provider = p
	return e
}

// WithCause attaches an underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// Sentinels for errors.Is. Never mutate these.
var (
	ErrMalformedUpstream  = &APIError{Type: ErrorTypeMalformed}
	ErrReplayMissing      = &APIError{Type: ErrorTypeReplayMiss}
	ErrStrictMissing      = &APIError{Type: ErrorTypeStrictMiss}
	ErrCorruptCassette    = &APIError{Type: ErrorTypeCorrupt}
	ErrModeViolation      = &APIError{Type: ErrorTypeModeViolation}
	ErrUpstreamTimeout    = &APIError{Type: ErrorTypeTimeout}
	ErrRateLimited        = &APIError{Type: ErrorTypeRateLimit}
	ErrUpstreamFailure    = &APIError{Type: ErrorTypeUpstream}
	ErrStorageUnavailable = &APIError{Type: ErrorTypeStorageUnavailable}
	ErrRecordNotFound     = &APIError{Type: ErrorTypeNotFound}
)

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrMalformed creates a malformed provider payload error.
func ErrMalformed(p Provider, message string) *APIError {
	return NewAPIError(ErrorTypeMalformed, message).WithProvider(p)
}

// ErrReplayMiss creates a replay-mode miss error.
func ErrReplayMiss(message string) *APIError {
	return NewAPIError(ErrorTypeReplayMiss, message)
}

// ErrStrictMiss creates a strict-mode miss error.
func ErrStrictMiss(message string) *APIError {
	return NewAPIError(ErrorTypeStrictMiss, message)
}

// ErrCorrupt creates a corrupt cassette error.
func ErrCorrupt(message string) *APIError {
	return NewAPIError(ErrorTypeCorrupt, message)
}

// ErrModeForbidsUpstream creates a mode violation error.
func ErrModeForbidsUpstream(m Mode) *APIError {
	return NewAPIError(ErrorTypeModeViolation, fmt.Sprintf("upstream calls are forbidden in %s mode", m))
}

// ErrTimeout creates an upstream timeout error.
func ErrTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeTimeout, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrUpstream creates an upstream error carrying the upstream HTTP status.
func ErrUpstream(status int, message string) *APIError {
	e := NewAPIError(ErrorTypeUpstream, message)
	if status >= 400 {
		e.StatusCode = status
	}
	return e
}

// ErrStorage creates a storage unavailable error.
func ErrStorage(message string) *APIError {
	return NewAPIError(ErrorTypeStorageUnavailable, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ToAPIError converts any error to an *APIError. Errors that are not already
// canonical become server errors wrapping the original.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrServer(err.Error())
}

// IsType reports whether err is an *APIError of the given type.
func IsType(err error, t ErrorType) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == t
}
