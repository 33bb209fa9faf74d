package domain

import (
	"fmt"
	"net/http"
)

// Stage identifies which part of the pipeline an error belongs to. The stage
// decides the propagation policy: capture errors are diagnostic-only,
// transformation and forwarding errors fail the single request they belong
// to, and configuration errors are fatal to process startup.
type Stage string

const (
	// StageCapture: interception succeeded but sanitation or logging failed.
	// Non-fatal; the call still completes for the caller.
	StageCapture Stage = "capture"

	// StageTransformation: the source payload cannot be mapped to or from
	// the neutral model. Fatal to the single request.
	StageTransformation Stage = "transformation"

	// StageForwarding: the target provider was unreachable, rejected the
	// request, or returned an unparseable stream.
	StageForwarding Stage = "forwarding"

	// StageConfiguration: the destination pattern or target selector is
	// invalid. Fatal to startup; the interception layer is never partially
	// initialized.
	StageConfiguration Stage = "configuration"
)

// ErrorType categorizes an error for wire translation. The values mirror the
// source protocol's error taxonomy so a BridgeError can always be rendered
// in the shape the calling application expects.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypePermission     ErrorType = "permission_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeOverloaded     ErrorType = "overloaded_error"
	ErrorTypeAPI            ErrorType = "api_error"
)

// BridgeError is the canonical error carried between pipeline stages. It is
// always surfaced to the caller in source-protocol shape, never as a raw
// target-provider error or an unhandled fault.
type BridgeError struct {
	Stage      Stage     `json:"stage"`
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`

	// Retryable marks transient forwarding failures eligible for the
	// bounded retry policy (only before any output has streamed).
	Retryable bool `json:"-"`

	cause error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *BridgeError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the status code to use when rendering the error.
func (e *BridgeError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
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

// WithCause attaches the underlying error.
func (e *BridgeError) WithCause(err error) *BridgeError {
	e.cause = err
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *BridgeError) WithStatusCode(code int) *BridgeError {
	e.StatusCode = code
	return e
}

// WithType overrides the wire error type.
func (e *BridgeError) WithType(t ErrorType) *BridgeError {
	e.Type = t
	return e
}

// ErrCapture creates a capture-stage error.
func ErrCapture(format string, args ...any) *BridgeError {
	return &BridgeError{
		Stage:   StageCapture,
		Type:    ErrorTypeAPI,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrTransformation creates a transformation-stage error.
func ErrTransformation(format string, args ...any) *BridgeError {
	return &BridgeError{
		Stage:   StageTransformation,
		Type:    ErrorTypeInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrForwarding creates a forwarding-stage error. retryable marks transient
// network-level failures eligible for backoff.
func ErrForwarding(retryable bool, format string, args ...any) *BridgeError {
	return &BridgeError{
		Stage:     StageForwarding,
		Type:      ErrorTypeAPI,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// ErrConfiguration creates a configuration-stage error.
func ErrConfiguration(format string, args ...any) *BridgeError {
	return &BridgeError{
		Stage:   StageConfiguration,
		Type:    ErrorTypeInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}
