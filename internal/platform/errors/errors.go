// Package errors provides the relay's structured error taxonomy with HTTP
// status mapping and a JSON response shape.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of a failure. It labels logs and metrics and picks
// the HTTP status when the error reaches a client.
type ErrorType string

const (
	// TypeAuth: missing, invalid or expired credentials (HTTP 401)
	TypeAuth ErrorType = "auth"
	// TypeDecode: a payload that is not valid structured data (HTTP 400)
	TypeDecode ErrorType = "decode"
	// TypeRouting: a decoded payload that cannot be routed (HTTP 422)
	TypeRouting ErrorType = "routing"
	// TypeBroker: transport-level broker failure (HTTP 503)
	TypeBroker ErrorType = "broker"
	// TypeUnavailable: capacity or rate limits (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
	// TypeInternal: anything else (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error is a structured error with type, message, cause, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeDecode:
		return http.StatusBadRequest
	case TypeRouting:
		return http.StatusUnprocessableEntity
	case TypeBroker, TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

func AuthError(message string, cause error) *Error {
	return newError(TypeAuth, message, cause)
}

func DecodeError(message string, cause error) *Error {
	return newError(TypeDecode, message, cause)
}

func RoutingError(message string, cause error) *Error {
	return newError(TypeRouting, message, cause)
}

func BrokerError(message string, cause error) *Error {
	return newError(TypeBroker, message, cause)
}

func UnavailableError(message string) *Error {
	return newError(TypeUnavailable, message, nil)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithContext adds a context field (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError returns err as *Error, wrapping unknown errors as internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}

// TypeOf returns the error type of err, or "" for nil.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	return AsStructuredError(err).Type
}
