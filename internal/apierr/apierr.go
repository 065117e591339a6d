// Package apierr implements the seven abstract error kinds every
// component above the storage layer propagates: BadRequest,
// Unauthorized, Forbidden, NotFound, StaleVersion, Transient, and
// Invariant. Each maps onto an HTTP status for the Admin API and SDK
// read API, following the teacher's APIError/ErrorCode/StatusCode
// shape (internal/api/errors.APIError) generalized from alert-specific
// codes to configurator's.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is the closed set of error kinds.
type Code string

const (
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeStaleVersion Code = "STALE_VERSION"
	CodeConflict     Code = "CONFLICT"
	CodeTransient    Code = "TRANSIENT"
	CodeInvariant    Code = "INVARIANT_VIOLATION"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is a structured API error: a kind, a human message, and
// optional machine-readable details (e.g. a []ValidationErrorDetail).
type Error struct {
	Code      Code        `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ErrorResponse wraps Error for JSON responses.
type ErrorResponse struct {
	Error Error `json:"error"`
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// WithDetails attaches structured details and returns the receiver, for
// chaining at the call site.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// WithRequestID attaches the inbound request id, for chaining.
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeBadRequest, CodeInvariant:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStaleVersion, CodeConflict:
		return http.StatusConflict
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error response with the matching
// status code.
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *err})
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

func BadRequest(format string, args ...any) *Error {
	return newError(CodeBadRequest, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) *Error {
	return newError(CodeUnauthorized, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, fmt.Sprintf(format, args...))
}

func NotFound(resource string) *Error {
	return newError(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

func StaleVersion(expected, actual int64) *Error {
	return newError(CodeStaleVersion, fmt.Sprintf("expected version %d, current version is %d", expected, actual))
}

func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, fmt.Sprintf(format, args...))
}

func Transient(format string, args ...any) *Error {
	return newError(CodeTransient, fmt.Sprintf(format, args...))
}

func Invariant(format string, args ...any) *Error {
	return newError(CodeInvariant, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, fmt.Sprintf(format, args...))
}
