// Package apierr defines the error taxonomy shared by every component of the
// relay so that HTTP and push-socket front ends can translate a single error
// shape into their respective wire formats.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one entry of the error taxonomy.
type Code string

const (
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeTopicNotFound     Code = "TOPIC_NOT_FOUND"
	CodePayloadTooLarge   Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// httpStatus maps each code to the status the HTTP front end must answer with.
var httpStatus = map[Code]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeTopicNotFound:      http.StatusNotFound,
	CodePayloadTooLarge:    http.StatusRequestEntityTooLarge,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeStorageUnavailable: http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is the typed error every component returns at its boundary.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	// cause, when set, is preserved for logging but never serialized to clients.
	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/As keep working across the boundary.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// HTTPStatus returns the status code the HTTP front end should answer with.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusOK
	}
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a new Error without leaking it to clients.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As reports whether err is (or wraps) an *Error, returning it when so.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Internal wraps an unexpected error as INTERNAL_ERROR, the catch-all for bugs.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, "internal error", cause)
}
