// Package errors provides the service's coded application errors.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInvariant    = "INVARIANT_VIOLATION"
	ErrCodeRender       = "RENDER_FAILURE"
	ErrCodeInternal     = "INTERNAL"
)

// AppError is an error carrying a machine readable code
type AppError struct {
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new coded error
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an underlying error with a code and message
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound creates a not found error for a resource
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// InvalidInput creates a validation error for a field
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Invariant creates an invariant violation error
func Invariant(message string) *AppError {
	return &AppError{Code: ErrCodeInvariant, Message: message}
}

// RenderFailure creates a render failure error
func RenderFailure(message string) *AppError {
	return &AppError{Code: ErrCodeRender, Message: message}
}

// CodeOf returns the code of the first AppError in the chain, or ErrCodeInternal
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
