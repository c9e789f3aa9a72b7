// Package errors provides the error-code taxonomy shared across the
// client core. Raw transport and decoding errors are wrapped into
// AppError values at the boundary and never propagated directly.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Network gateway errors
	ErrNoCachedData    ErrorCode = "NO_CACHED_DATA"
	ErrEmptyResponse   ErrorCode = "EMPTY_RESPONSE"
	ErrTransport       ErrorCode = "TRANSPORT_FAILURE"
	ErrRequestRejected ErrorCode = "REQUEST_REJECTED"
	ErrDecode          ErrorCode = "DECODE_FAILURE"

	// Auth errors
	ErrUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrReauthNeeded  ErrorCode = "REAUTH_REQUIRED"
	ErrRefreshFailed ErrorCode = "REFRESH_FAILED"

	// Persistence errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents an application error with a code, an optional
// HTTP status, and a human-readable detail string.
type AppError struct {
	Code    ErrorCode
	Status  int // HTTP status code when known, 0 otherwise
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("[%s] (%d) %s: %v", e.Code, e.Status, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("[%s] (%d) %s", e.Code, e.Status, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithStatus returns the error annotated with an HTTP status code.
func (e *AppError) WithStatus(status int) *AppError {
	e.Status = status
	return e
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// StatusOf returns the HTTP status attached to err, 0 when absent.
func StatusOf(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Status
	}
	return 0
}
