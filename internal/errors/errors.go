// Package errors provides typed error codes for the sync core boundary.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Device errors
	ErrDeviceNotFound ErrorCode = "DEVICE_NOT_FOUND"
	ErrDeviceInvalid  ErrorCode = "DEVICE_INVALID"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrVersionSkew    ErrorCode = "VERSION_SKEW"
	ErrRecordNotFound ErrorCode = "RECORD_NOT_FOUND"

	// Offline queue errors
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrOpNotFound     ErrorCode = "OPERATION_NOT_FOUND"

	// Cache errors
	ErrCacheMiss ErrorCode = "CACHE_MISS"

	// Conflict inbox errors
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"

	// Realtime errors
	ErrInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	ErrNotConnected    ErrorCode = "DEVICE_NOT_CONNECTED"
	ErrShuttingDown    ErrorCode = "SHUTTING_DOWN"
	ErrInboxOverflow   ErrorCode = "INBOX_OVERFLOW"
	ErrForwardRejected ErrorCode = "FORWARD_REJECTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code      ErrorCode
	Message   string
	Err       error
	retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transient wraps a transient I/O failure. Callers may retry it.
func Transient(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Err:       err,
		retryable: true,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Code extracts the error code, or ErrInternal for untyped errors.
func Code(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the error was marked as a transient failure.
func Retryable(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.retryable
	}
	return false
}
