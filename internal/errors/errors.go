// Package errors provides typed application errors and error codes.
package errors

import "fmt"

// ErrorCode identifies a class of failure that callers can react to.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrStore      ErrorCode = "STORE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Signaling errors
	ErrSignalClosed    ErrorCode = "SIGNAL_CHANNEL_CLOSED"
	ErrSignalPublish   ErrorCode = "SIGNAL_PUBLISH_FAILED"
	ErrSignalMalformed ErrorCode = "SIGNAL_MALFORMED"

	// Transport errors
	ErrNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	ErrConnectTimeout    ErrorCode = "CONNECT_TIMEOUT"
	ErrChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	ErrNoRoute           ErrorCode = "NO_ROUTE"

	// Sync protocol errors
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrEntityNotFound   ErrorCode = "ENTITY_NOT_FOUND"
	ErrAccessDenied     ErrorCode = "ACCESS_DENIED"
	ErrMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// Conflict resolution errors
	ErrConflictInvalid    ErrorCode = "CONFLICT_INVALID"
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrMergeNotApplicable ErrorCode = "MERGE_NOT_APPLICABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code, or ErrInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
