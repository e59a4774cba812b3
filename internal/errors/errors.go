// Package errors provides error codes shared by the storage and sync layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Database errors
	ErrNotReady  ErrorCode = "NOT_READY"
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrBackup    ErrorCode = "BACKUP_FAILED"

	// Cloud provider errors
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"

	// Sync errors
	ErrConflictUnresolvable ErrorCode = "CONFLICT_UNRESOLVABLE"
	ErrSyncInProgress       ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncIncompatible     ErrorCode = "SYNC_INCOMPATIBLE"
	ErrSyncCancelled        ErrorCode = "SYNC_CANCELLED"
	ErrSyncFailed           ErrorCode = "SYNC_FAILED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or any error it wraps, is an AppError with code.
// The outermost AppError decides.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or an empty code if there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable reports whether the failure is transient: the store was not
// ready yet or the remote provider could not be reached.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrNotReady, ErrProviderUnavailable:
		return true
	}
	return false
}

// UserMessage returns the coarse text shown to users for err. Detail stays
// in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case ErrNotReady:
		return "storage is starting, try again shortly"
	case ErrUnauthorized:
		return "sync failed, please sign in again"
	case ErrSyncIncompatible:
		return "sync failed, please update the application"
	case ErrSyncInProgress:
		return "sync already running"
	case ErrMigration, ErrBackup:
		return "database upgrade failed, restore from backup"
	}
	return "sync failed, will retry"
}
