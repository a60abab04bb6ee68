// Package errors provides the error taxonomy shared by the revision core
// and its mapping onto HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure. Codes are stable and appear in
// API error bodies.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Revision pipeline errors
	ErrPipelineStage    ErrorCode = "PIPELINE_STAGE_ERROR"
	ErrConverterTimeout ErrorCode = "CONVERTER_TIMEOUT"

	// Collaborator errors
	ErrEngine  ErrorCode = "ENGINE_ERROR"
	ErrStorage ErrorCode = "STORAGE_ERROR"
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

// Validation, Forbidden, NotFound and Conflict are shorthands for the
// codes the API surfaces most often.
func Validation(format string, args ...interface{}) *AppError {
	return Newf(ErrValidation, format, args...)
}

func Forbidden(format string, args ...interface{}) *AppError {
	return Newf(ErrPermission, format, args...)
}

func NotFound(format string, args ...interface{}) *AppError {
	return Newf(ErrNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *AppError {
	return Newf(ErrConflict, format, args...)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if any AppError in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// CodeOf returns the code of the outermost AppError, or ErrInternal.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error onto the status code returned by the API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CodeOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrEngine, ErrStorage:
		return http.StatusBadGateway
	case ErrConverterTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry after reloading state.
func Retryable(err error) bool {
	return Is(err, ErrConflict)
}
