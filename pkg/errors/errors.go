package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call lifecycle errors. The reason codes double as CALL_ERROR reasons on the wire.
	ErrCodeLineBusy          ErrorCode = "LINE_BUSY"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeInitiationFailed  ErrorCode = "INITIATION_FAILED"
	ErrCodeCallMismatch      ErrorCode = "CALL_MISMATCH"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Not found errors
func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// Call errors
func LineBusyError() *AppError {
	return NewWithStatus(ErrCodeLineBusy, "Another call is active in this chat", http.StatusConflict)
}

func CallMismatchError() *AppError {
	return NewWithStatus(ErrCodeCallMismatch, "Call does not match the active session", http.StatusConflict)
}

func ConnectionFailedError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeConnectionFailed,
		Message:    "Media relay connection failed",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

func ServiceUnavailableError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavail,
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// HasCode reports whether err is, or wraps, an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
