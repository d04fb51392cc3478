// Package errors provides the error taxonomy shared by the orchestration engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeResourceUnavailable   = "RESOURCE_UNAVAILABLE"
	ErrCodePermissionDenied      = "PERMISSION_DENIED"
	ErrCodeConfigurationInvalid  = "CONFIGURATION_INVALID"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeExecutionFailed       = "EXECUTION_FAILED"
	ErrCodeSecurityViolation     = "SECURITY_VIOLATION"
	ErrCodeResourceLimitExceeded = "RESOURCE_LIMIT_EXCEEDED"
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ResourceUnavailable creates an error for an unknown or busy resource.
func ResourceUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeResourceUnavailable,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// PermissionDenied creates an error for an unmet capability.
func PermissionDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// ConfigurationInvalid creates an error for bad configuration or input.
func ConfigurationInvalid(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigurationInvalid,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Timeout creates an error for an elapsed deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ExecutionFailed creates an execution error with a wrapped cause.
func ExecutionFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutionFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SecurityViolation creates an error for input rejected on security grounds.
func SecurityViolation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSecurityViolation,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// ResourceLimitExceeded creates an error for rate limits and full buffers.
func ResourceLimitExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeResourceLimitExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// AlreadyExists creates a conflict error for a named resource.
func AlreadyExists(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyExists,
		Message:    fmt.Sprintf("%s '%s' already exists", resource, id),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return ExecutionFailed(message, err)
}

// CodeOf returns the error code, or "" when err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// MessageOf returns the human-readable message without the code prefix.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Err != nil && appErr.Code == ErrCodeExecutionFailed {
			return fmt.Sprintf("%s: %v", appErr.Message, appErr.Err)
		}
		return appErr.Message
	}
	return err.Error()
}

func IsResourceUnavailable(err error) bool   { return CodeOf(err) == ErrCodeResourceUnavailable }
func IsPermissionDenied(err error) bool      { return CodeOf(err) == ErrCodePermissionDenied }
func IsConfigurationInvalid(err error) bool  { return CodeOf(err) == ErrCodeConfigurationInvalid }
func IsTimeout(err error) bool               { return CodeOf(err) == ErrCodeTimeout }
func IsExecutionFailed(err error) bool       { return CodeOf(err) == ErrCodeExecutionFailed }
func IsSecurityViolation(err error) bool     { return CodeOf(err) == ErrCodeSecurityViolation }
func IsResourceLimitExceeded(err error) bool { return CodeOf(err) == ErrCodeResourceLimitExceeded }
func IsAlreadyExists(err error) bool         { return CodeOf(err) == ErrCodeAlreadyExists }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
