// Package errors provides custom error types for the sandrun control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeNoWarmWorkspace = "NO_WARM_WORKSPACE"
	ErrCodeSandboxFailure  = "SANDBOX_FAILURE"
	ErrCodeCloneFailure    = "CLONE_FAILURE"
	ErrCodeAgentTimeout    = "AGENT_TIMEOUT"
	ErrCodeAgentFailure    = "AGENT_FAILURE"
	ErrCodeBundleFailure   = "BUNDLE_FAILURE"
	ErrCodeCanceled        = "CANCELED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// QuotaExceeded indicates the user hit their daily run limit.
func QuotaExceeded(userID string, limit int) *AppError {
	return &AppError{
		Code:       ErrCodeQuotaExceeded,
		Message:    fmt.Sprintf("user '%s' exceeded the daily run limit of %d", userID, limit),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NoWarmWorkspace indicates a prompt was sent before the workspace was opened.
func NoWarmWorkspace(projectID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoWarmWorkspace,
		Message:    fmt.Sprintf("project '%s' has no warm workspace; open it first", projectID),
		HTTPStatus: http.StatusConflict,
	}
}

// SandboxFailure wraps a failed sandbox driver call.
func SandboxFailure(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxFailure,
		Message:    fmt.Sprintf("sandbox %s failed", op),
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

// CloneFailure indicates the initial repository clone exited non-zero.
func CloneFailure(repoURL string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeCloneFailure,
		Message:    fmt.Sprintf("failed to clone repository '%s'", repoURL),
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

// AgentTimeout indicates the agent exceeded the hard per-run timeout.
func AgentTimeout(runID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentTimeout,
		Message:    fmt.Sprintf("agent timed out for run '%s'", runID),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// AgentFailure wraps a non-2xx or transport-level agent error.
func AgentFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentFailure,
		Message:    "agent execution failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// BundleFailure wraps a failed evidence bundle assembly.
func BundleFailure(runID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBundleFailure,
		Message:    fmt.Sprintf("failed to build evidence bundle for run '%s'", runID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Canceled indicates the caller's context was canceled mid-run.
func Canceled() *AppError {
	return &AppError{
		Code:       ErrCodeCanceled,
		Message:    "canceled",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates a new internal error wrapping err.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status for err, defaulting to 500 for
// non-AppError values.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
