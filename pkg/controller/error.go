package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// Stable error codes carried in error responses.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTooManyConnections = "TOO_MANY_CONNECTIONS"
	CodeInternal           = "INTERNAL"
)

// AppError is the error contract shared by HTTP handlers: a stable code,
// a client-safe message and the status to answer with.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Cause      error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	label := e.Code
	if e.Message != "" {
		label = e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", label, e.Cause)
	}
	return label
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError creates an AppError.
func NewError(status int, code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Cause: cause}
}

// WithDetails attaches structured details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

// NewValidationError creates a 400 error.
func NewValidationError(message string, details map[string]any) *AppError {
	return NewError(http.StatusBadRequest, CodeValidationFailed, message, nil).WithDetails(details)
}

// NewUnauthorizedError creates a 401 error.
func NewUnauthorizedError(message string) *AppError {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// NewConflictError creates a 409 error with a domain code.
func NewConflictError(code, message string) *AppError {
	return NewError(http.StatusConflict, code, message, nil)
}

// NewInternalError creates a 500 error with optional cause.
func NewInternalError(message string, cause error) *AppError {
	return NewError(http.StatusInternalServerError, CodeInternal, message, cause)
}

// ErrorBody is the payload under the "error" key.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse represents the consistent error response format.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// MapError maps an error to a status and response body. Errors that are not
// an *AppError become an opaque 500.
func MapError(ctx context.Context, err error) (int, ErrorResponse) {
	requestID := logger.RequestIDFromContext(ctx)

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Code:      CodeInternal,
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		}}
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := appErr.Message
	if message == "" {
		message = http.StatusText(status)
	}
	return status, ErrorResponse{Error: ErrorBody{
		Code:      appErr.Code,
		Message:   message,
		RequestID: requestID,
		Details:   appErr.Details,
	}}
}
