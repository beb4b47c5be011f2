package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"

	ErrCodeAnalysisTimeout     ErrorCode = "ANALYSIS_TIMEOUT"
	ErrCodeAnalysisUnavailable ErrorCode = "ANALYSIS_UNAVAILABLE"
	ErrCodeAnalysisRejected    ErrorCode = "ANALYSIS_REJECTED"
	ErrCodeAnalysisBusy        ErrorCode = "ANALYSIS_BUSY"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// Analysis failures. The message is what the client sees in analysis_error.

func NewAnalysisTimeoutError(cause error) *AppError {
	return WrapError(cause, ErrCodeAnalysisTimeout, "analysis service timed out", http.StatusGatewayTimeout)
}

func NewAnalysisUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeAnalysisUnavailable, "analysis service unavailable", http.StatusServiceUnavailable)
}

func NewBadGatewayError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeBadGateway, message, http.StatusBadGateway)
}

func NewAnalysisRejectedError(reason string) *AppError {
	if reason == "" {
		reason = "frame rejected by analysis service"
	}
	return NewAppError(ErrCodeAnalysisRejected, reason, http.StatusUnprocessableEntity)
}

func NewAnalysisBusyError(cause error) *AppError {
	return WrapError(cause, ErrCodeAnalysisBusy, "too many frames awaiting analysis", http.StatusTooManyRequests)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// PublicMessage returns the message safe to show to a client.
func PublicMessage(err error) string {
	if appErr := GetAppError(err); appErr != nil && appErr.Message != "" {
		return appErr.Message
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return "analysis failed"
}
