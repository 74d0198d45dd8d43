package models

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a rättsvar error code.
type ErrorCode string

// Error codes for pipeline operations.
const (
	// Request errors
	ErrValidation        ErrorCode = "E_VALIDATION"
	ErrSecurityViolation ErrorCode = "E_SECURITY_VIOLATION"
	ErrNotFound          ErrorCode = "E_NOT_FOUND"
	ErrNotImplemented    ErrorCode = "E_NOT_IMPLEMENTED"

	// Service errors
	ErrNotReady       ErrorCode = "E_NOT_READY"
	ErrLLMUnavailable ErrorCode = "E_LLM_UNAVAILABLE"
	ErrLLMTimeout     ErrorCode = "E_LLM_TIMEOUT"
	ErrRetrieval      ErrorCode = "E_RETRIEVAL"
	ErrEmbedding      ErrorCode = "E_EMBEDDING"
	ErrReranker       ErrorCode = "E_RERANKER"
	ErrGrading        ErrorCode = "E_GRADING"
	ErrCritic         ErrorCode = "E_CRITIC"
	ErrInternal       ErrorCode = "E_INTERNAL"
)

// PipelineError represents a structured error with code and context.
type PipelineError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP response status.
func (e *PipelineError) HTTPStatus() int {
	switch e.Code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrSecurityViolation:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrNotImplemented:
		return http.StatusNotImplemented
	case ErrNotReady, ErrLLMUnavailable:
		return http.StatusServiceUnavailable
	case ErrLLMTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new PipelineError.
func NewError(code ErrorCode, message string) *PipelineError {
	return &PipelineError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to the error.
func (e *PipelineError) WithDetails(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error.
func (e *PipelineError) WithCause(cause error) *PipelineError {
	e.Cause = cause
	return e
}

// Wrap wraps an error with a PipelineError.
func Wrap(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
