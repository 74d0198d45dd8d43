package models

import (
	"errors"
	"net/http"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	err := NewError(ErrValidation, "empty query")
	if err.Error() != "[E_VALIDATION] empty query" {
		t.Errorf("unexpected error string: %s", err.Error())
	}

	wrapped := Wrap(ErrRetrieval, "vector query failed", errors.New("connection refused"))
	if wrapped.Error() != "[E_RETRIEVAL] vector query failed: connection refused" {
		t.Errorf("unexpected wrapped error string: %s", wrapped.Error())
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := errors.New("upstream closed")
	err := Wrap(ErrLLMUnavailable, "llm unreachable", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As should find PipelineError")
	}
	if pe.Code != ErrLLMUnavailable {
		t.Errorf("expected code %s, got %s", ErrLLMUnavailable, pe.Code)
	}
}

func TestPipelineError_HTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrSecurityViolation, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{ErrNotImplemented, http.StatusNotImplemented},
		{ErrNotReady, http.StatusServiceUnavailable},
		{ErrLLMUnavailable, http.StatusServiceUnavailable},
		{ErrLLMTimeout, http.StatusGatewayTimeout},
		{ErrRetrieval, http.StatusInternalServerError},
		{ErrInternal, http.StatusInternalServerError},
	}

	for _, c := range cases {
		got := NewError(c.code, "x").HTTPStatus()
		if got != c.want {
			t.Errorf("%s: expected status %d, got %d", c.code, c.want, got)
		}
	}
}

func TestPipelineError_WithDetails(t *testing.T) {
	err := NewError(ErrValidation, "bad input").
		WithDetails("field", "question").
		WithDetails("length", 0)

	if err.Details["field"] != "question" {
		t.Errorf("expected detail field=question, got %v", err.Details)
	}
	if err.Details["length"] != 0 {
		t.Errorf("expected detail length=0, got %v", err.Details)
	}
}
