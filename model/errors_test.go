package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "execution not found"}
	want := "NOT_FOUND: execution not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "title", Code: "REQUIRED", Message: "title is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "title" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "title")
	}
}

func TestNewFieldValidationError(t *testing.T) {
	e := NewFieldValidationError("priority", "unknown priority")
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "priority" {
		t.Errorf("Details = %+v, want single priority entry", e.Details)
	}
}

func TestOrchestrationErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"insufficient data", NewInsufficientDataError("need two values"), ErrInsufficientData},
		{"invalid approver", NewInvalidApproverError("req-1", "mallory"), ErrInvalidApprover},
		{"not lock holder", NewNotLockHolderError("doc-1", "bob"), ErrNotLockHolder},
		{"already finalized", NewAlreadyFinalizedError("request is approved"), ErrAlreadyFinalized},
		{"execution failure", NewExecutionFailureError("boom"), ErrExecutionFailure},
		{"not cancellable", NewNotCancellableError("scan"), ErrNotCancellable},
		{"session inactive", NewSessionInactiveError("s-1"), ErrSessionInactive},
		{"invalid transition", NewInvalidTransitionError("completed -> running"), ErrInvalidTransition},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestIsCode_wrapped(t *testing.T) {
	base := NewNotCancellableError("scan")
	wrapped := fmt.Errorf("cancel exec-1: %w", base)

	if !IsCode(wrapped, ErrNotCancellable) {
		t.Error("IsCode(wrapped, NOT_CANCELLABLE) = false, want true")
	}
	if IsCode(wrapped, ErrNotFound) {
		t.Error("IsCode(wrapped, NOT_FOUND) = true, want false")
	}
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) = true, want false")
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}
