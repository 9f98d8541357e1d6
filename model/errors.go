package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Orchestration-specific error codes.
const (
	ErrInsufficientData = "INSUFFICIENT_DATA"
	ErrInvalidApprover  = "INVALID_APPROVER"
	ErrNotLockHolder    = "NOT_LOCK_HOLDER"
	ErrAlreadyFinalized = "ALREADY_FINALIZED"
	ErrExecutionFailure = "EXECUTION_FAILURE"
	ErrNotCancellable   = "NOT_CANCELLABLE"
	ErrSessionInactive  = "SESSION_INACTIVE"
)

// ErrorEnvelope is the typed failure returned by every component of the core.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or "" if err is not (and does not
// wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldValidationError is shorthand for a VALIDATION_ERROR on a single field.
func NewFieldValidationError(field, msg string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{Field: field, Code: "invalid", Message: msg}})
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInsufficientDataError returns an INSUFFICIENT_DATA error.
func NewInsufficientDataError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInsufficientData, Message: msg}
}

// NewInvalidApproverError returns an INVALID_APPROVER error.
func NewInvalidApproverError(requestID, approverID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidApprover,
		Message: fmt.Sprintf("%q is not a required approver of request %q", approverID, requestID),
	}
}

// NewNotLockHolderError returns a NOT_LOCK_HOLDER error.
func NewNotLockHolderError(resourceID, userID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotLockHolder,
		Message: fmt.Sprintf("%q does not hold the lock on resource %q", userID, resourceID),
	}
}

// NewAlreadyFinalizedError returns an ALREADY_FINALIZED error.
func NewAlreadyFinalizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyFinalized, Message: msg}
}

// NewExecutionFailureError returns an EXECUTION_FAILURE error.
func NewExecutionFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExecutionFailure, Message: msg}
}

// NewNotCancellableError returns a NOT_CANCELLABLE error.
func NewNotCancellableError(workflowType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotCancellable,
		Message: fmt.Sprintf("workflow type %q does not support cancellation", workflowType),
	}
}

// NewSessionInactiveError returns a SESSION_INACTIVE error.
func NewSessionInactiveError(sessionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionInactive,
		Message: fmt.Sprintf("collaboration session %q has ended", sessionID),
	}
}
