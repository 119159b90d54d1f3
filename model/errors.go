package model

import (
	"errors"
	"fmt"
	"sort"
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

// Registration-specific error codes.
const (
	ErrWorkflowSubmitted = "WORKFLOW_SUBMITTED"
	ErrSubmissionFailed  = "SUBMISSION_FAILED"
	ErrUnknownStep       = "UNKNOWN_STEP"
)

// ErrorEnvelope is the standard error response envelope returned by the
// portal API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FieldErrorsFromMap converts a field→message map into a stable, sorted list
// of FieldErrors.
func FieldErrorsFromMap(errs map[string]string) []FieldError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]FieldError, 0, len(errs))
	for field, msg := range errs {
		out = append(out, FieldError{Field: field, Code: "invalid", Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// CodeOf returns the envelope code carried by err, or "" when err is not an
// ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
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

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewWorkflowSubmittedError is returned by every mutating operation once the
// registration has been submitted.
func NewWorkflowSubmittedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowSubmitted,
		Message: "The registration has already been submitted and can no longer be changed",
	}
}

// NewStepsIncompleteError is a VALIDATION_ERROR listing the step orders that
// still need completing.
func NewStepsIncompleteError(missing []int) *ErrorEnvelope {
	details := make([]FieldError, 0, len(missing))
	for _, order := range missing {
		details = append(details, FieldError{
			Field:   fmt.Sprintf("step_%d", order),
			Code:    "incomplete",
			Message: "This step must be completed before submitting",
		})
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "All registration steps must be completed before submitting",
		Details: details,
	}
}

// NewConsentRequiredError is a VALIDATION_ERROR returned when submit is
// attempted without consent.
func NewConsentRequiredError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "Consent must be given before the registration can be submitted",
		Details: []FieldError{{Field: "consent", Code: "required", Message: "Consent is required"}},
	}
}

// NewSubmissionFailedError wraps a transport failure from the submission
// service. The operation is safe to retry.
func NewSubmissionFailedError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSubmissionFailed,
		Message: "The registration could not be submitted. Please try again.",
		cause:   cause,
	}
}

// NewUnknownStepError returns an UNKNOWN_STEP error.
func NewUnknownStepError(step string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownStep,
		Message: fmt.Sprintf("step %q does not exist", step),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
