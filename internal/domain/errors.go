package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID       = "invalid"                 // Invalid input or validation failure
	EUNAUTHORIZED  = "unauthorized"            // Authentication required
	EFORBIDDEN     = "forbidden"               // Permission denied
	ENOTFOUND      = "not_found"               // Resource not found
	ECONFLICT      = "conflict"                // Resource conflict (e.g., duplicate)
	EGONE          = "gone"                    // Resource no longer available
	ERATELIMIT     = "rate_limit"              // Rate limit exceeded
	EINTERNAL      = "internal"                // Internal server error
	EPAYMENT       = "payment"                 // Payment provider failure
	ENOENTITLEMENT = "no_entitlement"          // No active coaching plan
	ESLOTTAKEN     = "slot_unavailable"        // Booking slot claimed by someone else
	EPROFILE       = "missing_learner_profile" // Learner onboarding incomplete
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "quota.consume")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Gone creates an error for a resource that reached a state it cannot leave.
func Gone(op, message string) *Error {
	return &Error{
		Code:    EGONE,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Payment creates a payment provider error. The message is shown to the user
// since hiding a billing failure would leave them unsure whether they paid.
func Payment(err error, op string) *Error {
	return &Error{
		Code:    EPAYMENT,
		Op:      op,
		Message: "The payment provider could not start checkout. You have not been charged.",
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}

// NoActiveEntitlement signals that the user must purchase a coaching plan.
func NoActiveEntitlement(op string) *Error {
	return &Error{
		Code:    ENOENTITLEMENT,
		Op:      op,
		Message: "No active coaching plan. Purchase a plan to use the AI coach.",
	}
}

// SlotNoLongerAvailable signals that another booking claimed the slot first.
func SlotNoLongerAvailable(op string) *Error {
	return &Error{
		Code:    ESLOTTAKEN,
		Op:      op,
		Message: "This time slot is no longer available. Please pick another one.",
	}
}

// MissingLearnerProfile signals that onboarding must be completed before booking.
func MissingLearnerProfile(op string) *Error {
	return &Error{
		Code:    EPROFILE,
		Op:      op,
		Message: "Please complete your learner profile before booking a session.",
	}
}

// ValidationError represents field-level validation errors.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed", e.Op)
}

// NewValidationError creates a new validation error with the first field error.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{
		Op: op,
		Fields: map[string]string{
			field: message,
		},
	}
}
