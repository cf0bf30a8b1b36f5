package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "CONFIGURATION_ERROR" // Invalid definition: dependency cycle, unknown step kind
	KindValidation        ErrorKind = "VALIDATION_ERROR"    // Invalid submitted input; nothing was mutated
	KindAuthorization     ErrorKind = "FORBIDDEN"           // Caller lacks administrator capability
	KindNotFound          ErrorKind = "NOT_FOUND"           // Referenced entity does not exist
	KindConflict          ErrorKind = "CONFLICT"            // Operation clashes with existing state
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"  // Operation not allowed in the current status
	KindInternal          ErrorKind = "INTERNAL_ERROR"      // Anything else
)

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the error type returned across the engine boundary.
// It never carries backend storage details in Message.
type Error struct {
	Kind    ErrorKind    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NewConfigurationError returns a CONFIGURATION_ERROR wrapping cause.
func NewConfigurationError(msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, cause: cause}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(msg string, details ...FieldError) *Error {
	if msg == "" {
		msg = "one or more fields are invalid"
	}
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// NewAuthorizationError returns a FORBIDDEN error.
func NewAuthorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error for the named entity.
func NewNotFoundError(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: msg}
}
