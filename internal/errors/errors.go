package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
)

// Code classifies engine errors for callers and metrics.
type Code int

const (
	CodeOK Code = 0

	// Caller errors
	CodeFormat               Code = 1000
	CodeUnauthorizedProperty Code = 1001
	CodeNotFound             Code = 1002
	CodeInvalidArgument      Code = 1003

	// Engine errors
	CodeInternal          Code = 2000
	CodeBackingStore      Code = 2001
	CodeIdentityCollision Code = 2002
	CodeFlushDropped      Code = 2003
)

// Error is a structured engine error with a code and optional context.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a context value to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// New creates an Error with the given code, message and cause.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
		Cause:   cause,
	}
}

// Format reports a property value that failed codec normalization. It aborts
// the single property write it names, never the surrounding batch.
func Format(propertyTypeID uuid.UUID, value any, cause error) *Error {
	return New(CodeFormat, fmt.Sprintf("value %v is not valid for property type %s", value, propertyTypeID), cause).
		WithDetail("property_type_id", propertyTypeID.String())
}

// UnauthorizedProperty reports a payload referencing a property type outside
// the caller's authorized set. The whole entity write is refused.
func UnauthorizedProperty(propertyTypeID uuid.UUID) *Error {
	return New(CodeUnauthorizedProperty, fmt.Sprintf("property type %s is not in the authorized set", propertyTypeID), nil).
		WithDetail("property_type_id", propertyTypeID.String())
}

// IdentityCollision reports exhausted id regeneration attempts.
func IdentityCollision(attempts int) *Error {
	return New(CodeIdentityCollision, fmt.Sprintf("entity key id allocation collided %d times", attempts), nil).
		WithDetail("attempts", attempts)
}

// BackingStore wraps a connectivity or query failure from the relational
// store. Cache state is not corrupted by these.
func BackingStore(op string, cause error) *Error {
	return New(CodeBackingStore, fmt.Sprintf("backing store %s failed", op), cause).
		WithDetail("op", op)
}

// NotFound reports a missing key.
func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found", nil)
}

// InvalidArgument reports malformed caller input.
func InvalidArgument(message string) *Error {
	return New(CodeInvalidArgument, message, nil)
}

// FlushDropped reports a write-behind entry discarded after exhausting its
// persistence attempts.
func FlushDropped(attempts int, cause error) *Error {
	return New(CodeFlushDropped, fmt.Sprintf("write dropped after %d flush attempts", attempts), cause).
		WithDetail("attempts", attempts)
}

// CodeOf extracts the code from an error chain, CodeInternal if none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
