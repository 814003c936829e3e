package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for callers deciding whether to abort or continue.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a defect in the declarative dependency table.
	// Configuration errors are fatal at construction time and never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassLookup indicates a name that does not resolve to a registered entity.
	ErrorClassLookup ErrorClass = "lookup"

	// ErrorClassTransition indicates a state change that the entity's current state does not allow.
	ErrorClassTransition ErrorClass = "transition"

	// ErrorClassInput indicates malformed or missing user-supplied data.
	// Input errors fail a single execution and the run carries on.
	ErrorClassInput ErrorClass = "input"

	// ErrorClassInternal indicates an unexpected condition.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified error carrying the entity and operation it concerns.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity the error concerns, if any.
	Entity string `json:"entity,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Entity != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (entity=%s, operation=%s)", msg, e.Entity, e.Operation)
	case e.Entity != "":
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewLookupError creates a new lookup error.
func NewLookupError(message string, err error) *Error {
	return &Error{Class: ErrorClassLookup, Message: message, Err: err, Code: ErrCodeUnknownEntity}
}

// NewTransitionError creates a new invalid-transition error.
func NewTransitionError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransition, Message: message, Err: err, Code: ErrCodeInvalidTransition}
}

// NewInputError creates a new input error.
func NewInputError(message string, err error) *Error {
	return &Error{Class: ErrorClassInput, Message: message, Err: err, Code: ErrCodeInvalidInput}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err, Code: ErrCodeInternal}
}

// WithEntity adds entity context to an error.
func (e *Error) WithEntity(id fmt.Stringer) *Error {
	e.Entity = id.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if err is a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsUnknownEntity returns true if err reports a name that did not resolve.
func IsUnknownEntity(err error) bool {
	return hasClass(err, ErrorClassLookup)
}

// IsInvalidTransition returns true if err reports a disallowed state change.
func IsInvalidTransition(err error) bool {
	return hasClass(err, ErrorClassTransition)
}

// IsInput returns true if err is a recoverable input error.
func IsInput(err error) bool {
	return hasClass(err, ErrorClassInput)
}

// Common error codes.
const (
	ErrCodeMissingDependency   = "MISSING_DEPENDENCY"
	ErrCodeParamWithDependency = "PARAM_WITH_DEPENDENCY"
	ErrCodeDuplicateEntity     = "DUPLICATE_ENTITY"
	ErrCodeDanglingReference   = "DANGLING_REFERENCE"
	ErrCodeCycle               = "DEPENDENCY_CYCLE"
	ErrCodeMalformedExpression = "MALFORMED_EXPRESSION"
	ErrCodeInvalidDeclaration  = "INVALID_DECLARATION"
	ErrCodeUnknownEntity       = "UNKNOWN_ENTITY"
	ErrCodeUnknownKind         = "UNKNOWN_KIND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
