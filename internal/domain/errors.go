package domain

import "errors"

// Common domain errors.
var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when there is a conflict (e.g., state transition error).
	ErrConflict = errors.New("conflict")

	// ErrInvalidOperation is returned when an operation is not allowed in the current state,
	// e.g. pushing results into a strategy that has not been initialized.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConfiguration is returned when walk-forward settings are inconsistent.
	ErrConfiguration = errors.New("configuration error")

	// ErrAlreadySeeded is returned when a run receives a second seed signal.
	ErrAlreadySeeded = &conflictError{msg: "run has already been seeded"}

	// ErrRunNotActive is returned when a signal is delivered to a stopped or unknown run.
	ErrRunNotActive = &conflictError{msg: "run is not active"}
)

type conflictError struct {
	msg string
}

func (e *conflictError) Error() string { return e.msg }

func (e *conflictError) Unwrap() error { return ErrConflict }

// ConfigurationError wraps ErrConfiguration with the offending field.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Field + ": " + e.Message
}

func (e ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) ConfigurationError {
	return ConfigurationError{Field: field, Message: message}
}

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// InvalidOperationError wraps ErrInvalidOperation with the operation that was refused.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e InvalidOperationError) Error() string {
	return e.Op + ": " + e.Reason
}

func (e InvalidOperationError) Unwrap() error {
	return ErrInvalidOperation
}

// NewInvalidOperationError creates a new InvalidOperationError.
func NewInvalidOperationError(op, reason string) InvalidOperationError {
	return InvalidOperationError{Op: op, Reason: reason}
}
