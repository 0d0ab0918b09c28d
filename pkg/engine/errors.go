package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed intent. Nothing was persisted.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransport indicates the device could not be reached or did not
	// acknowledge in time. Retried with backoff, then recorded as state=error.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassConflict indicates concurrent intent for the same identity.
	// Absorbed by upsert; surfaced only when a state transition is refused.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPartial indicates a bulk request that failed on some devices only.
	ErrorClassPartial ErrorClass = "partial"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: the device rejected a flow, the store is unavailable.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device ID the error relates to, if applicable.
	Device string `json:"device,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Device != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (device=%s, operation=%s)", msg, e.Device, e.Operation)
	} else if e.Device != "" {
		msg = fmt.Sprintf("%s (device=%s)", msg, e.Device)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransport,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPartialError creates a new partial-failure error.
func NewPartialError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPartial,
		Message: message,
		Code:    ErrCodePartialFailure,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithDevice adds device context to an error.
func (e *EngineError) WithDevice(deviceID string) *EngineError {
	e.Device = deviceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// IsTransport returns true if the error is classified as a transport error.
func IsTransport(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransport
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPartial returns true if the error is classified as a partial failure.
func IsPartial(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPartial
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Only transport errors are retried; a device rejecting a flow is final.
func IsRetryable(err error) bool {
	return IsTransport(err)
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeUnreachable    = "UNREACHABLE"
	ErrCodeRejected       = "REJECTED"
	ErrCodeConflict       = "CONFLICT"
	ErrCodePartialFailure = "PARTIAL_FAILURE"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
