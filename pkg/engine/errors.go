package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error so callers can tell
// "busy, try later" apart from misuse or task failures.
type ErrorClass string

const (
	// ErrorClassConflict indicates another holder has an incompatible lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTimeout indicates a bounded lock wait was exceeded.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassTask indicates a task reported failure.
	ErrorClassTask ErrorClass = "task"

	// ErrorClassInternal indicates a fault inside the engine or a listener.
	ErrorClassInternal ErrorClass = "internal"

	// ErrorClassPermanent indicates misuse or invalid input.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassDenied indicates a submission rejected by admission control.
	ErrorClassDenied ErrorClass = "denied"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the object reference that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

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
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
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

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeLockConflict}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTimeout, Message: message, Err: err, Code: ErrCodeLockTimeout}
}

// NewTaskError creates a new task failure error.
func NewTaskError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTask, Message: message, Err: err, Code: ErrCodeTaskFailed}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInternal, Message: message, Err: err, Code: ErrCodeInternal}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewDeniedError creates a new admission denial.
func NewDeniedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDenied, Message: message, Err: err, Code: ErrCodeAdmissionDenied}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

// IsConflict returns true if the error is classified as a lock conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsTimeout returns true if the error is classified as a lock timeout.
func IsTimeout(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTimeout
}

// IsTaskFailure returns true if the error is classified as a task failure.
func IsTaskFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTask
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsDenied returns true if the error is an admission denial.
func IsDenied(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDenied
}

// IsRetryable returns true if the error can be retried later.
// Lock conflicts and lock timeouts are retryable.
func IsRetryable(err error) bool {
	return IsConflict(err) || IsTimeout(err)
}

// CodeOf returns the error code of a classified error, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeLockConflict     = "LOCK_CONFLICT"
	ErrCodeLockTimeout      = "LOCK_TIMEOUT"
	ErrCodeLockNotHeld      = "LOCK_NOT_HELD"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeTaskPanic        = "TASK_PANIC"
	ErrCodeGuardUnsatisfied = "GUARD_UNSATISFIED"
	ErrCodeEngineStopped    = "ENGINE_STOPPED"
	ErrCodeAdmissionDenied  = "ADMISSION_DENIED"
	ErrCodeGraphAttached    = "GRAPH_ATTACHED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
