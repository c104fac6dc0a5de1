// Package errors provides centralized error definitions and error handling utilities
// for the session scheduler. It defines domain sentinels, semantic error types,
// error constructors, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - SessionError: errors raised while operating on a session
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - StateError: operation rejected because of the session's current status
//   - ConfigError: no usable worker, unknown worker, invalid settings
//   - TimeoutError: an operation did not resolve in time
//
// # Usage
//
//	err := errors.NewStateError("send input", id, "queued")
//	if errors.IsConflict(err) { ... }
//
//	var nf *errors.NotFoundError
//	if errors.As(err, &nf) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidState indicates that the session's status forbids the operation.
	ErrInvalidState = New("invalid session state")
	// ErrSpawnFailed indicates that the process provider could not start a process.
	ErrSpawnFailed = New("process failed to start")
	// ErrNoProcess indicates that an active session has no live process handle.
	ErrNoProcess = New("no process attached to session")
)

// Worker-related sentinel errors
var (
	// ErrWorkerNotFound indicates that a worker id does not reference a known worker.
	ErrWorkerNotFound = New("worker not found")
	// ErrNoUsableWorker indicates that no worker is available to host sessions.
	ErrNoUsableWorker = New("no usable worker")
	// ErrPathNotAllowed indicates the working directory is outside the worker's allowed paths.
	ErrPathNotAllowed = New("working directory not allowed on worker")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrKillTimeout indicates a kill request never produced an exit event.
	ErrKillTimeout = New("kill request did not resolve")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrConfiguration indicates a configuration problem that prevents the operation.
	ErrConfiguration = New("configuration error")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message string
	cause   error
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// SessionError represents errors raised while operating on a session.
//
// Example:
//
//	err := errors.NewSessionError("start process", errors.ErrSpawnFailed).WithSessionID("abc")
//	fmt.Println(err) // "session error [session=abc]: start process: process failed to start"
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	prefix := "session error"
	if e.SessionID != "" {
		prefix = fmt.Sprintf("session error [session=%s]", e.SessionID)
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError:    baseError{message: fmt.Sprintf("%s '%s' not found", resourceType, resourceID)},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	switch e.ResourceType {
	case "session":
		if target == ErrSessionNotFound {
			return true
		}
	case "worker":
		if target == ErrWorkerNotFound {
			return true
		}
	}
	return e.baseError.Is(target)
}

// StateError reports an operation rejected because of a session's status.
// It is the conflict signal of the scheduler: no state was mutated.
//
// Example:
//
//	err := errors.NewStateError("delete", "abc", "active")
//	fmt.Println(err) // "cannot delete session 'abc' in status active"
type StateError struct {
	baseError
	Operation string
	SessionID string
	Status    string
}

// NewStateError creates a new StateError.
func NewStateError(operation, sessionID, status string) *StateError {
	return &StateError{
		baseError: baseError{
			message: fmt.Sprintf("cannot %s session '%s' in status %s", operation, sessionID, status),
			cause:   ErrInvalidState,
		},
		Operation: operation,
		SessionID: sessionID,
		Status:    status,
	}
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConfigError represents a configuration problem discovered at call time,
// such as a missing worker. No record is created when it is returned.
type ConfigError struct {
	baseError
	Field string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithField adds the offending configuration field.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	prefix := "configuration error"
	if e.Field != "" {
		prefix = fmt.Sprintf("configuration error [field=%s]", e.Field)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	if _, ok := target.(*ConfigError); ok {
		return true
	}
	if target == ErrConfiguration {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid caller input.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{message: message},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that did not resolve in time.
//
// Example:
//
//	err := errors.NewTimeoutError("kill session abc", 30*time.Second).WithCause(errors.ErrKillTimeout)
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{message: operation},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsConflict reports whether err is an invalid-state rejection.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrInvalidState)
}

// IsNotFound reports whether err refers to a missing session or worker.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *NotFoundError
	return As(err, &nf) || Is(err, ErrSessionNotFound)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrConfiguration) || Is(err, ErrNoUsableWorker) || Is(err, ErrWorkerNotFound)
}
