// Package errors provides standardized error handling patterns for contexthub
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping and classification across
// the runtime.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or state
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the runtime
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Capacity errors: a bounded pool, queue, or list is full. Reported to
	// the caller, never fatal.
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrQueueFull         = errors.New("event queue full")
	ErrPoolExhausted     = errors.New("event pool exhausted")

	// Lookup misses
	ErrAppNotFound      = errors.New("no nanoapp with that app id")
	ErrInstanceNotFound = errors.New("no nanoapp with that instance id")
	ErrSensorNotFound   = errors.New("no sensor of that type")
	ErrTimerNotFound    = errors.New("no timer with that id")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrStopping       = errors.New("nanoapp is stopping")
	ErrLoopStopped    = errors.New("event loop is not running")
	ErrDuplicateAppID = errors.New("nanoapp with that app id already exists")

	// Invariant violations: an impossible state predicate was observed.
	// Logged at ERROR and surfaced to the caller, best-effort continued.
	ErrInvalidState = errors.New("invalid state")

	// Host bridge errors
	ErrNotConnected      = errors.New("socket not connected")
	ErrSendTruncated     = errors.New("truncated send")
	ErrClientLimit       = errors.New("too many connected clients")
	ErrMalformedEnvelope = errors.New("malformed message envelope")

	// Driver and storage errors
	ErrDriverFailure      = errors.New("platform driver failure")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Message, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrSendTruncated) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrStorageUnavailable)
}

// IsFatal checks if an error is fatal and should stop the runtime
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or state
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrCapacityExhausted) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrAppNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrSensorNotFound) ||
		errors.Is(err, ErrTimerNotFound) ||
		errors.Is(err, ErrDuplicateAppID) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrMalformedEnvelope)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	return ErrorTransient
}

// newClassified creates a new classified error. Internal helper; use
// WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, err, component, method, action)
}

// Is reports whether any error in err's chain matches target. Re-exported so
// callers don't need to import both this package and the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
