// Package errors provides the error classification used across the bridge.
// Errors are transient (retry), invalid (reject the input) or fatal (stop),
// and every component wraps failures with its name and the failed action.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
	ErrSessionClosed  = errors.New("session closed")

	// Connection and networking errors
	ErrNoConnection      = errors.New("no connection available")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
	ErrRequestTimeout    = errors.New("request timeout")

	// Authentication and authorization errors
	ErrAuthFailed    = errors.New("authentication failed")
	ErrAuthTimeout   = errors.New("authentication timeout")
	ErrAuthRequired  = errors.New("authentication required")
	ErrTokenExpired  = errors.New("credential expired")
	ErrNotAuthorized = errors.New("not authorized")

	// Protocol errors
	ErrInvalidData      = errors.New("invalid data format")
	ErrParsingFailed    = errors.New("parsing failed")
	ErrInvalidSubject   = errors.New("invalid subject")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnknownType      = errors.New("unknown message type")
	ErrUnexpectedMethod = errors.New("unexpected message for state")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource and admission errors
	ErrRateLimited       = errors.New("rate limited")
	ErrBackendBusy       = errors.New("backend busy")
	ErrBufferFull        = errors.New("buffer full")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Subscription errors
	ErrSubscriptionFailed   = errors.New("subscription failed")
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// Retry errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Sentinels that classify without an explicit wrap. An explicit class from
// one of the Wrap helpers always wins.
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrConnectionLost, ErrNotConnected, ErrNoConnection,
		ErrHeartbeatTimeout, ErrRequestTimeout, ErrRateLimited, ErrBackendBusy,
		ErrCircuitOpen, context.DeadlineExceeded, context.Canceled,
	}
	invalidSentinels = []error{
		ErrInvalidData, ErrParsingFailed, ErrInvalidSubject, ErrPayloadTooLarge,
		ErrUnknownType, ErrAuthFailed, ErrTokenExpired, ErrNotAuthorized, ErrBufferFull,
	}
	fatalSentinels = []error{
		ErrInvalidConfig, ErrMissingConfig, ErrResourceExhausted,
	}
)

// Raw socket errors carry no sentinel; these fragments mark them transient.
var networkFragments = []string{
	"timeout", "connection refused", "connection reset", "broken pipe",
	"reset by peer", "network is unreachable", "temporary", "unavailable",
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, transientSentinels) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range networkFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop the component.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalSentinels)
}

// IsInvalid reports whether err was caused by the input and must not be retried.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidSentinels)
}

// Classify returns the error class for err. Unknown errors are transient.
func Classify(err error) ErrorClass {
	if class, ok := explicitClass(err); ok {
		return class
	}
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	}
	return ErrorTransient
}

// Wrap adds context in the form "component.method: action failed: <err>".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
