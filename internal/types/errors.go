// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Configuration errors
	ErrNotConfigured           = errors.New("render bridge is not configured")
	ErrBackendRequired         = errors.New("backend_name must be set")
	ErrUnknownBackend          = errors.New("unknown backend")
	ErrLaunchTargetRequired    = errors.New("either executable_path or remote_endpoint must be set")
	ErrLegacyLaunchUnsupported = errors.New("backend has no legacy launch support")
	ErrOptionUnsupported       = errors.New("backend does not support option")

	// Connection errors
	ErrConnection = errors.New("browser connection failed")
	ErrNavigation = errors.New("navigation failed")

	// Wait errors
	ErrWaitTimeout = errors.New("wait condition not met within budget")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")

	// Session errors
	ErrIllegalState   = errors.New("operation on inactive session")
	ErrCookieRejected = errors.New("cookie rejected by session")

	// Pool errors
	ErrPoolClosed       = errors.New("session pool is closed")
	ErrPoolTimeout      = errors.New("timeout waiting for session from pool")
	ErrSessionUnhealthy = errors.New("session is unhealthy")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrURLRequired    = errors.New("url is required")
)

// ConfigurationError reports settings that prevent the bridge from starting.
// It is fatal at startup and never produced per request.
type ConfigurationError struct {
	Key     string // Settings key at fault, if any
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "configuration: " + e.Message
	}
	return "configuration: " + e.Key + ": " + e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a configuration error for key.
func NewConfigurationError(key, message string, err error) *ConfigurationError {
	return &ConfigurationError{Key: key, Message: message, Err: err}
}

// ConnectionError reports a failure to create a session or to navigate it.
// It is fatal for the affected request; an outer retry policy may retry it.
type ConnectionError struct {
	Op      string // "create", "navigate"
	Target  string // Endpoint or URL involved
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := e.Op + " " + e.Target + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped errors so both ErrConnection and the cause match errors.Is.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// NewSessionCreateError creates a connection error for session construction.
func NewSessionCreateError(target string, err error) *ConnectionError {
	return &ConnectionError{
		Op:      "create",
		Target:  target,
		Message: "failed to create browser session",
		Err:     err,
	}
}

// NewNavigationError creates a connection error for a failed navigation.
func NewNavigationError(url string, err error) *ConnectionError {
	return &ConnectionError{
		Op:      "navigate",
		Target:  url,
		Message: "failed to load page",
		Err:     fmt.Errorf("%w: %w", ErrNavigation, err),
	}
}

// TimeoutError reports a wait condition that stayed false for the whole budget.
// Callers may retry.
type TimeoutError struct {
	URL       string
	Condition string
	Budget    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait for %s on %s not satisfied within %s", e.Condition, e.URL, e.Budget)
}

// Unwrap returns ErrWaitTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrWaitTimeout
}

// IllegalStateError reports an operation attempted on a session that is not
// Active. It indicates a lifecycle defect and must not be swallowed.
type IllegalStateError struct {
	SessionID string
	Op        string
	State     string
}

// Error implements the error interface.
func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("session %s: %s attempted in state %s", e.SessionID, e.Op, e.State)
}

// Unwrap returns ErrIllegalState.
func (e *IllegalStateError) Unwrap() error {
	return ErrIllegalState
}

// PartialApplicationWarning records a single cookie the session refused.
// It is logged and never returned to callers as a request failure.
type PartialApplicationWarning struct {
	Cookie string
	Err    error
}

// Error implements the error interface.
func (w *PartialApplicationWarning) Error() string {
	return fmt.Sprintf("cookie %q not applied: %v", w.Cookie, w.Err)
}

// Unwrap returns the underlying error.
func (w *PartialApplicationWarning) Unwrap() []error {
	return []error{ErrCookieRejected, w.Err}
}

// Retryable reports whether an outer retry policy may retry err.
func Retryable(err error) bool {
	if errors.Is(err, ErrIllegalState) {
		return false
	}
	return errors.Is(err, ErrWaitTimeout) || errors.Is(err, ErrConnection)
}
