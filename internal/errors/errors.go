// Package errors provides centralized error definitions and error handling utilities
// for the session broker. It defines the session-domain error taxonomy, semantic
// error types, error constructors with context wrapping, and classification helpers.
//
// # Error Kinds
//
// Every failure surfaced by the registry, the broker factory or an async
// operation wraps exactly one sentinel from this package:
//   - ErrInvalidSessionID: no matching live session and no recovery path
//   - ErrSessionAlreadyFinished: recoverable "no live session" signal for the
//     debug session id; callers may retry as a fresh create
//   - ErrConcurrentSession (ErrConcurrentDebugSession, ErrConcurrentInProcSession):
//     a second session while one is active
//   - ErrInvalidAttachInteractiveSession / ErrInvalidAttachDurableSession:
//     durability mismatch on attach
//   - ErrUnsupportedPersistVersion: persisted state this build cannot read
//   - ErrInvalidOperation: misuse of an operation handle (e.g. late cancel)
//
// # Usage
//
//	err := errors.NewSessionError("attach failed", errors.ErrInvalidSessionID).WithSessionID("42")
//
//	if errors.Is(err, errors.ErrInvalidSessionID) { ... }
//	if errors.IsNotFound(err) { /* recreate */ }
//	if errors.IsFatal(err) { /* do not retry */ }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session registry and attach errors
var (
	// ErrInvalidSessionID indicates that no live session matches the requested id.
	ErrInvalidSessionID = New("invalid session id")
	// ErrSessionAlreadyFinished indicates the debug session is no longer live.
	ErrSessionAlreadyFinished = New("session already finished")
	// ErrConcurrentSession indicates that another session is already active.
	ErrConcurrentSession = New("concurrent session not supported")
	// ErrConcurrentDebugSession is the debug-mode variant of ErrConcurrentSession.
	ErrConcurrentDebugSession = fmt.Errorf("debug mode: %w", ErrConcurrentSession)
	// ErrConcurrentInProcSession is the in-process variant of ErrConcurrentSession.
	ErrConcurrentInProcSession = fmt.Errorf("in-process broker: %w", ErrConcurrentSession)
	// ErrInvalidAttachInteractiveSession indicates a durable client tried to attach to an interactive session.
	ErrInvalidAttachInteractiveSession = New("cannot attach to an interactive session as durable")
	// ErrInvalidAttachDurableSession indicates an interactive client tried to attach to a durable session.
	ErrInvalidAttachDurableSession = New("cannot attach to a durable session as interactive")
)

// Persistence errors
var (
	// ErrUnsupportedPersistVersion indicates persisted state with an unknown schema version.
	ErrUnsupportedPersistVersion = New("unsupported persist version")
	// ErrPersistedStateNotFound indicates that no persisted state exists for a session.
	ErrPersistedStateNotFound = New("persisted state not found")
)

// Operation errors
var (
	// ErrInvalidOperation indicates an operation handle was used in a state that forbids the call.
	ErrInvalidOperation = New("invalid operation")
	// ErrOperationDisposed indicates the operation was disposed before it completed.
	ErrOperationDisposed = New("operation disposed")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrTimeout indicates that an operation ran past its caller's deadline.
	ErrTimeout = New("operation timed out")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// BrokerError is the base interface for all session broker errors.
type BrokerError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
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

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors raised by the registry and the broker factory.
//
// Example:
//
//	err := errors.NewSessionError("fetch failed", errors.ErrInvalidSessionID).WithSessionID("abc")
//	fmt.Println(err) // "session error [session=abc]: fetch failed: invalid session id"
type SessionError struct {
	baseError
	SessionID string
	Kind      string
}

// NewSessionError creates a new SessionError. Errors wrapping
// ErrSessionAlreadyFinished are retryable by default.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrSessionAlreadyFinished),
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithKind adds the session durability kind to the error context.
func (e *SessionError) WithKind(kind string) *SessionError {
	e.Kind = kind
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Kind != "" {
		parts = append(parts, fmt.Sprintf("kind=%s", e.Kind))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// PersistError represents errors reading or writing durable session state.
type PersistError struct {
	baseError
	SessionID string
	Version   int
	Path      string
}

// NewPersistError creates a new PersistError. Unsupported versions are critical.
func NewPersistError(message string, cause error) *PersistError {
	severity := SeverityError
	if errors.Is(cause, ErrUnsupportedPersistVersion) {
		severity = SeverityCritical
	}
	return &PersistError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: severity,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *PersistError) WithSessionID(id string) *PersistError {
	e.SessionID = id
	return e
}

// WithVersion records the persisted version that was rejected.
func (e *PersistError) WithVersion(v int) *PersistError {
	e.Version = v
	return e
}

// WithPath records the file the state was read from.
func (e *PersistError) WithPath(p string) *PersistError {
	e.Path = p
	return e
}

// Error returns the formatted error message.
func (e *PersistError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Version != 0 {
		parts = append(parts, fmt.Sprintf("version=%d", e.Version))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "persist error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("persist error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// ValidationError indicates invalid caller input such as a malformed identity.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error [field=%s]: %s (got: %v)", e.Field, e.Message, e.Value)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var brokerErr BrokerError
	if As(err, &brokerErr) {
		return brokerErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrSessionAlreadyFinished)
}

// IsNotFound reports whether err is the recoverable "no live session" signal.
// ErrInvalidSessionID is deliberately not included: it has no recovery path.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrSessionAlreadyFinished)
}

// IsFatal reports whether err must never be retried for the session it names.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrUnsupportedPersistVersion) || GetSeverity(err) == SeverityCritical
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BrokerError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var brokerErr BrokerError
	if As(err, &brokerErr) {
		return brokerErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
