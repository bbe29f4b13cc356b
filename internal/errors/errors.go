// Package errors provides a lightweight structured error type (SyncError)
// for failure-kind classification and retry semantics across the
// reconciliation engine and CLI.
package errors

import (
	"fmt"
)

// Kind classifies a SyncError for dispatch decisions.
type Kind string

const (
	// Filesystem and resource errors
	KindTransientIO Kind = "transient_io" // locked or unreadable file; retry via deferred queue
	KindCorrupt     Kind = "persistence_corrupt"

	// Input errors
	KindManifest Kind = "manifest_malformed"
	KindUnsafe   Kind = "config_unsafe"
	KindConfig   Kind = "config"

	// External system errors
	KindNetwork   Kind = "network"
	KindIntegrity Kind = "integrity"

	// Everything else
	KindInternal Kind = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"   // Stops the run
	SeverityError   Severity = "error"   // Error, but the run continues
	SeverityWarning Severity = "warning" // Degraded behavior, entity skipped
)

// SyncError is a structured error with kind, retryability, and context.
type SyncError struct {
	Kind      Kind          `json:"kind"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for SyncError.
type ContextFields map[string]any

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *SyncError) WithContext(key string, value any) *SyncError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new SyncError.
func New(kind Kind, severity Severity, message string) *SyncError {
	return &SyncError{
		Kind:     kind,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new SyncError that wraps an existing error.
func Wrap(err error, kind Kind, severity Severity, message string) *SyncError {
	return &SyncError{
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// IsKind checks if an error belongs to a specific kind.
func IsKind(err error, kind Kind) bool {
	if se, ok := err.(*SyncError); ok {
		return se.Kind == kind
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if se, ok := err.(*SyncError); ok {
		return se.Retryable
	}
	return false
}

// GetKind extracts the kind from an error, or returns KindInternal if it is
// not a SyncError.
func GetKind(err error) Kind {
	if se, ok := err.(*SyncError); ok {
		return se.Kind
	}
	return KindInternal
}
