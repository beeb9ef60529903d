// Package errors provides custom error types for the hostscan SDK.
// Every failure mode of the scan pipeline maps to exactly one Kind so that
// callers can decide on retry, skip, or abort behavior without string matching.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all SDK errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "tools.Provision")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindToolUnavailable means the external tool could not be resolved.
	// Never fatal: the scan degrades to a skipped result.
	KindToolUnavailable

	// KindInvalidRequest means the scan target fell outside policy scope
	// or was structurally invalid. Rejected before any process is spawned.
	KindInvalidRequest

	// KindTimeout means the external process exceeded its wall-clock budget
	// and its process tree was terminated.
	KindTimeout

	// KindExecution means the process could not be spawned or exited with a
	// code outside the tool's accepted set.
	KindExecution

	// KindParse means tool output could not be decoded. Never fatal:
	// degrades to anomaly findings.
	KindParse

	// KindProvision and its refinements cover tool download/installation.
	KindProvision
	KindProvisionNetwork
	KindProvisionArchive
	KindProvisionPermission

	// KindConfig means a profile or policy is invalid. The only kind that
	// fails a pipeline run before any scanner starts.
	KindConfig

	// KindCanceled means the run-level cancellation signal fired.
	KindCanceled

	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindToolUnavailable:
		return "tool_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTimeout:
		return "timeout"
	case KindExecution:
		return "execution"
	case KindParse:
		return "parse"
	case KindProvision:
		return "provision"
	case KindProvisionNetwork:
		return "provision_network"
	case KindProvisionArchive:
		return "provision_archive"
	case KindProvisionPermission:
		return "provision_permission"
	case KindConfig:
		return "config"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// WrapWithKind wraps an error with an operation and a kind.
func WrapWithKind(err error, op string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsToolUnavailable checks if the error means the tool could not be resolved.
func IsToolUnavailable(err error) bool {
	return GetKind(err) == KindToolUnavailable
}

// IsInvalidRequest checks if the error is a policy/structural rejection.
func IsInvalidRequest(err error) bool {
	return GetKind(err) == KindInvalidRequest
}

// IsTimeout checks if the error is an execution timeout.
func IsTimeout(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsCanceled checks if the error came from run-level cancellation.
func IsCanceled(err error) bool {
	return GetKind(err) == KindCanceled || errors.Is(err, ErrCanceled)
}

// IsProvisionError checks if the error is any of the provisioning kinds.
func IsProvisionError(err error) bool {
	switch GetKind(err) {
	case KindProvision, KindProvisionNetwork, KindProvisionArchive, KindProvisionPermission:
		return true
	}
	return false
}

// DefaultRetryable reports whether an error kind is retried by default.
// Only transient execution conditions qualify; parse anomalies are
// deterministic given the same output and are never retried. Retry
// eligibility per kind is ultimately a pipeline policy knob.
func DefaultRetryable(kind Kind) bool {
	return kind == KindTimeout || kind == KindExecution
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrCanceled is returned when a run-level cancellation terminated work.
	ErrCanceled = &Error{Kind: KindCanceled, Message: "run canceled"}

	// ErrTimeout is returned when an external process exceeded its budget.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "execution timed out"}

	// ErrToolUnavailable is returned when a tool could not be resolved.
	ErrToolUnavailable = &Error{Kind: KindToolUnavailable, Message: "tool not available"}

	// ErrInvalidPolicy is returned for invalid policy configuration.
	ErrInvalidPolicy = &Error{Kind: KindConfig, Message: "invalid security policy"}
)
