// Package shipsec holds the data model shared across the component execution
// runtime: component definitions, runner specifications, execution context,
// and the error taxonomy applied by the node activity and its collaborators.
package shipsec

import (
	"fmt"
)

// Kind classifies a runtime error so that the node activity can decide
// whether to retry, and so that callers can report a stable machine-readable
// category without string matching on messages.
type Kind string

const (
	// KindValidation covers parameter/output contract violations and
	// malformed result JSON. Never retryable.
	KindValidation Kind = "validation"
	// KindConfiguration covers missing required env/secret or an unsupported
	// runner kind. Never retryable.
	KindConfiguration Kind = "configuration"
	// KindContainer covers a non-zero container exit. Conditionally
	// retryable depending on the component's retry policy.
	KindContainer Kind = "container"
	// KindTimeout covers a breached wall-clock deadline. Retryable, bounded
	// by the component's retry policy.
	KindTimeout Kind = "timeout"
	// KindService covers a transient failure calling an internal HTTP
	// dependency. Retryable.
	KindService Kind = "service"
	// KindAuth covers a bad signature or expired/invalid session token.
	// Never retryable.
	KindAuth Kind = "auth"
	// KindNotFound covers an unknown component id or missing secret. Never
	// retryable.
	KindNotFound Kind = "not_found"
)

// alwaysFatal reports whether errors of this kind are fatal for the activity
// regardless of retry policy, per "Propagation" in the error handling design:
// validation, configuration, auth, and not-found errors are always fatal.
func (k Kind) alwaysFatal() bool {
	switch k {
	case KindValidation, KindConfiguration, KindAuth, KindNotFound:
		return true
	default:
		return false
	}
}

// Error is the single error type returned by every component in this module.
// It carries enough structure for the node activity to apply retry policy
// without parsing messages, and enough context for operators to diagnose a
// failure from the user-visible surface (kind, message, truncated stderr,
// component id).
type Error struct {
	Kind        Kind
	ComponentID string
	Message     string
	// StderrTail is the last bytes of stderr captured at failure time,
	// truncated to 500 bytes per the user-visible failure contract.
	StderrTail string
	// Details carries kind-specific structured data, e.g. {"exitCode":1,
	// "stdout": "..."} for KindContainer so a scanner component can recover
	// partial output from a non-zero exit.
	Details map[string]any
	Cause   error
}

// NewError constructs an Error of the given kind.
func NewError(kind Kind, componentID, message string) *Error {
	return &Error{Kind: kind, ComponentID: componentID, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, componentID string, cause error) *Error {
	return &Error{Kind: kind, ComponentID: componentID, Message: cause.Error(), Cause: cause}
}

// WithStderr attaches a truncated stderr tail (capped at 500 bytes) and
// returns the same error for chaining.
func (e *Error) WithStderr(stderr []byte) *Error {
	const maxTail = 500
	if len(stderr) > maxTail {
		stderr = stderr[len(stderr)-maxTail:]
	}
	e.StderrTail = string(stderr)
	return e
}

// WithDetails attaches structured, kind-specific data and returns the same
// error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ComponentID != "" {
		return fmt.Sprintf("%s: %s: %s", e.ComponentID, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// RetryPolicy describes how the orchestrator should retry a failed
// activity. Components may override the platform default.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval float64 // seconds
	Backoff         float64
	MaxInterval     float64 // seconds
	NonRetryable    []Kind
}

// DefaultRetryPolicy is applied when a component declares no retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: 2,
		Backoff:         2.0,
		MaxInterval:     30,
		NonRetryable:    []Kind{KindValidation, KindContainer, KindConfiguration},
	}
}

// Retryable reports whether err should be retried under policy p. A
// KindContainer error with details.transient=true is treated as a transient
// network-like failure and is retryable even though Container is listed as
// non-retryable by default, matching "Retry only if policy allows and error
// is transient" in the component design.
func (p RetryPolicy) Retryable(err *Error) bool {
	if err == nil {
		return false
	}
	if err.Kind.alwaysFatal() {
		return false
	}
	for _, k := range p.NonRetryable {
		if k == err.Kind {
			if err.Kind == KindContainer {
				if transient, ok := err.Details["transient"].(bool); ok && transient {
					return true
				}
			}
			return false
		}
	}
	return true
}
