package failure

import (
	"context"
	"errors"
	"strings"
)

// Kind tags an execution error with its failure class. Work functions decide
// the kind once, at the error's origin, by wrapping their errors with the
// constructors below; downstream code reads it as data instead of re-deriving
// it from string inspection.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindSerialization     Kind = "serialization"
	KindAuth              Kind = "auth"
	KindPermission        Kind = "permission"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
	KindDatabase          Kind = "database"
	KindResourceExhausted Kind = "resource_exhausted"
	KindInternal          Kind = "internal"
)

// Severity ranks a failure for routing and alerting purposes.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// severityFor maps each kind to its severity: resource exhaustion is
// critical, permission/database-class failures are high, everything else
// (network, timeout, validation, internal) defaults to medium.
func severityFor(kind Kind) Severity {
	switch kind {
	case KindResourceExhausted:
		return SeverityCritical
	case KindAuth, KindPermission, KindDatabase:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// nonRetryableKinds is the fixed set of kinds that are never retried
// regardless of policy: malformed input and authorization failures do not
// heal with time.
var nonRetryableKinds = map[Kind]bool{
	KindValidation:    true,
	KindSerialization: true,
	KindAuth:          true,
	KindPermission:    true,
}

// Error is a classified execution error: the kind and severity travel with
// the error as data.
type Error struct {
	Kind     Kind
	Severity Severity
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit kind; the severity follows from the kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Severity: severityFor(kind), Err: err}
}

// Convenience constructors for the common kinds.

// Validation marks err as a malformed-input failure (never retried).
func Validation(err error) *Error { return New(KindValidation, err) }

// Permission marks err as an authorization failure (never retried).
func Permission(err error) *Error { return New(KindPermission, err) }

// Timeout marks err as a deadline overrun (retryable, medium severity).
func Timeout(err error) *Error { return New(KindTimeout, err) }

// Network marks err as a transient network failure (retryable).
func Network(err error) *Error { return New(KindNetwork, err) }

// Database marks err as a database-class failure (high severity).
func Database(err error) *Error { return New(KindDatabase, err) }

// ResourceExhausted marks err as system resource exhaustion (critical, never
// retried).
func ResourceExhausted(err error) *Error { return New(KindResourceExhausted, err) }

// Internal marks err as an unclassified internal failure.
func Internal(err error) *Error { return New(KindInternal, err) }

// Classify determines the kind and severity of an execution error. Tagged
// errors carry the answer; context deadline errors are timeouts; untyped
// errors fall back to keyword matching on the message, defaulting to an
// internal failure of medium severity.
func Classify(err error) (Kind, Severity) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, classified.Severity
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, SeverityMedium
	}

	kind := kindFromMessage(err.Error())
	return kind, severityFor(kind)
}

// kindFromMessage is the fallback classifier for errors that reached the
// worker untagged. Keyword sets are ordered most-specific first.
func kindFromMessage(msg string) Kind {
	msg = strings.ToLower(msg)

	switch {
	case containsAny(msg, "out of memory", "no space left", "too many open files", "cannot allocate", "disk full"):
		return KindResourceExhausted
	case containsAny(msg, "permission denied", "access denied", "forbidden", "unauthorized"):
		return KindPermission
	case containsAny(msg, "database", "sql", "constraint", "deadlock"):
		return KindDatabase
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "network", "no such host", "dns"):
		return KindNetwork
	case containsAny(msg, "invalid", "malformed", "validation"):
		return KindValidation
	default:
		return KindInternal
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
