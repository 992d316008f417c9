// Package herderr implements the kind-based error taxonomy used across the
// orchestrator: every gateway wraps a raw protocol error into one of a fixed
// set of kinds, and everything above a gateway matches on the kind rather
// than on error strings.
package herderr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets. Callers
// compare kinds with Is, never with string matching.
type Kind string

const (
	// NotFound means a group, instance, or backup does not exist.
	NotFound Kind = "not_found"

	// ConfigInvalid means a value supplied by the caller or found in
	// configuration cannot be honored: missing subnet, unsupported config
	// file extension, memsize exceeding blueprint on restore, and so on.
	ConfigInvalid Kind = "config_invalid"

	// CapacityExhausted means the allocator found no eligible host or the
	// IP pool has no free address.
	CapacityExhausted Kind = "capacity_exhausted"

	// Transient means the failure is expected to clear on retry: a timeout,
	// a refused connection, a leaderless KV cluster.
	Transient Kind = "transient"

	// InvariantViolation means an assertion the system relies on failed,
	// e.g. a registration exists for a blueprint that does not.
	InvariantViolation Kind = "invariant_violation"

	// ExternalFailure means an in-container script or external command
	// returned a non-zero exit code.
	ExternalFailure Kind = "external_failure"
)

// Error is the concrete type every gateway constructs. Op names the
// operation that failed (e.g. "kv.Put", "runtime.CreateContainer").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, herderr.Error{Kind: X}) match any *Error with the
// same Kind, regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error directly.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is shorthand for New when the caller already has a lower-level error
// to classify.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf unwraps err looking for a *Error and returns its Kind. If err is
// nil or carries no Kind, it returns the empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's Kind (after unwrapping) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// sentinel returns a reusable *Error usable with errors.Is(err,
// herderr.ErrNotFound) style comparisons where only the Kind matters.
func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

var (
	// ErrNotFound, ErrConfigInvalid, etc. are sentinels for errors.Is
	// comparisons; they carry no Op or wrapped cause of their own.
	ErrNotFound          = sentinel(NotFound)
	ErrConfigInvalid     = sentinel(ConfigInvalid)
	ErrCapacityExhausted = sentinel(CapacityExhausted)
	ErrTransient         = sentinel(Transient)
	ErrInvariantViolation = sentinel(InvariantViolation)
	ErrExternalFailure   = sentinel(ExternalFailure)
)
