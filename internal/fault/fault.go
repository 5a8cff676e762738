// Package fault classifies errors by how the engine must react to them.
//
// Every boundary (remote client, store, roster parser) converts the errors it
// sees into a *Error with an explicit Kind. Callers branch on the kind with
// IsKind or KindOf rather than on error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the reaction class of an error
type Kind string

const (
	// KindConfig is a malformed or unverifiable roster or setting. Fatal at startup.
	KindConfig Kind = "config"
	// KindTransient is a network, rate-limit or connection failure. The affected
	// repository sweep aborts and is retried on the next cycle.
	KindTransient Kind = "transient"
	// KindData is a malformed remote record. The record is skipped.
	KindData Kind = "data"
	// KindInvariant is a state that breaks a domain rule, such as a sign-off
	// from a non-member. Excluded from computation, never fatal.
	KindInvariant Kind = "invariant"
	// KindNotification is a failed outbound call. Logged, retried next sweep.
	KindNotification Kind = "notification"
	// KindInternal is an unexpected failure such as an unreachable store.
	// It ends the supervised task.
	KindInternal Kind = "internal"
)

// Error is an error tagged with its Kind and the operation that produced it
type Error struct {
	Kind       Kind
	Op         string
	Repository string // Optional
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Repository != "" {
		msg += " [" + e.Repository + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a tagged error from a formatted message
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Config tags err as a configuration error
func Config(op string, err error) error { return New(KindConfig, op, err) }

// Transient tags err as a transient I/O error
func Transient(op string, err error) error { return New(KindTransient, op, err) }

// Data tags err as a malformed-record error
func Data(op string, err error) error { return New(KindData, op, err) }

// Invariant tags err as a domain rule violation
func Invariant(op string, err error) error { return New(KindInvariant, op, err) }

// Notification tags err as an outbound delivery error
func Notification(op string, err error) error { return New(KindNotification, op, err) }

// Internal tags err as an unexpected, task-ending failure
func Internal(op string, err error) error { return New(KindInternal, op, err) }

// WithRepository wraps a tagged err so its message names repo. The kind is
// preserved. Untagged errors are returned unchanged.
func WithRepository(err error, repo string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: fe.Kind, Op: "sweep", Repository: repo, Err: err}
}

// KindOf returns the kind of the outermost tagged error in the chain, or
// the empty kind if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether the outermost tagged error in err has kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must end the supervised task
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindInternal, KindConfig:
		return true
	}
	return false
}
