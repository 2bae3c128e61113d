// Package foremanerr defines the error kinds the engine reports and the
// propagation helpers the rest of the codebase uses to classify failures.
package foremanerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions.
// Kinds are behavioral categories, not concrete types: a ToolFailure is
// recovered at the task level, a PreconditionFailed aborts execution
// before it starts.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindPreconditionFailed Kind = "precondition_failed"
	KindContractViolation  Kind = "contract_violation"
	KindBudgetExhausted    Kind = "budget_exhausted"
	KindToolFailure        Kind = "tool_failure"
	KindModelFailure       Kind = "model_failure"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Error is a kind-tagged error. Use E to construct and KindOf to classify.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a kind-tagged error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef creates a kind-tagged error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a kind-tagged error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, walking the wrap chain.
// Unclassified errors report KindInternal; context cancellation reports
// KindCancelled so callers can distinguish user aborts from real faults.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
