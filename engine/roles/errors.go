package roles

import (
	"errors"

	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/runctx"
)

// Error is a failed role invocation tagged with its failure kind.
type Error struct {
	Role string
	Kind runctx.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return "role '" + e.Role + "' " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// FailureKind classifies an error from a retried role invocation. Retry
// exhaustion dominates the underlying failure kind.
func FailureKind(err error) runctx.ErrorKind {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return runctx.ErrorKindMaxRetriesExceeded
	}
	return Classify(err)
}

// Classify extracts the failure kind from an error chain. Unrecognized
// errors classify as call_failed, the transient default.
func Classify(err error) runctx.ErrorKind {
	if err == nil {
		return runctx.ErrorKindNone
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return runctx.ErrorKindCallFailed
}
