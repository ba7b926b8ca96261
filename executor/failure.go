package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/docindex/storage"
)

// FailureKind classifies the outcome of one loop iteration.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureOutOfMemory
	FailureCancelled
	FailureOther
)

// String returns the kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureOutOfMemory:
		return "out_of_memory"
	case FailureCancelled:
		return "cancelled"
	case FailureOther:
		return "other"
	default:
		return "unknown"
	}
}

// Classify maps err to a FailureKind. Out-of-memory wins over cancellation, so
// a joined error carrying both shrinks the batch size.
func Classify(ctx context.Context, err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case storage.IsOutOfMemory(err):
		return FailureOutOfMemory
	case errors.Is(err, context.Canceled), ctx != nil && ctx.Err() != nil:
		return FailureCancelled
	default:
		return FailureOther
	}
}

// PassError is a classified loop failure.
type PassError struct {
	Executor string
	Kind     FailureKind
	Err      error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("executor %s: %s: %v", e.Executor, e.Kind, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

// panicError wraps a value recovered from a pass.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Unwrap exposes a recovered error value.
func (e *panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}
