package session

import (
	"errors"
	"fmt"
)

// ErrPrecondition is matched by every [PreconditionError].
var ErrPrecondition = errors.New("session: lifecycle precondition not met")

// ErrModelLoad is matched by every [ModelLoadError].
var ErrModelLoad = errors.New("session: model load failed")

// PreconditionError reports a lifecycle operation invoked out of order.
type PreconditionError struct {
	// Op is the operation that was refused, e.g. "start".
	Op string
	// Missing names the step or state the operation requires.
	Missing string
	// State is the lifecycle state at the time of the call.
	State State
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("session: %s requires %s (state %s)", e.Op, e.Missing, e.State)
}

// Is makes errors.Is(err, ErrPrecondition) hold.
func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// ModelLoadError reports a failed model load. The session keeps its previous
// state, so the caller may fix the model and retry.
type ModelLoadError struct {
	// Kind is "decoder" or "punctuation".
	Kind string
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("session: load %s model %q: %v", e.Kind, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrModelLoad) hold.
func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }
