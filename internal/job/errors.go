package job

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalStateTransition is returned when a requested edge is not permitted
	// or the job is already terminal.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrInvalidParams rejects a submission before anything is persisted.
	ErrInvalidParams = errors.New("invalid job parameters")

	// ErrAlreadyPersisted is returned when an id is assigned twice.
	ErrAlreadyPersisted = errors.New("job already has an id")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	ID   int64
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %d: %s -> %s: %v", e.ID, e.From, e.To, ErrIllegalStateTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}
