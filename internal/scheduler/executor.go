package scheduler

import (
	"context"
	"errors"

	"srmjobs/internal/job"
)

// Executor performs the operation behind a claimed job. Implementations
// must honor ctx: it is canceled when the job's lease is lost or the job is
// canceled by a client.
type Executor interface {
	// Execute returns nil when the job is done. Errors wrapped with
	// Retryable put the job in RETRYWAIT, anything else fails it.
	Execute(ctx context.Context, ent job.Entity) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ent job.Entity) error

func (f ExecutorFunc) Execute(ctx context.Context, ent job.Entity) error {
	return f(ctx, ent)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
