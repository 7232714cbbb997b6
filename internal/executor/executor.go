// Package executor defines the pipeline executor boundary. The dispatcher
// treats executors as black boxes that return success or failure plus the
// resource units actually consumed.
package executor

import (
	"context"
	"errors"
	"fmt"

	"quota-dispatch/internal/models"
)

// Result is what a pipeline reports on success.
type Result struct {
	ActualUnits int64
	ResultRef   string
}

// Executor runs the multi-step work behind one job.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (Result, error)
}

// transientError marks failures that are worth retrying against the same
// reservation (network hiccups, throttled upstreams).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the dispatcher retries instead of rolling back.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Registry maps pipeline names to executors.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a pipeline name.
func (r *Registry) Register(pipeline string, e Executor) {
	if pipeline == "" || e == nil {
		return
	}
	r.executors[pipeline] = e
}

// Lookup returns the executor for a pipeline.
func (r *Registry) Lookup(pipeline string) (Executor, bool) {
	e, ok := r.executors[pipeline]
	return e, ok
}
