package orchestrator

import (
	"context"
	"fmt"
)

// Retrier re-fetches, re-checks and reapplies a mutation until the write
// lands without an optimistic concurrency conflict.
type Retrier[T any] struct {
	Attempts   int
	Fetch      func(ctx context.Context) (T, error)
	Write      func(ctx context.Context, v T) (T, error)
	IsConflict func(error) bool
}

// Do applies mutate to current and writes it. On conflict it fetches a
// fresh copy and starts over. precondition runs before every mutate; its
// error ends the loop unchanged.
func (r Retrier[T]) Do(ctx context.Context, current T, precondition func(T) error, mutate func(*T) error) (T, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			fresh, err := r.Fetch(ctx)
			if err != nil {
				return zero, err
			}
			current = fresh
		}
		if precondition != nil {
			if err := precondition(current); err != nil {
				return current, err
			}
		}
		working := current
		if err := mutate(&working); err != nil {
			return current, err
		}
		written, err := r.Write(ctx, working)
		if err == nil {
			return written, nil
		}
		if !r.IsConflict(err) {
			return zero, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}
