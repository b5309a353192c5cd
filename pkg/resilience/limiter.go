package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent outbound calls with a weighted semaphore.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a limiter admitting at most n concurrent calls.
func NewLimiter(n int64) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(n)}
}

// Do runs fn while holding one slot, blocking until a slot is free or ctx is
// cancelled.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
