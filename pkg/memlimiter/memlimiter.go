// Package memlimiter bounds a compactor's in-flight write buffer the
// same way pkg/localversion bounds a writer's shared-buffer memory: a
// weighted semaphore gates how many bytes may be reserved at once. The
// two are intentionally independent budgets — a node can run a
// compactor and a writer side by side without one starving the other.
package memlimiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Limiter gates how many bytes of merge output a compactor may hold in
// memory before flushing, independent of any writer's shared-buffer
// budget on the same node.
type Limiter struct {
	sem   *semaphore.Weighted
	limit int64
}

// New builds a Limiter capped at limitBytes.
func New(limitBytes int64) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(limitBytes), limit: limitBytes}
}

// Reserve blocks until n bytes are available or ctx is done. n must not
// exceed the limiter's total capacity.
func (l *Limiter) Reserve(ctx context.Context, n int64) error {
	if n > l.limit {
		return fmt.Errorf("memlimiter: reservation of %d bytes exceeds limit %d", n, l.limit)
	}
	return l.sem.Acquire(ctx, n)
}

// TryReserve reserves n bytes without blocking, reporting false if the
// budget is currently exhausted.
func (l *Limiter) TryReserve(n int64) bool {
	return l.sem.TryAcquire(n)
}

// Release returns n previously reserved bytes to the budget.
func (l *Limiter) Release(n int64) {
	l.sem.Release(n)
}

// Limit reports the limiter's total capacity in bytes.
func (l *Limiter) Limit() int64 { return l.limit }
