// Package lock provides the advisory lock: a short-lived, bounded-wait
// mutual-exclusion token shared by every invocation that touches SystemState
// or the batch queue.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when the lock is still held at the end of the wait.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned when releasing a lease that is no longer owned.
	ErrNotHeld = errors.New("lock is not held by this lease")
)

// Locker hands out leases on a single named lock.
type Locker interface {
	// TryLock waits at most wait for the lock. A zero wait makes one attempt.
	TryLock(ctx context.Context, wait time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent from the caller's view: a
// second call returns ErrNotHeld and changes nothing.
type Lease interface {
	Release(ctx context.Context) error
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
