package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MutexLocker is an in-process Locker.
type MutexLocker struct {
	sem chan struct{}
}

// NewMutexLocker returns an unlocked MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{sem: make(chan struct{}, 1)}
}

func (m *MutexLocker) TryLock(ctx context.Context, wait time.Duration) (Lease, error) {
	select {
	case m.sem <- struct{}{}:
		return &mutexLease{sem: m.sem}, nil
	default:
	}
	if wait <= 0 {
		return nil, ErrTimeout
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case m.sem <- struct{}{}:
		return &mutexLease{sem: m.sem}, nil
	case <-t.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Held reports whether some lease currently holds the lock.
func (m *MutexLocker) Held() bool {
	return len(m.sem) == 1
}

type mutexLease struct {
	sem  chan struct{}
	once sync.Once
}

func (l *mutexLease) Release(context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.sem
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
