package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = 100 * time.Millisecond

// SQLLocker is a lease lock stored as a row of the locks table.
//
// A row whose expires_at has passed is free to take over, so a process that
// dies while holding the lock blocks others for at most ttl.
type SQLLocker struct {
	db           *sql.DB
	name         string
	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewSQLLocker returns a locker for the named lock row.
func NewSQLLocker(db *sql.DB, name string, ttl time.Duration) *SQLLocker {
	return &SQLLocker{
		db:           db,
		name:         name,
		ttl:          ttl,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

func (l *SQLLocker) TryLock(ctx context.Context, wait time.Duration) (Lease, error) {
	owner := uuid.NewString()
	deadline := l.now().Add(wait)

	for {
		ok, err := l.acquire(ctx, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sqlLease{locker: l, owner: owner}, nil
		}

		if !l.now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, l.name)
		}
		if err := sleepCtx(ctx, l.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (l *SQLLocker) acquire(ctx context.Context, owner string) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		l.name, owner, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	return n == 1, nil
}

// Holder returns the current owner of the lock row, if any and unexpired.
func (l *SQLLocker) Holder(ctx context.Context) (string, bool, error) {
	var owner string
	var expires int64
	err := l.db.QueryRowContext(ctx,
		"SELECT owner, expires_at FROM locks WHERE name = ?", l.name).Scan(&owner, &expires)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lock %s: %w", l.name, err)
	}
	if expires <= l.now().UnixMilli() {
		return "", false, nil
	}
	return owner, true, nil
}

type sqlLease struct {
	locker   *SQLLocker
	owner    string
	mu       sync.Mutex
	released bool
}

func (s *sqlLease) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrNotHeld
	}
	s.released = true

	res, err := s.locker.db.ExecContext(ctx,
		"DELETE FROM locks WHERE name = ? AND owner = ?", s.locker.name, s.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", s.locker.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Expired and taken over by someone else.
		return ErrNotHeld
	}
	return nil
}
