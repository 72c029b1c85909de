// Package state implements the IDLE/PROCESSING gate.
//
// Entry is a two-step check: a PROCESSING state rejects the caller at once
// with syncerr.ErrBusy, without touching the lock. An IDLE state requires the
// advisory lock (bounded wait) before PROCESSING is written; failing to get it
// is syncerr.ErrLockContention. The lock is released right after the write,
// so it never spans the multi-invocation workflow that follows.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("state")

// Machine reads and writes SystemState through the property store.
type Machine struct {
	props       props.Store
	locker      lock.Locker
	lockTimeout time.Duration
}

// New returns a Machine. lockTimeout bounds the advisory lock wait on entry.
func New(store props.Store, locker lock.Locker, lockTimeout time.Duration) *Machine {
	return &Machine{props: store, locker: locker, lockTimeout: lockTimeout}
}

// Current returns the persisted state. A missing or unknown value reads as IDLE.
func (m *Machine) Current() (types.SystemState, error) {
	v, ok, err := m.props.Get(props.KeySystemState)
	if err != nil {
		return "", fmt.Errorf("failed to read system state: %w", err)
	}
	if !ok || types.SystemState(v) != types.StateProcessing {
		return types.StateIdle, nil
	}
	return types.StateProcessing, nil
}

// Enter moves IDLE to PROCESSING on behalf of a top-level mutating operation.
func (m *Machine) Enter(ctx context.Context) error {
	current, err := m.Current()
	if err != nil {
		return err
	}
	if current == types.StateProcessing {
		return syncerr.ErrBusy
	}

	lease, err := m.locker.TryLock(ctx, m.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrLockContention, err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Warn("advisory lock release failed", "error", err)
		}
	}()

	// Re-check under the lock: another invocation may have won the race
	// between our first read and the lock acquisition.
	current, err = m.Current()
	if err != nil {
		return err
	}
	if current == types.StateProcessing {
		return syncerr.ErrBusy
	}

	if err := m.props.Set(props.KeySystemState, string(types.StateProcessing)); err != nil {
		return fmt.Errorf("failed to write system state: %w", err)
	}
	log.Info("system state changed", "state", types.StateProcessing)
	return nil
}

// SetIdle writes IDLE. It is the exit used by the batch scheduler's terminal
// step and by force-reset; it does not consult the lock.
func (m *Machine) SetIdle() error {
	if err := m.props.Set(props.KeySystemState, string(types.StateIdle)); err != nil {
		return fmt.Errorf("failed to write system state: %w", err)
	}
	log.Info("system state changed", "state", types.StateIdle)
	return nil
}
