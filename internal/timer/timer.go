// ============================================================================
// Continuation timers
// ============================================================================
//
// Package: internal/timer
// Purpose: the scheduleOnce(delay, taskId) abstraction used for batch
// continuations.
//
// A scheduled task is nothing more than a persisted due time under
// "trigger.<taskId>" in the property store. Nothing lives only in memory:
//   - a one-shot CLI invocation can arm a continuation and exit
//   - the daemon's Runner polls the store and fires whatever is due
//   - a restart between arming and firing loses nothing
//
// Each task id holds at most one pending firing; scheduling again replaces it.
// ============================================================================

package timer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/props"
)

var log = logging.Component("timer")

// Scheduler arms and cancels one-shot continuations.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, taskID string) error
	Cancel(taskID string) error
	CancelAll() error
	Pending(taskID string) (time.Time, bool, error)
}

// Store is a Scheduler over the property store.
type Store struct {
	props props.Store
	now   func() time.Time
}

// NewStore returns a Store. now may be nil to use the wall clock.
func NewStore(p props.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{props: p, now: now}
}

func key(taskID string) string {
	return props.TriggerPrefix + taskID
}

func (s *Store) ScheduleOnce(delay time.Duration, taskID string) error {
	due := s.now().Add(delay).UTC()
	if err := s.props.Set(key(taskID), due.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", taskID, err)
	}
	log.Info("continuation armed", "task", taskID, "due", due, "delay", delay)
	return nil
}

func (s *Store) Cancel(taskID string) error {
	if err := s.props.Delete(key(taskID)); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) CancelAll() error {
	keys, err := s.props.Keys(props.TriggerPrefix)
	if err != nil {
		return fmt.Errorf("failed to list timers: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.props.Delete(keys...); err != nil {
		return fmt.Errorf("failed to cancel timers: %w", err)
	}
	log.Info("all continuations cancelled", "count", len(keys))
	return nil
}

func (s *Store) Pending(taskID string) (time.Time, bool, error) {
	v, ok, err := s.props.Get(key(taskID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	due, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid due time for %s: %w", taskID, err)
	}
	return due, true, nil
}

// Due returns the ids of tasks whose due time is not after now.
func (s *Store) Due() ([]string, error) {
	keys, err := s.props.Keys(props.TriggerPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list timers: %w", err)
	}

	now := s.now()
	due := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, props.TriggerPrefix)
		at, ok, err := s.Pending(id)
		if err != nil {
			log.Warn("dropping unreadable timer", "task", id, "error", err)
			if err := s.Cancel(id); err != nil {
				log.Warn("failed to drop unreadable timer", "task", id, "error", err)
			}
			continue
		}
		if ok && !at.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

// Handler runs a fired task.
type Handler func(ctx context.Context) error

// Runner polls a Store and runs handlers for due tasks.
type Runner struct {
	store    *Store
	interval time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRunner returns a Runner polling every interval.
func NewRunner(store *Store, interval time.Duration) *Runner {
	return &Runner{
		store:    store,
		interval: interval,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task id.
func (r *Runner) Register(taskID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskID] = h
}

// Tick fires every due task that has a handler and returns how many ran.
// The persisted entry is removed before the handler runs, so a handler that
// re-arms its own task is not cancelled by the firing it came from.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	due, err := r.store.Due()
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, id := range due {
		r.mu.Lock()
		h, ok := r.handlers[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if err := r.store.Cancel(id); err != nil {
			return fired, err
		}
		fired++
		if err := h(ctx); err != nil {
			log.Error("timer handler failed", "task", id, "error", err)
		}
	}
	return fired, nil
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info("timer runner started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("timer runner stopped")
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				log.Error("timer tick failed", "error", err)
			}
		}
	}
}
