// ============================================================================
// Batch scheduler
// ============================================================================
//
// Package: internal/batch
// Purpose: drive the pending materialization queue to completion across
// independent, time-delayed invocations.
//
// Queue lifecycle:
//
//	Enqueue(events)
//	   ↓ persist [][]event + generation, arm "materializeBatch" (first delay)
//	ProcessNext()            ← fired by the timer runner, any process
//	   ↓ pop head, materialize item by item, flush external ids once
//	   ├─ rest non-empty → persist rest, arm "materializeBatch" (batch delay)
//	   └─ rest empty     → terminal step: clear queue, reset journal, IDLE
//
// Every decision is made from persisted state only. A crash mid-batch leaves
// the old queue in place, so the next firing retries the whole head batch; the
// journal and the external ids already on stable rows keep the retry from
// creating the same calendar entry twice.
//
// ProcessNext holds the batch lease for the duration of one batch. A second
// firing that cannot take the lease does no work. If it finds a non-empty
// queue with no continuation armed, the holder may have died with the lease,
// so it arms one retry after the lease TTL.
//
// The generation key changes on every Enqueue and disappears on Discard. A
// batch that finishes after its queue was replaced or discarded leaves the
// new queue alone.
// ============================================================================

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/timetable-sync/internal/journal"
	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("batch")

// TaskID is the continuation id of the batch handler.
const TaskID = "materializeBatch"

var ErrCorruptedQueue = errors.New("pending batch queue is corrupted")

// Target is where events are materialized.
type Target interface {
	// Prepare is called once per batch before any Materialize. It returns
	// the external ids already recorded, keyed by fingerprint.
	Prepare(ctx context.Context) (map[string]string, error)
	Materialize(ctx context.Context, e types.ScheduleEvent) (string, error)
	RecordExternalIDs(ctx context.Context, updates []types.ExternalIDUpdate) error
}

// Finisher performs the IDLE transition of the terminal step.
type Finisher interface {
	SetIdle() error
}

// Observer receives progress signals, usually a metrics collector.
type Observer interface {
	ItemMaterialized()
	ItemFailed()
	BatchProcessed(d time.Duration)
	QueueDepth(batches int)
}

type nopObserver struct{}

func (nopObserver) ItemMaterialized()            {}
func (nopObserver) ItemFailed()                  {}
func (nopObserver) BatchProcessed(time.Duration) {}
func (nopObserver) QueueDepth(int)               {}

// Options are the batching and pacing parameters.
type Options struct {
	BatchSize  int
	FirstDelay time.Duration // before the first batch after Enqueue
	BatchDelay time.Duration // between batches
	ItemDelay  time.Duration // between calendar calls within a batch
	LeaseTTL   time.Duration // retry delay when the lease is held and nothing is armed
}

const defaultLeaseTTL = 5 * time.Minute

// Report summarizes one ProcessNext call.
type Report struct {
	Skipped      bool // lease held by another invocation
	Attempted    int
	Materialized int
	Reused       int
	Failed       int
	Remaining    int // batches left after this one
	Finished     bool
}

// Scheduler owns the persisted queue.
type Scheduler struct {
	props    props.Store
	timers   timer.Scheduler
	lease    lock.Locker
	finisher Finisher
	target   Target
	journal  *journal.Journal
	opts     Options
	observer Observer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New returns a Scheduler. journal may be nil.
func New(p props.Store, timers timer.Scheduler, lease lock.Locker, finisher Finisher, target Target, j *journal.Journal, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 40
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	return &Scheduler{
		props:    p,
		timers:   timers,
		lease:    lease,
		finisher: finisher,
		target:   target,
		journal:  j,
		opts:     opts,
		observer: nopObserver{},
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetObserver replaces the progress observer.
func (s *Scheduler) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Partition splits events into consecutive batches of at most size items.
func Partition(events []types.ScheduleEvent, size int) []types.Batch {
	if size <= 0 {
		size = 1
	}
	batches := make([]types.Batch, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		b := make(types.Batch, end-start)
		copy(b, events[start:end])
		batches = append(batches, b)
	}
	return batches
}

// Enqueue replaces any pending queue with events and arms the first
// continuation. An empty list goes straight to the terminal step.
func (s *Scheduler) Enqueue(ctx context.Context, events []types.ScheduleEvent) (int, error) {
	if len(events) == 0 {
		log.Info("nothing to materialize")
		return 0, s.Finish(ctx)
	}

	batches := Partition(events, s.opts.BatchSize)
	data, err := json.Marshal(batches)
	if err != nil {
		return 0, fmt.Errorf("failed to encode queue: %w", err)
	}

	if err := s.props.SetMany(map[string]string{
		props.KeyPendingBatchQueue: string(data),
		props.KeyQueueGeneration:   uuid.NewString(),
	}); err != nil {
		return 0, fmt.Errorf("failed to persist queue: %w", err)
	}
	if err := s.timers.ScheduleOnce(s.opts.FirstDelay, TaskID); err != nil {
		return 0, err
	}

	s.observer.QueueDepth(len(batches))
	log.Info("queue enqueued", "events", len(events), "batches", len(batches), "batch_size", s.opts.BatchSize)
	return len(batches), nil
}

// ProcessNext materializes the head batch. It is the materializeBatch
// continuation and is safe to call redundantly.
func (s *Scheduler) ProcessNext(ctx context.Context) (Report, error) {
	lease, err := s.lease.TryLock(ctx, 0)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			log.Info("another invocation holds the batch lease, skipping")
			return Report{Skipped: true}, s.ensureContinuation()
		}
		return Report{}, fmt.Errorf("failed to take batch lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("batch lease release failed", "error", err)
		}
	}()

	queue, gen, err := s.load()
	if err != nil {
		return Report{}, err
	}
	if len(queue) == 0 {
		// A sync may be between Enter and Enqueue; its state is not ours to touch.
		log.Info("queue is empty, nothing to do")
		return Report{}, nil
	}

	head, rest := queue[0], queue[1:]
	started := s.now()
	report, updates, err := s.run(ctx, head)
	if err != nil {
		return report, err
	}

	if err := s.target.RecordExternalIDs(ctx, updates); err != nil {
		return report, fmt.Errorf("failed to record external ids: %w", err)
	}
	s.observer.BatchProcessed(s.now().Sub(started))

	current, _, err := s.props.Get(props.KeyQueueGeneration)
	if err != nil {
		return report, fmt.Errorf("failed to read queue generation: %w", err)
	}
	if current != gen {
		log.Warn("queue was replaced or discarded during the batch, leaving it as is")
		return report, nil
	}

	report.Remaining = len(rest)
	if len(rest) > 0 {
		if err := s.persist(rest); err != nil {
			return report, err
		}
		if err := s.timers.ScheduleOnce(s.opts.BatchDelay, TaskID); err != nil {
			return report, err
		}
		s.observer.QueueDepth(len(rest))
		log.Info("batch done, continuation armed",
			"materialized", report.Materialized, "reused", report.Reused,
			"failed", report.Failed, "remaining_batches", len(rest))
		return report, nil
	}

	report.Finished = true
	log.Info("last batch done",
		"materialized", report.Materialized, "reused", report.Reused, "failed", report.Failed)
	return report, s.Finish(ctx)
}

// ensureContinuation arms a retry after the lease TTL when work is queued
// but nothing will fire for it. A live holder re-arms or finishes on its own
// and overwrites or cancels this retry.
func (s *Scheduler) ensureContinuation() error {
	queue, _, err := s.load()
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return nil
	}
	_, armed, err := s.timers.Pending(TaskID)
	if err != nil {
		return fmt.Errorf("failed to read continuation: %w", err)
	}
	if armed {
		return nil
	}
	if err := s.timers.ScheduleOnce(s.opts.LeaseTTL, TaskID); err != nil {
		return err
	}
	log.Warn("batch lease held with no continuation armed, retrying after lease ttl",
		"remaining_batches", len(queue), "retry_in", s.opts.LeaseTTL)
	return nil
}

// run materializes one batch in order. Only context cancellation aborts it.
func (s *Scheduler) run(ctx context.Context, batch types.Batch) (Report, []types.ExternalIDUpdate, error) {
	known, err := s.known(ctx)
	if err != nil {
		return Report{}, nil, err
	}

	var report Report
	updates := make([]types.ExternalIDUpdate, 0, len(batch))
	calls := 0
	for _, e := range batch {
		report.Attempted++
		if id, ok := known[e.Fingerprint]; ok && id != "" {
			report.Reused++
			updates = append(updates, types.ExternalIDUpdate{Fingerprint: e.Fingerprint, ExternalID: id})
			continue
		}

		if calls > 0 {
			if err := s.sleep(ctx, s.opts.ItemDelay); err != nil {
				return report, updates, err
			}
		}
		calls++

		id, err := s.target.Materialize(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				return report, updates, ctx.Err()
			}
			report.Failed++
			s.observer.ItemFailed()
			log.Error("materialization failed, skipping event",
				"error", &syncerr.MaterializationError{Fingerprint: e.Fingerprint, Err: err},
				"subject", e.SubjectName, "start", e.StartsAt)
			continue
		}

		if s.journal != nil {
			if err := s.journal.Append(journal.EntryMaterialized, e.Fingerprint, id); err != nil {
				log.Warn("journal append failed", "fingerprint", e.Fingerprint, "error", err)
			}
		}
		known[e.Fingerprint] = id
		report.Materialized++
		s.observer.ItemMaterialized()
		updates = append(updates, types.ExternalIDUpdate{Fingerprint: e.Fingerprint, ExternalID: id})
	}
	return report, updates, nil
}

// known merges the target's recorded ids with the journal.
func (s *Scheduler) known(ctx context.Context) (map[string]string, error) {
	known, err := s.target.Prepare(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}
	if known == nil {
		known = make(map[string]string)
	}
	if s.journal == nil {
		return known, nil
	}
	idx, err := s.journal.Index()
	if err != nil {
		log.Warn("journal unreadable, continuing without it", "error", err)
		return known, nil
	}
	for fp, id := range idx {
		if _, ok := known[fp]; !ok {
			known[fp] = id
		}
	}
	return known, nil
}

// Finish is the terminal step: drop the queue and its continuation, reset the
// journal and return the system to IDLE.
func (s *Scheduler) Finish(ctx context.Context) error {
	if err := s.Discard(); err != nil {
		return err
	}
	if err := s.timers.Cancel(TaskID); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.Reset(); err != nil {
			log.Warn("journal reset failed", "error", err)
		}
	}
	return s.finisher.SetIdle()
}

// Discard drops the persisted queue without touching timers or state.
func (s *Scheduler) Discard() error {
	if err := s.props.Delete(props.KeyPendingBatchQueue, props.KeyQueueGeneration); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	s.observer.QueueDepth(0)
	return nil
}

// Pending returns the persisted queue.
func (s *Scheduler) Pending() ([]types.Batch, error) {
	q, _, err := s.load()
	return q, err
}

// ResetJournal truncates the journal, if any.
func (s *Scheduler) ResetJournal() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Reset()
}

func (s *Scheduler) load() ([]types.Batch, string, error) {
	values, err := s.getMany(props.KeyPendingBatchQueue, props.KeyQueueGeneration)
	if err != nil {
		return nil, "", err
	}
	raw, gen := values[0], values[1]
	if raw == "" {
		return nil, gen, nil
	}
	var q []types.Batch
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptedQueue, err)
	}
	return q, gen, nil
}

func (s *Scheduler) getMany(keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, _, err := s.props.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", k, err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *Scheduler) persist(q []types.Batch) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := s.props.Set(props.KeyPendingBatchQueue, string(data)); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
