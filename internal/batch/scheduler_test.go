package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/timetable-sync/internal/journal"
	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/store"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

type fakeTarget struct {
	mu       sync.Mutex
	calls    []string
	recorded map[string]string
	failOn   map[string]bool
	flushes  int
	before   func(types.ScheduleEvent)
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{recorded: make(map[string]string), failOn: make(map[string]bool)}
}

func (f *fakeTarget) Prepare(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.recorded))
	for k, v := range f.recorded {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTarget) Materialize(_ context.Context, e types.ScheduleEvent) (string, error) {
	if f.before != nil {
		f.before(e)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e.Fingerprint)
	if f.failOn[e.Fingerprint] {
		return "", errors.New("calendar rejected event")
	}
	return "evt-" + e.Fingerprint, nil
}

func (f *fakeTarget) RecordExternalIDs(_ context.Context, updates []types.ExternalIDUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	for _, u := range updates {
		f.recorded[u.Fingerprint] = u.ExternalID
	}
	return nil
}

func (f *fakeTarget) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeFinisher struct {
	props props.Store
}

func (f fakeFinisher) SetIdle() error {
	return f.props.Set(props.KeySystemState, string(types.StateIdle))
}

type fixture struct {
	props  *props.MemoryStore
	timers *timer.Store
	target *fakeTarget
	sched  *Scheduler
	now    time.Time
}

func newFixture(t *testing.T, j *journal.Journal) *fixture {
	t.Helper()
	f := &fixture{
		props:  props.NewMemoryStore(),
		target: newFakeTarget(),
		now:    time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC),
	}
	f.timers = timer.NewStore(f.props, func() time.Time { return f.now })
	f.sched = f.build(j)
	return f
}

// build creates a Scheduler over the fixture's persisted state, as a new
// process would.
func (f *fixture) build(j *journal.Journal) *Scheduler {
	s := New(f.props, f.timers, lock.NewMutexLocker(), fakeFinisher{props: f.props}, f.target, j, Options{
		BatchSize:  40,
		FirstDelay: 10 * time.Second,
		BatchDelay: 2 * time.Minute,
		ItemDelay:  500 * time.Millisecond,
	})
	s.now = func() time.Time { return f.now }
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func makeEvents(n int) []types.ScheduleEvent {
	events := make([]types.ScheduleEvent, n)
	for i := range events {
		events[i] = types.ScheduleEvent{
			Fingerprint: fmt.Sprintf("fp-%03d", i),
			SubjectName: fmt.Sprintf("Subject %d", i),
		}
	}
	return events
}

func fingerprints(events []types.ScheduleEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Fingerprint
	}
	return out
}

func TestPartition(t *testing.T) {
	cases := []struct {
		n, size int
		want    []int
	}{
		{95, 40, []int{40, 40, 15}},
		{80, 40, []int{40, 40}},
		{1, 40, []int{1}},
		{0, 40, []int{}},
		{3, 0, []int{1, 1, 1}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d/%d", tc.n, tc.size), func(t *testing.T) {
			batches := Partition(makeEvents(tc.n), tc.size)
			sizes := make([]int, len(batches))
			for i, b := range batches {
				sizes[i] = len(b)
			}
			assert.Equal(t, tc.want, sizes)
		})
	}
}

func TestEnqueuePersistsQueueAndArmsContinuation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	n, err := f.sched.Enqueue(ctx, makeEvents(95))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := f.sched.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Len(t, pending[2], 15)

	due, ok, err := f.timers.Pending(TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.now.Add(10*time.Second), due)

	gen, ok, _ := f.props.Get(props.KeyQueueGeneration)
	assert.True(t, ok)
	assert.NotEmpty(t, gen)
}

func TestBatchesRunFIFOToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	events := makeEvents(95)
	require.NoError(t, f.props.Set(props.KeySystemState, string(types.StateProcessing)))

	_, err := f.sched.Enqueue(ctx, events)
	require.NoError(t, err)

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, report.Materialized)
	assert.Equal(t, 2, report.Remaining)
	assert.False(t, report.Finished)
	assert.Equal(t, fingerprints(events[:40]), f.target.Calls())

	due, ok, err := f.timers.Pending(TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.now.Add(2*time.Minute), due)

	report, err = f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Remaining)

	report, err = f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, report.Materialized)
	assert.True(t, report.Finished)

	assert.Equal(t, fingerprints(events), f.target.Calls())
	assert.Len(t, f.target.recorded, 95)
	assert.Equal(t, 3, f.target.flushes)

	state, _, _ := f.props.Get(props.KeySystemState)
	assert.Equal(t, string(types.StateIdle), state)
	_, ok, _ = f.props.Get(props.KeyPendingBatchQueue)
	assert.False(t, ok)
	_, ok, _ = f.timers.Pending(TaskID)
	assert.False(t, ok)
}

func TestItemDelayBetweenCalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var delays []time.Duration
	f.sched.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := f.sched.Enqueue(ctx, makeEvents(3))
	require.NoError(t, err)
	_, err = f.sched.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, delays)
}

func TestPartialFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.sched.opts.BatchSize = 3
	events := makeEvents(6)
	f.target.failOn["fp-001"] = true

	_, err := f.sched.Enqueue(ctx, events)
	require.NoError(t, err)

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Materialized)
	assert.Equal(t, 1, report.Failed)

	report, err = f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, report.Finished)

	assert.Equal(t, fingerprints(events), f.target.Calls())
	assert.NotContains(t, f.target.recorded, "fp-001")
	assert.Contains(t, f.target.recorded, "fp-002")
}

func TestEmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.props.Set(props.KeySystemState, string(types.StateProcessing)))

	report, err := f.sched.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, f.target.Calls())

	state, _, _ := f.props.Get(props.KeySystemState)
	assert.Equal(t, string(types.StateProcessing), state)
}

func TestEnqueueNothingFinishesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.props.Set(props.KeySystemState, string(types.StateProcessing)))

	n, err := f.sched.Enqueue(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	state, _, _ := f.props.Get(props.KeySystemState)
	assert.Equal(t, string(types.StateIdle), state)
	_, ok, _ := f.timers.Pending(TaskID)
	assert.False(t, ok)
}

func TestRedundantInvocationIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.sched.opts.BatchSize = 2

	_, err := f.sched.Enqueue(ctx, makeEvents(4))
	require.NoError(t, err)

	// The second firing arrives while the first is in the middle of its batch.
	started := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	f.target.before = func(types.ScheduleEvent) {
		once.Do(func() {
			close(started)
			<-resume
		})
	}

	done := make(chan Report)
	go func() {
		r, err := f.sched.ProcessNext(ctx)
		assert.NoError(t, err)
		done <- r
	}()

	<-started
	second, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	close(resume)

	first := <-done
	assert.Equal(t, 2, first.Materialized)
	assert.Equal(t, 1, first.Remaining)
	assert.Equal(t, []string{"fp-000", "fp-001"}, f.target.Calls())
}

func TestLeaseHeldByDeadProcessRearmsContinuation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "ttsync.db"))
	require.NoError(t, err)
	defer db.Close()
	f.sched.lease = lock.NewSQLLocker(db.DB(), "batch", 5*time.Minute)
	f.sched.opts.LeaseTTL = 5 * time.Minute

	_, err = f.sched.Enqueue(ctx, makeEvents(95))
	require.NoError(t, err)

	// A process took the lease and died without releasing it.
	dead, err := lock.NewSQLLocker(db.DB(), "batch", 5*time.Minute).TryLock(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, f.timers.ScheduleOnce(0, TaskID))
	runner := timer.NewRunner(f.timers, time.Hour)
	runner.Register(TaskID, func(ctx context.Context) error {
		_, err := f.sched.ProcessNext(ctx)
		return err
	})

	fired, err := runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, f.target.Calls())

	due, armed, err := f.timers.Pending(TaskID)
	require.NoError(t, err)
	require.True(t, armed, "queue must not be left without a continuation")
	assert.Equal(t, f.now.Add(5*time.Minute), due)

	// The dead holder's lease runs out.
	require.NoError(t, dead.Release(ctx))
	f.now = f.now.Add(5 * time.Minute)

	fired, err = runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Len(t, f.target.Calls(), 40)

	_, armed, err = f.timers.Pending(TaskID)
	require.NoError(t, err)
	assert.True(t, armed)
}

func TestSkippedInvocationKeepsArmedContinuation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sched.Enqueue(ctx, makeEvents(3))
	require.NoError(t, err)
	before, _, err := f.timers.Pending(TaskID)
	require.NoError(t, err)

	held, err := f.sched.lease.TryLock(ctx, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	after, armed, err := f.timers.Pending(TaskID)
	require.NoError(t, err)
	assert.True(t, armed)
	assert.Equal(t, before, after)
}

func TestSkippedInvocationOnEmptyQueueArmsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	held, err := f.sched.lease.TryLock(ctx, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	_, armed, err := f.timers.Pending(TaskID)
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestRestartBetweenEnqueueAndProcess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	events := makeEvents(5)

	_, err := f.sched.Enqueue(ctx, events)
	require.NoError(t, err)

	// A fresh scheduler sees only what was persisted.
	f.sched = nil
	restarted := f.build(nil)

	f.now = f.now.Add(10 * time.Second)
	due, err := f.timers.Due()
	require.NoError(t, err)
	assert.Equal(t, []string{TaskID}, due)

	report, err := restarted.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, report.Finished)
	assert.Equal(t, fingerprints(events), f.target.Calls())
}

func TestCrashMidBatchRetryReusesJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.log"))
	require.NoError(t, err)
	defer j.Close()

	f := newFixture(t, j)
	ctx := context.Background()
	events := makeEvents(4)

	_, err = f.sched.Enqueue(ctx, events)
	require.NoError(t, err)

	// First attempt dies after two items: the context is cancelled before
	// the third call and the queue is never re-persisted.
	attemptCtx, cancel := context.WithCancel(ctx)
	f.target.before = func(e types.ScheduleEvent) {
		if e.Fingerprint == "fp-001" {
			cancel()
		}
	}
	f.sched.sleep = func(c context.Context, _ time.Duration) error { return c.Err() }

	_, err = f.sched.ProcessNext(attemptCtx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.target.recorded)

	pending, err := f.sched.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.target.before = nil
	retry := f.build(j)
	report, err := retry.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reused)
	assert.Equal(t, 2, report.Materialized)
	assert.True(t, report.Finished)

	// fp-000 and fp-001 were created once each.
	assert.Equal(t, []string{"fp-000", "fp-001", "fp-002", "fp-003"}, f.target.Calls())
	assert.Len(t, f.target.recorded, 4)

	idx, err := j.Index()
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestAlreadyRecordedEventsAreSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.target.recorded["fp-000"] = "evt-existing"

	_, err := f.sched.Enqueue(ctx, makeEvents(2))
	require.NoError(t, err)

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reused)
	assert.Equal(t, []string{"fp-001"}, f.target.Calls())
	assert.Equal(t, "evt-existing", f.target.recorded["fp-000"])
}

func TestDiscardDuringBatchLeavesQueueAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.sched.opts.BatchSize = 1
	require.NoError(t, f.props.Set(props.KeySystemState, string(types.StateProcessing)))

	_, err := f.sched.Enqueue(ctx, makeEvents(3))
	require.NoError(t, err)

	f.target.before = func(types.ScheduleEvent) {
		// Force-reset lands while the head batch is running.
		require.NoError(t, f.sched.Discard())
		require.NoError(t, f.timers.Cancel(TaskID))
		require.NoError(t, f.props.Set(props.KeySystemState, string(types.StateIdle)))
	}

	report, err := f.sched.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Materialized)
	assert.False(t, report.Finished)

	_, ok, _ := f.props.Get(props.KeyPendingBatchQueue)
	assert.False(t, ok)
	_, ok, _ = f.timers.Pending(TaskID)
	assert.False(t, ok)
}

type countingObserver struct {
	materialized, failed, batches int
	depths                        []int
}

func (c *countingObserver) ItemMaterialized()            { c.materialized++ }
func (c *countingObserver) ItemFailed()                  { c.failed++ }
func (c *countingObserver) BatchProcessed(time.Duration) { c.batches++ }
func (c *countingObserver) QueueDepth(n int)             { c.depths = append(c.depths, n) }

func TestObserverSignals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	obs := &countingObserver{}
	f.sched.SetObserver(obs)
	f.sched.opts.BatchSize = 2
	f.target.failOn["fp-002"] = true

	_, err := f.sched.Enqueue(ctx, makeEvents(3))
	require.NoError(t, err)
	for {
		r, err := f.sched.ProcessNext(ctx)
		require.NoError(t, err)
		if r.Finished {
			break
		}
	}

	assert.Equal(t, 2, obs.materialized)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 2, obs.batches)
	assert.Equal(t, []int{2, 1, 0}, obs.depths)
}
