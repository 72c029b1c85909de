// ============================================================================
// Restart and recovery tests
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
//
// Every test runs the engine over the on-disk stack the daemon uses: SQLite
// snapshots, locks and properties, the iCalendar backend and the
// side-effect journal. A "restart" closes all of it and opens a fresh engine
// over the same directory.
//
// TestRestartResumesBatchLifecycle:
//   - initialize 5 sessions in batches of 2
//   - run one batch, then restart with the continuation lost
//   - Recover re-arms it and the runner drains the queue to IDLE
//
// TestJournalPreventsDuplicateEntry:
//   - a calendar entry exists and is journaled, but its id never reached
//     the stable snapshot (crash between create and flush)
//   - the next batch reuses the journaled id instead of creating a second
//     entry
//
// TestDeadBatchLeaseDoesNotStallQueue:
//   - a process dies holding the batch lease
//   - the next firing skips the batch but leaves a continuation armed
//
// TestConcurrentProcessRejected:
//   - a second engine over the same files cannot enter while the first
//     holds the state lock
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/timetable-sync/internal/batch"
	"github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/calendar/ics"
	"github.com/ChuLiYu/timetable-sync/internal/engine"
	"github.com/ChuLiYu/timetable-sync/internal/feed"
	"github.com/ChuLiYu/timetable-sync/internal/journal"
	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/notify"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/snapshot"
	"github.com/ChuLiYu/timetable-sync/internal/store"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

type staticFeed []feed.Record

func (f staticFeed) FetchAll(context.Context, time.Time) ([]feed.Record, error) {
	return append([]feed.Record(nil), f...), nil
}

// futureSessions returns n weekly sessions far enough ahead to stay future.
func futureSessions(n int) staticFeed {
	out := make(staticFeed, n)
	start := time.Date(2099, 9, 1, 7, 0, 0, 0, time.UTC)
	for i := range out {
		day := start.AddDate(0, 0, 7*i)
		out[i] = feed.Record{
			SubjectCode: feed.Text(fmt.Sprintf("SUB%02d", i)),
			SectionCode: "01",
			StartTime:   feed.Text(day.Format("2006-01-02T15:04:05")),
			EndTime:     feed.Text(day.Add(150 * time.Minute).Format("2006-01-02T15:04:05")),
			Room:        "A101",
			Campus:      "CS1",
			Instructor:  "Tran",
			SessionKind: "0",
			SubjectName: feed.Text(fmt.Sprintf("Subject %d", i)),
		}
	}
	return out
}

// node is one process's worth of stores and engine over dir.
type node struct {
	db      *store.Store
	props   *props.SQLStore
	timers  *timer.Store
	journal *journal.Journal
	cal     *ics.Backend
	engine  *engine.Engine
	runner  *timer.Runner
}

func open(t *testing.T, dir string, records staticFeed) *node {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "ttsync.db"))
	require.NoError(t, err)
	j, err := journal.Open(filepath.Join(dir, "journal.log"))
	require.NoError(t, err)
	cal, err := ics.New(filepath.Join(dir, "calendars"))
	require.NoError(t, err)

	n := &node{
		db:      db,
		props:   props.NewSQLStore(db.DB()),
		journal: j,
		cal:     cal,
	}
	n.timers = timer.NewStore(n.props, time.Now)
	n.engine = engine.New(engine.Config{
		Location:     time.UTC,
		CalendarName: "Timetable",
		Batch:        batch.Options{BatchSize: 2, LeaseTTL: time.Minute},
	}, engine.Deps{
		Props:       n.props,
		Storage:     snapshot.NewRepository(db.DB()),
		Calendar:    cal,
		Fetcher:     records,
		Composer:    notify.NewComposer(nil, "direct", time.Second, notify.Links{}, time.UTC),
		StateLock:   lock.NewSQLLocker(db.DB(), "state", 30*time.Second),
		BatchLease:  lock.NewSQLLocker(db.DB(), "batch", time.Minute),
		Timers:      n.timers,
		Journal:     j,
		LockTimeout: 50 * time.Millisecond,
	})
	n.runner = timer.NewRunner(n.timers, time.Hour)
	n.runner.Register(batch.TaskID, n.engine.MaterializeBatch)
	return n
}

func (n *node) close(t *testing.T) {
	t.Helper()
	require.NoError(t, n.journal.Close())
	require.NoError(t, n.db.Close())
}

func (n *node) calendarID(t *testing.T) string {
	t.Helper()
	id, ok, err := n.props.Get(props.KeyCalendarID)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func (n *node) stable(t *testing.T) []types.ScheduleEvent {
	t.Helper()
	id, ok, err := n.props.Get(props.KeyStableSnapshotID)
	require.NoError(t, err)
	require.True(t, ok)
	rows, err := snapshot.NewRepository(n.db.DB()).ReadAll(context.Background(), id)
	require.NoError(t, err)
	return rows
}

// drain ticks the runner until the system is IDLE.
func (n *node) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 10 {
		st, err := n.engine.SystemState()
		require.NoError(t, err)
		if st == types.StateIdle {
			return
		}
		_, err = n.runner.Tick(ctx)
		require.NoError(t, err)
	}
	t.Fatal("batch lifecycle did not finish")
}

func TestRestartResumesBatchLifecycle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	records := futureSessions(5)

	first := open(t, dir, records)
	res, err := first.engine.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)

	fired, err := first.runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	st, err := first.engine.Status()
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, st.State)
	assert.Equal(t, 2, st.PendingBatches)

	// the continuation is lost with the process
	require.NoError(t, first.props.Delete(props.TriggerPrefix+batch.TaskID))
	first.close(t)

	second := open(t, dir, records)
	defer second.close(t)
	_, armed, err := second.timers.Pending(batch.TaskID)
	require.NoError(t, err)
	require.False(t, armed)

	require.NoError(t, second.engine.Recover(ctx))
	_, armed, err = second.timers.Pending(batch.TaskID)
	require.NoError(t, err)
	assert.True(t, armed)

	second.drain(t)

	entries, err := second.cal.Events(second.calendarID(t))
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	for _, ev := range second.stable(t) {
		assert.NotEmpty(t, ev.ExternalID, ev.SubjectCode)
	}

	st, err = second.engine.Status()
	require.NoError(t, err)
	assert.Zero(t, st.PendingBatches)
	assert.Nil(t, st.NextBatchAt)
}

func TestJournalPreventsDuplicateEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	records := futureSessions(2)

	n := open(t, dir, records)
	defer n.close(t)
	_, err := n.engine.Initialize(ctx)
	require.NoError(t, err)

	ev, err := records[0].Normalize(time.UTC)
	require.NoError(t, err)
	calID := n.calendarID(t)
	id, err := n.cal.Create(ctx, calID, calendar.BuildEntry(ev, calendar.EntryOptions{}))
	require.NoError(t, err)
	require.NoError(t, n.journal.Append(journal.EntryMaterialized, ev.Fingerprint, id))

	n.drain(t)

	entries, err := n.cal.Events(calID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	ids := make(map[string]string)
	for _, row := range n.stable(t) {
		ids[row.Fingerprint] = row.ExternalID
	}
	assert.Equal(t, id, ids[ev.Fingerprint])

	idx, err := n.journal.Index()
	require.NoError(t, err)
	assert.Empty(t, idx, "journal is reset when the lifecycle finishes")
}

func TestDeadBatchLeaseDoesNotStallQueue(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	n := open(t, dir, futureSessions(3))
	defer n.close(t)
	_, err := n.engine.Initialize(ctx)
	require.NoError(t, err)

	_, err = lock.NewSQLLocker(n.db.DB(), "batch", time.Minute).TryLock(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, n.timers.ScheduleOnce(0, batch.TaskID))
	fired, err := n.runner.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	st, err := n.engine.Status()
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, st.State)
	assert.Equal(t, 2, st.PendingBatches)
	require.NotNil(t, st.NextBatchAt, "a continuation is armed for the stalled queue")
	assert.WithinDuration(t, time.Now().Add(time.Minute), *st.NextBatchAt, 10*time.Second)
}

func TestConcurrentProcessRejected(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	records := futureSessions(1)

	a := open(t, dir, records)
	defer a.close(t)
	b := open(t, dir, records)
	defer b.close(t)

	lease, err := lock.NewSQLLocker(a.db.DB(), "state", 30*time.Second).TryLock(ctx, 0)
	require.NoError(t, err)

	_, err = b.engine.RunSync(ctx)
	assert.ErrorIs(t, err, syncerr.ErrLockContention)
	require.NoError(t, lease.Release(ctx))

	_, err = a.engine.Initialize(ctx)
	require.NoError(t, err)
	_, err = b.engine.RunSync(ctx)
	assert.ErrorIs(t, err, syncerr.ErrBusy)
}
