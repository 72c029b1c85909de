// ============================================================================
// Sync engine
// ============================================================================
//
// Package: internal/engine
// Purpose: the top-level operations every outer surface (CLI, HTTP, timers)
// calls into.
//
// Components wired here:
//   - state.Machine:     IDLE/PROCESSING gate with the advisory lock
//   - resolver.Resolver: stable/staging surfaces and the calendar, self-healing
//   - feed.Fetcher:      paginated timetable fetch
//   - diff:              added/removed by fingerprint, commit of stable
//   - batch.Scheduler:   persisted queue of pending materializations
//   - notify.Composer:   change notification
//
// Mutating operations (RunSync, Initialize, Reset) enter PROCESSING first and
// never leave it themselves on success: the batch scheduler's terminal step
// does, even when nothing was enqueued. On failure before the queue is
// written they run the terminal step directly.
//
// Start-up recovery (Recover):
//   PROCESSING, queue non-empty, no continuation armed → arm one
//   PROCESSING, queue empty,     no continuation armed → orphaned, log it
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/batch"
	"github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/diff"
	"github.com/ChuLiYu/timetable-sync/internal/feed"
	"github.com/ChuLiYu/timetable-sync/internal/journal"
	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/metrics"
	"github.com/ChuLiYu/timetable-sync/internal/notify"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/resolver"
	"github.com/ChuLiYu/timetable-sync/internal/snapshot"
	"github.com/ChuLiYu/timetable-sync/internal/state"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("engine")

var (
	ErrInvalidResetMode = errors.New("reset mode must be safe or recreate")
	ErrNoPastEvents     = errors.New("no past sessions recorded yet")
)

// Reset modes.
const (
	ResetSafe     = "safe"
	ResetRecreate = "recreate"
)

// Composer builds the change notification.
type Composer interface {
	Compose(ctx context.Context, added, removed []types.ScheduleEvent) notify.Message
}

// Metrics is what the engine reports to. metrics.Collector satisfies it.
type Metrics interface {
	batch.Observer
	RecordSync(result string, added, removed int)
	SetProcessing(on bool)
	SetRecoveryTime(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ItemMaterialized()             {}
func (nopMetrics) ItemFailed()                   {}
func (nopMetrics) BatchProcessed(time.Duration)  {}
func (nopMetrics) QueueDepth(int)                {}
func (nopMetrics) RecordSync(string, int, int)   {}
func (nopMetrics) SetProcessing(bool)            {}
func (nopMetrics) SetRecoveryTime(time.Duration) {}

// Config holds the engine's behavior knobs.
type Config struct {
	Location     *time.Location
	CalendarName string
	SyncTimes    []string // "HH:MM" marks at which the auto-sync trigger runs
	Entry        calendar.EntryOptions
	DeleteDelay  time.Duration
	Batch        batch.Options
	// SyncStart returns the first day to fetch. Nil means today.
	SyncStart func(now time.Time) time.Time
}

// Deps are the collaborators.
type Deps struct {
	Props      props.Store
	Storage    snapshot.Storage
	Calendar   calendar.Backend
	Fetcher    feed.Fetcher
	Composer   Composer
	StateLock  lock.Locker
	BatchLease lock.Locker
	Timers     timer.Scheduler
	Journal    *journal.Journal
	Metrics    Metrics
	// LockTimeout bounds the advisory lock wait on entry.
	LockTimeout time.Duration
}

// Engine implements the sync operations.
type Engine struct {
	cfg      Config
	props    props.Store
	storage  snapshot.Storage
	backend  calendar.Backend
	fetcher  feed.Fetcher
	composer Composer
	timers   timer.Scheduler
	metrics  Metrics

	state    *state.Machine
	resolver *resolver.Resolver
	batch    *batch.Scheduler

	// resolved once per batch by Prepare
	mu          sync.Mutex
	batchCal    string
	batchStable string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New wires an Engine.
func New(cfg Config, d Deps) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CalendarName == "" {
		cfg.CalendarName = "Timetable"
	}
	m := d.Metrics
	if m == nil {
		m = nopMetrics{}
	}

	e := &Engine{
		cfg:      cfg,
		props:    d.Props,
		storage:  d.Storage,
		backend:  d.Calendar,
		fetcher:  d.Fetcher,
		composer: d.Composer,
		timers:   d.Timers,
		metrics:  m,
		state:    state.New(d.Props, d.StateLock, d.LockTimeout),
		resolver: resolver.New(d.Props),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	e.batch = batch.New(d.Props, d.Timers, d.BatchLease, e, e, d.Journal, cfg.Batch)
	e.batch.SetObserver(m)
	return e
}

// Batch exposes the scheduler, mainly for the timer runner registration.
func (e *Engine) Batch() *batch.Scheduler {
	return e.batch
}

// SetIdle is the terminal transition handed to the batch scheduler.
func (e *Engine) SetIdle() error {
	if err := e.state.SetIdle(); err != nil {
		return err
	}
	e.metrics.SetProcessing(false)
	return nil
}

// ----------------------------------------------------------------------------
// Resources
// ----------------------------------------------------------------------------

func (e *Engine) stableID(ctx context.Context) (string, error) {
	return e.resolver.Resolve(ctx, props.KeyStableSnapshotID, resolver.Surface{Storage: e.storage, Name: snapshot.StableName})
}

func (e *Engine) stagingID(ctx context.Context) (string, error) {
	return e.resolver.Resolve(ctx, props.KeyStagingSnapshotID, resolver.Surface{Storage: e.storage, Name: snapshot.StagingName})
}

func (e *Engine) calendarID(ctx context.Context) (string, error) {
	return e.resolver.Resolve(ctx, props.KeyCalendarID, resolver.Calendar{Backend: e.backend, Name: e.cfg.CalendarName})
}

// ----------------------------------------------------------------------------
// Sync
// ----------------------------------------------------------------------------

// RunSync fetches the feed, diffs it against stable, deletes removed entries,
// commits stable and enqueues the added events.
func (e *Engine) RunSync(ctx context.Context) (types.SyncResult, error) {
	if err := e.enter(ctx); err != nil {
		return e.rejected(err)
	}

	res, err := e.sync(ctx)
	if err != nil {
		e.abort(ctx, err)
		e.metrics.RecordSync(metrics.ResultError, 0, 0)
		return failure("Sync failed", err), err
	}
	return res, nil
}

func (e *Engine) sync(ctx context.Context) (types.SyncResult, error) {
	now := e.now()
	stableID, err := e.stableID(ctx)
	if err != nil {
		return types.SyncResult{}, err
	}
	stagingID, err := e.stagingID(ctx)
	if err != nil {
		return types.SyncResult{}, err
	}

	events, err := e.fetch(ctx, now)
	if err != nil {
		return types.SyncResult{}, err
	}
	staging := diff.Future(events, now)
	if err := e.storage.WriteAll(ctx, stagingID, staging); err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to write staging: %w", err)
	}

	stable, err := e.storage.ReadAll(ctx, stableID)
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to read stable: %w", err)
	}

	d := diff.Compute(stable, staging, now)
	if err := e.props.Set(props.KeyLastSyncAt, now.UTC().Format(time.RFC3339)); err != nil {
		log.Warn("failed to record last sync time", "error", err)
	}

	if d.IsNoop() {
		if err := e.storage.Clear(ctx, stagingID); err != nil {
			log.Warn("failed to discard staging", "error", err)
		}
		if err := e.batch.Finish(ctx); err != nil {
			return types.SyncResult{}, err
		}
		e.metrics.RecordSync(metrics.ResultNoop, 0, 0)
		log.Info("sync found no changes", "staged", len(staging))
		return types.SyncResult{OK: true, Message: "Schedule is up to date; no changes found."}, nil
	}

	log.Info("sync found changes", "added", len(d.Added), "removed", len(d.Removed))

	if len(d.Removed) > 0 {
		calID, err := e.calendarID(ctx)
		if err != nil {
			return types.SyncResult{}, err
		}
		e.deleteEntries(ctx, calID, d.Removed)
	}

	if err := e.storage.WriteAll(ctx, stableID, diff.Commit(stable, staging, now)); err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to commit stable: %w", err)
	}
	if err := e.storage.Clear(ctx, stagingID); err != nil {
		log.Warn("failed to discard staging", "error", err)
	}

	msg := e.compose(ctx, d.Added, d.Removed)

	if _, err := e.batch.Enqueue(ctx, d.Added); err != nil {
		return types.SyncResult{}, err
	}

	e.metrics.RecordSync(metrics.ResultChanged, len(d.Added), len(d.Removed))
	return types.SyncResult{
		OK:      true,
		Added:   len(d.Added),
		Removed: len(d.Removed),
		Message: fmt.Sprintf("Sync complete: %d added, %d removed.", len(d.Added), len(d.Removed)),
		Detail:  msg,
	}, nil
}

func (e *Engine) fetch(ctx context.Context, now time.Time) ([]types.ScheduleEvent, error) {
	since := e.syncStart(now)
	records, err := e.fetcher.FetchAll(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch timetable: %w", err)
	}
	return feed.Normalize(records, e.cfg.Location), nil
}

func (e *Engine) syncStart(now time.Time) time.Time {
	if e.cfg.SyncStart != nil {
		return e.cfg.SyncStart(now)
	}
	y, m, d := now.In(e.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.cfg.Location)
}

func (e *Engine) compose(ctx context.Context, added, removed []types.ScheduleEvent) string {
	if e.composer == nil {
		return ""
	}
	msg := e.composer.Compose(ctx, added, removed)
	log.Info("change notification composed", "subject", msg.Subject, "summarized", msg.Summarized)
	return msg.Subject + "\n\n" + msg.Body
}

// deleteEntries removes calendar entries one by one. Failures are logged and
// ignored: the entry is usually already gone.
func (e *Engine) deleteEntries(ctx context.Context, calID string, events []types.ScheduleEvent) int {
	deleted := 0
	for _, ev := range events {
		if ev.ExternalID == "" {
			continue
		}
		if deleted > 0 {
			if err := e.sleep(ctx, e.cfg.DeleteDelay); err != nil {
				return deleted
			}
		}
		if err := e.backend.Delete(ctx, calID, ev.ExternalID); err != nil {
			log.Warn("failed to delete calendar entry", "fingerprint", ev.Fingerprint, "external_id", ev.ExternalID, "error", err)
		}
		deleted++
	}
	return deleted
}

// ----------------------------------------------------------------------------
// Initialize and reset
// ----------------------------------------------------------------------------

// Initialize fetches the whole schedule into stable and enqueues every future
// event that has no calendar entry yet.
func (e *Engine) Initialize(ctx context.Context) (types.SyncResult, error) {
	if err := e.enter(ctx); err != nil {
		return e.rejected(err)
	}
	res, err := e.initialize(ctx)
	if err != nil {
		e.abort(ctx, err)
		return failure("Initialization failed", err), err
	}
	return res, nil
}

func (e *Engine) initialize(ctx context.Context) (types.SyncResult, error) {
	now := e.now()
	stableID, err := e.stableID(ctx)
	if err != nil {
		return types.SyncResult{}, err
	}
	if _, err := e.stagingID(ctx); err != nil {
		return types.SyncResult{}, err
	}
	if _, err := e.calendarID(ctx); err != nil {
		return types.SyncResult{}, err
	}

	events, err := e.fetch(ctx, now)
	if err != nil {
		return types.SyncResult{}, err
	}
	if err := e.storage.WriteAll(ctx, stableID, events); err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to write stable: %w", err)
	}
	if err := e.props.Set(props.KeyLastSyncAt, now.UTC().Format(time.RFC3339)); err != nil {
		log.Warn("failed to record last sync time", "error", err)
	}

	pending := make([]types.ScheduleEvent, 0, len(events))
	for _, ev := range diff.Future(events, now) {
		if ev.ExternalID == "" {
			pending = append(pending, ev)
		}
	}
	batches, err := e.batch.Enqueue(ctx, pending)
	if err != nil {
		return types.SyncResult{}, err
	}

	log.Info("system initialized", "stored", len(events), "queued", len(pending), "batches", batches)
	return types.SyncResult{
		OK:      true,
		Added:   len(pending),
		Message: fmt.Sprintf("Initialized: %d sessions stored, %d queued in %d batches.", len(events), len(pending), batches),
	}, nil
}

// Reset clears the calendar and snapshots, then initializes again. Mode safe
// deletes only the entries recorded in stable; mode recreate drops the whole
// calendar.
func (e *Engine) Reset(ctx context.Context, mode string) (types.SyncResult, error) {
	if mode != ResetSafe && mode != ResetRecreate {
		return failure("Reset rejected", ErrInvalidResetMode), ErrInvalidResetMode
	}
	if err := e.enter(ctx); err != nil {
		return e.rejected(err)
	}

	if err := e.clear(ctx, mode); err != nil {
		e.abort(ctx, err)
		return failure("Reset failed", err), err
	}
	res, err := e.initialize(ctx)
	if err != nil {
		e.abort(ctx, err)
		return failure("Reset failed", err), err
	}
	res.Message = fmt.Sprintf("Reset (%s) done. %s", mode, res.Message)
	return res, nil
}

func (e *Engine) clear(ctx context.Context, mode string) error {
	stableID, err := e.stableID(ctx)
	if err != nil {
		return err
	}
	stagingID, err := e.stagingID(ctx)
	if err != nil {
		return err
	}

	switch mode {
	case ResetSafe:
		calID, err := e.calendarID(ctx)
		if err != nil {
			return err
		}
		rows, err := e.storage.ReadAll(ctx, stableID)
		if err != nil {
			return fmt.Errorf("failed to read stable: %w", err)
		}
		n := e.deleteEntries(ctx, calID, rows)
		log.Info("calendar entries deleted", "count", n)
	case ResetRecreate:
		calID, ok, err := e.props.Get(props.KeyCalendarID)
		if err != nil {
			return err
		}
		if ok && calID != "" {
			if err := e.backend.DeleteCalendar(ctx, calID); err != nil && !errors.Is(err, calendar.ErrCalendarNotFound) {
				return fmt.Errorf("failed to delete calendar: %w", err)
			}
		}
		if err := e.resolver.Forget(props.KeyCalendarID); err != nil {
			return err
		}
		log.Info("calendar dropped", "id", calID)
	}

	if err := e.storage.Clear(ctx, stableID); err != nil {
		return fmt.Errorf("failed to clear stable: %w", err)
	}
	if err := e.storage.Clear(ctx, stagingID); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}
	if err := e.timers.Cancel(batch.TaskID); err != nil {
		return err
	}
	if err := e.batch.Discard(); err != nil {
		return err
	}
	if err := e.batch.ResetJournal(); err != nil {
		log.Warn("journal reset failed", "error", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Batches and recovery
// ----------------------------------------------------------------------------

// MaterializeBatch is the continuation handler for batch.TaskID.
func (e *Engine) MaterializeBatch(ctx context.Context) error {
	report, err := e.batch.ProcessNext(ctx)
	if err != nil {
		log.Error("batch processing failed", "error", err)
		return err
	}
	if report.Skipped {
		return nil
	}
	if report.Finished {
		log.Info("materialization complete")
	}
	return nil
}

// ForceReset cancels the batch continuation, discards the queue and writes
// IDLE regardless of the lock. The emergency path also cancels every timer,
// turns auto-sync off and forgets every resource identifier. It always
// succeeds; individual step failures are reported in the message.
func (e *Engine) ForceReset(ctx context.Context, emergency bool) types.SyncResult {
	var problems []error
	note := func(err error) {
		if err != nil {
			log.Error("force reset step failed", "error", err)
			problems = append(problems, err)
		}
	}

	if emergency {
		note(e.timers.CancelAll())
		note(props.SetBool(e.props, props.KeyAutoSync, false))
		note(e.resolver.Forget(props.KeyStableSnapshotID, props.KeyStagingSnapshotID, props.KeyCalendarID))
		note(e.batch.ResetJournal())
	} else {
		note(e.timers.Cancel(batch.TaskID))
	}
	note(e.batch.Discard())
	note(e.SetIdle())

	kind := "Force reset"
	if emergency {
		kind = "Emergency reset"
	}
	log.Warn("system force-reset", "emergency", emergency, "problems", len(problems))

	msg := kind + " done: system is IDLE and the batch queue is empty."
	if len(problems) > 0 {
		msg = fmt.Sprintf("%s (%d steps failed, see logs: %v)", msg, len(problems), errors.Join(problems...))
	}
	return types.SyncResult{OK: true, Message: msg}
}

// Recover re-arms a lost continuation after a restart.
func (e *Engine) Recover(ctx context.Context) error {
	started := e.now()
	defer func() { e.metrics.SetRecoveryTime(e.now().Sub(started)) }()

	st, err := e.state.Current()
	if err != nil {
		return err
	}
	e.metrics.SetProcessing(st == types.StateProcessing)

	queue, err := e.batch.Pending()
	if err != nil {
		return err
	}
	e.metrics.QueueDepth(len(queue))
	if st != types.StateProcessing {
		return nil
	}

	due, armed, err := e.timers.Pending(batch.TaskID)
	if err != nil {
		return err
	}
	switch {
	case armed:
		log.Info("recovered in PROCESSING, continuation already armed", "due", due, "batches", len(queue))
	case len(queue) > 0:
		log.Warn("recovered in PROCESSING without a continuation, re-arming", "batches", len(queue))
		return e.timers.ScheduleOnce(e.cfg.Batch.FirstDelay, batch.TaskID)
	default:
		log.Warn("system is PROCESSING with an empty queue and nothing armed; use force-reset if no sync is running")
	}
	return nil
}

// ----------------------------------------------------------------------------
// batch.Target
// ----------------------------------------------------------------------------

func (e *Engine) Prepare(ctx context.Context) (map[string]string, error) {
	stableID, err := e.stableID(ctx)
	if err != nil {
		return nil, err
	}
	calID, err := e.calendarID(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.batchStable, e.batchCal = stableID, calID
	e.mu.Unlock()

	rows, err := e.storage.ReadAll(ctx, stableID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]string)
	for _, r := range rows {
		if r.ExternalID != "" {
			known[r.Fingerprint] = r.ExternalID
		}
	}
	return known, nil
}

func (e *Engine) Materialize(ctx context.Context, ev types.ScheduleEvent) (string, error) {
	e.mu.Lock()
	calID := e.batchCal
	e.mu.Unlock()

	entry := calendar.BuildEntry(ev, e.cfg.Entry)
	id, err := e.backend.Create(ctx, calID, entry)
	if errors.Is(err, calendar.ErrCalendarNotFound) {
		// Deleted out of band mid-batch: heal once and retry.
		if calID, err = e.calendarID(ctx); err != nil {
			return "", err
		}
		e.mu.Lock()
		e.batchCal = calID
		e.mu.Unlock()
		id, err = e.backend.Create(ctx, calID, entry)
	}
	return id, err
}

func (e *Engine) RecordExternalIDs(ctx context.Context, updates []types.ExternalIDUpdate) error {
	e.mu.Lock()
	stableID := e.batchStable
	e.mu.Unlock()
	return e.storage.UpdateExternalIDs(ctx, stableID, updates)
}

// ----------------------------------------------------------------------------
// Status and auto-sync
// ----------------------------------------------------------------------------

// SystemState is the read-only status check for pollers.
func (e *Engine) SystemState() (types.SystemState, error) {
	return e.state.Current()
}

// Status gathers everything a poller shows.
func (e *Engine) Status() (types.Status, error) {
	st, err := e.state.Current()
	if err != nil {
		return types.Status{}, err
	}
	auto, err := props.GetBool(e.props, props.KeyAutoSync)
	if err != nil {
		return types.Status{}, err
	}
	queue, err := e.batch.Pending()
	if err != nil {
		return types.Status{}, err
	}

	out := types.Status{State: st, AutoSync: auto, PendingBatches: len(queue)}
	for _, b := range queue {
		out.PendingEvents += len(b)
	}

	if v, ok, err := e.props.Get(props.KeyLastSyncAt); err == nil && ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.LastSyncAt = &t
		}
	}
	if due, ok, err := e.timers.Pending(batch.TaskID); err == nil && ok {
		out.NextBatchAt = &due
	}
	return out, nil
}

// ToggleAutoSync turns the scheduled sync on or off.
func (e *Engine) ToggleAutoSync(on bool) error {
	if err := props.SetBool(e.props, props.KeyAutoSync, on); err != nil {
		return err
	}
	log.Info("auto-sync toggled", "on", on)
	return nil
}

// HandleTrigger runs a sync when auto-sync is on and now, rounded down to a
// quarter hour in the configured zone, is one of the sync times.
func (e *Engine) HandleTrigger(ctx context.Context, now time.Time) (bool, types.SyncResult, error) {
	on, err := props.GetBool(e.props, props.KeyAutoSync)
	if err != nil {
		return false, types.SyncResult{}, err
	}
	if !on {
		return false, types.SyncResult{}, nil
	}

	mark := QuarterMark(now, e.cfg.Location)
	if !slices.Contains(e.cfg.SyncTimes, mark) {
		log.Debug("trigger outside sync times", "mark", mark)
		return false, types.SyncResult{}, nil
	}

	log.Info("scheduled sync starting", "mark", mark)
	res, err := e.RunSync(ctx)
	return true, res, err
}

// QuarterMark formats now in loc rounded down to 15 minutes as "HH:MM".
func QuarterMark(now time.Time, loc *time.Location) string {
	local := now.In(loc)
	return fmt.Sprintf("%02d:%02d", local.Hour(), local.Minute()/15*15)
}

// ----------------------------------------------------------------------------
// Check-in and dashboard
// ----------------------------------------------------------------------------

// Checkin returns the session behind a check-in link.
func (e *Engine) Checkin(ctx context.Context, fingerprint string) (types.CheckinView, error) {
	stableID, err := e.stableID(ctx)
	if err != nil {
		return types.CheckinView{}, err
	}
	ev, err := e.storage.FindByFingerprint(ctx, stableID, fingerprint)
	if err != nil {
		return types.CheckinView{}, err
	}
	return checkinView(ev), nil
}

// SetAttendance records whether the student attended a session.
func (e *Engine) SetAttendance(ctx context.Context, fingerprint string, attended bool) (types.CheckinView, error) {
	stableID, err := e.stableID(ctx)
	if err != nil {
		return types.CheckinView{}, err
	}
	if err := e.storage.UpdateField(ctx, stableID, fingerprint, snapshot.FieldAttendance, strconv.FormatBool(attended)); err != nil {
		return types.CheckinView{}, err
	}
	ev, err := e.storage.FindByFingerprint(ctx, stableID, fingerprint)
	if err != nil {
		return types.CheckinView{}, err
	}
	log.Info("attendance recorded", "fingerprint", fingerprint, "attended", attended)
	return checkinView(ev), nil
}

func checkinView(ev types.ScheduleEvent) types.CheckinView {
	return types.CheckinView{
		Fingerprint: ev.Fingerprint,
		SubjectName: ev.SubjectName,
		Room:        ev.Room,
		StartsAt:    ev.StartsAt,
		EndsAt:      ev.EndsAt,
		Attended:    ev.Attended,
	}
}

// Dashboard summarizes attendance per subject over sessions that started
// before now, sorted by subject.
func (e *Engine) Dashboard(ctx context.Context, now time.Time) ([]types.DashboardRow, error) {
	stableID, err := e.stableID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := e.storage.ReadAll(ctx, stableID)
	if err != nil {
		return nil, err
	}

	bySubject := make(map[string]*types.DashboardRow)
	for _, ev := range rows {
		if ev.StartsAt.After(now) {
			continue
		}
		name := ev.SubjectName
		if name == "" {
			name = ev.SubjectCode
		}
		r, ok := bySubject[name]
		if !ok {
			r = &types.DashboardRow{Subject: name}
			bySubject[name] = r
		}
		r.Total++
		if ev.Attended {
			r.Present++
		} else {
			r.Absent++
		}
	}
	if len(bySubject) == 0 {
		return nil, ErrNoPastEvents
	}

	out := make([]types.DashboardRow, 0, len(bySubject))
	for _, r := range bySubject {
		r.Rate = int(math.Round(float64(r.Present) * 100 / float64(r.Total)))
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func (e *Engine) enter(ctx context.Context) error {
	if err := e.state.Enter(ctx); err != nil {
		return err
	}
	e.metrics.SetProcessing(true)
	return nil
}

// abort runs the terminal step after a failure that happened before the
// queue was handed over.
func (e *Engine) abort(ctx context.Context, cause error) {
	log.Error("operation aborted", "error", cause)
	if err := e.batch.Finish(context.WithoutCancel(ctx)); err != nil {
		log.Error("failed to return to IDLE after abort", "error", err)
	}
}

func (e *Engine) rejected(err error) (types.SyncResult, error) {
	switch {
	case errors.Is(err, syncerr.ErrBusy):
		e.metrics.RecordSync(metrics.ResultBusy, 0, 0)
		return types.SyncResult{Message: "System is busy with another sync; try again later."}, err
	case errors.Is(err, syncerr.ErrLockContention):
		e.metrics.RecordSync(metrics.ResultContention, 0, 0)
		return types.SyncResult{Message: "Could not acquire the lock; another action is starting. Try again shortly."}, err
	default:
		return failure("Could not start", err), err
	}
}

func failure(what string, err error) types.SyncResult {
	reason := err.Error()
	switch {
	case syncerr.IsStructural(err):
		reason = "the timetable server returned data in an unexpected shape"
	case syncerr.IsTransient(err):
		reason = "the timetable server is unreachable; try again later"
	}
	return types.SyncResult{Message: fmt.Sprintf("%s: %s.", what, reason)}
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
