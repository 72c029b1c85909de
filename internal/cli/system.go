package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/timetable-sync/internal/batch"
	"github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/calendar/google"
	"github.com/ChuLiYu/timetable-sync/internal/calendar/ics"
	"github.com/ChuLiYu/timetable-sync/internal/config"
	"github.com/ChuLiYu/timetable-sync/internal/engine"
	"github.com/ChuLiYu/timetable-sync/internal/feed"
	"github.com/ChuLiYu/timetable-sync/internal/journal"
	"github.com/ChuLiYu/timetable-sync/internal/lock"
	"github.com/ChuLiYu/timetable-sync/internal/metrics"
	"github.com/ChuLiYu/timetable-sync/internal/notify"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/snapshot"
	"github.com/ChuLiYu/timetable-sync/internal/store"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
)

// stateLockTTL bounds how long a crashed Enter can hold the state lock.
const stateLockTTL = 30 * time.Second

// system is one process's view of the persisted stores and the engine over
// them.
type system struct {
	cfg     *config.Config
	loc     *time.Location
	store   *store.Store
	props   *props.SQLStore
	timers  *timer.Store
	journal *journal.Journal
	metrics *metrics.Collector
	engine  *engine.Engine
}

// openSystem wires every component from cfg. reg receives the metrics; nil
// means a private registry, which is what one-shot commands want.
func openSystem(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*system, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	sys := &system{cfg: cfg, loc: loc}
	ok := false
	defer func() {
		if !ok {
			_ = sys.Close()
		}
	}()

	if sys.store, err = store.Open(cfg.Storage.Database); err != nil {
		return nil, err
	}
	sys.props = props.NewSQLStore(sys.store.DB())
	sys.timers = timer.NewStore(sys.props, time.Now)
	if sys.journal, err = journal.Open(cfg.Storage.Journal); err != nil {
		return nil, err
	}

	backend, err := openCalendar(ctx, cfg)
	if err != nil {
		return nil, err
	}
	composer, err := newComposer(ctx, cfg, loc)
	if err != nil {
		return nil, err
	}
	sys.metrics = metrics.NewCollector(reg)

	fetcher := feed.NewClient(feed.Options{
		URL:        cfg.Feed.URL,
		StudentID:  cfg.Feed.StudentID,
		PageSize:   cfg.Feed.PageSize,
		MaxRetries: cfg.Feed.MaxRetries,
		RetryDelay: cfg.Feed.RetryDelay,
	})

	db := sys.store.DB()
	sys.engine = engine.New(engine.Config{
		Location:     loc,
		CalendarName: cfg.Calendar.Name,
		SyncTimes:    cfg.Schedule.SyncTimes,
		Entry: calendar.EntryOptions{
			WebAppURL:           cfg.Links.WebAppURL,
			OfficialScheduleURL: cfg.Links.OfficialScheduleURL,
		},
		DeleteDelay: cfg.Batch.DeleteDelay,
		Batch: batch.Options{
			BatchSize:  cfg.Batch.Size,
			FirstDelay: cfg.Batch.FirstDelay,
			BatchDelay: cfg.Batch.Delay,
			ItemDelay:  cfg.Batch.ItemDelay,
			LeaseTTL:   cfg.Batch.LeaseTTL,
		},
		SyncStart: func(now time.Time) time.Time { return cfg.SyncStart(now, loc) },
	}, engine.Deps{
		Props:       sys.props,
		Storage:     snapshot.NewRepository(db),
		Calendar:    backend,
		Fetcher:     fetcher,
		Composer:    composer,
		StateLock:   lock.NewSQLLocker(db, "state", stateLockTTL),
		BatchLease:  lock.NewSQLLocker(db, "batch", cfg.Batch.LeaseTTL),
		Timers:      sys.timers,
		Journal:     sys.journal,
		Metrics:     sys.metrics,
		LockTimeout: cfg.Lock.Timeout,
	})

	ok = true
	return sys, nil
}

func openCalendar(ctx context.Context, cfg *config.Config) (calendar.Backend, error) {
	switch cfg.Calendar.Backend {
	case config.BackendGoogle:
		return google.Login(ctx, cfg.Calendar.CredentialsFile, cfg.Calendar.TokenFile, cfg.Schedule.Timezone)
	case config.BackendMemory:
		log.Warn("memory calendar backend selected; entries do not outlive the process")
		return calendar.NewMemory(), nil
	default:
		return ics.New(cfg.Calendar.ICSDir)
	}
}

func newComposer(ctx context.Context, cfg *config.Config, loc *time.Location) (*notify.Composer, error) {
	links := notify.Links{
		OfficialSchedule: cfg.Links.OfficialScheduleURL,
		Dashboard:        cfg.Links.WebAppURL,
	}
	if cfg.Notify.GeminiAPIKey == "" {
		return notify.NewComposer(nil, cfg.Notify.Tone, cfg.Notify.Timeout, links, loc), nil
	}
	g, err := notify.NewGemini(ctx, notify.GeminiOptions{
		APIKey: cfg.Notify.GeminiAPIKey,
		Model:  cfg.Notify.Model,
	}, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}
	return notify.NewComposer(g, cfg.Notify.Tone, cfg.Notify.Timeout, links, loc), nil
}

// Close releases the journal and the database.
func (s *system) Close() error {
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
