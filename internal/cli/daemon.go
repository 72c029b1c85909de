package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/timetable-sync/internal/batch"
	"github.com/ChuLiYu/timetable-sync/internal/server"
	"github.com/ChuLiYu/timetable-sync/internal/timer"
)

func (r *root) buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ttsync daemon",
		Long: `Start the daemon: it recovers any interrupted batch lifecycle, fires
persisted batch continuations, runs the auto-sync trigger and serves the HTTP
API with Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return r.runDaemon(ctx)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides server.addr)")
	_ = r.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (r *root) runDaemon(ctx context.Context) error {
	cfg := r.cfg
	sys, err := openSystem(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Warn("failed to close stores", "error", err)
		}
	}()

	log.Info("starting ttsync daemon",
		"config", r.configFile, "backend", cfg.Calendar.Backend, "addr", cfg.Server.Addr,
		"sync_times", cfg.Schedule.SyncTimes, "timezone", cfg.Schedule.Timezone)

	if err := sys.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	runner := timer.NewRunner(sys.timers, cfg.Batch.PollEvery)
	runner.Register(batch.TaskID, sys.engine.MaterializeBatch)

	spec := triggerSpec(cfg.Schedule.TriggerInterval)
	trigger := cron.New(cron.WithLocation(sys.loc))
	if _, err := trigger.AddFunc(spec, func() {
		ran, res, err := sys.engine.HandleTrigger(ctx, time.Now())
		switch {
		case err != nil:
			log.Error("scheduled sync failed", "error", err, "message", res.Message)
		case ran:
			log.Info("scheduled sync done", "added", res.Added, "removed", res.Removed, "message", res.Message)
		}
	}); err != nil {
		return fmt.Errorf("invalid trigger schedule %q: %w", spec, err)
	}

	api := server.New(sys.engine, prometheus.DefaultGatherer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()
	trigger.Start()
	log.Info("auto-sync trigger started", "spec", spec)

	err = api.Listen(ctx, cfg.Server.Addr)

	<-trigger.Stop().Done()
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http api failed: %w", err)
	}
	log.Info("ttsync daemon stopped")
	return nil
}

// triggerSpec turns the trigger interval into a cron spec. Intervals that
// divide an hour fire on wall-clock marks; anything else uses @every.
func triggerSpec(d time.Duration) string {
	if d >= time.Minute && d < time.Hour && d%time.Minute == 0 && time.Hour%d == 0 {
		return fmt.Sprintf("*/%d * * * *", int(d/time.Minute))
	}
	return "@every " + d.String()
}
