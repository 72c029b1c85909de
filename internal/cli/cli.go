// ============================================================================
// ttsync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree over the sync engine
//
// Command Structure:
//   ttsync                          # Root command
//   ├── run                         # Daemon: timers, auto-sync trigger, HTTP API
//   │   └── --addr                  # HTTP listen address
//   ├── sync                        # Fetch, diff, delete removed, enqueue added
//   ├── init                        # Store the full schedule and enqueue it
//   ├── materialize                 # Process the next pending batch now
//   ├── reset --mode safe|recreate  # Wipe calendar and snapshots, then init
//   ├── force-reset [--emergency]   # Back to IDLE regardless of the lock
//   ├── status                      # State, queue and auto-sync flag
//   ├── autosync on|off             # Toggle the scheduled sync
//   ├── checkin <hash> [--absent]   # Record attendance for one session
//   └── dashboard                   # Attendance per subject
//
// Global flags:
//   --config, -c   config file (default: configs/default.yaml)
//   --env-file     dotenv file loaded before anything else (default: .env)
//   --log-level    debug | info | warn | error
//   --log-format   text | json
//
// Environment (TTSYNC_ prefix, read through viper):
//   TTSYNC_STUDENT_ID, TTSYNC_FEED_URL, TTSYNC_GEMINI_API_KEY,
//   TTSYNC_GOOGLE_CREDENTIALS, TTSYNC_GOOGLE_TOKEN, TTSYNC_CALENDAR_BACKEND,
//   TTSYNC_DATA_DIR, TTSYNC_LOG_LEVEL, TTSYNC_LOG_FORMAT
//   Values given this way override the config file.
//
// One-shot commands open the same SQLite database, property file and journal
// as the daemon. A continuation armed by `ttsync sync` is therefore picked up
// by a running `ttsync run`; without a daemon, `ttsync materialize` drains
// the queue by hand.
//
// Exit status is non-zero when an operation is rejected (busy, lock
// contention) or fails.
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/timetable-sync/internal/config"
	"github.com/ChuLiYu/timetable-sync/internal/engine"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("cli")

// envOverrides maps viper keys to the config fields they override.
var envOverrides = map[string]func(*config.Config, string){
	"student_id":         func(c *config.Config, v string) { c.Feed.StudentID = v },
	"feed_url":           func(c *config.Config, v string) { c.Feed.URL = v },
	"gemini_api_key":     func(c *config.Config, v string) { c.Notify.GeminiAPIKey = v },
	"google_credentials": func(c *config.Config, v string) { c.Calendar.CredentialsFile = v },
	"google_token":       func(c *config.Config, v string) { c.Calendar.TokenFile = v },
	"calendar_backend":   func(c *config.Config, v string) { c.Calendar.Backend = v },
	"data_dir":           func(c *config.Config, v string) { c.Storage.DataDir = v },
	"log.level":          func(c *config.Config, v string) { c.Log.Level = v },
	"log.format":         func(c *config.Config, v string) { c.Log.Format = v },
	"server.addr":        func(c *config.Config, v string) { c.Server.Addr = v },
}

// root carries what the persistent pre-run resolves for every command.
type root struct {
	configFile string
	envFile    string
	v          *viper.Viper
	cfg        *config.Config
}

func BuildCLI() *cobra.Command {
	r := &root{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "ttsync",
		Short: "ttsync: keep a calendar in step with a university timetable",
		Long: `ttsync mirrors a paginated timetable feed into a calendar with:
- fingerprint-based change detection
- paced, resumable batch materialization
- an IDLE/PROCESSING gate against overlapping runs
- check-in and attendance tracking`,
		Version:           "1.0.0",
		SilenceUsage:      true,
		PersistentPreRunE: r.prepare,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&r.configFile, "config", "c", "configs/default.yaml", "config file path")
	flags.StringVar(&r.envFile, "env-file", ".env", "dotenv file to load")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")

	r.v.SetEnvPrefix("TTSYNC")
	r.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	r.v.AutomaticEnv()
	_ = r.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = r.v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(r.buildRunCommand())
	rootCmd.AddCommand(r.buildSyncCommand())
	rootCmd.AddCommand(r.buildInitCommand())
	rootCmd.AddCommand(r.buildMaterializeCommand())
	rootCmd.AddCommand(r.buildResetCommand())
	rootCmd.AddCommand(r.buildForceResetCommand())
	rootCmd.AddCommand(r.buildStatusCommand())
	rootCmd.AddCommand(r.buildAutoSyncCommand())
	rootCmd.AddCommand(r.buildCheckinCommand())
	rootCmd.AddCommand(r.buildDashboardCommand())

	return rootCmd
}

// prepare loads the env file, the config with env/flag overrides, and
// installs the logger.
func (r *root) prepare(cmd *cobra.Command, _ []string) error {
	if r.envFile != "" {
		if err := godotenv.Load(r.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load(r.configFile, r.applyOverrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.cfg = cfg

	if err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	log.Debug("config loaded", "path", r.configFile, "backend", cfg.Calendar.Backend, "data_dir", cfg.Storage.DataDir)
	return nil
}

func (r *root) applyOverrides(c *config.Config) {
	for key, set := range envOverrides {
		if v := r.v.GetString(key); v != "" {
			set(c, v)
		}
	}
}

// withSystem opens the stores for one command and closes them afterwards.
func (r *root) withSystem(cmd *cobra.Command, fn func(sys *system) error) error {
	sys, err := openSystem(cmd.Context(), r.cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Warn("failed to close stores", "error", err)
		}
	}()
	return fn(sys)
}

// ----------------------------------------------------------------------------
// one-shot commands
// ----------------------------------------------------------------------------

func (r *root) buildSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch the timetable and apply changes to the calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				res, err := sys.engine.RunSync(cmd.Context())
				printResult(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
}

func (r *root) buildInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Store the full schedule and queue every future session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				res, err := sys.engine.Initialize(cmd.Context())
				printResult(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
}

func (r *root) buildMaterializeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Process the next pending batch immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				if err := sys.engine.MaterializeBatch(cmd.Context()); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), sys.engine, r.cfg)
			})
		},
	}
}

func (r *root) buildResetCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the calendar and snapshots, then initialize again",
		Long: `Mode safe deletes only the calendar entries recorded in the stable
snapshot. Mode recreate deletes the whole calendar and provisions a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode != engine.ResetSafe && mode != engine.ResetRecreate {
				return engine.ErrInvalidResetMode
			}
			return r.withSystem(cmd, func(sys *system) error {
				res, err := sys.engine.Reset(cmd.Context(), mode)
				printResult(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", engine.ResetSafe, "reset mode: safe or recreate")
	return cmd
}

func (r *root) buildForceResetCommand() *cobra.Command {
	var emergency bool
	cmd := &cobra.Command{
		Use:   "force-reset",
		Short: "Return to IDLE and drop the batch queue regardless of the lock",
		Long: `Cancels the batch continuation, discards the queue and writes IDLE.
With --emergency it also cancels every timer, turns auto-sync off and forgets
every stored resource id so the next run provisions fresh ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				printResult(cmd.OutOrStdout(), sys.engine.ForceReset(cmd.Context(), emergency))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&emergency, "emergency", false, "also cancel all timers, disable auto-sync and forget resource ids")
	return cmd
}

func (r *root) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the system state, batch queue and auto-sync settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				return printStatus(cmd.OutOrStdout(), sys.engine, r.cfg)
			})
		},
	}
}

func (r *root) buildAutoSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "autosync on|off",
		Short:     "Turn the scheduled sync on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on := args[0] == "on"
			return r.withSystem(cmd, func(sys *system) error {
				if err := sys.engine.ToggleAutoSync(on); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Auto-sync %s (times: %s, %s)\n",
					onOff(on), strings.Join(r.cfg.Schedule.SyncTimes, ", "), r.cfg.Schedule.Timezone)
				return nil
			})
		},
	}
}

func (r *root) buildCheckinCommand() *cobra.Command {
	var absent bool
	cmd := &cobra.Command{
		Use:   "checkin <hash>",
		Short: "Record attendance for a session by its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				view, err := sys.engine.SetAttendance(cmd.Context(), args[0], !absent)
				if err != nil {
					return err
				}
				loc := sys.loc
				mark := "✅ present"
				if !view.Attended {
					mark = "❌ absent"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (room %s, %s)\n", mark, view.SubjectName, view.Room,
					view.StartsAt.In(loc).Format("Mon 02/01 15:04"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&absent, "absent", false, "mark the session as missed")
	return cmd
}

func (r *root) buildDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show attendance per subject over past sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withSystem(cmd, func(sys *system) error {
				rows, err := sys.engine.Dashboard(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				printDashboard(cmd.OutOrStdout(), rows)
				return nil
			})
		},
	}
}

// ----------------------------------------------------------------------------
// output
// ----------------------------------------------------------------------------

func printResult(w io.Writer, res types.SyncResult) {
	fmt.Fprintln(w, res.Message)
	if res.Detail != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Detail)
	}
}

func printStatus(w io.Writer, e *engine.Engine, cfg *config.Config) error {
	st, err := e.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           ttsync System Status                            ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	icon := "💤"
	if st.State == types.StateProcessing {
		icon = "🔄"
	}
	fmt.Fprintf(w, "%s State:            %s\n", icon, st.State)
	fmt.Fprintf(w, "⏰ Auto-sync:        %s\n", onOff(st.AutoSync))
	fmt.Fprintf(w, "   └─ Sync times:    %s (%s)\n", strings.Join(cfg.Schedule.SyncTimes, ", "), cfg.Schedule.Timezone)
	if st.LastSyncAt != nil {
		fmt.Fprintf(w, "   └─ Last sync:     %s\n", st.LastSyncAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📦 Batch Queue:")
	fmt.Fprintf(w, "  ├─ Pending batches: %d\n", st.PendingBatches)
	fmt.Fprintf(w, "  ├─ Pending events:  %d\n", st.PendingEvents)
	if st.NextBatchAt != nil {
		fmt.Fprintf(w, "  └─ Next batch at:   %s\n", st.NextBatchAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintln(w, "  └─ Next batch at:   -")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📅 Calendar:")
	fmt.Fprintf(w, "  └─ %s backend, %q\n", cfg.Calendar.Backend, cfg.Calendar.Name)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func printDashboard(w io.Writer, rows []types.DashboardRow) {
	width := len("Subject")
	for _, r := range rows {
		width = max(width, len(r.Subject))
	}
	fmt.Fprintf(w, "%-*s  %5s  %7s  %6s  %5s\n", width, "Subject", "Total", "Present", "Absent", "Rate")
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  %5d  %7d  %6d  %4d%%\n", width, r.Subject, r.Total, r.Present, r.Absent, r.Rate)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
