package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/lector/am"
	"github.com/teranos/lector/crawl"
	"github.com/teranos/lector/display"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/hook"
	"github.com/teranos/lector/internal/util"
	"github.com/teranos/lector/logger"
	"github.com/teranos/lector/pulse/async"
	"github.com/teranos/lector/pulse/schedule"
	"github.com/teranos/lector/sym"
)

// shutdownTimeout bounds how long a graceful stop waits for running jobs
const shutdownTimeout = 30 * time.Second

// PulseCmd represents the pulse command - the crawl job scheduler
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.PrefixShort("pulse"),
	Long: sym.Pulse + ` Pulse - crawl job scheduler.

Pulse runs stored crawl jobs through a bounded queue:
- At most pulse.max_active jobs run at once
- Due jobs are picked per domain so one site cannot starve the others
- Recurring jobs are rescheduled, one-shot jobs deleted after they ran
- Jobs whose network stalls are detected; the daemon exits with code 75
  so its supervisor restarts it

Example:
  lector pulse start                    # Start daemon in foreground
  lector pulse start --max-active 10    # Cap concurrency at 10 jobs
  lector pulse status                   # Show stored job counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the scheduler daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Reset jobs a previous process left running
- Seed news jobs for every enabled news hook and the housekeeping jobs
- Fetch due jobs every pulse.coordinator_interval_seconds
- Re-apply crawler.disabled_hooks whenever the config files change
- Run until interrupted (Ctrl+C), then wait for running jobs`,
	RunE: runPulseStart,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored job counts, recent runs and memory",
	RunE:  runPulseStatus,
}

func init() {
	PulseStartCmd.Flags().Int("max-active", 0, "Concurrent jobs (overrides pulse.max_active)")
	PulseStartCmd.Flags().String("strategy", "", "Admission strategy: balanced or fcfs (overrides pulse.strategy)")
	PulseStartCmd.Flags().Bool("watch", false, "Print queue occupancy whenever it changes")
	pulseStatusCmd.Flags().Int("history", 10, "Number of recent executions to show")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
}

// pulseConfig applies command line overrides to a copy of the loaded config
func pulseConfig(cmd *cobra.Command) (*am.Config, schedule.Strategy, error) {
	loaded, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	cfg := *loaded

	if cmd.Flags().Changed("max-active") {
		cfg.Pulse.MaxActive, _ = cmd.Flags().GetInt("max-active")
	}
	if name, _ := cmd.Flags().GetString("strategy"); name != "" {
		cfg.Pulse.Strategy = name
	}
	strategy, err := schedule.StrategyByName(cfg.Pulse.Strategy)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, strategy, nil
}

// newCoordinator wires the job store, the crawl routines and the hooks
// into a paused coordinator.
func newCoordinator(ctx context.Context, database *sql.DB, registry *hook.Registry, cfg *am.Config, strategy schedule.Strategy) *schedule.Coordinator {
	jobs := crawl.NewJobs(registry, crawl.NewSQLStore(database), logger.Logger)

	var probe schedule.ConnectivityProbe
	if cfg.Pulse.ConnectivityHost != "" {
		probe = schedule.DNSProbe(cfg.Pulse.ConnectivityHost)
	}

	return schedule.NewCoordinator(ctx, schedule.NewStore(database), registry, jobs, schedule.Config{
		Queue: async.Config{
			MaxActive:   cfg.Pulse.MaxActive,
			MemoryLimit: cfg.Pulse.MemoryLimit,
			MemorySize:  cfg.Pulse.MemorySize,
		},
		Interval:     cfg.CoordinatorInterval(),
		NewsInterval: cfg.NewsInterval(),
		Strategy:     strategy,
		Automatic:    cfg.Pulse.Automatic,
		Probe:        probe,
	}, logger.Logger)
}

// watchConfig re-applies crawler.disabled_hooks on every config change.
// Without any config file on disk there is nothing to watch.
func watchConfig(registry *hook.Registry) *am.ConfigWatcher {
	userDir := am.UserConfigDir()
	watcher, err := am.NewConfigWatcher(logger.Logger,
		am.ProjectConfigPath(),
		filepath.Join(userDir, "am.toml"),
		filepath.Join(userDir, am.LocalConfigFile),
	)
	if err != nil {
		logger.Logger.Debugw("Config watcher not started", logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(cfg *am.Config) error {
		registry.ApplyDisabled(cfg.Crawler.DisabledHooks)
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, strategy, err := pulseConfig(cmd)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := newHookRegistry(database, cfg, newCrawlClient(cfg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newCoordinator(ctx, database, registry, cfg, strategy)
	if err := coordinator.Setup(ctx); err != nil {
		return errors.Wrap(err, "failed to set up coordinator")
	}

	if watcher := watchConfig(registry); watcher != nil {
		defer watcher.Stop()
	}

	coordinator.Start(ctx)

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		snapshots, unsubscribe := coordinator.Queue().Subscribe()
		defer unsubscribe()
		go printSnapshots(snapshots)
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Max active: %d\n", coordinator.Queue().MaxActive())
	fmt.Printf("  Strategy: %s\n", cfg.Pulse.Strategy)
	fmt.Printf("  Cycle interval: %v\n", cfg.CoordinatorInterval())
	fmt.Printf("  Hooks: %d registered, %d with news\n", len(registry.Names()), len(registry.NewsHooks()))
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var fatal error
	select {
	case <-sigChan:
		fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.PulseClose)
	case fatal = <-coordinator.Fatal():
		pterm.Error.Printf("%v\n", fatal)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := coordinator.Stop(stopCtx); err != nil {
		logger.Logger.Warnw("Shutdown did not wait for every job", logger.FieldError, err)
	}
	cancel()

	if fatal != nil {
		return &ExitError{Code: ExitRestart, Err: fatal}
	}
	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return nil
}

func printSnapshots(snapshots <-chan async.Snapshot) {
	var last async.Snapshot
	for snap := range snapshots {
		if snap == last {
			continue
		}
		last = snap
		pterm.Printf("%s %s running, %s queued (max %d)\n",
			sym.Pulse, pterm.LightGreen(snap.Active), pterm.LightCyan(snap.Queued), snap.Max)
	}
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	store := schedule.NewStore(database)
	counts, err := store.StateCounts(ctx)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("history")
	history, err := store.History(ctx, limit)
	if err != nil {
		return err
	}

	// Only the host figures are meaningful outside the daemon
	metrics := async.NewQueue(async.Config{MaxActive: cfg.Pulse.MaxActive}, logger.Logger).SystemMetrics()

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"database": cfg.GetDatabasePath(),
			"waiting":  counts[schedule.StateWaiting],
			"running":  counts[schedule.StateRunning],
			"system":   metrics,
			"history":  history,
		})
	}

	fmt.Printf("%s Pulse status\n", sym.Pulse)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database:     %s\n", cfg.GetDatabasePath())
	fmt.Printf("Waiting jobs: %d\n", counts[schedule.StateWaiting])
	fmt.Printf("Running jobs: %d\n", counts[schedule.StateRunning])
	fmt.Printf("Max active:   %d\n", metrics.MaxActive)
	if metrics.MemoryTotalGB > 0 {
		fmt.Printf("Host memory:  %.1f / %.1f GB (%.0f%%)\n", metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	fmt.Println()

	if len(history) == 0 {
		fmt.Println("No executions recorded yet")
		return nil
	}
	data := pterm.TableData{{"JOB", "NAME", "TYPE", "COMPLETED", ""}}
	for _, e := range history {
		deleted := ""
		if e.Deleted {
			deleted = pterm.Gray("deleted")
		}
		data = append(data, []string{
			fmt.Sprintf("%d", e.JobID), util.Truncate(e.Name, 48), string(e.Type),
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"), deleted,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
