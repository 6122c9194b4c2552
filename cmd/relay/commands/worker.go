package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/engine"
	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/executor"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/logger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
	"github.com/stratusanalytics/relay/schedule"
)

// WorkerCmd groups the worker daemon commands.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker daemon (queue processing + recurring dispatch)",
	Long: `Worker daemon - claims queued analysis requests and runs them.

The worker daemon provides:
- A worker pool claiming pending work items from the durable queue
- Stale-claim recovery for items abandoned by crashed workers
- Recurring-job dispatch from the schedule register
- Graceful shutdown (completes in-flight analyses before exit)

Example:
  relay worker start              # Start daemon in foreground
  relay worker start --workers 4  # Start with 4 concurrent workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker daemon",
	Long: `Start the worker daemon in foreground mode.

The daemon will:
- Recover stale claims, then claim and process pending work items
- Dispatch due recurring jobs into the queue
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runWorkerStart,
}

func init() {
	workerStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = from config)")
	WorkerCmd.AddCommand(workerStartCmd)
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Queue.Workers
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger

	items := queue.NewStore(database, log, cfg.Queue.SaltedFingerprints)
	books := ledger.NewStore(database, log)
	jobs := schedule.NewStore(database, log)
	runs := executor.NewRunLog(database)
	courier := mail.NewSMTPCourier(cfg.Mail, log)
	backend := engine.NewClient(cfg.Engine, log)

	exec := executor.New(items, books, runs, backend, courier, executor.Config{
		DefaultEstimate: cfg.Ledger.DefaultEstimate,
		ReportsDir:      cfg.Reports.Dir,
		DefaultProvider: engine.ClassifyProvider(cfg.Engine.Provider),
	}, log)

	pool := executor.NewWorkerPool(items, exec, executor.WorkerConfig{
		Workers:           workers,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutMinutes) * time.Minute,
	}, log)

	dispatcher := executor.NewDispatcher(jobs, items, executor.DispatcherConfig{
		PollInterval:    time.Duration(cfg.Schedule.PollIntervalSeconds) * time.Second,
		DefaultEstimate: cfg.Ledger.DefaultEstimate,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pool.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		pool.Stop()
		return nil
	})
	g.Go(func() error {
		if err := dispatcher.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		dispatcher.Stop()
		return nil
	})

	fmt.Printf("Worker daemon started\n")
	fmt.Printf("  Workers:            %d\n", workers)
	fmt.Printf("  Poll interval:      %ds\n", cfg.Queue.PollIntervalSeconds)
	fmt.Printf("  Visibility timeout: %dm\n", cfg.Queue.VisibilityTimeoutMinutes)
	fmt.Printf("  Schedule interval:  %ds\n", cfg.Schedule.PollIntervalSeconds)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "worker daemon failed")
	}
	fmt.Println("Worker daemon stopped")
	return nil
}
