package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mhalbert/flowline/orchestration"
)

var flagConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool",
	Long: `Starts the execution engine: a pool of workers consuming the task
queue, plus the scheduled recovery passes (stuck-execution sweeper and
due-execution dispatcher). On SIGINT or SIGTERM the pool stops pulling new
messages and waits for in-flight executions up to the shutdown timeout.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "Worker count (overrides config, env: FLOWLINE_WORKER_CONCURRENCY)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	engine, err := orchestration.NewEngine(ctx, cfg, logger.Named("engine"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Start(ctx) }()

	select {
	case err := <-errCh:
		_ = engine.Stop(context.Background())
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		return err
	}
	return <-errCh
}
