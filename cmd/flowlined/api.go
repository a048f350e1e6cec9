package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mhalbert/flowline/api"
	"github.com/mhalbert/flowline/orchestration"
)

var flagPort int

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API",
	Long: `Starts the REST API for workflow management and execution triggering.
The server drains in-flight requests on SIGINT or SIGTERM.`,
	RunE: runAPI,
}

func init() {
	apiCmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (overrides config, env: FLOWLINE_PORT)")
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	store, err := orchestration.OpenPostgresStore(ctx, cfg.Store, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	queue, err := orchestration.OpenRedisQueue(ctx, cfg.Queue, logger.Named("queue"))
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	workflows := orchestration.NewWorkflowService(store, logger.Named("workflows"))
	executions := orchestration.NewExecutionService(store, queue, logger.Named("executions"))

	handler := api.NewHandler(workflows, executions, store, queue, logger.Named("api"))
	server := api.NewServer(cfg.HTTP, api.NewRouter(handler, logger.Named("http")), logger.Named("api"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	return <-errCh
}
