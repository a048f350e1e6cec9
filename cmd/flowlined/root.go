package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhalbert/flowline/core"
)

// Exit codes. Connect and migrate failures are classified by subsystem so
// process supervisors can tell a bad config from a down backend.
const (
	exitOK     = 0
	exitConfig = 1
	exitStore  = 2
	exitQueue  = 3
)

// Global flag values shared by all subcommands.
var (
	flagConfig      string
	flagLogLevel    string
	flagLogFormat   string
	flagDatabaseURL string
	flagRedisURL    string
)

var rootCmd = &cobra.Command{
	Use:   "flowlined",
	Short: "Durable workflow orchestration engine",
	Long: `flowlined runs multi-step workflows with checkpointed, resumable
executions. Workflow definitions and execution state live in PostgreSQL;
work is distributed to workers through a Redis queue with at-least-once
delivery. The api and worker subcommands can run in the same process group
or scale independently.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to flowline.yaml config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: FLOWLINE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: json or text (env: FLOWLINE_LOG_FORMAT)")
	rootCmd.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", "", "PostgreSQL connection string (env: FLOWLINE_DATABASE_URL, DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagRedisURL, "redis-url", "", "Redis connection URL (env: FLOWLINE_REDIS_URL, REDIS_URL)")

	rootCmd.AddCommand(apiCmd, workerCmd, migrateCmd, applyCmd, versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flowlined: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode classifies an error by its failing subsystem. Anything that is
// neither a store nor a queue fault is treated as a configuration problem.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrStoreUnavailable):
		return exitStore
	case errors.Is(err, core.ErrQueueUnavailable):
		return exitQueue
	default:
		return exitConfig
	}
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg *core.Config) (*core.ZapLogger, error) {
	logger, err := core.NewZapLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return logger, nil
}
