package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mhalbert/flowline/core"
	"github.com/mhalbert/flowline/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  `Applies the embedded schema migrations to the configured database.`,
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
	if err != nil {
		return storeFault("open database", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	if err := db.PingContext(ctx); err != nil {
		return storeFault("connect to database", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return storeFault("set migration dialect", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return storeFault("apply migrations", err)
	}

	dbVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storeFault("read migration version", err)
	}

	logger.Info("Migrations applied", map[string]interface{}{
		"db_version": dbVersion,
	})
	return nil
}

// storeFault classifies a migration error as a store-subsystem failure for
// the process exit code.
func storeFault(action string, err error) error {
	return &core.EngineError{
		Op:   "migrate",
		Kind: "store",
		Err:  fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, action, err),
	}
}
