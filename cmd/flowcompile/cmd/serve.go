package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ha1tch/flowcompile/internal/catalog"
	flowconfig "github.com/ha1tch/flowcompile/internal/config"
	"github.com/ha1tch/flowcompile/internal/gc"
	"github.com/ha1tch/flowcompile/internal/job"
	"github.com/ha1tch/flowcompile/internal/orchestrator"
	"github.com/ha1tch/flowcompile/internal/reconcile"
	"github.com/ha1tch/flowcompile/internal/workspace"
	"github.com/ha1tch/flowcompile/pkg/log"
	"github.com/ha1tch/flowcompile/pkg/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the compilation orchestrator, GC worker, and reconciler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(cfg.LogConfig())
	logger.System().Info("starting flowcompile", "version", version.Version, "catalog_driver", cfg.CatalogDriver)

	cat, closeCatalog, err := openCatalog(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer closeCatalog()

	mat := workspace.New(&cfg.Layout)

	if cfg.Layout.Precompile {
		logger.System().Info("running dependency precompile before serving")
		if err := job.Precompile(cmd.Context(), &cfg.Layout, mat); err != nil {
			return fmt.Errorf("precompile: %w", err)
		}
	}

	if err := reconcile.Reconcile(cmd.Context(), &cfg.Layout, cat, logger); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	orch := orchestrator.New(&cfg.Layout, cat, logger, cfg.CompilerPollInterval)
	gcWorker := gc.New(&cfg.Layout, cat, logger, cfg.GCPollInterval)

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	gcDone := make(chan struct{})
	go func() { gcWorker.Run(ctx); close(gcDone) }()

	logger.System().Info("flowcompile is serving",
		"compiler_poll_interval", cfg.CompilerPollInterval.String(),
		"gc_poll_interval", cfg.GCPollInterval.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.System().Info("shutdown signal received", "signal", sig.String())
	case runErr = <-orchDone:
		logger.System().Error("orchestrator exited unexpectedly", runErr)
	}

	cancel()
	if runErr == nil {
		runErr = <-orchDone
	}
	<-gcDone

	logger.System().Info("flowcompile stopped")
	return runErr
}

// openCatalog opens the configured catalog backend and returns a close
// function that adapts both backends' differing Close signatures to a
// single uniform callback.
func openCatalog(ctx context.Context, cfg flowconfig.Config) (catalog.Catalog, func(), error) {
	switch cfg.CatalogDriver {
	case "postgres":
		pg, err := catalog.OpenPostgres(ctx, cfg.CatalogDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		sqliteCfg := catalog.DefaultSQLiteConfig()
		sqliteCfg.Path = cfg.CatalogDSN
		sq, err := catalog.OpenSQLite(sqliteCfg)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { _ = sq.Close() }, nil
	}
}
