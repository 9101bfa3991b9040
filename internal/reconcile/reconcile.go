// Package reconcile aligns on-disk versioned executables with the catalog's
// view of each program, run once at startup before the orchestrator loop.
package reconcile

import (
	"context"
	"os"

	"github.com/ha1tch/flowcompile/internal/catalog"
	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/pkg/log"
)

type artifactKey struct {
	programID string
	version   int64
}

// Reconcile scans cfg.BinariesDir() for versioned executables, then walks
// every catalog program and repairs any mismatch between what the catalog
// expects and what is actually on disk. It is idempotent: running it twice
// in a row with no intervening activity is a no-op the second time.
func Reconcile(ctx context.Context, cfg *layout.Config, cat catalog.Catalog, logger *log.Logger) error {
	logger.Reconcile().Info("reconciling local state with catalog")

	present := make(map[artifactKey]struct{})
	entries, err := os.ReadDir(cfg.BinariesDir())
	switch {
	case err == nil:
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			programID, version, ok := layout.ParseVersionedExecutable(entry.Name())
			if !ok {
				logger.Reconcile().Warn("found invalid file in binaries directory", "name", entry.Name())
				continue
			}
			present[artifactKey{programID.String(), version}] = struct{}{}
		}
	case os.IsNotExist(err):
		// Nothing compiled yet; every program with a compiling/success
		// status below will be correctly re-queued.
	default:
		logger.Reconcile().Warn("could not read binaries directory", "error", err.Error())
	}

	programs, err := cat.AllPrograms(ctx)
	if err != nil {
		return err
	}

	for _, p := range programs {
		key := artifactKey{p.ProgramID.String(), p.Version}
		_, hasArtifact := present[key]

		switch {
		case p.Status.Kind == catalog.StatusCompilingNative && hasArtifact:
			// Partial-crash case: the artifact may be from a previous,
			// uncommitted attempt. Start over.
			path := cfg.VersionedExecutable(p.ProgramID, p.Version)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Reconcile().Warn("failed to remove stale artifact during reconcile",
					"path", path, "error", err.Error())
			}
			if _, err := cat.SetProgramStatusGuarded(ctx, p.TenantID, p.ProgramID, p.Version,
				catalog.ProgramStatus{Kind: catalog.StatusPending}); err != nil {
				return err
			}

		case (p.Status.IsCompiling() || p.Status.Kind == catalog.StatusSuccess) && !hasArtifact:
			// Catalog expects an artifact we don't have locally; re-queue.
			if err := cat.SetProgramForCompilation(ctx, p.TenantID, p.ProgramID, p.Version,
				catalog.ProgramStatus{Kind: catalog.StatusPending}); err != nil {
				return err
			}
		}
	}

	return nil
}
