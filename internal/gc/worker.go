// Package gc periodically sweeps the versioned-executable directory and
// removes artifacts the catalog no longer considers in use.
package gc

import (
	"context"
	"os"
	"time"

	"github.com/ha1tch/flowcompile/internal/catalog"
	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/pkg/log"
)

// DefaultPollInterval is the GC sweep cadence (spec: GC_POLL_INTERVAL).
const DefaultPollInterval = 3 * time.Second

// Worker sweeps layout.Config.BinariesDir on a fixed tick, deleting any
// versioned executable the catalog reports as unreferenced. It never
// returns an error from its run loop: a single bad entry or a transient
// catalog failure must not stop future sweeps, matching the teacher's
// procedure.Watcher start/stop run-loop idiom.
type Worker struct {
	cfg      *layout.Config
	catalog  catalog.Catalog
	logger   *log.Logger
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Worker. interval defaults to DefaultPollInterval when zero.
func New(cfg *layout.Config, cat catalog.Catalog, logger *log.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		cfg:      cfg,
		catalog:  cat,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, sweeping on every tick, until ctx is cancelled or Stop is
// called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// sweep performs one pass over BinariesDir. An entry whose
// catalog lookup fails is logged and skipped, not retried or deleted: the
// next sweep will reconsider it.
func (w *Worker) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.BinariesDir())
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.GC().Warn("failed to list binaries directory", "error", err.Error())
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		programID, version, ok := layout.ParseVersionedExecutable(entry.Name())
		if !ok {
			w.logger.GC().Warn("skipping unrecognized binaries-dir entry", "name", entry.Name())
			continue
		}

		inUse, err := w.catalog.IsProgramVersionInUse(ctx, programID, version)
		if err != nil {
			w.logger.GC().Warn("skipping entry after catalog lookup error",
				"program_id", programID.String(),
				"version", version,
				"error", err.Error(),
			)
			continue
		}
		if inUse {
			continue
		}

		path := w.cfg.VersionedExecutable(programID, version)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.GC().Warn("failed to remove stale artifact",
				"path", path,
				"error", err.Error(),
			)
			continue
		}
		w.logger.GC().Info("removed stale artifact",
			"program_id", programID.String(),
			"version", version,
		)
	}
}
