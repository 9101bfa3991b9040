package reconcile

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/ha1tch/flowcompile/internal/catalog"
	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/pkg/log"
)

func newTestReconcileEnv(t *testing.T) (*layout.Config, *catalog.MemoryCatalog, *log.Logger) {
	t.Helper()
	cfg := &layout.Config{CompilerWorkingDirectory: t.TempDir()}
	if err := os.MkdirAll(cfg.BinariesDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg, catalog.NewMemory(), log.New(log.DefaultConfig())
}

func statusOf(t *testing.T, cat *catalog.MemoryCatalog, tenant, id uuid.UUID) catalog.ProgramStatusKind {
	t.Helper()
	p, err := cat.GetProgramIfExists(context.Background(), tenant, id, false)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("program not found")
	}
	return p.Status.Kind
}

// Mirrors the original system's no-local-binary reconcile scenario: None
// is left alone, every compiling or Success status with no on-disk artifact
// resets to Pending (Pending stays Pending), and Reconcile is idempotent
// when run again immediately after.
func TestReconcileNoLocalBinaryResetsToPending(t *testing.T) {
	cfg, cat, logger := newTestReconcileEnv(t)
	tenant, id := uuid.New(), uuid.New()

	// Empty binaries dir, no programs: reconcile is a no-op.
	if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
		t.Fatal(err)
	}

	cat.Put(catalog.Program{TenantID: tenant, ProgramID: id, Version: 1, Status: catalog.ProgramStatus{Kind: catalog.StatusNone}})
	if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, cat, tenant, id); got != catalog.StatusNone {
		t.Fatalf("status = %v, want unchanged None", got)
	}

	for _, state := range []catalog.ProgramStatusKind{
		catalog.StatusPending,
		catalog.StatusCompilingSQL,
		catalog.StatusCompilingNative,
		catalog.StatusSuccess,
	} {
		cat.Put(catalog.Program{TenantID: tenant, ProgramID: id, Version: 1, Status: catalog.ProgramStatus{Kind: state}})

		if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
			t.Fatalf("state %v: %v", state, err)
		}
		if got := statusOf(t, cat, tenant, id); got != catalog.StatusPending {
			t.Fatalf("state %v: status after reconcile = %v, want Pending", state, got)
		}

		// Idempotence: reconciling again changes nothing further.
		if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
			t.Fatal(err)
		}
		if got := statusOf(t, cat, tenant, id); got != catalog.StatusPending {
			t.Fatalf("state %v: status after second reconcile = %v, want Pending", state, got)
		}
	}
}

func writeArtifact(t *testing.T, cfg *layout.Config, id uuid.UUID, version int64) {
	t.Helper()
	if err := os.WriteFile(cfg.VersionedExecutable(id, version), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileCompilingNativeWithArtifactStartsOver(t *testing.T) {
	cfg, cat, logger := newTestReconcileEnv(t)
	tenant, id := uuid.New(), uuid.New()

	cat.Put(catalog.Program{TenantID: tenant, ProgramID: id, Version: 1, Status: catalog.ProgramStatus{Kind: catalog.StatusCompilingNative}})
	writeArtifact(t, cfg, id, 1)

	if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(t, cat, tenant, id); got != catalog.StatusPending {
		t.Fatalf("status = %v, want Pending", got)
	}
	if _, err := os.Stat(cfg.VersionedExecutable(id, 1)); !os.IsNotExist(err) {
		t.Fatalf("expected partial artifact to be removed, stat err = %v", err)
	}
}

func TestReconcileSuccessWithArtifactIsLeftAlone(t *testing.T) {
	cfg, cat, logger := newTestReconcileEnv(t)
	tenant, id := uuid.New(), uuid.New()

	cat.Put(catalog.Program{TenantID: tenant, ProgramID: id, Version: 1, Status: catalog.ProgramStatus{Kind: catalog.StatusSuccess}})
	writeArtifact(t, cfg, id, 1)

	if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, cat, tenant, id); got != catalog.StatusSuccess {
		t.Fatalf("status = %v, want unchanged Success", got)
	}
	if _, err := os.Stat(cfg.VersionedExecutable(id, 1)); err != nil {
		t.Fatalf("expected artifact to survive, got %v", err)
	}
}

func TestReconcileTwoProgramsIndependently(t *testing.T) {
	cfg, cat, logger := newTestReconcileEnv(t)
	tenant := uuid.New()
	withArtifact, withoutArtifact := uuid.New(), uuid.New()

	cat.Put(catalog.Program{TenantID: tenant, ProgramID: withArtifact, Version: 2, Status: catalog.ProgramStatus{Kind: catalog.StatusSuccess}})
	writeArtifact(t, cfg, withArtifact, 2)

	cat.Put(catalog.Program{TenantID: tenant, ProgramID: withoutArtifact, Version: 1, Status: catalog.ProgramStatus{Kind: catalog.StatusCompilingSQL}})

	if err := Reconcile(context.Background(), cfg, cat, logger); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(t, cat, tenant, withArtifact); got != catalog.StatusSuccess {
		t.Fatalf("withArtifact status = %v, want Success", got)
	}
	if got := statusOf(t, cat, tenant, withoutArtifact); got != catalog.StatusPending {
		t.Fatalf("withoutArtifact status = %v, want Pending", got)
	}
}
