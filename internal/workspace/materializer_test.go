package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ha1tch/flowcompile/internal/layout"
)

func newTestMaterializer(t *testing.T) (*Materializer, *layout.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &layout.Config{CompilerWorkingDirectory: dir}
	return New(cfg), cfg
}

func TestEnsureWorkspaceIsIdempotent(t *testing.T) {
	m, cfg := newTestMaterializer(t)

	if err := m.EnsureWorkspace(); err != nil {
		t.Fatalf("first EnsureWorkspace: %v", err)
	}
	if err := m.EnsureWorkspace(); err != nil {
		t.Fatalf("second EnsureWorkspace: %v", err)
	}
	if info, err := os.Stat(cfg.WorkspaceDir()); err != nil || !info.IsDir() {
		t.Fatalf("workspace directory missing: %v", err)
	}
}

func TestWriteWorkspaceManifest(t *testing.T) {
	m, cfg := newTestMaterializer(t)
	id := uuid.New()

	if err := m.EnsureWorkspace(); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteWorkspaceManifest(id); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.WorkspaceManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	want := layout.CrateName(id)
	if !strings.Contains(string(data), want) {
		t.Fatalf("workspace manifest %q does not reference crate %q", data, want)
	}
}

func TestWriteProjectManifestSubstitutions(t *testing.T) {
	m, cfg := newTestMaterializer(t)
	id := uuid.New()

	if err := os.MkdirAll(cfg.ProjectDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteProjectManifest(id); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.ProjectManifestPath(id))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	crateName := layout.CrateName(id)
	if strings.Contains(content, `name = "temp"`) {
		t.Fatal("template placeholder name was not replaced")
	}
	if !strings.Contains(content, crateName) {
		t.Fatalf("manifest does not contain crate name %q", crateName)
	}
	if strings.Contains(content, ", default-features = false") {
		t.Fatal("default-features stanza was not stripped")
	}
	if strings.Contains(content, "[lib]") {
		t.Fatal("library stanza was not replaced with a binary stanza")
	}
	if !strings.Contains(content, "[[bin]]") {
		t.Fatal("binary stanza missing from rendered manifest")
	}
}

func TestWriteProjectManifestWithOverridePath(t *testing.T) {
	m, cfg := newTestMaterializer(t)
	cfg.DBSPOverridePath = "/home/dev/feldera"
	id := uuid.New()

	if err := os.MkdirAll(cfg.ProjectDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteProjectManifest(id); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.ProjectManifestPath(id))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if strings.Contains(content, "../../crates") {
		t.Fatal("relative crates path was not rewritten")
	}
	if !strings.Contains(content, cfg.DBSPOverridePath+"/crates") {
		t.Fatal("override crates path missing")
	}
	if strings.Contains(content, "../lib") {
		t.Fatal("relative sql lib path was not rewritten")
	}
}

func TestWriteSQLFileAndAppendEntrypoint(t *testing.T) {
	m, cfg := newTestMaterializer(t)
	id := uuid.New()

	code := "CREATE TABLE t(x INT);"
	if err := m.WriteSQLFile(id, code); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(cfg.SQLFilePath(id))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != code {
		t.Fatalf("sql file content = %q, want %q", got, code)
	}

	if err := m.EnsureGeneratedSourceDir(id); err != nil {
		t.Fatal(err)
	}
	generated := "fn generated_circuit() {}"
	if err := os.WriteFile(cfg.GeneratedSourcePath(id), []byte(generated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendEntrypoint(id); err != nil {
		t.Fatal(err)
	}

	final, err := os.ReadFile(cfg.GeneratedSourcePath(id))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(final), generated) {
		t.Fatal("original generated source was not preserved")
	}
	if !strings.Contains(string(final), "fn main()") {
		t.Fatal("entrypoint was not appended")
	}
}

func TestWriteSQLFileSurfacesFilesystemError(t *testing.T) {
	m, cfg := newTestMaterializer(t)
	id := uuid.New()

	// Shadow the project directory with a file so MkdirAll fails.
	blocker := filepath.Dir(cfg.ProjectDir(id))
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.ProjectDir(id), []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.WriteSQLFile(id, "SELECT 1;"); err == nil {
		t.Fatal("expected filesystem error, got nil")
	}
}
