// Package workspace materializes the generated Cargo workspace a program's
// compilation runs inside: the workspace manifest, the per-program project
// manifest (derived from a shipped template by fixed string substitution),
// the input SQL file, and the entrypoint snippet appended to the generated
// source once the SQL stage has produced it.
package workspace

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ha1tch/flowcompile/internal/layout"
	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
)

//go:embed assets/project.toml.tmpl
var projectManifestTemplate string

// entrypoint is the fixed snippet appended to the SQL stage's generated
// source. It wires the generated circuit into the platform's standard
// server entrypoint.
const entrypoint = `
fn main() {
    dbsp_adapters::server::server_main(&circuit).unwrap_or_else(|e| {
        eprintln!("{e}");
        std::process::exit(1);
    });
}`

// Materializer writes the on-disk state a compilation job needs, rooted at
// a layout.Config.
type Materializer struct {
	cfg *layout.Config
}

// New returns a Materializer for the given layout.
func New(cfg *layout.Config) *Materializer {
	return &Materializer{cfg: cfg}
}

// EnsureWorkspace creates the workspace directory if missing. Idempotent.
func (m *Materializer) EnsureWorkspace() error {
	if err := os.MkdirAll(m.cfg.WorkspaceDir(), 0o755); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceCreate, "creating workspace directory").
			WithField("path", m.cfg.WorkspaceDir()).
			Err()
	}
	return nil
}

// WriteWorkspaceManifest overwrites the workspace-level manifest with a
// members list containing exactly the one crate being compiled.
func (m *Materializer) WriteWorkspaceManifest(programID uuid.UUID) error {
	content := fmt.Sprintf("[workspace]\nmembers = [ %q ]\n", layout.CrateName(programID))
	path := m.cfg.WorkspaceManifestPath()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "writing workspace manifest").
			WithField("path", path).
			Err()
	}
	return nil
}

// WriteProjectManifest derives the per-program manifest from the shipped
// template by exact string substitution, never by structural TOML parsing:
// the template is a stable contract, and the substitutions must produce a
// byte-identical result to a hand-edited manifest for the same inputs.
func (m *Materializer) WriteProjectManifest(programID uuid.UUID) error {
	crateName := layout.CrateName(programID)
	programName := fmt.Sprintf("name = %q", crateName)

	content := projectManifestTemplate
	content = strings.Replace(content, `name = "temp"`, programName, 1)
	content = strings.Replace(content, ", default-features = false", "", 1)
	content = strings.Replace(content,
		"[lib]\npath = \"src/lib.rs\"",
		fmt.Sprintf("\n\n[[bin]]\n%s\npath = \"src/main.rs\"", programName),
		1)

	if m.cfg.DBSPOverridePath != "" {
		content = strings.ReplaceAll(content, "../../crates", m.cfg.DBSPOverridePath+"/crates")
		content = strings.ReplaceAll(content, "../lib", m.sqlLibPath())
	}

	path := m.cfg.ProjectManifestPath(programID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "writing project manifest").
			WithField("path", path).
			Err()
	}
	return nil
}

// sqlLibPath is the override location of the SQL runtime support library,
// used only when a developer-local override is configured.
func (m *Materializer) sqlLibPath() string {
	return filepath.Join(m.cfg.DBSPOverridePath, "crates", "sqllib")
}

// WriteSQLFile writes the program's SQL source into its project directory,
// creating the project directory tree if needed.
func (m *Materializer) WriteSQLFile(programID uuid.UUID, code string) error {
	path := m.cfg.SQLFilePath(programID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceCreate, "creating project directory").
			WithField("path", filepath.Dir(path)).
			Err()
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "writing SQL source").
			WithField("path", path).
			Err()
	}
	return nil
}

// AppendEntrypoint appends the fixed entrypoint snippet to the generated
// source file the SQL stage compiler produced.
func (m *Materializer) AppendEntrypoint(programID uuid.UUID) error {
	path := m.cfg.GeneratedSourcePath(programID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "opening generated source for append").
			WithField("path", path).
			Err()
	}
	defer f.Close()

	if _, err := f.WriteString(entrypoint); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "appending entrypoint").
			WithField("path", path).
			Err()
	}
	return nil
}

// EnsureGeneratedSourceDir creates the directory that will hold the
// generated source file, before the SQL stage compiler runs.
func (m *Materializer) EnsureGeneratedSourceDir(programID uuid.UUID) error {
	dir := filepath.Dir(m.cfg.GeneratedSourcePath(programID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceCreate, "creating generated source directory").
			WithField("path", dir).
			Err()
	}
	return nil
}
