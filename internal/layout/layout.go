// Package layout maps program identifiers to the deterministic filesystem
// paths the compilation pipeline reads from and writes to. Every function
// here is pure: given the same Config and identifiers, it always returns
// the same path, and no function touches the filesystem.
package layout

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Config holds the subset of service configuration the path layout needs.
type Config struct {
	// CompilerWorkingDirectory is the root under which the workspace and
	// binaries directories live.
	CompilerWorkingDirectory string

	// SQLCompilerHome locates the SQL-to-dataflow compiler executable.
	SQLCompilerHome string

	// DBSPOverridePath, when set, redirects the generated project's path
	// dependencies at a local checkout instead of the packaged default.
	DBSPOverridePath string

	// Debug selects a debug native build instead of a release build.
	Debug bool

	// Precompile, when set, runs the dependency warm-up routine at startup.
	Precompile bool
}

// WorkspaceDir is the root of the generated Cargo workspace.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.CompilerWorkingDirectory, "workspace")
}

// WorkspaceManifestPath is the workspace-level manifest.
func (c *Config) WorkspaceManifestPath() string {
	return filepath.Join(c.WorkspaceDir(), "Cargo.toml")
}

// BinariesDir holds versioned executables, the GC and reconciler's domain.
func (c *Config) BinariesDir() string {
	return filepath.Join(c.CompilerWorkingDirectory, "binaries")
}

// CrateName derives the stable crate/package name for a program.
func CrateName(programID uuid.UUID) string {
	return fmt.Sprintf("project_%s", programID.String())
}

// ProjectDir is the per-program source tree root.
func (c *Config) ProjectDir(programID uuid.UUID) string {
	return filepath.Join(c.WorkspaceDir(), CrateName(programID))
}

// ProjectManifestPath is the per-program manifest.
func (c *Config) ProjectManifestPath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "Cargo.toml")
}

// SQLFilePath is where the program's SQL source is written before invoking
// the SQL stage compiler.
func (c *Config) SQLFilePath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "program.sql")
}

// GeneratedSourcePath is where the SQL stage compiler's stdout (generated
// source) is redirected, and where the entrypoint snippet is later appended.
func (c *Config) GeneratedSourcePath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "src", "main.rs")
}

// SchemaPath is where the SQL stage compiler writes the program's schema.
func (c *Config) SchemaPath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "schema.json")
}

// CompilerStdoutPath is the captured stdout of whichever stage is running.
func (c *Config) CompilerStdoutPath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "out.log")
}

// CompilerStderrPath is the captured stderr of whichever stage is running.
func (c *Config) CompilerStderrPath(programID uuid.UUID) string {
	return filepath.Join(c.ProjectDir(programID), "err.log")
}

// buildProfile is the Cargo build profile directory name.
func (c *Config) buildProfile() string {
	if c.Debug {
		return "debug"
	}
	return "release"
}

// TargetExecutable is the path cargo places the freshly-built binary at,
// before it is promoted to a versioned executable.
func (c *Config) TargetExecutable(programID uuid.UUID) string {
	return filepath.Join(c.WorkspaceDir(), "target", c.buildProfile(), CrateName(programID))
}

// VersionedExecutable is the canonical, immutable artifact path for a
// specific (programID, version) pair.
func (c *Config) VersionedExecutable(programID uuid.UUID, version int64) string {
	return filepath.Join(c.BinariesDir(), FormatVersionedExecutable(programID, version))
}

// SQLCompilerPath locates the SQL-to-dataflow compiler executable.
func (c *Config) SQLCompilerPath() string {
	return filepath.Join(c.SQLCompilerHome, "sql-to-dbsp")
}

// NativeCompilerName is the native toolchain invoked in the workspace
// directory. It is resolved on PATH, not rooted under CompilerWorkingDirectory.
const NativeCompilerName = "cargo"

// FormatVersionedExecutable renders the canonical artifact basename. The
// result is the only basename the GC worker and reconciler will recognize.
func FormatVersionedExecutable(programID uuid.UUID, version int64) string {
	return fmt.Sprintf("project_%s_v%d", programID.String(), version)
}

// ParseVersionedExecutable parses a basename previously produced by
// FormatVersionedExecutable. It returns ok=false for anything else,
// including names that merely start with "project" but don't round-trip.
func ParseVersionedExecutable(name string) (programID uuid.UUID, version int64, ok bool) {
	if !strings.HasPrefix(name, "project") {
		return uuid.UUID{}, 0, false
	}

	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != "project" || len(parts[2]) <= 1 {
		return uuid.UUID{}, 0, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.UUID{}, 0, false
	}

	if parts[2][0] != 'v' {
		return uuid.UUID{}, 0, false
	}
	v, err := strconv.ParseInt(parts[2][1:], 10, 64)
	if err != nil {
		return uuid.UUID{}, 0, false
	}

	return id, v, true
}
