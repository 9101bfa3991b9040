package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/internal/workspace"
)

// writeFakeCompiler writes an executable shell script at path that echoes
// stdoutText to stdout, stderrText to stderr, then exits with exitCode.
func writeFakeCompiler(t *testing.T, path, stdoutText, stderrText string, exitCode int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler scripts are POSIX shell only")
	}
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s' %q\nprintf '%%s' %q >&2\nexit %d\n", stdoutText, stderrText, exitCode)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestConfig(t *testing.T) *layout.Config {
	t.Helper()
	root := t.TempDir()
	compilerHome := t.TempDir()
	return &layout.Config{
		CompilerWorkingDirectory: root,
		SQLCompilerHome:          compilerHome,
	}
}

func TestSQLJobSuccess(t *testing.T) {
	cfg := newTestConfig(t)
	writeFakeCompiler(t, cfg.SQLCompilerPath(), "fn generated() {}", "", 0)

	mat := workspace.New(cfg)
	if err := mat.EnsureWorkspace(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.New()
	j, err := NewSQL(ctx, cfg, mat, uuid.New(), id, 1, "CREATE TABLE t(x INT);")
	if err != nil {
		t.Fatal(err)
	}

	status, err := j.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !status.Success() {
		t.Fatalf("expected success, got exit code %d", status.Code)
	}

	data, err := os.ReadFile(cfg.GeneratedSourcePath(id))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fn generated() {}" {
		t.Fatalf("generated source = %q", data)
	}
}

func TestSQLJobFailureErrorOutput(t *testing.T) {
	cfg := newTestConfig(t)
	diagnostics := `[{"startLineNumber":14,"startColumn":13,"endLineNumber":14,"endColumn":13,"warning":false,"errorType":"Error parsing SQL","message":"Encountered <EOF> at line 14, column 13."}]`
	writeFakeCompiler(t, cfg.SQLCompilerPath(), "", diagnostics, 1)

	mat := workspace.New(cfg)
	if err := mat.EnsureWorkspace(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.New()
	j, err := NewSQL(ctx, cfg, mat, uuid.New(), id, 1, "garbage sql")
	if err != nil {
		t.Fatal(err)
	}

	status, err := j.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if status.Success() {
		t.Fatal("expected failure exit status")
	}

	out, err := j.ErrorOutput()
	if err != nil {
		t.Fatal(err)
	}
	if out != diagnostics {
		t.Fatalf("error output = %q, want %q", out, diagnostics)
	}
}

func TestJobCancelIsSafeToCallTwice(t *testing.T) {
	cfg := newTestConfig(t)
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler scripts are POSIX shell only")
	}
	script := "#!/bin/sh\nsleep 30\n"
	if err := os.WriteFile(cfg.SQLCompilerPath(), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	mat := workspace.New(cfg)
	if err := mat.EnsureWorkspace(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	id := uuid.New()
	j, err := NewSQL(ctx, cfg, mat, uuid.New(), id, 1, "CREATE TABLE t(x INT);")
	if err != nil {
		t.Fatal(err)
	}

	j.Cancel()
	j.Cancel() // must not panic or block

	done := make(chan struct{})
	go func() {
		_, _ = j.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}
}

func TestPrecompileSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake cargo script is POSIX shell only")
	}
	cfg := newTestConfig(t)
	mat := workspace.New(cfg)

	binDir := t.TempDir()
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(filepath.Join(binDir, "cargo"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := Precompile(ctx, cfg, mat); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.GeneratedSourcePath(uuid.Nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fn main() {}" {
		t.Fatalf("stub source = %q", data)
	}
}

func TestPrecompileFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake cargo script is POSIX shell only")
	}
	cfg := newTestConfig(t)
	mat := workspace.New(cfg)

	binDir := t.TempDir()
	script := "#!/bin/sh\nprintf 'compiling' >&2\nexit 1\n"
	if err := os.WriteFile(filepath.Join(binDir, "cargo"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := Precompile(ctx, cfg, mat); err == nil {
		t.Fatal("expected an error from a failing precompile build")
	}
}

func TestNativeJobErrorOutputFormat(t *testing.T) {
	cfg := newTestConfig(t)
	id := uuid.New()

	if err := os.MkdirAll(filepath.Dir(cfg.CompilerStdoutPath(id)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.CompilerStdoutPath(id), []byte("compiling project"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.CompilerStderrPath(id), []byte("error[E0425]: cannot find value"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := &Job{Stage: StageNative, ProgramID: id, cfg: cfg, cmd: nil}
	out, err := j.ErrorOutput()
	if err != nil {
		t.Fatal(err)
	}
	want := "stdout:\ncompiling project\nstderr:\nerror[E0425]: cannot find value"
	if out != want {
		t.Fatalf("error output = %q, want %q", out, want)
	}
}
