// Package job supervises a single external compiler process: spawning it
// with the fixed argument vector its stage requires, waiting for it to
// terminate, reading back its diagnostic output, and killing it on
// cancellation. A Job owns no shared state; Cancel may be called from one
// goroutine while Wait is blocked in another.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/internal/workspace"
	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
)

// Stage identifies which half of the two-stage pipeline a Job runs.
type Stage int

const (
	StageSQL Stage = iota
	StageNative
)

func (s Stage) String() string {
	if s == StageSQL {
		return "sql"
	}
	return "native"
}

// ExitStatus is the terminal result of a compiler process that actually
// ran to completion (as opposed to failing to spawn or be waited on).
type ExitStatus struct {
	Code int
}

// Success reports whether the process exited with code 0.
func (e ExitStatus) Success() bool {
	return e.Code == 0
}

// Job is one running (or finished) external compiler process.
type Job struct {
	Stage     Stage
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Version   int64

	cfg *layout.Config
	cmd *exec.Cmd
}

// NewSQL starts the SQL-to-dataflow compiler on the given program source.
// It materializes the project directory, writes the SQL input file, and
// redirects the compiler's stdout into the generated source path and its
// stderr into the project's error log.
func NewSQL(ctx context.Context, cfg *layout.Config, mat *workspace.Materializer, tenantID, programID uuid.UUID, version int64, code string) (*Job, error) {
	if err := mat.WriteSQLFile(programID, code); err != nil {
		return nil, err
	}
	if err := mat.EnsureGeneratedSourceDir(programID); err != nil {
		return nil, err
	}

	stdoutPath := cfg.GeneratedSourcePath(programID)
	stderrPath := cfg.CompilerStderrPath(programID)

	outFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeSQLStageSpawn, "creating generated source file").
			WithField("path", stdoutPath).
			Err()
	}
	defer outFile.Close()

	errFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeSQLStageSpawn, "creating error log").
			WithField("path", stderrPath).
			Err()
	}
	defer errFile.Close()

	cmd := exec.CommandContext(ctx, cfg.SQLCompilerPath(),
		"-js", cfg.SchemaPath(programID),
		cfg.SQLFilePath(programID),
		"-i", "-je", "-alltables",
	)
	cmd.Stdin = nil
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	if err := cmd.Start(); err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeSQLStageSpawn, "starting SQL compiler").
			WithField("program_id", programID.String()).
			Err()
	}

	return &Job{
		Stage:     StageSQL,
		TenantID:  tenantID,
		ProgramID: programID,
		Version:   version,
		cfg:       cfg,
		cmd:       cmd,
	}, nil
}

// NewNative starts the native stage: it appends the entrypoint snippet to
// the generated source, (re)writes both manifests, and runs the native
// compiler across the whole workspace.
func NewNative(ctx context.Context, cfg *layout.Config, mat *workspace.Materializer, tenantID, programID uuid.UUID, version int64) (*Job, error) {
	if err := mat.AppendEntrypoint(programID); err != nil {
		return nil, err
	}
	if err := mat.WriteProjectManifest(programID); err != nil {
		return nil, err
	}
	if err := mat.WriteWorkspaceManifest(programID); err != nil {
		return nil, err
	}

	cmd, err := startCargoBuild(ctx, cfg, programID)
	if err != nil {
		return nil, err
	}

	return &Job{
		Stage:     StageNative,
		TenantID:  tenantID,
		ProgramID: programID,
		Version:   version,
		cfg:       cfg,
		cmd:       cmd,
	}, nil
}

// startCargoBuild spawns the native compiler across the whole workspace,
// capturing its output under programID's project directory. It is the
// part of the native stage shared between a real compilation and the
// dependency-warm-up build Precompile runs.
func startCargoBuild(ctx context.Context, cfg *layout.Config, programID uuid.UUID) (*exec.Cmd, error) {
	stdoutPath := cfg.CompilerStdoutPath(programID)
	stderrPath := cfg.CompilerStderrPath(programID)

	outFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeNativeStageSpawn, "creating compiler stdout log").
			WithField("path", stdoutPath).
			Err()
	}
	defer outFile.Close()

	errFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeNativeStageSpawn, "creating compiler stderr log").
			WithField("path", stderrPath).
			Err()
	}
	defer errFile.Close()

	args := []string{"build", "--workspace"}
	if !cfg.Debug {
		args = append(args, "--release")
	}

	cmd := exec.CommandContext(ctx, layout.NativeCompilerName, args...)
	cmd.Dir = cfg.WorkspaceDir()
	cmd.Stdin = nil
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	if err := cmd.Start(); err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeNativeStageSpawn, "starting native compiler").
			WithField("program_id", programID.String()).
			Err()
	}

	return cmd, nil
}

// Precompile runs the native compiler once over a stub project to warm the
// dependency cache before any real program is compiled. It blocks until the
// build finishes and returns an error including the compiler's combined
// output on failure.
func Precompile(ctx context.Context, cfg *layout.Config, mat *workspace.Materializer) error {
	programID := uuid.Nil

	if err := mat.EnsureWorkspace(); err != nil {
		return err
	}
	if err := mat.EnsureGeneratedSourceDir(programID); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.GeneratedSourcePath(programID), []byte("fn main() {}"), 0o644); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeWorkspaceWrite, "writing precompile stub source").
			WithField("path", cfg.GeneratedSourcePath(programID)).
			Err()
	}
	if err := mat.WriteProjectManifest(programID); err != nil {
		return err
	}
	if err := mat.WriteWorkspaceManifest(programID); err != nil {
		return err
	}

	cmd, err := startCargoBuild(ctx, cfg, programID)
	if err != nil {
		return err
	}
	j := &Job{Stage: StageNative, ProgramID: programID, cfg: cfg, cmd: cmd}

	status, err := j.Wait()
	if err != nil {
		return err
	}
	if !status.Success() {
		output, readErr := j.ErrorOutput()
		if readErr != nil {
			output = fmt.Sprintf("(failed to read compiler output: %s)", readErr)
		}
		return flowerrors.New(flowerrors.ErrCodeNativeStageFailed, "precompiling dependencies failed").
			WithField("output", output).
			Err()
	}
	return nil
}

// Wait blocks until the compiler process terminates. A non-nil error means
// the process could not be waited on at all (an I/O failure, not a
// nonzero exit); a nonzero exit is reported through ExitStatus instead.
func (j *Job) Wait() (ExitStatus, error) {
	err := j.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitStatus{Code: exitErr.ExitCode()}, nil
	}

	code := flowerrors.ErrCodeSQLStageWait
	if j.Stage == StageNative {
		code = flowerrors.ErrCodeNativeStageWait
	}
	return ExitStatus{}, flowerrors.Wrap(err, code, "waiting for compiler process").
		WithField("stage", j.Stage.String()).
		WithField("program_id", j.ProgramID.String()).
		Err()
}

// Cancel kills the compiler process. It is best-effort, ignores the
// result, and is safe to call more than once or after the process has
// already exited.
func (j *Job) Cancel() {
	if j.cmd.Process != nil {
		_ = j.cmd.Process.Kill()
	}
}

// ErrorOutput reads back the diagnostic output produced by a failed
// compiler process. For the SQL stage that is just the stderr file
// (either a JSON diagnostic array or free text); for the native stage it
// is the labelled concatenation of stdout and stderr.
func (j *Job) ErrorOutput() (string, error) {
	switch j.Stage {
	case StageSQL:
		data, err := os.ReadFile(j.cfg.CompilerStderrPath(j.ProgramID))
		if err != nil {
			return "", flowerrors.Wrap(err, flowerrors.ErrCodeSQLStageFailed, "reading SQL compiler error log").Err()
		}
		return string(data), nil
	default:
		stdout, err := os.ReadFile(j.cfg.CompilerStdoutPath(j.ProgramID))
		if err != nil {
			return "", flowerrors.Wrap(err, flowerrors.ErrCodeNativeStageFailed, "reading native compiler stdout log").Err()
		}
		stderr, err := os.ReadFile(j.cfg.CompilerStderrPath(j.ProgramID))
		if err != nil {
			return "", flowerrors.Wrap(err, flowerrors.ErrCodeNativeStageFailed, "reading native compiler stderr log").Err()
		}
		return fmt.Sprintf("stdout:\n%s\nstderr:\n%s", stdout, stderr), nil
	}
}
