// Package orchestrator runs the main compilation loop: it pulls queued
// programs from the catalog, drives each one through the SQL and native
// compiler stages, writes status back as the job advances, and reacts to
// cancellation signalled by a version mismatch in the catalog.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ha1tch/flowcompile/internal/catalog"
	"github.com/ha1tch/flowcompile/internal/job"
	"github.com/ha1tch/flowcompile/internal/layout"
	"github.com/ha1tch/flowcompile/internal/workspace"
	"github.com/ha1tch/flowcompile/pkg/log"
)

// DefaultPollInterval bounds cancellation latency (spec: COMPILER_POLL_INTERVAL).
const DefaultPollInterval = time.Second

// Orchestrator owns the single in-flight CompilationJob and the loop that
// advances it.
type Orchestrator struct {
	cfg      *layout.Config
	catalog  catalog.Catalog
	mat      *workspace.Materializer
	logger   *log.Logger
	interval time.Duration
}

// New returns an Orchestrator. interval defaults to DefaultPollInterval
// when zero.
func New(cfg *layout.Config, cat catalog.Catalog, logger *log.Logger, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Orchestrator{
		cfg:      cfg,
		catalog:  cat,
		mat:      workspace.New(cfg),
		logger:   logger,
		interval: interval,
	}
}

// current is the in-flight job plus the single-use channel its wait()
// result arrives on; waitCh must be created exactly once per job, since
// exec.Cmd.Wait may only be called once.
type current struct {
	j      *job.Job
	waitCh <-chan waitResult
}

// Run blocks until ctx is cancelled. At most one compilation job runs at a
// time; errors from a single compilation advance set a terminal status on
// that program and never abort the loop. An error returned from Run itself
// means the loop's own infrastructure (the catalog) became unusable.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.mat.EnsureWorkspace(); err != nil {
		return err
	}
	if err := os.MkdirAll(o.cfg.BinariesDir(), 0o755); err != nil {
		return err
	}

	var cur *current
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if cur == nil {
			started, err := o.startNext(ctx)
			if err != nil {
				return err
			}
			cur = started
		}

		if cur == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				continue
			}
		}

		select {
		case <-ctx.Done():
			cur.j.Cancel()
			return nil

		case <-ticker.C:
			cancelled, err := o.shouldCancel(ctx, cur.j)
			if err != nil {
				return err
			}
			if cancelled {
				cur.j.Cancel()
				cur = nil
			}

		case result := <-cur.waitCh:
			done, err := o.advance(ctx, cur, result.status, result.err)
			if err != nil {
				return err
			}
			if done {
				cur = nil
			}
		}
	}
}

type waitResult struct {
	status job.ExitStatus
	err    error
}

func (o *Orchestrator) waitAsync(j *job.Job) <-chan waitResult {
	ch := make(chan waitResult, 1)
	go func() {
		status, err := j.Wait()
		ch <- waitResult{status: status, err: err}
	}()
	return ch
}

// shouldCancel reports whether the catalog's current view of the program
// disagrees with the job's pinned version or has left a compiling state.
func (o *Orchestrator) shouldCancel(ctx context.Context, j *job.Job) (bool, error) {
	p, err := o.catalog.GetProgramIfExists(ctx, j.TenantID, j.ProgramID, false)
	if err != nil {
		return false, err
	}
	if p == nil {
		return true, nil
	}
	if p.Version != j.Version || !p.Status.IsCompiling() {
		return true, nil
	}
	return false, nil
}

// startNext pulls the oldest queued program and starts its SQL stage.
func (o *Orchestrator) startNext(ctx context.Context) (*current, error) {
	next, ok, err := o.catalog.NextJob(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	j, err := job.NewSQL(ctx, o.cfg, o.mat, next.TenantID, next.ProgramID, next.Version, next.Code)
	if err != nil {
		_, statusErr := o.catalog.SetProgramStatusGuarded(ctx, next.TenantID, next.ProgramID, next.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: err.Error()})
		return nil, statusErr
	}

	if _, err := o.catalog.SetProgramStatusGuarded(ctx, next.TenantID, next.ProgramID, next.Version,
		catalog.ProgramStatus{Kind: catalog.StatusCompilingSQL}); err != nil {
		j.Cancel()
		return nil, err
	}

	o.logger.Orchestrator().Info("started SQL compilation",
		"program_id", next.ProgramID.String(), "version", next.Version)

	return &current{j: j, waitCh: o.waitAsync(j)}, nil
}

// advance reacts to a finished job: on SQL success it stores the schema
// and starts the native stage; on native success it promotes the artifact
// to its versioned path; on failure it writes the appropriate terminal
// status.
// advance returns done=true once no further stage will run for this job
// (success, failure, or a superseded write): the caller should then clear
// its current job and pick the next one. done=false only when the SQL
// stage succeeded and a native-stage job has been started in its place.
func (o *Orchestrator) advance(ctx context.Context, cur *current, status job.ExitStatus, waitErr error) (bool, error) {
	j := cur.j
	if waitErr != nil {
		msg := fmt.Sprintf("I/O error with %s compiler: %s", j.Stage, waitErr)
		_, err := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: msg})
		return true, err
	}

	if status.Success() && j.Stage == job.StageSQL {
		return o.advanceSQLSuccess(ctx, cur)
	}
	if status.Success() && j.Stage == job.StageNative {
		return true, o.advanceNativeSuccess(ctx, j)
	}
	return true, o.advanceFailure(ctx, j, status)
}

func (o *Orchestrator) advanceSQLSuccess(ctx context.Context, cur *current) (bool, error) {
	j := cur.j

	schemaJSON, err := readFile(o.cfg.SchemaPath(j.ProgramID))
	if err != nil {
		_, statusErr := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: fmt.Sprintf("reading schema: %s", err)})
		return true, statusErr
	}
	var parsed json.RawMessage
	if err := json.Unmarshal([]byte(schemaJSON), &parsed); err != nil {
		_, statusErr := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: fmt.Sprintf("invalid program schema: %s", err)})
		return true, statusErr
	}

	committed, err := o.catalog.SetProgramSchema(ctx, j.TenantID, j.ProgramID, j.Version, schemaJSON)
	if err != nil {
		return true, err
	}
	if !committed {
		// Superseded between wait() returning and this write; drop it.
		return true, nil
	}

	o.logger.Orchestrator().Info("SQL stage succeeded, starting native stage",
		"program_id", j.ProgramID.String(), "version", j.Version)

	nativeJob, err := job.NewNative(ctx, o.cfg, o.mat, j.TenantID, j.ProgramID, j.Version)
	if err != nil {
		_, statusErr := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: err.Error()})
		return true, statusErr
	}
	*j = *nativeJob
	cur.waitCh = o.waitAsync(j)
	return false, nil
}

func (o *Orchestrator) advanceNativeSuccess(ctx context.Context, j *job.Job) error {
	if err := copyFile(o.cfg.TargetExecutable(j.ProgramID), o.cfg.VersionedExecutable(j.ProgramID, j.Version)); err != nil {
		_, statusErr := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
			catalog.ProgramStatus{Kind: catalog.StatusSystemError, Message: fmt.Sprintf("promoting artifact: %s", err)})
		return statusErr
	}

	_, err := o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version,
		catalog.ProgramStatus{Kind: catalog.StatusSuccess})
	if err == nil {
		o.logger.Orchestrator().Info("native stage succeeded",
			"program_id", j.ProgramID.String(), "version", j.Version)
	}
	return err
}

func (o *Orchestrator) advanceFailure(ctx context.Context, j *job.Job, status job.ExitStatus) error {
	output, err := j.ErrorOutput()
	if err != nil {
		output = fmt.Sprintf("(failed to read compiler output: %s)", err)
	}

	var failureStatus catalog.ProgramStatus
	switch {
	case j.Stage == job.StageNative:
		failureStatus = catalog.ProgramStatus{
			Kind:    catalog.StatusNativeError,
			Message: fmt.Sprintf("%s\nexit code: %d", output, status.Code),
		}
	default:
		var diagnostics []catalog.Diagnostic
		if jsonErr := json.Unmarshal([]byte(output), &diagnostics); jsonErr == nil {
			failureStatus = catalog.ProgramStatus{Kind: catalog.StatusSQLError, Diagnostics: diagnostics}
		} else {
			failureStatus = catalog.ProgramStatus{
				Kind:    catalog.StatusSystemError,
				Message: fmt.Sprintf("%s\nexit code: %d", output, status.Code),
			}
		}
	}

	_, err = o.catalog.SetProgramStatusGuarded(ctx, j.TenantID, j.ProgramID, j.Version, failureStatus)
	return err
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
