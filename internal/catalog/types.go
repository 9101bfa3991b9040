// Package catalog defines the program catalog the orchestrator, GC worker,
// and reconciler all read and write: a transactional store keyed by
// (tenant, program_id) carrying a version counter and a status column, plus
// three interchangeable backends (SQLite, PostgreSQL, in-memory).
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProgramStatusKind identifies which state of the compilation lifecycle a
// program is in.
type ProgramStatusKind int

const (
	StatusNone ProgramStatusKind = iota
	StatusPending
	StatusCompilingSQL
	// StatusCompilingNative is carried on the wire and in storage as
	// "CompilingRust" for catalog compatibility; see SPEC_FULL.md.
	StatusCompilingNative
	StatusSuccess
	StatusSQLError
	StatusNativeError
	StatusSystemError
)

// String renders the wire/storage name, not the Go identifier: the native
// compilation stage keeps its historical "Rust" spelling in persisted data.
func (k ProgramStatusKind) String() string {
	switch k {
	case StatusNone:
		return "None"
	case StatusPending:
		return "Pending"
	case StatusCompilingSQL:
		return "CompilingSql"
	case StatusCompilingNative:
		return "CompilingRust"
	case StatusSuccess:
		return "Success"
	case StatusSQLError:
		return "SqlError"
	case StatusNativeError:
		return "RustError"
	case StatusSystemError:
		return "SystemError"
	default:
		return "Unknown"
	}
}

// ParseProgramStatusKind is the inverse of String, accepting only the
// wire/storage spellings.
func ParseProgramStatusKind(s string) (ProgramStatusKind, bool) {
	switch s {
	case "None":
		return StatusNone, true
	case "Pending":
		return StatusPending, true
	case "CompilingSql":
		return StatusCompilingSQL, true
	case "CompilingRust":
		return StatusCompilingNative, true
	case "Success":
		return StatusSuccess, true
	case "SqlError":
		return StatusSQLError, true
	case "RustError":
		return StatusNativeError, true
	case "SystemError":
		return StatusSystemError, true
	default:
		return StatusNone, false
	}
}

// Diagnostic is one SQL compiler diagnostic, reported only when Kind is
// StatusSQLError.
type Diagnostic struct {
	StartLine   uint32 `json:"startLineNumber"`
	StartColumn uint32 `json:"startColumn"`
	EndLine     uint32 `json:"endLineNumber"`
	EndColumn   uint32 `json:"endColumn"`
	Warning     bool   `json:"warning"`
	ErrorType   string `json:"errorType"`
	Message     string `json:"message"`
}

// ProgramStatus is the tagged-variant state of a program's compilation.
type ProgramStatus struct {
	Kind        ProgramStatusKind
	Diagnostics []Diagnostic // only meaningful when Kind == StatusSQLError
	Message     string       // only meaningful when Kind == StatusNativeError or StatusSystemError
}

// IsNotYetCompiled reports whether compilation has not started.
func (s ProgramStatus) IsNotYetCompiled() bool {
	return s.Kind == StatusNone || s.Kind == StatusPending
}

// IsCompiling reports whether a compiler process should currently be
// running for this program.
func (s ProgramStatus) IsCompiling() bool {
	return s.Kind == StatusCompilingSQL || s.Kind == StatusCompilingNative
}

// HasFailed reports whether the program is in a terminal failure state.
func (s ProgramStatus) HasFailed() bool {
	switch s.Kind {
	case StatusSQLError, StatusNativeError, StatusSystemError:
		return true
	default:
		return false
	}
}

// Program is one catalog row: a program's identity, version, status, and
// (optionally) its SQL source and compiled schema.
type Program struct {
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Version   int64
	Status    ProgramStatus

	Code       string // present only when requested via GetProgramIfExists(withCode=true)
	SchemaJSON string // set once the SQL stage succeeds

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is the (tenant, program, version) triple the orchestrator pulls off
// the queue; it carries the program's SQL source since the orchestrator
// needs it immediately to start the SQL stage.
type Job struct {
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Version   int64
	Code      string
}

// Catalog is the orchestrator's only collaborator besides the filesystem
// and the external compilers. All methods are safe for concurrent use.
type Catalog interface {
	// NextJob returns the oldest queued program, or ok=false if the queue
	// is empty.
	NextJob(ctx context.Context) (job Job, ok bool, err error)

	// GetProgramIfExists looks up a program by tenant and ID. withCode
	// controls whether the (potentially large) SQL source is populated.
	GetProgramIfExists(ctx context.Context, tenantID, programID uuid.UUID, withCode bool) (*Program, error)

	// AllPrograms returns every program across every tenant, used by the
	// reconciler at startup.
	AllPrograms(ctx context.Context) ([]Program, error)

	// SetProgramStatusGuarded writes status only if the program is still
	// at the given version. committed=false, err=nil means the version
	// had already advanced — the expected cancellation outcome.
	SetProgramStatusGuarded(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) (committed bool, err error)

	// SetProgramForCompilation re-queues a program unconditionally,
	// overwriting its version and status with no version guard; used by
	// the reconciler.
	SetProgramForCompilation(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) error

	// SetProgramSchema stores the schema emitted by the SQL stage and
	// advances status to StatusCompilingNative in the same transaction,
	// guarded by version exactly like SetProgramStatusGuarded.
	SetProgramSchema(ctx context.Context, tenantID, programID uuid.UUID, version int64, schemaJSON string) (committed bool, err error)

	// IsProgramVersionInUse reports whether the given program/version pair
	// is still referenced by the catalog (i.e. is the program's current
	// version). Used by the GC worker to decide whether an on-disk
	// artifact is still live.
	IsProgramVersionInUse(ctx context.Context, programID uuid.UUID, version int64) (bool, error)
}
