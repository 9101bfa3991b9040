package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
)

// SQLiteConfig holds SQLite-specific connection options, single-writer by
// design: the catalog is small and low-throughput, so one open connection
// avoids SQLITE_BUSY entirely rather than tuning around it.
type SQLiteConfig struct {
	// Path to the database file. Use ":memory:" for an in-memory database.
	Path string

	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	BusyTimeout int     // milliseconds
}

// DefaultSQLiteConfig returns the catalog's default SQLite settings.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        "flowcompile.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// SQLiteCatalog is a Catalog backed by a single SQLite database file,
// the default backend for local development and the on-disk test suite.
type SQLiteCatalog struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed catalog and
// ensures its schema exists.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteCatalog, error) {
	dsn := cfg.Path
	opts := []string{"_foreign_keys=ON"}
	if cfg.JournalMode != "" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", cfg.JournalMode))
	}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	dsn = dsn + "?" + strings.Join(opts, "&")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogConnect, "opening sqlite catalog").
			WithField("path", cfg.Path).
			Err()
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogConnect, "pinging sqlite catalog").Err()
	}

	c := &SQLiteCatalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCatalog) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS programs (
	tenant_id  TEXT NOT NULL,
	program_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	diagnostics TEXT NOT NULL DEFAULT '[]',
	message    TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL DEFAULT '',
	schema_json TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	queue_seq  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, program_id)
);
CREATE INDEX IF NOT EXISTS programs_status_idx ON programs(status, queue_seq);
`
	if _, err := c.db.Exec(schema); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogMigration, "creating catalog schema").Err()
	}
	return nil
}

// Close releases the underlying database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// CreateProgram inserts a new catalog row. It is not part of the Catalog
// interface: the orchestrator never creates programs, only the API layer
// that owns the catalog does; this exists for seeding the SQLite backend
// in tests.
func (c *SQLiteCatalog) CreateProgram(ctx context.Context, p Program) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	diagnostics, err := marshalDiagnostics(p.Status.Diagnostics)
	if err != nil {
		return err
	}
	now := nowTimestamp()

	var seq int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM programs`).Scan(&seq); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "allocating queue sequence").Err()
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO programs (tenant_id, program_id, version, status, diagnostics, message, code, schema_json, created_at, updated_at, queue_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TenantID.String(), p.ProgramID.String(), p.Version, p.Status.Kind.String(), diagnostics, p.Status.Message,
		p.Code, p.SchemaJSON, now, now, seq)
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "inserting program").Err()
	}
	return nil
}

func marshalDiagnostics(ds []Diagnostic) (string, error) {
	if len(ds) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalDiagnostics(s string) ([]Diagnostic, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var ds []Diagnostic
	if err := json.Unmarshal([]byte(s), &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func scanProgram(row interface {
	Scan(dest ...interface{}) error
}) (*Program, error) {
	var (
		p                      Program
		tenantID, programID    string
		status, diagnostics    string
		createdAt, updatedAt   string
	)
	if err := row.Scan(&tenantID, &programID, &p.Version, &status, &diagnostics, &p.Status.Message, &p.Code, &p.SchemaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return nil, err
	}
	pid, err := uuid.Parse(programID)
	if err != nil {
		return nil, err
	}
	kind, ok := ParseProgramStatusKind(status)
	if !ok {
		return nil, flowerrors.New(flowerrors.ErrCodeCatalogQuery, "unrecognized status in catalog row").
			WithField("status", status).Err()
	}
	diags, err := unmarshalDiagnostics(diagnostics)
	if err != nil {
		return nil, err
	}

	p.TenantID = tid
	p.ProgramID = pid
	p.Status.Kind = kind
	p.Status.Diagnostics = diags
	if t, err := parseTimestamp(createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTimestamp(updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

func (c *SQLiteCatalog) NextJob(ctx context.Context) (Job, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx,
		`SELECT tenant_id, program_id, version, code FROM programs WHERE status = ? ORDER BY queue_seq ASC LIMIT 1`,
		StatusPending.String())

	var tenantID, programID, code string
	var version int64
	if err := row.Scan(&tenantID, &programID, &version, &code); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "selecting next job").Err()
	}

	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return Job{}, false, err
	}
	pid, err := uuid.Parse(programID)
	if err != nil {
		return Job{}, false, err
	}
	return Job{TenantID: tid, ProgramID: pid, Version: version, Code: code}, true, nil
}

func (c *SQLiteCatalog) GetProgramIfExists(ctx context.Context, tenantID, programID uuid.UUID, withCode bool) (*Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx,
		`SELECT tenant_id, program_id, version, status, diagnostics, message, code, schema_json, created_at, updated_at
		 FROM programs WHERE tenant_id = ? AND program_id = ?`,
		tenantID.String(), programID.String())

	p, err := scanProgram(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "scanning program row").Err()
	}
	if !withCode {
		p.Code = ""
	}
	return p, nil
}

func (c *SQLiteCatalog) AllPrograms(ctx context.Context) ([]Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT tenant_id, program_id, version, status, diagnostics, message, code, schema_json, created_at, updated_at
		 FROM programs ORDER BY tenant_id, program_id`)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "listing programs").Err()
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "scanning program row").Err()
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) SetProgramStatusGuarded(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	diagnostics, err := marshalDiagnostics(status.Diagnostics)
	if err != nil {
		return false, err
	}

	res, err := c.db.ExecContext(ctx,
		`UPDATE programs SET status = ?, diagnostics = ?, message = ?, updated_at = ?
		 WHERE tenant_id = ? AND program_id = ? AND version = ?`,
		status.Kind.String(), diagnostics, status.Message, nowTimestamp(),
		tenantID.String(), programID.String(), version)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "writing guarded status").Err()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "reading rows affected").Err()
	}
	return n == 1, nil
}

func (c *SQLiteCatalog) SetProgramForCompilation(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	diagnostics, err := marshalDiagnostics(status.Diagnostics)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		`UPDATE programs SET version = ?, status = ?, diagnostics = ?, message = ?, updated_at = ?
		 WHERE tenant_id = ? AND program_id = ?`,
		version, status.Kind.String(), diagnostics, status.Message, nowTimestamp(),
		tenantID.String(), programID.String())
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "re-queueing program").Err()
	}
	return nil
}

func (c *SQLiteCatalog) SetProgramSchema(ctx context.Context, tenantID, programID uuid.UUID, version int64, schemaJSON string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "beginning schema transaction").Err()
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE programs SET schema_json = ?, status = ?, updated_at = ?
		 WHERE tenant_id = ? AND program_id = ? AND version = ?`,
		schemaJSON, StatusCompilingNative.String(), nowTimestamp(),
		tenantID.String(), programID.String(), version)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "writing schema").Err()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "reading rows affected").Err()
	}
	if n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "committing schema transaction").Err()
	}
	return true, nil
}

func (c *SQLiteCatalog) IsProgramVersionInUse(ctx context.Context, programID uuid.UUID, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM programs WHERE program_id = ? AND version = ?`,
		programID.String(), version).Scan(&n)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "checking version in use").Err()
	}
	return n > 0, nil
}
