package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
)

// PostgresCatalog is a Catalog backed by a pooled Postgres connection,
// the production backend: this is the database the original pipeline
// manager actually used for its program catalog.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres using the given pool config DSN and
// ensures the catalog schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogConnect, "connecting to postgres catalog").Err()
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogConnect, "pinging postgres catalog").Err()
	}

	c := &PostgresCatalog{pool: pool}
	if err := c.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS programs (
	tenant_id   UUID NOT NULL,
	program_id  UUID NOT NULL,
	version     BIGINT NOT NULL,
	status      TEXT NOT NULL,
	diagnostics JSONB NOT NULL DEFAULT '[]',
	message     TEXT NOT NULL DEFAULT '',
	code        TEXT NOT NULL DEFAULT '',
	schema_json TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	queue_seq   BIGSERIAL,
	PRIMARY KEY (tenant_id, program_id)
);
CREATE INDEX IF NOT EXISTS programs_status_idx ON programs(status, queue_seq);
`
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogMigration, "creating catalog schema").Err()
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

// CreateProgram inserts a new catalog row. Not part of the Catalog
// interface; see SQLiteCatalog.CreateProgram for why.
func (c *PostgresCatalog) CreateProgram(ctx context.Context, p Program) error {
	diagnostics, err := marshalDiagnostics(p.Status.Diagnostics)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO programs (tenant_id, program_id, version, status, diagnostics, message, code, schema_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.TenantID, p.ProgramID, p.Version, p.Status.Kind.String(), diagnostics, p.Status.Message, p.Code, p.SchemaJSON)
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "inserting program").Err()
	}
	return nil
}

func scanPostgresProgram(row pgx.Row) (*Program, error) {
	var p Program
	var status, diagnostics string
	if err := row.Scan(&p.TenantID, &p.ProgramID, &p.Version, &status, &diagnostics, &p.Status.Message, &p.Code, &p.SchemaJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
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
	p.Status.Kind = kind
	p.Status.Diagnostics = diags
	return &p, nil
}

const programColumns = `tenant_id, program_id, version, status, diagnostics, message, code, schema_json, created_at, updated_at`

func (c *PostgresCatalog) NextJob(ctx context.Context) (Job, bool, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT tenant_id, program_id, version, code FROM programs WHERE status = $1 ORDER BY queue_seq ASC LIMIT 1`,
		StatusPending.String())

	var job Job
	if err := row.Scan(&job.TenantID, &job.ProgramID, &job.Version, &job.Code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "selecting next job").Err()
	}
	return job, true, nil
}

func (c *PostgresCatalog) GetProgramIfExists(ctx context.Context, tenantID, programID uuid.UUID, withCode bool) (*Program, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+programColumns+` FROM programs WHERE tenant_id = $1 AND program_id = $2`,
		tenantID, programID)

	p, err := scanPostgresProgram(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (c *PostgresCatalog) AllPrograms(ctx context.Context) ([]Program, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+programColumns+` FROM programs ORDER BY tenant_id, program_id`)
	if err != nil {
		return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "listing programs").Err()
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		p, err := scanPostgresProgram(rows)
		if err != nil {
			return nil, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "scanning program row").Err()
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) SetProgramStatusGuarded(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) (bool, error) {
	diagnostics, err := marshalDiagnostics(status.Diagnostics)
	if err != nil {
		return false, err
	}

	tag, err := c.pool.Exec(ctx,
		`UPDATE programs SET status = $1, diagnostics = $2, message = $3, updated_at = now()
		 WHERE tenant_id = $4 AND program_id = $5 AND version = $6`,
		status.Kind.String(), diagnostics, status.Message, tenantID, programID, version)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "writing guarded status").Err()
	}
	return tag.RowsAffected() == 1, nil
}

func (c *PostgresCatalog) SetProgramForCompilation(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) error {
	diagnostics, err := marshalDiagnostics(status.Diagnostics)
	if err != nil {
		return err
	}

	_, err = c.pool.Exec(ctx,
		`UPDATE programs SET version = $1, status = $2, diagnostics = $3, message = $4, updated_at = now()
		 WHERE tenant_id = $5 AND program_id = $6`,
		version, status.Kind.String(), diagnostics, status.Message, tenantID, programID)
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "re-queueing program").Err()
	}
	return nil
}

func (c *PostgresCatalog) SetProgramSchema(ctx context.Context, tenantID, programID uuid.UUID, version int64, schemaJSON string) (bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "beginning schema transaction").Err()
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE programs SET schema_json = $1, status = $2, updated_at = now()
		 WHERE tenant_id = $3 AND program_id = $4 AND version = $5`,
		schemaJSON, StatusCompilingNative.String(), tenantID, programID, version)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "writing schema").Err()
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogExec, "committing schema transaction").Err()
	}
	return true, nil
}

func (c *PostgresCatalog) IsProgramVersionInUse(ctx context.Context, programID uuid.UUID, version int64) (bool, error) {
	var n int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM programs WHERE program_id = $1 AND version = $2`,
		programID, version).Scan(&n)
	if err != nil {
		return false, flowerrors.Wrap(err, flowerrors.ErrCodeCatalogQuery, "checking version in use").Err()
	}
	return n > 0, nil
}
