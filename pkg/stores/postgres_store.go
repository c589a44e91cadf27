package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secfleet/conductor/pkg/engine"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('running', 'succeeded', 'failed')),
    submitted_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    total        INTEGER NOT NULL DEFAULT 0,
    succeeded    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    skipped      INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS job_references (
    job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    kind      TEXT NOT NULL,
    object_id BIGINT NOT NULL,
    name      TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, kind, object_id)
);

CREATE TABLE IF NOT EXISTS job_tasks (
    job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    node_id        TEXT NOT NULL,
    seq            INTEGER NOT NULL,
    name           TEXT NOT NULL,
    guard          TEXT NOT NULL,
    state          TEXT NOT NULL,
    succeeded      BOOLEAN NOT NULL DEFAULT FALSE,
    skipped        BOOLEAN NOT NULL DEFAULT FALSE,
    meta           BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason TEXT NOT NULL DEFAULT '',
    predecessors   JSONB NOT NULL DEFAULT '[]',
    successors     JSONB NOT NULL DEFAULT '[]',
    refs           JSONB NOT NULL DEFAULT '[]',
    queued_at      TIMESTAMPTZ,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    PRIMARY KEY (job_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at      ON jobs(submitted_at);
CREATE INDEX IF NOT EXISTS idx_job_references_object ON job_references(kind, object_id);
`

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db  *pgxpool.Pool
	cfg Config
}

// NewPostgresStore creates a store for cfg.DSN. Call Init to connect.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresStore{cfg: cfg}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Init is not needed.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Init connects the pool.
func (s *PostgresStore) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse dsn: %w", err)
	}
	if s.cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(s.cfg.MaxOpenConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = s.cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = pool
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Migrate creates the history tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.db.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DropSchema drops the history tables.
func (s *PostgresStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS job_tasks, job_references, jobs CASCADE;`)
	return err
}

// SaveJob stores a finished job, replacing any earlier record with the same id.
func (s *PostgresStore) SaveJob(ctx context.Context, rec engine.JobRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Children cascade.
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, rec.ID); err != nil {
		return fmt.Errorf("failed to replace job %s: %w", rec.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, name, status, submitted_at, completed_at, total, succeeded, failed, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.Name,
		string(rec.Status),
		rec.SubmittedAt,
		nullTime(rec.CompletedAt),
		rec.Summary.Total,
		rec.Summary.Succeeded,
		rec.Summary.Failed,
		rec.Summary.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ref := range rec.References {
		batch.Queue(
			`INSERT INTO job_references (job_id, kind, object_id, name) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			rec.ID, string(ref.Kind), ref.ID, ref.Name,
		)
	}
	for i, n := range rec.Tasks {
		row, err := encodeTask(i, n)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO job_tasks (
				job_id, node_id, seq, name, guard, state, succeeded, skipped, meta,
				failure_reason, predecessors, successors, refs, queued_at, started_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13::jsonb, $14, $15, $16)
		`,
			rec.ID, n.ID, row.seq, n.Name, string(n.Guard), string(n.State),
			n.Succeeded, n.Skipped, n.Meta, n.FailureReason,
			row.predecessors, row.successors, row.refs,
			nullTime(n.QueuedAt), nullTime(n.StartedAt), nullTime(n.CompletedAt),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert job details: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob retrieves a job with its references and tasks.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*engine.JobRecord, error) {
	rec, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT kind, object_id, name FROM job_references WHERE job_id = $1 ORDER BY kind, object_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	rec.References, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.ObjectReference, error) {
		var (
			ref  engine.ObjectReference
			kind string
		)
		err := row.Scan(&kind, &ref.ID, &ref.Name)
		ref.Kind = engine.ObjectKind(kind)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan references: %w", err)
	}

	if rec.Tasks, err = s.ListTasks(ctx, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListJobs lists jobs newest first without their tasks.
func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]engine.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		ORDER BY j.submitted_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

// ListJobsByReference lists the jobs that claimed ref, newest first.
func (s *PostgresStore) ListJobsByReference(ctx context.Context, ref engine.ObjectReference, limit int) ([]engine.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		JOIN job_references r ON r.job_id = j.id
		WHERE r.kind = $1 AND r.object_id = $2
		ORDER BY j.submitted_at DESC
		LIMIT $3
	`, string(ref.Kind), ref.ID, limit)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]engine.JobRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.JobRecord, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return jobs, nil
}

// ListTasks lists the task snapshots of a job in graph insertion order.
func (s *PostgresStore) ListTasks(ctx context.Context, jobID string) ([]engine.NodeSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT node_id, name, guard, state, succeeded, skipped, meta, failure_reason,
			   predecessors::text, successors::text, refs::text, queued_at, started_at, completed_at
		FROM job_tasks
		WHERE job_id = $1
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.NodeSnapshot, error) {
		var (
			n                                engine.NodeSnapshot
			guard, state                     string
			preds, succs, refs               string
			queuedAt, startedAt, completedAt *time.Time
		)
		if err := row.Scan(
			&n.ID, &n.Name, &guard, &state, &n.Succeeded, &n.Skipped, &n.Meta, &n.FailureReason,
			&preds, &succs, &refs, &queuedAt, &startedAt, &completedAt,
		); err != nil {
			return n, err
		}
		n.Guard = engine.TaskGuard(guard)
		n.State = engine.TaskState(state)
		n.QueuedAt = timeOrZero(queuedAt)
		n.StartedAt = timeOrZero(startedAt)
		n.CompletedAt = timeOrZero(completedAt)
		err := decodeTask(&n, preds, succs, refs)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	return tasks, nil
}

// DeleteJobsBefore removes jobs submitted before the given time.
func (s *PostgresStore) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE submitted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return ct.RowsAffected(), nil
}

// HealthCheck verifies the database is reachable
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.Ping(ctx)
}

// compile-time checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
