package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/secfleet/conductor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveJob stores a finished job, replacing any earlier record with the same id.
func (s *SQLiteStore) SaveJob(ctx context.Context, rec engine.JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM job_tasks WHERE job_id = ?`,
		`DELETE FROM job_references WHERE job_id = ?`,
		`DELETE FROM jobs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, rec.ID); err != nil {
			return fmt.Errorf("failed to replace job %s: %w", rec.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, submitted_at, completed_at, total, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Name,
		string(rec.Status),
		rec.SubmittedAt.UTC(),
		nullTime(rec.CompletedAt),
		rec.Summary.Total,
		rec.Summary.Succeeded,
		rec.Summary.Failed,
		rec.Summary.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for _, ref := range rec.References {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_references (job_id, kind, object_id, name) VALUES (?, ?, ?, ?)`,
			rec.ID, string(ref.Kind), ref.ID, ref.Name,
		); err != nil {
			return fmt.Errorf("failed to insert job reference: %w", err)
		}
	}

	for i, n := range rec.Tasks {
		row, err := encodeTask(i, n)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_tasks (
				job_id, node_id, seq, name, guard, state, succeeded, skipped, meta,
				failure_reason, predecessors, successors, refs, queued_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			n.ID,
			row.seq,
			n.Name,
			string(n.Guard),
			string(n.State),
			n.Succeeded,
			n.Skipped,
			n.Meta,
			n.FailureReason,
			row.predecessors,
			row.successors,
			row.refs,
			nullTime(n.QueuedAt),
			nullTime(n.StartedAt),
			nullTime(n.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", rec.ID, err)
	}
	return nil
}

const jobColumns = `j.id, j.name, j.status, j.submitted_at, j.completed_at, j.total, j.succeeded, j.failed, j.skipped`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (engine.JobRecord, error) {
	var (
		rec         engine.JobRecord
		status      string
		completedAt *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&status,
		&rec.SubmittedAt,
		&completedAt,
		&rec.Summary.Total,
		&rec.Summary.Succeeded,
		&rec.Summary.Failed,
		&rec.Summary.Skipped,
	)
	rec.Status = engine.JobStatus(status)
	rec.CompletedAt = timeOrZero(completedAt)
	return rec, err
}

// GetJob retrieves a job with its references and tasks.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.JobRecord, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if rec.References, err = s.listReferences(ctx, id); err != nil {
		return nil, err
	}
	if rec.Tasks, err = s.ListTasks(ctx, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListJobs lists jobs newest first without their tasks.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]engine.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		ORDER BY j.submitted_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
}

// ListJobsByReference lists the jobs that claimed ref, newest first.
func (s *SQLiteStore) ListJobsByReference(ctx context.Context, ref engine.ObjectReference, limit int) ([]engine.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		JOIN job_references r ON r.job_id = j.id
		WHERE r.kind = ? AND r.object_id = ?
		ORDER BY j.submitted_at DESC
		LIMIT ?
	`, string(ref.Kind), ref.ID, limit)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]engine.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []engine.JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) listReferences(ctx context.Context, jobID string) ([]engine.ObjectReference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, object_id, name FROM job_references WHERE job_id = ? ORDER BY kind, object_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer rows.Close()

	refs := []engine.ObjectReference{}
	for rows.Next() {
		var (
			ref  engine.ObjectReference
			kind string
		)
		if err := rows.Scan(&kind, &ref.ID, &ref.Name); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		ref.Kind = engine.ObjectKind(kind)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListTasks lists the task snapshots of a job in graph insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context, jobID string) ([]engine.NodeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, name, guard, state, succeeded, skipped, meta, failure_reason,
			   predecessors, successors, refs, queued_at, started_at, completed_at
		FROM job_tasks
		WHERE job_id = ?
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []engine.NodeSnapshot{}
	for rows.Next() {
		var (
			n                                engine.NodeSnapshot
			guard, state                     string
			preds, succs, refs               string
			queuedAt, startedAt, completedAt *time.Time
		)
		err := rows.Scan(
			&n.ID,
			&n.Name,
			&guard,
			&state,
			&n.Succeeded,
			&n.Skipped,
			&n.Meta,
			&n.FailureReason,
			&preds,
			&succs,
			&refs,
			&queuedAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		n.Guard = engine.TaskGuard(guard)
		n.State = engine.TaskState(state)
		n.QueuedAt = timeOrZero(queuedAt)
		n.StartedAt = timeOrZero(startedAt)
		n.CompletedAt = timeOrZero(completedAt)
		if err := decodeTask(&n, preds, succs, refs); err != nil {
			return nil, err
		}
		tasks = append(tasks, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteJobsBefore removes jobs submitted before the given time.
func (s *SQLiteStore) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM job_tasks WHERE job_id IN (SELECT id FROM jobs WHERE submitted_at < ?)`,
		`DELETE FROM job_references WHERE job_id IN (SELECT id FROM jobs WHERE submitted_at < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, q, before.UTC()); err != nil {
			return 0, fmt.Errorf("failed to prune job children: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE submitted_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, tx.Commit()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
