package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

// ErrJobNotFound is returned when a job id has no history record.
var ErrJobNotFound = errors.New("job not found")

// Driver names a history store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds history store configuration.
type Config struct {
	// Driver selects the backend: sqlite or postgres.
	Driver Driver `yaml:"driver" validate:"oneof=sqlite postgres"`

	// Path is the SQLite database file. ":memory:" keeps history in memory.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// DefaultConfig returns a SQLite store under the working directory.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "conductor.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store defines the interface for the job history layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Job history
	engine.HistoryWriter
	engine.HistoryReader
	ListJobsByReference(ctx context.Context, ref engine.ObjectReference, limit int) ([]engine.JobRecord, error)
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Open creates, initializes and migrates the store selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		s, err = NewSQLiteStore(cfg)
	case DriverPostgres:
		s, err = NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// taskRow is the column form of a node snapshot shared by both backends.
type taskRow struct {
	seq          int
	predecessors string
	successors   string
	refs         string
}

func encodeTask(seq int, n engine.NodeSnapshot) (taskRow, error) {
	row := taskRow{seq: seq}
	var err error
	if row.predecessors, err = encodeJSON(n.Predecessors); err != nil {
		return row, err
	}
	if row.successors, err = encodeJSON(n.Successors); err != nil {
		return row, err
	}
	if row.refs, err = encodeJSON(n.References); err != nil {
		return row, err
	}
	return row, nil
}

func decodeTask(n *engine.NodeSnapshot, predecessors, successors, refs string) error {
	if err := json.Unmarshal([]byte(predecessors), &n.Predecessors); err != nil {
		return fmt.Errorf("failed to decode predecessors: %w", err)
	}
	if err := json.Unmarshal([]byte(successors), &n.Successors); err != nil {
		return fmt.Errorf("failed to decode successors: %w", err)
	}
	if err := json.Unmarshal([]byte(refs), &n.References); err != nil {
		return fmt.Errorf("failed to decode references: %w", err)
	}
	n.OutcomeSet = n.State == engine.TaskStateCompleted
	return nil
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode: %w", err)
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

// nullTime maps the zero time to NULL. Times are stored in UTC so they
// compare correctly as text in SQLite.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
