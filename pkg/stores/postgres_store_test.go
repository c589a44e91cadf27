package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

// setupPostgresStore connects to CONDUCTOR_TEST_POSTGRES_DSN or skips.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("CONDUCTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(Config{Driver: DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := store.DropSchema(ctx); err != nil {
		t.Fatalf("failed to drop schema: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DropSchema(context.Background())
		_ = store.Close()
	})
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	rec := sampleRecord("pg-1", baseTime, engine.JobStatusFailed)
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("failed to save job: %v", err)
	}
	// Replace semantics.
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("failed to save job twice: %v", err)
	}

	got, err := store.GetJob(ctx, "pg-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != engine.JobStatusFailed || len(got.Tasks) != 2 || len(got.References) != 2 {
		t.Errorf("unexpected job: %+v", got)
	}
	if !got.Tasks[1].Skipped || got.Tasks[1].Predecessors[0] != "pg-1-a" {
		t.Errorf("unexpected task: %+v", got.Tasks[1])
	}

	byRef, err := store.ListJobsByReference(ctx, rec.References[0], 10)
	if err != nil || len(byRef) != 1 {
		t.Errorf("ListJobsByReference = %v, %v", byRef, err)
	}

	n, err := store.DeleteJobsBefore(ctx, baseTime.Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("DeleteJobsBefore = %d, %v", n, err)
	}
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(Config{Driver: DriverPostgres}); err == nil {
		t.Error("expected error for empty dsn")
	}
}
