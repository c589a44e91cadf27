package stores

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(id string, submitted time.Time, status engine.JobStatus) engine.JobRecord {
	sg := engine.NewObjectReference(engine.ObjectKindSecurityGroup, 7, "web")
	da := engine.NewObjectReference(engine.ObjectKindDistributedAppliance, 1, "edge")
	return engine.JobRecord{
		ID:          id,
		Name:        "sync " + id,
		Status:      status,
		References:  []engine.ObjectReference{sg, da},
		SubmittedAt: submitted,
		CompletedAt: submitted.Add(3 * time.Second),
		Summary:     engine.JobSummary{Total: 2, Succeeded: 1, Skipped: 1},
		Tasks: []engine.NodeSnapshot{
			{
				ID:          id + "-a",
				Name:        "Push rules",
				Guard:       engine.GuardAllPredecessorsSucceeded,
				State:       engine.TaskStateCompleted,
				Succeeded:   true,
				OutcomeSet:  true,
				Successors:  []string{id + "-b"},
				References:  []engine.ObjectReference{sg},
				QueuedAt:    submitted,
				StartedAt:   submitted.Add(time.Second),
				CompletedAt: submitted.Add(2 * time.Second),
			},
			{
				ID:            id + "-b",
				Name:          "Bind interfaces",
				Guard:         engine.GuardAllAncestorsSucceeded,
				State:         engine.TaskStateCompleted,
				Skipped:       true,
				OutcomeSet:    true,
				FailureReason: "guard ALL_ANCESTORS_SUCCEEDED not satisfied",
				Predecessors:  []string{id + "-a"},
				CompletedAt:   submitted.Add(2 * time.Second),
			},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"jobs", "job_references", "job_tasks"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestSaveAndGetJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("job-1", baseTime, engine.JobStatusFailed)
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("failed to save job: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Name != rec.Name || got.Status != engine.JobStatusFailed {
		t.Errorf("unexpected job: %+v", got)
	}
	if !got.SubmittedAt.Equal(rec.SubmittedAt) || !got.CompletedAt.Equal(rec.CompletedAt) {
		t.Errorf("times did not round-trip: %v %v", got.SubmittedAt, got.CompletedAt)
	}
	if got.Duration() != 3*time.Second {
		t.Errorf("expected 3s duration, got %v", got.Duration())
	}
	if got.Summary != rec.Summary {
		t.Errorf("summary = %+v, want %+v", got.Summary, rec.Summary)
	}
	if len(got.References) != 2 {
		t.Fatalf("expected 2 references, got %v", got.References)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got.Tasks))
	}

	a, b := got.Tasks[0], got.Tasks[1]
	if a.Name != "Push rules" || !a.Succeeded || a.Skipped || len(a.Successors) != 1 || len(a.References) != 1 {
		t.Errorf("unexpected first task: %+v", a)
	}
	if !a.StartedAt.Equal(baseTime.Add(time.Second)) {
		t.Errorf("started_at did not round-trip: %v", a.StartedAt)
	}
	if !b.Skipped || b.Succeeded || b.FailureReason == "" || b.Guard != engine.GuardAllAncestorsSucceeded {
		t.Errorf("unexpected second task: %+v", b)
	}
	if !b.StartedAt.IsZero() {
		t.Errorf("skipped task should have no start time, got %v", b.StartedAt)
	}
	if len(b.Predecessors) != 1 || b.Predecessors[0] != "job-1-a" {
		t.Errorf("unexpected predecessors: %v", b.Predecessors)
	}
}

func TestSaveJobReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("job-1", baseTime, engine.JobStatusRunning)
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("failed to save job: %v", err)
	}
	rec.Status = engine.JobStatusSucceeded
	rec.Tasks = rec.Tasks[:1]
	if err := store.SaveJob(ctx, rec); err != nil {
		t.Fatalf("failed to save job again: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != engine.JobStatusSucceeded || len(got.Tasks) != 1 {
		t.Errorf("job was not replaced: %+v", got)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := sampleRecord(fmt.Sprintf("job-%d", i), baseTime.Add(time.Duration(i)*time.Hour), engine.JobStatusSucceeded)
		if err := store.SaveJob(ctx, rec); err != nil {
			t.Fatalf("failed to save job: %v", err)
		}
	}

	tests := []struct {
		name   string
		limit  int
		offset int
		want   []string
	}{
		{"first page", 2, 0, []string{"job-4", "job-3"}},
		{"second page", 2, 2, []string{"job-2", "job-1"}},
		{"past end", 2, 10, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := store.ListJobs(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("failed to list jobs: %v", err)
			}
			if len(jobs) != len(tt.want) {
				t.Fatalf("expected %d jobs, got %d", len(tt.want), len(jobs))
			}
			for i, id := range tt.want {
				if jobs[i].ID != id {
					t.Errorf("jobs[%d] = %s, want %s", i, jobs[i].ID, id)
				}
				if jobs[i].Tasks != nil {
					t.Errorf("list should not load tasks")
				}
			}
		})
	}
}

func TestListJobsByReference(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	withSG := sampleRecord("with-sg", baseTime, engine.JobStatusSucceeded)
	other := sampleRecord("other", baseTime.Add(time.Minute), engine.JobStatusSucceeded)
	other.References = []engine.ObjectReference{engine.NewObjectReference(engine.ObjectKindVirtualSystem, 3, "")}
	for _, rec := range []engine.JobRecord{withSG, other} {
		if err := store.SaveJob(ctx, rec); err != nil {
			t.Fatalf("failed to save job: %v", err)
		}
	}

	jobs, err := store.ListJobsByReference(ctx, engine.NewObjectReference(engine.ObjectKindSecurityGroup, 7, ""), 10)
	if err != nil {
		t.Fatalf("failed to list jobs by reference: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "with-sg" {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestDeleteJobsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := sampleRecord(fmt.Sprintf("job-%d", i), baseTime.AddDate(0, 0, i), engine.JobStatusSucceeded)
		if err := store.SaveJob(ctx, rec); err != nil {
			t.Fatalf("failed to save job: %v", err)
		}
	}

	n, err := store.DeleteJobsBefore(ctx, baseTime.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned jobs, got %d", n)
	}
	tasks, err := store.ListTasks(ctx, "job-0")
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("tasks of pruned jobs should be gone, got %d", len(tasks))
	}
	if _, err := store.GetJob(ctx, "job-2"); err != nil {
		t.Errorf("newest job should survive: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()
	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if _, err := Open(ctx, Config{Driver: "mysql"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(ctx, Config{Driver: DriverPostgres}); err == nil {
		t.Error("expected error for postgres without dsn")
	}
}
