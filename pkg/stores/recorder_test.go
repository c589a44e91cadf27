package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/telemetry"
)

type failingWriter struct{}

func (failingWriter) SaveJob(context.Context, engine.JobRecord) error {
	return errors.New("disk full")
}

func TestRecorderPersistsCompletedJobs(t *testing.T) {
	store := setupTestStore(t)

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled: true, BufferSize: 16, SubscriberBuffer: 16, EnableAsync: true,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	rec := NewRecorder(store, nil, nil)
	rec.Attach(events)

	eng := engine.NewJobEngine(engine.EngineConfig{Workers: 2}, engine.WithEventPublisher(events))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}

	g := engine.NewTaskGraph()
	g.AddTask(engine.NoopTask("Validate"))
	g.AppendTask(engine.NoopTask("Apply"), engine.GuardAllPredecessorsSucceeded)
	refs := []engine.ObjectReference{engine.NewObjectReference(engine.ObjectKindVirtualSystem, 5, "vs")}
	job, err := eng.Submit(context.Background(), "apply vs", g, refs)
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("job did not finish: %v", err)
	}
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("failed to stop engine: %v", err)
	}
	// Shutdown drains the publisher, so the write has happened afterwards.
	if err := events.Shutdown(ctx); err != nil {
		t.Fatalf("failed to stop publisher: %v", err)
	}

	if rec.Saved() != 1 || rec.Failed() != 0 {
		t.Fatalf("saved=%d failed=%d", rec.Saved(), rec.Failed())
	}
	got, err := store.GetJob(context.Background(), job.ID())
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if got.Status != engine.JobStatusSucceeded || len(got.Tasks) != 2 || len(got.References) != 1 {
		t.Errorf("unexpected persisted job: %+v", got)
	}
}

func TestRecorderCountsFailures(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	rec := NewRecorder(failingWriter{}, nil, metrics)

	rec.Handle(telemetry.Event{
		Type: telemetry.EventTypeJobCompleted,
		Data: map[string]interface{}{telemetry.EventDataRecord: engine.JobRecord{ID: "j1"}},
	})
	// Events without a record are ignored.
	rec.Handle(telemetry.Event{Type: telemetry.EventTypeJobCompleted})

	if rec.Failed() != 1 || rec.Saved() != 0 {
		t.Errorf("saved=%d failed=%d", rec.Saved(), rec.Failed())
	}
}
