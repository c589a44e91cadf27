package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

func startEngine(t *testing.T) *engine.JobEngine {
	t.Helper()
	return startEngineWithWorkers(t, 4)
}

func startEngineWithWorkers(t *testing.T, workers int) *engine.JobEngine {
	t.Helper()
	eng := engine.NewJobEngine(engine.EngineConfig{Workers: workers})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func waitJob(t *testing.T, job *engine.Job) engine.JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("Job %s did not complete: %v", job.Name(), err)
	}
	return status
}

func TestLockChildAndParents_Modes(t *testing.T) {
	m := NewManager()
	grant, err := m.LockChildAndParents(context.Background(), systemRef,
		[]engine.ObjectReference{applianceRef, specRef}, Options{})
	if err != nil {
		t.Fatalf("LockChildAndParents failed: %v", err)
	}

	if _, writer := m.Holders(systemRef); !writer {
		t.Error("Child should be write-locked")
	}
	for _, p := range []engine.ObjectReference{applianceRef, specRef} {
		if readers, writer := m.Holders(p); readers != 1 || writer {
			t.Errorf("Parent %s should be read-locked, got %d/%v", p, readers, writer)
		}
	}

	refs := grant.References()
	if len(refs) != 3 || !refs[0].Equal(systemRef) || !refs[1].Equal(applianceRef) || !refs[2].Equal(specRef) {
		t.Errorf("Unexpected acquisition order %v", refs)
	}

	if err := grant.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m.Held() != 0 {
		t.Errorf("Expected no holders, got %d", m.Held())
	}
}

func TestLockChildAndParents_RollbackOnFailure(t *testing.T) {
	m := NewManager()
	// Another job is writing the third reference.
	blocker, err := m.TryAcquire(specRef, ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	_, err = m.LockChildAndParents(context.Background(), systemRef,
		[]engine.ObjectReference{applianceRef, specRef}, Options{})
	if !engine.IsConflict(err) {
		t.Fatalf("Expected conflict, got %v", err)
	}

	for _, r := range []engine.ObjectReference{systemRef, applianceRef} {
		if m.IsHeld(r) {
			t.Errorf("%s still held after rollback", r)
		}
	}
	if m.Held() != 1 {
		t.Errorf("Expected only the blocker to hold, got %d holders", m.Held())
	}

	// With a timeout the failure is a timeout and rollback still happens.
	_, err = m.LockChildAndParents(context.Background(), systemRef,
		[]engine.ObjectReference{applianceRef, specRef}, Options{Timeout: 20 * time.Millisecond})
	if !engine.IsTimeout(err) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if m.Held() != 1 {
		t.Errorf("Expected only the blocker to hold, got %d holders", m.Held())
	}
	_ = blocker.Execute(context.Background())
}

func TestLockChildAndParents_RepeatedReference(t *testing.T) {
	m := NewManager()
	grant, err := m.LockChildAndParents(context.Background(), systemRef,
		[]engine.ObjectReference{applianceRef, systemRef}, Options{})
	if err != nil {
		t.Fatalf("Repeated reference must not self-deadlock: %v", err)
	}
	if len(grant.Unlocks()) != 2 {
		t.Errorf("Expected 2 unlock tasks, got %d", len(grant.Unlocks()))
	}
}

func TestLockAll_CanonicalOrder(t *testing.T) {
	m := NewManager()
	grant, err := m.LockAll(context.Background(),
		[]engine.ObjectReference{systemRef, applianceRef, systemRef}, ModeWrite, 0)
	if err != nil {
		t.Fatalf("LockAll failed: %v", err)
	}
	refs := grant.References()
	if len(refs) != 2 || !refs[0].Equal(applianceRef) || !refs[1].Equal(systemRef) {
		t.Errorf("Expected sorted, deduplicated refs, got %v", refs)
	}
}

func TestGrant_NoLeakUnderFailure(t *testing.T) {
	m := NewManager()
	eng := startEngine(t)

	grant, err := m.LockChildAndParents(context.Background(), systemRef,
		[]engine.ObjectReference{applianceRef}, Options{})
	if err != nil {
		t.Fatalf("LockChildAndParents failed: %v", err)
	}

	graph := engine.NewTaskGraph()
	graph.AddTask(engine.NewTaskFunc("Deploy", nil, func(context.Context) error {
		return errors.New("manager unreachable")
	}))
	graph.AppendTask(engine.NoopTask("Register"), engine.GuardAllPredecessorsSucceeded)
	if err := grant.AppendTo(graph); err != nil {
		t.Fatalf("AppendTo failed: %v", err)
	}

	job, err := eng.Submit(context.Background(), "Deploy VS", graph, grant.References())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if status := waitJob(t, job); status != engine.JobStatusFailed {
		t.Errorf("Expected failed job, got %s", status)
	}

	if m.Held() != 0 {
		t.Errorf("Locks leaked: %v", m.Snapshot())
	}
	for _, u := range grant.Unlocks() {
		if !u.Released() {
			t.Errorf("%s did not run", u.Name())
		}
	}
	for _, n := range job.Nodes() {
		if n.Name == "Register" && (!n.Skipped || n.Succeeded) {
			t.Errorf("Register should be skipped, got %+v", n)
		}
	}
}

func TestLockContentionBetweenJobs(t *testing.T) {
	m := NewManager()
	eng := startEngine(t)

	first, err := m.TryAcquire(groupRef, ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	release := make(chan struct{})
	graph := engine.NewTaskGraph()
	graph.AddTask(engine.NewTaskFunc("Sync security group", nil, func(context.Context) error {
		<-release
		return nil
	}))
	grant := &Grant{unlocks: []*UnlockTask{first}}
	if err := grant.AppendTo(graph); err != nil {
		t.Fatalf("AppendTo failed: %v", err)
	}

	job, err := eng.Submit(context.Background(), "Sync SG", graph, grant.References())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := m.TryAcquire(groupRef, ModeWrite); !engine.IsConflict(err) {
		t.Fatalf("Second job should see a conflict while the first runs, got %v", err)
	}

	close(release)
	waitJob(t, job)

	second, err := m.TryAcquire(groupRef, ModeWrite)
	if err != nil {
		t.Fatalf("Second job should acquire after unlock ran: %v", err)
	}
	_ = second.Execute(context.Background())
}

func TestProtectedTask(t *testing.T) {
	m := NewManager()
	eng := startEngine(t)

	var heldDuringBody bool
	task := NewProtectedTask("Protected sync", m, systemRef, []engine.ObjectReference{applianceRef}, Options{},
		func(context.Context) (*engine.TaskGraph, error) {
			body := engine.NewTaskGraph()
			body.AddTask(engine.NewTaskFunc("Body", nil, func(context.Context) error {
				_, heldDuringBody = m.Holders(systemRef)
				return errors.New("body failed")
			}))
			return body, nil
		})

	graph := engine.NewTaskGraph()
	graph.AddTask(task)
	job, err := eng.Submit(context.Background(), "Protected", graph, task.References())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if status := waitJob(t, job); status != engine.JobStatusFailed {
		t.Errorf("Expected failed job, got %s", status)
	}
	if !heldDuringBody {
		t.Error("Body ran without the child lock")
	}
	if m.Held() != 0 {
		t.Errorf("Locks leaked: %v", m.Snapshot())
	}
	// Meta node, body, and two unlocks.
	if n := len(job.Nodes()); n != 4 {
		t.Errorf("Expected 4 nodes after expansion, got %d", n)
	}
}

func TestProtectedTask_LockFailureHoldsNothing(t *testing.T) {
	m := NewManager()
	eng := startEngine(t)

	blocker, _ := m.TryAcquire(applianceRef, ModeWrite)

	bodyRan := false
	task := NewProtectedTask("Protected sync", m, systemRef, []engine.ObjectReference{applianceRef}, Options{},
		func(context.Context) (*engine.TaskGraph, error) {
			bodyRan = true
			return engine.NewTaskGraph(), nil
		})

	graph := engine.NewTaskGraph()
	graph.AddTask(task)
	job, err := eng.Submit(context.Background(), "Protected", graph, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if status := waitJob(t, job); status != engine.JobStatusFailed {
		t.Errorf("Expected failed job, got %s", status)
	}
	if bodyRan {
		t.Error("Body must not be built without the locks")
	}
	if m.Held() != 1 {
		t.Errorf("Expected only the blocker to hold, got %v", m.Snapshot())
	}
	_ = blocker.Execute(context.Background())
}

// protectedJob builds a one-node graph whose protected body sleeps for hold.
func protectedJob(m *Manager, name string, hold time.Duration) (*engine.TaskGraph, *ProtectedTask) {
	task := NewProtectedTask(name, m, systemRef, []engine.ObjectReference{applianceRef},
		Options{Timeout: 500 * time.Millisecond},
		func(context.Context) (*engine.TaskGraph, error) {
			body := engine.NewTaskGraph()
			body.AddTask(engine.NewTaskFunc(name+" body", nil, func(context.Context) error {
				time.Sleep(hold)
				return nil
			}))
			return body, nil
		})
	graph := engine.NewTaskGraph()
	graph.AddTask(task)
	return graph, task
}

func TestProtectedTask_ConflictDoesNotHoldWorker(t *testing.T) {
	m := NewManager()
	eng := startEngineWithWorkers(t, 1)

	start := time.Now()
	g1, t1 := protectedJob(m, "first", 20*time.Millisecond)
	j1, err := eng.Submit(context.Background(), "first", g1, t1.References())
	if err != nil {
		t.Fatalf("Submit first failed: %v", err)
	}
	g2, t2 := protectedJob(m, "second", 20*time.Millisecond)
	j2, err := eng.Submit(context.Background(), "second", g2, t2.References())
	if err != nil {
		t.Fatalf("Submit second failed: %v", err)
	}

	if status := waitJob(t, j1); status != engine.JobStatusSucceeded {
		t.Errorf("Holder should succeed, got %s: %v", status, j1.Failures())
	}
	if status := waitJob(t, j2); status != engine.JobStatusFailed {
		t.Fatalf("Contender should fail on conflict, got %s", status)
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Errorf("Contender waited for the lock timeout on the only worker (%s)", elapsed)
	}
	failures := j2.Failures()
	if len(failures) == 0 || !strings.Contains(failures[0].Reason, "conflicts with") {
		t.Errorf("Expected a lock conflict failure, got %v", failures)
	}
	if m.Held() != 0 {
		t.Errorf("Locks leaked: %v", m.Snapshot())
	}
}

func TestProtectedTask_QueuedContendersAllSucceed(t *testing.T) {
	m := NewManager()
	eng := startEngineWithWorkers(t, 1)
	q := engine.NewJobQueuer(eng, nil, nil)

	tickets := make([]*engine.Ticket, 0, 3)
	for _, name := range []string{"first", "second", "third"} {
		g, task := protectedJob(m, name, 10*time.Millisecond)
		ticket, err := q.PutJob(context.Background(), engine.JobRequest{Name: name, Graph: g, References: task.References()})
		if err != nil {
			t.Fatalf("PutJob %s failed: %v", name, err)
		}
		tickets = append(tickets, ticket)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ticket := range tickets {
		job, err := ticket.Job(ctx)
		if err != nil {
			t.Fatalf("Ticket failed: %v", err)
		}
		if status := waitJob(t, job); status != engine.JobStatusSucceeded {
			t.Errorf("Job %s should succeed, got %s: %v", job.Name(), status, job.Failures())
		}
	}
	if m.Held() != 0 {
		t.Errorf("Locks leaked: %v", m.Snapshot())
	}
}
