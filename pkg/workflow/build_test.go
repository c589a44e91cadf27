package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
)

func runWorkflow(t *testing.T, b *Builder, doc string) *engine.Job {
	t.Helper()
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	g, err := b.Build(def)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	eng := engine.NewJobEngine(engine.EngineConfig{Workers: 2})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	job, err := eng.Submit(context.Background(), def.Name, g, def.AllReferences())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("job did not finish: %v", err)
	}
	return job
}

func nodesByName(job *engine.Job) map[string]engine.NodeSnapshot {
	out := make(map[string]engine.NodeSnapshot)
	for _, n := range job.Nodes() {
		out[n.Name] = n
	}
	return out
}

func TestBuildStepsWithoutLocks(t *testing.T) {
	job := runWorkflow(t, NewBuilder(nil, lock.Options{}, nil), `
name: chain
steps:
  - {name: prepare, noop: true}
  - {name: apply, after: [prepare], fail: appliance rejected rules}
  - {name: notify, after: [apply], noop: true}
  - {name: cleanup, after: [apply], guard: all_predecessors_completed, noop: true}
`)

	if job.Status() != engine.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status())
	}
	nodes := nodesByName(job)
	if !nodes["prepare"].Succeeded {
		t.Error("prepare did not succeed")
	}
	if nodes["apply"].FailureReason != "appliance rejected rules" {
		t.Errorf("apply reason = %q", nodes["apply"].FailureReason)
	}
	if !nodes["notify"].Skipped {
		t.Error("notify ran after a failed predecessor")
	}
	if !nodes["cleanup"].Succeeded {
		t.Error("cleanup did not run after a failed predecessor")
	}
}

func TestBuildExpandStep(t *testing.T) {
	job := runWorkflow(t, NewBuilder(nil, lock.Options{}, nil), `
name: expand
steps:
  - name: discover
    expand:
      - {name: a, noop: true}
      - {name: b, after: [a], script: "x = 1"}
  - {name: finish, after: [discover], noop: true}
`)

	if job.Status() != engine.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded; failures %v", job.Status(), job.Failures())
	}
	nodes := nodesByName(job)
	for _, name := range []string{"discover", "discover.a", "discover.b", "finish"} {
		if !nodes[name].Succeeded {
			t.Errorf("%s did not succeed", name)
		}
	}
	finish, b := nodes["finish"], nodes["discover.b"]
	if len(finish.Predecessors) != 1 || finish.Predecessors[0] != b.ID {
		t.Errorf("finish predecessors = %v, want [%s]", finish.Predecessors, b.ID)
	}
}

const lockedWorkflow = `
name: locked
locks:
  child: {kind: security-group, id: 3}
  parents: [{kind: virtualization-connector, id: 1}]
steps:
  - {name: work, script: "done = True"}
`

func TestBuildLockedWorkflowReleasesLocks(t *testing.T) {
	m := lock.NewManager()
	b := NewBuilder(m, lock.Options{Timeout: time.Second}, nil)

	job := runWorkflow(t, b, lockedWorkflow)
	if job.Status() != engine.JobStatusSucceeded {
		t.Fatalf("status = %s, failures %v", job.Status(), job.Failures())
	}
	if m.Held() != 0 {
		t.Errorf("locks still held after job: %v", m.Snapshot())
	}

	var unlocks int
	for _, n := range job.Nodes() {
		if n.Guard == engine.GuardAllPredecessorsCompleted {
			unlocks++
		}
	}
	if unlocks != 2 {
		t.Errorf("unlock nodes = %d, want 2", unlocks)
	}
}

func TestBuildLockedWorkflowConflict(t *testing.T) {
	m := lock.NewManager()
	held, err := m.TryAcquire(engine.NewObjectReference(engine.ObjectKindSecurityGroup, 3, ""), lock.ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	b := NewBuilder(m, lock.Options{}, nil)
	job := runWorkflow(t, b, lockedWorkflow)
	if job.Status() != engine.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status())
	}
	if m.Held() != 1 {
		t.Errorf("held = %d, want only the pre-existing lock", m.Held())
	}
	if err := held.Execute(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestBuildLockOptions(t *testing.T) {
	b := NewBuilder(lock.NewManager(), lock.Options{ChildMode: lock.ModeWrite, ParentMode: lock.ModeRead, Timeout: time.Second}, nil)
	opts := b.lockOptions(&LockSpec{ParentMode: "write", Timeout: 3 * time.Second})
	if opts.ChildMode != lock.ModeWrite || opts.ParentMode != lock.ModeWrite || opts.Timeout != 3*time.Second {
		t.Errorf("lockOptions() = %+v", opts)
	}
}

func TestBuildLocksWithoutManager(t *testing.T) {
	def, err := Parse([]byte(lockedWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewBuilder(nil, lock.Options{}, nil).Build(def); err == nil {
		t.Fatal("Build() error = nil without a lock manager")
	}
}

func TestBuildLockedWaitsOnCaller(t *testing.T) {
	m := lock.NewManager()
	ref := engine.NewObjectReference(engine.ObjectKindSecurityGroup, 3, "")
	held, err := m.TryAcquire(ref, lock.ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = held.Execute(context.Background())
	}()

	def, err := Parse([]byte(lockedWorkflow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b := NewBuilder(m, lock.Options{Timeout: 2 * time.Second}, nil)
	g, grant, err := b.BuildLocked(context.Background(), def)
	if err != nil {
		t.Fatalf("BuildLocked() error = %v", err)
	}
	if grant == nil || len(grant.Unlocks()) != 2 {
		t.Fatalf("grant = %v, want two locks", grant)
	}
	if !m.IsHeld(ref) {
		t.Error("child should be locked before submission")
	}

	eng := engine.NewJobEngine(engine.EngineConfig{Workers: 1})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	job, err := eng.Submit(context.Background(), def.Name, g, def.AllReferences())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if status, err := job.Wait(ctx); err != nil || status != engine.JobStatusSucceeded {
		t.Fatalf("status = %s, err = %v", status, err)
	}
	if m.Held() != 0 {
		t.Errorf("locks still held after job: %v", m.Snapshot())
	}
}

func TestBuildLockedTimeout(t *testing.T) {
	m := lock.NewManager()
	held, err := m.TryAcquire(engine.NewObjectReference(engine.ObjectKindVirtualizationConn, 1, ""), lock.ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	defer func() { _ = held.Execute(context.Background()) }()

	def, err := Parse([]byte(lockedWorkflow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b := NewBuilder(m, lock.Options{Timeout: 20 * time.Millisecond}, nil)
	if _, _, err := b.BuildLocked(context.Background(), def); !engine.IsTimeout(err) {
		t.Fatalf("BuildLocked() error = %v, want lock timeout", err)
	}
	if m.Held() != 1 {
		t.Errorf("held = %d, want only the pre-existing lock", m.Held())
	}
}
