package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/secfleet/conductor/pkg/engine"
)

// UnlockTask is a leaf task that releases exactly one lock it was created
// for. Running it twice fails the second time without releasing again.
type UnlockTask struct {
	manager *Manager
	ref     engine.ObjectReference
	mode    Mode

	mu       sync.Mutex
	released bool
}

func newUnlockTask(m *Manager, ref engine.ObjectReference, mode Mode) *UnlockTask {
	return &UnlockTask{manager: m, ref: ref, mode: mode}
}

// Name implements engine.Task.
func (t *UnlockTask) Name() string {
	return fmt.Sprintf("Unlock %s %s", t.mode, t.ref)
}

// References implements engine.Task.
func (t *UnlockTask) References() []engine.ObjectReference {
	return []engine.ObjectReference{t.ref}
}

// Reference returns the locked object.
func (t *UnlockTask) Reference() engine.ObjectReference { return t.ref }

// Mode returns the held mode.
func (t *UnlockTask) Mode() Mode { return t.mode }

// Released reports whether the lock has been released through this task.
func (t *UnlockTask) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Execute implements engine.LeafTask.
func (t *UnlockTask) Execute(context.Context) error {
	return t.release()
}

func (t *UnlockTask) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return engine.NewPermanentError(fmt.Sprintf("%s lock on %s already released", t.mode, t.ref), nil).
			WithCode(engine.ErrCodeLockNotHeld)
	}
	if err := t.manager.Release(t.ref, t.mode); err != nil {
		return err
	}
	t.released = true
	return nil
}

// Grant is the set of locks obtained by one multi-lock call.
type Grant struct {
	unlocks []*UnlockTask
}

// Unlocks returns the unlock tasks in acquisition order.
func (g *Grant) Unlocks() []*UnlockTask {
	return append([]*UnlockTask(nil), g.unlocks...)
}

// References returns the locked objects in acquisition order.
func (g *Grant) References() []engine.ObjectReference {
	out := make([]engine.ObjectReference, 0, len(g.unlocks))
	for _, u := range g.unlocks {
		out = append(out, u.ref)
	}
	return out
}

// AppendTo appends the unlock tasks to graph as one parallel step after its
// current frontier, guarded by all_predecessors_completed so they run
// whatever the protected work did.
func (g *Grant) AppendTo(graph *engine.TaskGraph) error {
	if len(g.unlocks) == 0 {
		return nil
	}
	sub := engine.NewTaskGraph()
	for _, u := range g.unlocks {
		sub.AddTask(u)
	}
	return graph.AppendTaskGraph(sub, engine.GuardAllPredecessorsCompleted)
}

// Release releases every lock not yet released, in reverse acquisition
// order. Callers use it when they abandon building a job.
func (g *Grant) Release() error {
	var errs []error
	for i := len(g.unlocks) - 1; i >= 0; i-- {
		u := g.unlocks[i]
		if u.Released() {
			continue
		}
		if err := u.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
