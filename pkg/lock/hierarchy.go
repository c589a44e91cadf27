package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

// Options controls a multi-lock acquisition.
type Options struct {
	// ChildMode defaults to write.
	ChildMode Mode
	// ParentMode defaults to read.
	ParentMode Mode
	// Timeout bounds each blocking acquisition; zero means try once.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChildMode == "" {
		o.ChildMode = ModeWrite
	}
	if o.ParentMode == "" {
		o.ParentMode = ModeRead
	}
	return o
}

// LockChildAndParents locks child, then each parent in the order given.
// Every call site must list parents in the same relative order for a given
// hierarchy; that fixed order is what prevents deadlock. If any acquisition
// fails, every lock taken by this call is released before the error is
// returned.
func (m *Manager) LockChildAndParents(
	ctx context.Context,
	child engine.ObjectReference,
	parents []engine.ObjectReference,
	opts Options,
) (*Grant, error) {
	opts = opts.withDefaults()
	reqs := make([]request, 0, len(parents)+1)
	reqs = append(reqs, request{ref: child, mode: opts.ChildMode})
	for _, p := range parents {
		reqs = append(reqs, request{ref: p, mode: opts.ParentMode})
	}
	return m.lockSequence(ctx, reqs, opts.Timeout)
}

// LockAll locks refs in canonical (kind, id) order with the same mode.
func (m *Manager) LockAll(ctx context.Context, refs []engine.ObjectReference, mode Mode, timeout time.Duration) (*Grant, error) {
	sorted := engine.Dedupe(refs)
	engine.SortReferences(sorted)
	reqs := make([]request, 0, len(sorted))
	for _, r := range sorted {
		reqs = append(reqs, request{ref: r, mode: mode})
	}
	return m.lockSequence(ctx, reqs, timeout)
}

type request struct {
	ref  engine.ObjectReference
	mode Mode
}

// lockSequence acquires reqs in order, skipping repeated objects, and rolls
// back on the first failure.
func (m *Manager) lockSequence(ctx context.Context, reqs []request, timeout time.Duration) (*Grant, error) {
	grant := &Grant{unlocks: make([]*UnlockTask, 0, len(reqs))}
	seen := make(map[engine.ObjectKey]bool, len(reqs))

	for i, r := range reqs {
		if seen[r.ref.Key()] {
			continue
		}
		seen[r.ref.Key()] = true

		u, err := m.Acquire(ctx, r.ref, r.mode, timeout)
		if err != nil {
			if rerr := grant.Release(); rerr != nil {
				m.logger.WithError(rerr).Error("Failed to roll back partial lock acquisition")
			}
			m.logger.
				WithReference(r.ref.String()).
				WithField("position", i+1).
				WithField("rolled_back", len(grant.unlocks)).
				Debug("Multi-lock acquisition failed")
			return nil, err
		}
		grant.unlocks = append(grant.unlocks, u)
	}
	return grant, nil
}

// BodyFunc builds the graph a ProtectedTask runs while holding its locks.
type BodyFunc func(ctx context.Context) (*engine.TaskGraph, error)

// ProtectedTask is a meta-task that, when it runs, locks a child and its
// parents and expands into body followed by the matching unlock tasks. If
// locking fails the task fails and nothing stays held.
//
// A protected task runs on a pool worker, so it only ever tries each lock
// once: opts.Timeout is ignored and a conflict fails the task at once.
// Jobs that contend for the same objects are serialized with a JobQueuer,
// or locked on the caller's goroutine with LockChildAndParents before
// they are submitted.
type ProtectedTask struct {
	name    string
	manager *Manager
	child   engine.ObjectReference
	parents []engine.ObjectReference
	opts    Options
	body    BodyFunc
}

// NewProtectedTask creates a ProtectedTask.
func NewProtectedTask(
	name string,
	manager *Manager,
	child engine.ObjectReference,
	parents []engine.ObjectReference,
	opts Options,
	body BodyFunc,
) *ProtectedTask {
	return &ProtectedTask{
		name:    name,
		manager: manager,
		child:   child,
		parents: append([]engine.ObjectReference(nil), parents...),
		opts:    opts,
		body:    body,
	}
}

// Name implements engine.Task.
func (t *ProtectedTask) Name() string { return t.name }

// References implements engine.Task.
func (t *ProtectedTask) References() []engine.ObjectReference {
	return append([]engine.ObjectReference{t.child}, t.parents...)
}

// Expand implements engine.MetaTask.
func (t *ProtectedTask) Expand(ctx context.Context) (*engine.TaskGraph, error) {
	opts := t.opts
	opts.Timeout = 0
	grant, err := t.manager.LockChildAndParents(ctx, t.child, t.parents, opts)
	if err != nil {
		return nil, err
	}

	graph := engine.NewTaskGraph()
	if t.body != nil {
		body, err := t.body(ctx)
		if err == nil && body != nil {
			err = graph.AddTaskGraph(body)
		}
		if err != nil {
			if rerr := grant.Release(); rerr != nil {
				t.manager.logger.WithError(rerr).Error("Failed to release locks after body error")
			}
			return nil, fmt.Errorf("build protected body for %s: %w", t.name, err)
		}
	}

	if err := grant.AppendTo(graph); err != nil {
		if rerr := grant.Release(); rerr != nil {
			t.manager.logger.WithError(rerr).Error("Failed to release locks after append error")
		}
		return nil, err
	}
	return graph, nil
}
