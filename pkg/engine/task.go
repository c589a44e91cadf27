package engine

import (
	"context"
)

// Task is a unit of work placed in a task graph. A task is either a LeafTask,
// which does concrete work, or a MetaTask, which produces a graph that is
// spliced into the running graph in its place.
type Task interface {
	// Name is the human-readable name recorded in job history.
	Name() string

	// References lists the domain entities the task touches.
	References() []ObjectReference
}

// LeafTask does concrete work. A nil error is success; a non-nil error is a
// failure and its message becomes the node's failure reason.
type LeafTask interface {
	Task
	Execute(ctx context.Context) error
}

// MetaTask expands into a sub-graph at run time.
type MetaTask interface {
	Task
	Expand(ctx context.Context) (*TaskGraph, error)
}

// TaskFunc adapts a function to LeafTask.
type TaskFunc struct {
	name string
	refs []ObjectReference
	fn   func(ctx context.Context) error
}

// NewTaskFunc creates a leaf task from a function.
func NewTaskFunc(name string, refs []ObjectReference, fn func(ctx context.Context) error) *TaskFunc {
	return &TaskFunc{name: name, refs: refs, fn: fn}
}

// Name implements Task.
func (t *TaskFunc) Name() string { return t.name }

// References implements Task.
func (t *TaskFunc) References() []ObjectReference { return t.refs }

// Execute implements LeafTask.
func (t *TaskFunc) Execute(ctx context.Context) error {
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

// MetaTaskFunc adapts a graph-producing function to MetaTask.
type MetaTaskFunc struct {
	name string
	refs []ObjectReference
	fn   func(ctx context.Context) (*TaskGraph, error)
}

// NewMetaTaskFunc creates a meta-task from a function.
func NewMetaTaskFunc(name string, refs []ObjectReference, fn func(ctx context.Context) (*TaskGraph, error)) *MetaTaskFunc {
	return &MetaTaskFunc{name: name, refs: refs, fn: fn}
}

// Name implements Task.
func (t *MetaTaskFunc) Name() string { return t.name }

// References implements Task.
func (t *MetaTaskFunc) References() []ObjectReference { return t.refs }

// Expand implements MetaTask.
func (t *MetaTaskFunc) Expand(ctx context.Context) (*TaskGraph, error) {
	if t.fn == nil {
		return nil, nil
	}
	return t.fn(ctx)
}

// NoopTask returns a leaf task that always succeeds.
func NoopTask(name string) LeafTask {
	return NewTaskFunc(name, nil, nil)
}
