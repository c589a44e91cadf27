package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// Builder turns definitions into task graphs.
type Builder struct {
	locks    *lock.Manager
	defaults lock.Options
	logger   *telemetry.Logger
}

// NewBuilder creates a builder. locks may be nil when no definition declares
// locks. defaults fill in lock modes and timeout a definition leaves unset.
func NewBuilder(locks *lock.Manager, defaults lock.Options, logger *telemetry.Logger) *Builder {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Builder{
		locks:    locks,
		defaults: defaults,
		logger:   logger.NewComponentLogger("workflow"),
	}
}

// Build produces the root graph for def. Without a lock declaration the
// steps form the root graph directly. With one, the root graph is a single
// protected meta-task: when the job starts it tries the child and then the
// parents once, splices in the steps and appends the unlock tasks, which run
// whatever the steps' outcome. The declared timeout does not apply; jobs
// built this way are meant to go through a JobQueuer.
func (b *Builder) Build(def *Definition) (*engine.TaskGraph, error) {
	if def.Locks == nil {
		return b.buildSteps(def.Name, def.Steps, "")
	}
	if b.locks == nil {
		return nil, errors.New("workflow declares locks but no lock manager is configured")
	}

	opts := b.lockOptions(def.Locks)
	body := func(context.Context) (*engine.TaskGraph, error) {
		return b.buildSteps(def.Name, def.Steps, "")
	}
	// Fail fast on a broken body before the job is submitted.
	if _, err := body(context.Background()); err != nil {
		return nil, err
	}

	g := engine.NewTaskGraph()
	g.AddTask(lock.NewProtectedTask(
		"lock "+def.Locks.Child.String(), b.locks, def.Locks.Child, def.Locks.Parents, opts, body,
	))
	return g, nil
}

// BuildLocked acquires def's locks on the calling goroutine, waiting up to
// the declared timeout, and returns the steps followed by the unlock tasks.
// The caller owns the grant until the graph is submitted and must release it
// if submission fails. Without a lock declaration the grant is nil.
func (b *Builder) BuildLocked(ctx context.Context, def *Definition) (*engine.TaskGraph, *lock.Grant, error) {
	g, err := b.buildSteps(def.Name, def.Steps, "")
	if err != nil || def.Locks == nil {
		return g, nil, err
	}
	if b.locks == nil {
		return nil, nil, errors.New("workflow declares locks but no lock manager is configured")
	}

	grant, err := b.locks.LockChildAndParents(ctx, def.Locks.Child, def.Locks.Parents, b.lockOptions(def.Locks))
	if err != nil {
		return nil, nil, err
	}
	if err := grant.AppendTo(g); err != nil {
		if rerr := grant.Release(); rerr != nil {
			b.logger.WithError(rerr).Error("Failed to release workflow locks")
		}
		return nil, nil, err
	}
	return g, grant, nil
}

// BuildSteps builds the step graph alone, without the lock wrapper. Expand
// steps stay single meta-task nodes.
func (b *Builder) BuildSteps(def *Definition) (*engine.TaskGraph, error) {
	return b.buildSteps(def.Name, def.Steps, "")
}

func (b *Builder) lockOptions(spec *LockSpec) lock.Options {
	opts := b.defaults
	if spec.ChildMode != "" {
		opts.ChildMode = lock.Mode(spec.ChildMode)
	}
	if spec.ParentMode != "" {
		opts.ParentMode = lock.Mode(spec.ParentMode)
	}
	if spec.Timeout > 0 {
		opts.Timeout = spec.Timeout
	}
	return opts
}

// buildSteps adds one node per step. Steps without after are roots; the
// others wait on the named steps under their guard.
func (b *Builder) buildSteps(job string, steps []Step, scope string) (*engine.TaskGraph, error) {
	g := engine.NewTaskGraph()
	nodes := make(map[string]*engine.TaskNode, len(steps))
	for _, s := range steps {
		task, err := b.task(job, s, scope)
		if err != nil {
			return nil, err
		}
		preds := make([]*engine.TaskNode, 0, len(s.After))
		for _, dep := range s.After {
			n, ok := nodes[dep]
			if !ok {
				return nil, fmt.Errorf("step %q runs after unknown step %q", scope+s.Name, dep)
			}
			preds = append(preds, n)
		}
		guard, err := engine.ParseGuard(string(s.Guard))
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", scope+s.Name, err)
		}
		nodes[s.Name] = g.AddTaskAfter(task, guard, preds...)
	}
	return g, nil
}

func (b *Builder) task(job string, s Step, scope string) (engine.Task, error) {
	name := scope + s.Name
	switch s.Kind() {
	case StepScript:
		return NewScriptTask(job, name, s.Script, s.Vars, s.References, b.logger.WithJobID(job)), nil
	case StepSleep:
		d := s.Sleep
		return engine.NewTaskFunc(name, s.References, func(ctx context.Context) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	case StepNoop:
		return engine.NewTaskFunc(name, s.References, nil), nil
	case StepFail:
		reason := s.Fail
		return engine.NewTaskFunc(name, s.References, func(context.Context) error {
			return errors.New(reason)
		}), nil
	case StepExpand:
		nested := s.Expand
		return engine.NewMetaTaskFunc(name, s.References, func(context.Context) (*engine.TaskGraph, error) {
			return b.buildSteps(job, nested, name+".")
		}), nil
	default:
		return nil, fmt.Errorf("step %q must set exactly one body, got %v", name, s.Kinds())
	}
}
