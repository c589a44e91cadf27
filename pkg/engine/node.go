package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskNode wraps one task inside a graph. Its lifecycle fields are mutated
// only by the job engine while the owning job runs; callers that need a
// consistent view of a running job should use Job.Nodes instead of reading
// nodes directly.
type TaskNode struct {
	id    string
	task  Task
	guard TaskGuard

	predecessors []*TaskNode
	successors   []*TaskNode

	state         TaskState
	succeeded     bool
	outcomeSet    bool
	skipped       bool
	failureReason string

	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time
}

func newTaskNode(task Task, guard TaskGuard) *TaskNode {
	if task == nil {
		panic("engine: nil task")
	}
	if err := guard.Validate(); err != nil {
		panic("engine: " + err.Error())
	}
	return &TaskNode{
		id:    uuid.New().String(),
		task:  task,
		guard: guard,
		state: TaskStateNotRunning,
	}
}

// ID returns the node identifier.
func (n *TaskNode) ID() string { return n.id }

// Task returns the wrapped task.
func (n *TaskNode) Task() Task { return n.task }

// Name returns the task name.
func (n *TaskNode) Name() string { return n.task.Name() }

// Guard returns the guard controlling eligibility.
func (n *TaskNode) Guard() TaskGuard { return n.guard }

// State returns the lifecycle state.
func (n *TaskNode) State() TaskState { return n.state }

// Succeeded returns the outcome and whether it has been recorded.
func (n *TaskNode) Succeeded() (succeeded bool, set bool) {
	return n.succeeded, n.outcomeSet
}

// Skipped reports whether the node completed without its task running.
func (n *TaskNode) Skipped() bool { return n.skipped }

// FailureReason returns the recorded failure reason, if any.
func (n *TaskNode) FailureReason() string { return n.failureReason }

// Predecessors returns a copy of the direct predecessors.
func (n *TaskNode) Predecessors() []*TaskNode {
	return append([]*TaskNode(nil), n.predecessors...)
}

// Successors returns a copy of the direct successors.
func (n *TaskNode) Successors() []*TaskNode {
	return append([]*TaskNode(nil), n.successors...)
}

// IsMeta reports whether the wrapped task expands into a sub-graph.
func (n *TaskNode) IsMeta() bool {
	_, ok := n.task.(MetaTask)
	return ok
}

func (n *TaskNode) hasSucceeded() bool {
	return n.state == TaskStateCompleted && n.outcomeSet && n.succeeded
}

// transition moves the node to next, enforcing the allowed lifecycle.
func (n *TaskNode) transition(next TaskState, now time.Time) error {
	if !n.state.CanTransition(next) {
		return NewInternalError(
			fmt.Sprintf("disallowed transition for %q: %s -> %s", n.Name(), n.state, next), nil,
		).WithResource(n.id)
	}
	n.state = next
	switch next {
	case TaskStateQueued:
		n.queuedAt = now
	case TaskStateRunning:
		n.startedAt = now
	case TaskStateCompleted:
		n.completedAt = now
	}
	return nil
}

func (n *TaskNode) recordOutcome(err error) {
	n.outcomeSet = true
	n.succeeded = err == nil
	if err != nil {
		n.failureReason = err.Error()
	}
}

func (n *TaskNode) addSuccessor(s *TaskNode) {
	n.successors = append(n.successors, s)
	s.predecessors = append(s.predecessors, n)
}

func (n *TaskNode) removePredecessor(p *TaskNode) {
	n.predecessors = removeNode(n.predecessors, p)
	p.successors = removeNode(p.successors, n)
}

func removeNode(nodes []*TaskNode, target *TaskNode) []*TaskNode {
	out := nodes[:0]
	for _, n := range nodes {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

// evaluateGuard decides whether the node can run. Guards are evaluated only
// after every direct predecessor has completed, so a node never overtakes a
// sibling branch that is still running.
func (n *TaskNode) evaluateGuard() guardVerdict {
	for _, p := range n.predecessors {
		if !p.state.IsTerminal() {
			return verdictWait
		}
	}

	switch n.guard {
	case GuardAllPredecessorsCompleted:
		return verdictRun
	case GuardAllPredecessorsSucceeded:
		for _, p := range n.predecessors {
			if !p.hasSucceeded() {
				return verdictSkip
			}
		}
		return verdictRun
	case GuardAllAncestorsSucceeded:
		for _, a := range ancestorsOf(n) {
			if !a.state.IsTerminal() {
				return verdictWait
			}
			if !a.hasSucceeded() {
				return verdictSkip
			}
		}
		return verdictRun
	default:
		return verdictSkip
	}
}

// ancestorsOf returns the transitive upstream closure of n in breadth-first order.
func ancestorsOf(n *TaskNode) []*TaskNode {
	visited := map[*TaskNode]bool{n: true}
	queue := append([]*TaskNode(nil), n.predecessors...)
	out := make([]*TaskNode, 0, len(queue))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, cur.predecessors...)
	}
	return out
}

// NodeSnapshot is an immutable copy of a node's state.
type NodeSnapshot struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Guard         TaskGuard         `json:"guard"`
	State         TaskState         `json:"state"`
	Succeeded     bool              `json:"succeeded"`
	OutcomeSet    bool              `json:"outcome_set"`
	Skipped       bool              `json:"skipped"`
	Meta          bool              `json:"meta"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Predecessors  []string          `json:"predecessors,omitempty"`
	Successors    []string          `json:"successors,omitempty"`
	References    []ObjectReference `json:"references,omitempty"`
	QueuedAt      time.Time         `json:"queued_at,omitempty"`
	StartedAt     time.Time         `json:"started_at,omitempty"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
}

// Snapshot copies the node's current state.
func (n *TaskNode) Snapshot() NodeSnapshot {
	s := NodeSnapshot{
		ID:            n.id,
		Name:          n.Name(),
		Guard:         n.guard,
		State:         n.state,
		Succeeded:     n.succeeded,
		OutcomeSet:    n.outcomeSet,
		Skipped:       n.skipped,
		Meta:          n.IsMeta(),
		FailureReason: n.failureReason,
		References:    append([]ObjectReference(nil), n.task.References()...),
		QueuedAt:      n.queuedAt,
		StartedAt:     n.startedAt,
		CompletedAt:   n.completedAt,
	}
	for _, p := range n.predecessors {
		s.Predecessors = append(s.Predecessors, p.id)
	}
	for _, c := range n.successors {
		s.Successors = append(s.Successors, c.id)
	}
	return s
}

// Duration returns how long the task body ran.
func (s NodeSnapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}
