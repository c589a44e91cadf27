package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/secfleet/conductor/pkg/telemetry"
)

// CompletionListener is invoked exactly once after a job reaches a terminal
// status. It runs outside every lock the job holds. It must not call
// Job.Wait, which only returns after completion listeners have run.
type CompletionListener func(job *Job)

// TaskChangeListener is invoked for every node state transition, in the
// goroutine that made the transition.
type TaskChangeListener func(job *Job, node NodeSnapshot)

// Job is one execution of a root task graph.
type Job struct {
	id    string
	name  string
	graph *TaskGraph
	refs  []ObjectReference

	onComplete   []CompletionListener
	onTaskChange []TaskChangeListener

	// mu serializes node transitions so two near-simultaneous predecessor
	// completions cannot both schedule, or both miss, a successor.
	mu          sync.Mutex
	status      JobStatus
	submittedAt time.Time
	completedAt time.Time

	// firing counts completion batches whose task changes and events are
	// still being delivered outside mu. The job is finished only once the
	// graph is complete and no batch is in flight.
	firing        int
	finishPending bool

	done chan struct{}

	ctx    context.Context
	span   trace.Span
	logger *telemetry.Logger
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Name returns the human-readable job name.
func (j *Job) Name() string { return j.name }

// References returns the object references the job claims.
func (j *Job) References() []ObjectReference {
	return append([]ObjectReference(nil), j.refs...)
}

// Status returns the current job status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SubmittedAt returns when the job was accepted.
func (j *Job) SubmittedAt() time.Time { return j.submittedAt }

// CompletedAt returns when the job reached a terminal status, or zero.
func (j *Job) CompletedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completedAt
}

// Done returns a channel closed after the job is terminal and its completion
// listeners have run.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job completes or ctx is done.
func (j *Job) Wait(ctx context.Context) (JobStatus, error) {
	select {
	case <-j.done:
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Nodes returns a consistent snapshot of every node in the job's graph,
// including nodes spliced in by meta-tasks.
func (j *Job) Nodes() []NodeSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]NodeSnapshot, 0, j.graph.Len())
	for _, n := range j.graph.order {
		out = append(out, n.Snapshot())
	}
	return out
}

// Node returns a snapshot of one node.
func (j *Job) Node(id string) (NodeSnapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	n, ok := j.graph.nodes[id]
	if !ok {
		return NodeSnapshot{}, false
	}
	return n.Snapshot(), true
}

// CompletedNodes returns snapshots of nodes that reached completed.
func (j *Job) CompletedNodes() []NodeSnapshot {
	out := make([]NodeSnapshot, 0)
	for _, n := range j.Nodes() {
		if n.State == TaskStateCompleted {
			out = append(out, n)
		}
	}
	return out
}

// TaskFailure names a node that completed without succeeding.
type TaskFailure struct {
	NodeID  string `json:"node_id"`
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Skipped bool   `json:"skipped"`
}

// Failures lists every completed node that did not succeed.
func (j *Job) Failures() []TaskFailure {
	out := make([]TaskFailure, 0)
	for _, n := range j.Nodes() {
		if n.State == TaskStateCompleted && !n.Succeeded {
			out = append(out, TaskFailure{
				NodeID:  n.ID,
				Name:    n.Name,
				Reason:  n.FailureReason,
				Skipped: n.Skipped,
			})
		}
	}
	return out
}

// JobSummary provides statistics about a job.
type JobSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// Summary counts nodes by outcome.
func (j *Job) Summary() JobSummary {
	return summarize(j.Nodes())
}

func summarize(nodes []NodeSnapshot) JobSummary {
	s := JobSummary{Total: len(nodes)}
	for _, n := range nodes {
		switch n.State {
		case TaskStateCompleted:
			switch {
			case n.Skipped:
				s.Skipped++
			case n.Succeeded:
				s.Succeeded++
			default:
				s.Failed++
			}
		case TaskStateRunning, TaskStatePending:
			s.Running++
		default:
			s.Pending++
		}
	}
	return s
}

// JobRecord is the persisted form of a finished job, handed to history
// subscribers so they never touch live engine state.
type JobRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      JobStatus         `json:"status"`
	References  []ObjectReference `json:"references,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Summary     JobSummary        `json:"summary"`
	Tasks       []NodeSnapshot    `json:"tasks"`
}

// Record builds the persisted form of the job.
func (j *Job) Record() JobRecord {
	nodes := j.Nodes()
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobRecord{
		ID:          j.id,
		Name:        j.name,
		Status:      j.status,
		References:  append([]ObjectReference(nil), j.refs...),
		SubmittedAt: j.submittedAt,
		CompletedAt: j.completedAt,
		Summary:     summarize(nodes),
		Tasks:       nodes,
	}
}

// Duration returns the wall time between submission and completion.
func (r JobRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.SubmittedAt)
}

// transitionLocked moves node to next and appends its snapshot to changes.
func (j *Job) transitionLocked(node *TaskNode, next TaskState, now time.Time, changes []NodeSnapshot) ([]NodeSnapshot, error) {
	if err := node.transition(next, now); err != nil {
		return changes, err
	}
	return append(changes, node.Snapshot()), nil
}

// scheduleLocked walks the successors of the given nodes, queueing those
// whose guard is satisfied and completing those whose guard never can be.
// Skipped nodes cascade to their own successors in the same pass.
func (j *Job) scheduleLocked(from []*TaskNode, now time.Time, changes []NodeSnapshot) ([]*TaskNode, []NodeSnapshot, error) {
	queued := make([]*TaskNode, 0)
	stack := append([]*TaskNode(nil), from...)
	var err error
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.state != TaskStateNotRunning {
			continue
		}
		switch n.evaluateGuard() {
		case verdictRun:
			if changes, err = j.transitionLocked(n, TaskStateQueued, now, changes); err != nil {
				return queued, changes, err
			}
			queued = append(queued, n)
		case verdictSkip:
			n.skipped = true
			n.outcomeSet = true
			n.succeeded = false
			n.failureReason = "guard " + string(n.guard) + " not satisfied"
			if changes, err = j.transitionLocked(n, TaskStateCompleted, now, changes); err != nil {
				return queued, changes, err
			}
			stack = append(stack, n.successors...)
		}
	}
	return queued, changes, nil
}

// batchFired ends one completion batch started under mu. finished reports
// whether that batch made the job terminal. It returns true exactly once,
// for whichever batch ends last after the job became terminal; that caller
// must run finish.
func (j *Job) batchFired(finished bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.firing--
	if finished {
		j.finishPending = true
	}
	if j.finishPending && j.firing == 0 {
		j.finishPending = false
		return true
	}
	return false
}

// finishLocked sets the terminal status once the graph is complete.
// It reports whether this call made the job terminal.
func (j *Job) finishLocked(now time.Time) bool {
	if j.status != JobStatusRunning || !j.graph.IsComplete() {
		return false
	}
	if j.graph.AllSucceeded() {
		j.status = JobStatusSucceeded
	} else {
		j.status = JobStatusFailed
	}
	j.completedAt = now
	return true
}
