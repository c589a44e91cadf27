package engine

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the overall status of a job.
type JobStatus string

const (
	// JobStatusRunning indicates the job has been accepted and its graph is executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded indicates every node of the job succeeded.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed indicates at least one node failed or was guarded out.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}

// TaskState is the scheduling lifecycle state of a task node. It says nothing
// about outcome; a completed node may have succeeded or failed.
type TaskState string

const (
	// TaskStateNotRunning indicates the node is waiting for its predecessors.
	TaskStateNotRunning TaskState = "not_running"

	// TaskStateQueued indicates the guard is satisfied and the node awaits a worker.
	TaskStateQueued TaskState = "queued"

	// TaskStatePending indicates a worker has claimed the node but not yet invoked it.
	TaskStatePending TaskState = "pending"

	// TaskStateRunning indicates the task body is executing.
	TaskStateRunning TaskState = "running"

	// TaskStateCompleted is terminal.
	TaskStateCompleted TaskState = "completed"
)

// IsTerminal returns true if the state is completed.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateNotRunning, TaskStateQueued, TaskStatePending,
		TaskStateRunning, TaskStateCompleted:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// CanTransition reports whether a node may move from s to next.
// A node whose guard can never be satisfied goes straight to completed.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskStateNotRunning:
		return next == TaskStateQueued || next == TaskStateCompleted
	case TaskStateQueued:
		return next == TaskStatePending
	case TaskStatePending:
		return next == TaskStateRunning
	case TaskStateRunning:
		return next == TaskStateCompleted
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskState(str)
	return s.Validate()
}

// TaskGuard controls when a node becomes eligible to run.
type TaskGuard string

const (
	// GuardAllPredecessorsCompleted runs the node once every direct predecessor
	// has completed, regardless of outcome. Used for unlock and cleanup steps.
	GuardAllPredecessorsCompleted TaskGuard = "all_predecessors_completed"

	// GuardAllPredecessorsSucceeded runs the node only if every direct
	// predecessor succeeded.
	GuardAllPredecessorsSucceeded TaskGuard = "all_predecessors_succeeded"

	// GuardAllAncestorsSucceeded runs the node only if its whole upstream
	// closure succeeded.
	GuardAllAncestorsSucceeded TaskGuard = "all_ancestors_succeeded"
)

// Validate checks if the guard is valid.
func (g TaskGuard) Validate() error {
	switch g {
	case GuardAllPredecessorsCompleted, GuardAllPredecessorsSucceeded, GuardAllAncestorsSucceeded:
		return nil
	default:
		return fmt.Errorf("invalid task guard: %s", g)
	}
}

// ParseGuard converts a guard name into a TaskGuard. The empty string maps to
// GuardAllPredecessorsSucceeded.
func ParseGuard(s string) (TaskGuard, error) {
	if s == "" {
		return GuardAllPredecessorsSucceeded, nil
	}
	g := TaskGuard(s)
	if err := g.Validate(); err != nil {
		return "", err
	}
	return g, nil
}

// guardVerdict is the outcome of evaluating a guard.
type guardVerdict int

const (
	// verdictWait means predecessors are still outstanding.
	verdictWait guardVerdict = iota
	// verdictRun means the node may be queued.
	verdictRun
	// verdictSkip means the guard can never be satisfied.
	verdictSkip
)
