package engine

import (
	"context"
)

// Admission describes a job about to be accepted.
type Admission struct {
	Name       string            `json:"name"`
	References []ObjectReference `json:"references"`
	NodeCount  int               `json:"node_count"`
	TaskNames  []string          `json:"task_names"`
}

// Admitter decides whether a job may be submitted. A non-nil error rejects
// the job; errors that are not already classified are wrapped as denied.
type Admitter interface {
	Admit(ctx context.Context, req Admission) error
}

// JobSubmitter is the part of the job engine the queuer depends on.
type JobSubmitter interface {
	Submit(ctx context.Context, name string, graph *TaskGraph, refs []ObjectReference, opts ...SubmitOption) (*Job, error)
}

// HistoryWriter persists finished jobs.
type HistoryWriter interface {
	// SaveJob stores a job record and its task snapshots. Saving the same
	// job twice replaces the earlier record.
	SaveJob(ctx context.Context, record JobRecord) error
}

// HistoryReader reads persisted jobs.
type HistoryReader interface {
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]JobRecord, error)
	ListTasks(ctx context.Context, jobID string) ([]NodeSnapshot, error)
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, req Admission) error

// Admit implements Admitter.
func (f AdmitterFunc) Admit(ctx context.Context, req Admission) error { return f(ctx, req) }

// compile-time checks
var (
	_ JobSubmitter = (*JobEngine)(nil)
	_ Admitter     = AdmitterFunc(nil)
	_ LeafTask     = (*TaskFunc)(nil)
	_ MetaTask     = (*MetaTaskFunc)(nil)
)
