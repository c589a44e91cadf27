package engine

import (
	"context"
	"sync"

	"github.com/secfleet/conductor/pkg/telemetry"
)

// JobRequest is a job waiting for its turn in the queuer.
type JobRequest struct {
	Name       string
	Graph      *TaskGraph
	References []ObjectReference
	Options    []SubmitOption
}

// Ticket tracks one request through the queuer.
type Ticket struct {
	req  JobRequest
	keys map[ObjectKey]struct{}
	ctx  context.Context

	done chan struct{}
	job  *Job
	err  error
}

// Job blocks until the request has been handed to the engine and returns the
// submitted job, or the submission error.
func (t *Ticket) Job(ctx context.Context) (*Job, error) {
	select {
	case <-t.done:
		return t.job, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submitted returns a channel closed once the request has left the queue.
func (t *Ticket) Submitted() <-chan struct{} { return t.done }

func (t *Ticket) overlaps(other map[ObjectKey]struct{}) bool {
	for k := range t.keys {
		if _, ok := other[k]; ok {
			return true
		}
	}
	return false
}

// JobQueuer serializes jobs whose object references overlap. A request is
// submitted as soon as no running job and no earlier waiting request shares
// a key with it; otherwise it waits in arrival order.
type JobQueuer struct {
	submitter JobSubmitter
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	running map[ObjectKey]int
	waiting []*Ticket
}

// NewJobQueuer creates a queuer in front of submitter.
func NewJobQueuer(submitter JobSubmitter, logger *telemetry.Logger, metrics *telemetry.Metrics) *JobQueuer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &JobQueuer{
		submitter: submitter,
		logger:    logger.NewComponentLogger("job_queuer"),
		metrics:   metrics,
		running:   make(map[ObjectKey]int),
	}
}

// PutJob enqueues a request. It never blocks on other jobs; use the returned
// ticket to wait for submission.
func (q *JobQueuer) PutJob(ctx context.Context, req JobRequest) (*Ticket, error) {
	if req.Graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}
	t := &Ticket{
		req:  req,
		keys: make(map[ObjectKey]struct{}, len(req.References)),
		ctx:  context.WithoutCancel(ctx),
		done: make(chan struct{}),
	}
	for _, k := range Keys(req.References) {
		t.keys[k] = struct{}{}
	}

	q.mu.Lock()
	blocked := q.blockedLocked(t, q.waiting)
	if blocked {
		q.waiting = append(q.waiting, t)
		q.metrics.SetQueuedJobRequests(float64(len(q.waiting)))
	} else {
		q.reserveLocked(t)
	}
	q.mu.Unlock()

	if blocked {
		q.logger.WithField("job_name", req.Name).Debug("Job request queued behind overlapping job")
		return t, nil
	}
	q.submit(t)
	return t, nil
}

// Pending returns how many requests are waiting.
func (q *JobQueuer) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// blockedLocked reports whether t conflicts with a running job or with any
// request in ahead.
func (q *JobQueuer) blockedLocked(t *Ticket, ahead []*Ticket) bool {
	for k := range t.keys {
		if q.running[k] > 0 {
			return true
		}
	}
	for _, w := range ahead {
		if t.overlaps(w.keys) {
			return true
		}
	}
	return false
}

func (q *JobQueuer) reserveLocked(t *Ticket) {
	for k := range t.keys {
		q.running[k]++
	}
}

func (q *JobQueuer) releaseLocked(t *Ticket) {
	for k := range t.keys {
		if q.running[k] <= 1 {
			delete(q.running, k)
		} else {
			q.running[k]--
		}
	}
}

func (q *JobQueuer) submit(t *Ticket) {
	opts := append(append([]SubmitOption(nil), t.req.Options...),
		WithCompletionListener(func(*Job) { q.complete(t) }))

	job, err := q.submitter.Submit(t.ctx, t.req.Name, t.req.Graph, t.req.References, opts...)
	t.job, t.err = job, err
	close(t.done)

	if err != nil {
		q.metrics.RecordQueueSubmitFailure()
		q.logger.WithError(err).WithField("job_name", t.req.Name).Warn("Failed to submit queued job")
		q.complete(t)
	}
}

// complete frees t's keys and submits every waiter that is no longer blocked.
func (q *JobQueuer) complete(t *Ticket) {
	q.mu.Lock()
	q.releaseLocked(t)
	var ready, remaining []*Ticket
	for _, w := range q.waiting {
		if q.blockedLocked(w, remaining) {
			remaining = append(remaining, w)
			continue
		}
		q.reserveLocked(w)
		ready = append(ready, w)
	}
	q.waiting = remaining
	q.metrics.SetQueuedJobRequests(float64(len(q.waiting)))
	q.mu.Unlock()

	for _, w := range ready {
		q.submit(w)
	}
}
