package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/secfleet/conductor/pkg/telemetry"
)

// EngineConfig sizes the shared worker pool.
type EngineConfig struct {
	// Workers is the number of goroutines executing task nodes across all jobs.
	Workers int `yaml:"workers" validate:"gte=1,lte=1024"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Workers: 10}
}

// EngineOption configures a JobEngine.
type EngineOption func(*JobEngine)

// WithLogger sets the engine logger.
func WithLogger(l *telemetry.Logger) EngineOption {
	return func(e *JobEngine) { e.logger = l.NewComponentLogger("job_engine") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *JobEngine) { e.metrics = m }
}

// WithTracer sets the tracer used for job and task spans.
func WithTracer(t *telemetry.Tracer) EngineOption {
	return func(e *JobEngine) { e.tracer = t }
}

// WithEventPublisher sets where job and task events are posted.
func WithEventPublisher(p *telemetry.EventPublisher) EngineOption {
	return func(e *JobEngine) { e.events = p }
}

// WithAdmitter sets the admission controller consulted on submit.
func WithAdmitter(a Admitter) EngineOption {
	return func(e *JobEngine) { e.admitter = a }
}

// SubmitOption configures a single submission.
type SubmitOption func(*Job)

// WithCompletionListener registers a listener fired once the job is terminal.
func WithCompletionListener(l CompletionListener) SubmitOption {
	return func(j *Job) {
		if l != nil {
			j.onComplete = append(j.onComplete, l)
		}
	}
}

// WithTaskChangeListener registers a listener fired on every node transition.
func WithTaskChangeListener(l TaskChangeListener) SubmitOption {
	return func(j *Job) {
		if l != nil {
			j.onTaskChange = append(j.onTaskChange, l)
		}
	}
}

type engineState int

const (
	engineNew engineState = iota
	engineRunning
	engineStopping
	engineStopped
)

// JobEngine drives job graphs to completion on a bounded worker pool shared
// by all jobs. Nodes from unrelated jobs interleave with no ordering between
// jobs; use a JobQueuer to serialize jobs over overlapping references.
type JobEngine struct {
	cfg      EngineConfig
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	admitter Admitter

	ready *readyQueue

	mu    sync.RWMutex
	state engineState
	jobs  map[string]*Job
	base  context.Context

	jobsWG    sync.WaitGroup
	workersWG sync.WaitGroup
}

// NewJobEngine creates an engine. Call Start before submitting jobs.
func NewJobEngine(cfg EngineConfig, opts ...EngineOption) *JobEngine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultEngineConfig().Workers
	}
	e := &JobEngine{
		cfg:    cfg,
		logger: telemetry.NewNopLogger(),
		ready:  newReadyQueue(),
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool. Task contexts derive from ctx but are not
// cancelled with it: a submitted job always runs to completion.
func (e *JobEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineNew {
		return NewPermanentError("engine already started", nil).WithCode(ErrCodeValidation)
	}
	e.base = context.WithoutCancel(ctx)
	e.state = engineRunning
	for i := 0; i < e.cfg.Workers; i++ {
		e.workersWG.Add(1)
		go e.worker(i)
	}
	e.logger.WithField("workers", e.cfg.Workers).Info("Job engine started")
	return nil
}

// Shutdown stops accepting jobs, waits for running jobs to finish and stops
// the workers. If ctx expires first the workers keep running so the
// remaining jobs can still complete.
func (e *JobEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state != engineRunning && e.state != engineStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = engineStopping
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.jobsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return NewInternalError("timed out waiting for running jobs", ctx.Err()).
			WithCode(ErrCodeEngineStopped)
	}

	e.ready.close()
	e.workersWG.Wait()

	e.mu.Lock()
	e.state = engineStopped
	e.mu.Unlock()
	e.logger.Info("Job engine stopped")
	return nil
}

// Job returns an active job by id. Finished jobs are forgotten once their
// completion listeners have run.
func (e *JobEngine) Job(id string) (*Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	return j, ok
}

// ActiveJobs returns the jobs that have not finished yet.
func (e *JobEngine) ActiveJobs() []*Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j)
	}
	return out
}

// Submit registers a job for graph and schedules its eligible nodes. It
// returns immediately; execution is asynchronous. refs is recorded on the job
// for observability and lock correlation; the caller must already hold the
// matching locks.
func (e *JobEngine) Submit(
	ctx context.Context,
	name string,
	graph *TaskGraph,
	refs []ObjectReference,
	opts ...SubmitOption,
) (*Job, error) {
	if graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := e.claimGraph(graph); err != nil {
		return nil, err
	}
	job, err := e.accept(ctx, name, graph, refs, opts)
	if err != nil {
		e.releaseGraph(graph)
		return nil, err
	}
	e.start(job)
	return job, nil
}

// claimGraph seals graph for one submission. Concurrent submissions of the
// same graph race here and exactly one wins.
func (e *JobEngine) claimGraph(graph *TaskGraph) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if graph.sealed {
		return NewPermanentError("graph already submitted or merged", nil).
			WithCode(ErrCodeGraphAttached)
	}
	graph.sealed = true
	return nil
}

// releaseGraph unseals a graph whose submission was rejected so the caller
// may fix and resubmit it.
func (e *JobEngine) releaseGraph(graph *TaskGraph) {
	e.mu.Lock()
	graph.sealed = false
	e.mu.Unlock()
}

// accept validates and admits a claimed graph and registers its job.
func (e *JobEngine) accept(
	ctx context.Context,
	name string,
	graph *TaskGraph,
	refs []ObjectReference,
	opts []SubmitOption,
) (*Job, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	if e.admitter != nil {
		names := make([]string, 0, graph.Len())
		for _, n := range graph.order {
			names = append(names, n.Name())
		}
		req := Admission{Name: name, References: refs, NodeCount: graph.Len(), TaskNames: names}
		if err := e.admitter.Admit(ctx, req); err != nil {
			e.metrics.RecordAdmissionDenied()
			if IsDenied(err) {
				return nil, err
			}
			return nil, NewDeniedError(fmt.Sprintf("job %q rejected", name), err)
		}
	}

	job := &Job{
		id:          uuid.New().String(),
		name:        name,
		graph:       graph,
		refs:        Dedupe(refs),
		status:      JobStatusRunning,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(job)
	}
	job.logger = e.logger.WithJobID(job.id).WithField("job_name", name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineRunning {
		return nil, NewPermanentError("engine is not running", nil).WithCode(ErrCodeEngineStopped)
	}
	e.jobs[job.id] = job
	e.jobsWG.Add(1)
	job.ctx = detachedContext(ctx, e.base)
	return job, nil
}

// start opens the job span and schedules the roots.
func (e *JobEngine) start(job *Job) {
	graph, name := job.graph, job.name
	job.ctx, job.span = e.tracer.StartJobSpan(job.ctx, job.id, name)
	e.metrics.RecordJobSubmitted()
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeJobSubmitted,
		JobID:   job.id,
		Message: fmt.Sprintf("Job %s submitted with %d tasks", name, graph.Len()),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"name": name, "tasks": graph.Len()},
	})
	job.logger.WithField("tasks", graph.Len()).Debug("Job submitted")

	now := time.Now()
	job.mu.Lock()
	queued, changes, err := job.scheduleLocked(graph.Roots(), now, nil)
	finished := err == nil && job.finishLocked(now)
	job.firing++
	job.mu.Unlock()
	if err != nil {
		// Roots of a validated graph always start in not_running.
		job.logger.WithError(err).Error("Failed to schedule job roots")
	}

	e.fireTaskChanges(job, changes)
	e.dispatch(job, queued)
	if job.batchFired(finished) {
		e.finish(job)
	}
}

// detachedContext returns a context that carries the caller's span but not its
// cancellation, falling back to the engine base context.
func detachedContext(ctx, base context.Context) context.Context {
	if ctx == nil {
		return base
	}
	return context.WithoutCancel(ctx)
}

type readyItem struct {
	job  *Job
	node *TaskNode
}

func (e *JobEngine) dispatch(job *Job, nodes []*TaskNode) {
	if len(nodes) == 0 {
		return
	}
	items := make([]readyItem, len(nodes))
	for i, n := range nodes {
		items[i] = readyItem{job: job, node: n}
	}
	depth := e.ready.push(items...)
	e.metrics.SetReadyQueueDepth(float64(depth))
}

func (e *JobEngine) worker(id int) {
	defer e.workersWG.Done()
	logger := e.logger.WithField("worker", id)
	for {
		item, depth, ok := e.ready.pop()
		if !ok {
			logger.Debug("Worker exiting")
			return
		}
		e.metrics.SetReadyQueueDepth(float64(depth))
		e.runNode(item.job, item.node)
	}
}

// runNode claims, executes and completes one node.
func (e *JobEngine) runNode(job *Job, node *TaskNode) {
	var (
		changes []NodeSnapshot
		err     error
	)

	job.mu.Lock()
	now := time.Now()
	changes, err = job.transitionLocked(node, TaskStatePending, now, changes)
	if err == nil {
		changes, err = job.transitionLocked(node, TaskStateRunning, now, changes)
	}
	job.mu.Unlock()
	if err != nil {
		job.logger.WithError(err).Error("Failed to claim task node")
		return
	}
	e.fireTaskChanges(job, changes)

	logger := job.logger.WithTaskID(node.id).WithField("task", node.Name())
	ctx, span := e.tracer.StartTaskSpan(job.ctx, job.id, node.id, node.Name())
	ctx = logger.WithContext(ctx)

	start := time.Now()
	sub, runErr := e.invoke(ctx, node)
	duration := time.Since(start)

	if runErr != nil {
		telemetry.RecordError(span, runErr)
		logger.WithError(runErr).Warn("Task failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Debugf("Task succeeded in %s", duration)
	}
	span.End()

	outcome := "succeeded"
	if runErr != nil {
		outcome = "failed"
	}
	e.metrics.RecordTaskExecuted(outcome, duration)

	job.mu.Lock()
	now = time.Now()
	changes = changes[:0]
	var (
		spliced   []*TaskNode
		spliceErr error
	)
	if runErr == nil && sub != nil {
		spliced, spliceErr = job.graph.expand(node, sub)
		runErr = spliceErr
	}
	node.recordOutcome(runErr)
	changes, err = job.transitionLocked(node, TaskStateCompleted, now, changes)
	var queued []*TaskNode
	if err == nil {
		queued, changes, err = job.scheduleLocked(node.successors, now, changes)
	}
	finished := job.finishLocked(now)
	job.firing++
	job.mu.Unlock()

	if err != nil {
		job.logger.WithError(err).Error("Failed to complete task node")
	}
	if spliceErr != nil {
		logger.WithError(spliceErr).Warn("Meta-task expansion rejected")
	}
	if len(spliced) > 0 {
		e.metrics.RecordExpansion()
		logger.WithField("spliced", len(spliced)).Debug("Meta-task expanded")
	}

	e.fireTaskChanges(job, changes)
	for _, c := range changes {
		if c.State == TaskStateCompleted {
			e.publishTaskCompleted(job, c)
		}
	}
	e.dispatch(job, queued)
	if job.batchFired(finished) {
		e.finish(job)
	}
}

// invoke runs the node's task, converting panics into failures.
func (e *JobEngine) invoke(ctx context.Context, node *TaskNode) (sub *TaskGraph, err error) {
	defer func() {
		if r := recover(); r != nil {
			sub = nil
			err = NewInternalError(fmt.Sprintf("task %q panicked", node.Name()), fmt.Errorf("%v", r)).
				WithCode(ErrCodeTaskPanic).
				WithDetail("stack", string(debug.Stack()))
		}
	}()

	switch t := node.task.(type) {
	case MetaTask:
		sub, err = t.Expand(ctx)
		if err == nil && sub != nil && sub.sealed {
			return nil, NewPermanentError("meta-task returned a sealed graph", nil).
				WithCode(ErrCodeGraphAttached)
		}
		if err == nil && sub != nil {
			if verr := sub.Validate(); verr != nil {
				return nil, verr
			}
		}
		return sub, err
	case LeafTask:
		return nil, t.Execute(ctx)
	default:
		return nil, NewPermanentError(fmt.Sprintf("task %q is neither a leaf nor a meta-task", node.Name()), nil).
			WithCode(ErrCodeValidation)
	}
}

// finish runs completion listeners, posts the completion event and releases
// the job. It is called exactly once per job.
func (e *JobEngine) finish(job *Job) {
	record := job.Record()

	if record.Status == JobStatusSucceeded {
		telemetry.RecordSuccess(job.span)
	} else {
		job.span.SetAttributes(attribute.Int("job.failed_tasks", record.Summary.Failed+record.Summary.Skipped))
		telemetry.RecordError(job.span, fmt.Errorf("job %s %s", job.name, record.Status))
	}
	job.span.SetAttributes(telemetry.AttrJobStatus.String(string(record.Status)))
	job.span.End()

	e.metrics.RecordJobCompleted(string(record.Status), record.Duration())
	job.logger.
		WithField("status", record.Status).
		WithField("succeeded", record.Summary.Succeeded).
		WithField("failed", record.Summary.Failed).
		WithField("skipped", record.Summary.Skipped).
		Info("Job completed")

	for _, l := range job.onComplete {
		e.safeCall("completion", job, func() { l(job) })
	}

	level := telemetry.EventLevelInfo
	if record.Status != JobStatusSucceeded {
		level = telemetry.EventLevelError
	}
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeJobCompleted,
		JobID:   job.id,
		Message: fmt.Sprintf("Job %s completed with status: %s", job.name, record.Status),
		Level:   level,
		Data:    map[string]interface{}{telemetry.EventDataRecord: record},
	})

	e.mu.Lock()
	delete(e.jobs, job.id)
	e.mu.Unlock()

	close(job.done)
	e.jobsWG.Done()
}

func (e *JobEngine) fireTaskChanges(job *Job, changes []NodeSnapshot) {
	if len(job.onTaskChange) == 0 {
		return
	}
	for _, c := range changes {
		for _, l := range job.onTaskChange {
			c := c
			e.safeCall("task_change", job, func() { l(job, c) })
		}
	}
}

// safeCall invokes a listener, absorbing and logging panics so a
// misbehaving listener never reaches the scheduling loop.
func (e *JobEngine) safeCall(kind string, job *Job, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordListenerFault(kind)
			job.logger.
				WithField("listener", kind).
				WithField("panic", fmt.Sprintf("%v", r)).
				Error("Listener panicked")
		}
	}()
	fn()
}

func (e *JobEngine) publishTaskCompleted(job *Job, n NodeSnapshot) {
	typ := telemetry.EventTypeTaskCompleted
	level := telemetry.EventLevelInfo
	msg := fmt.Sprintf("Task %s completed", n.Name)
	switch {
	case n.Skipped:
		typ = telemetry.EventTypeTaskSkipped
		level = telemetry.EventLevelWarning
		msg = fmt.Sprintf("Task %s skipped: %s", n.Name, n.FailureReason)
	case !n.Succeeded:
		level = telemetry.EventLevelError
		msg = fmt.Sprintf("Task %s failed: %s", n.Name, n.FailureReason)
	}
	e.publish(telemetry.Event{
		Type:    typ,
		JobID:   job.id,
		TaskID:  n.ID,
		Message: msg,
		Level:   level,
		Data: map[string]interface{}{
			"name":      n.Name,
			"succeeded": n.Succeeded,
			"duration":  n.Duration().Seconds(),
		},
	})
}

func (e *JobEngine) publish(ev telemetry.Event) {
	if e.events == nil {
		return
	}
	ev.Source = "job_engine"
	if err := e.events.Publish(ev); err != nil {
		e.logger.WithError(err).WithField("event", ev.Type).Warn("Failed to publish event")
	}
}

// readyQueue is an unbounded FIFO of eligible nodes. Pushing never blocks,
// so a worker completing a node can always enqueue successors.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []readyItem
	closed bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *readyQueue) push(items ...readyItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	q.cond.Broadcast()
	return len(q.items)
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *readyQueue) pop() (readyItem, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return readyItem{}, 0, false
	}
	item := q.items[0]
	q.items[0] = readyItem{}
	q.items = q.items[1:]
	return item, len(q.items), true
}

func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
