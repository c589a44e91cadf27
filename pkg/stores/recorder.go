package stores

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// Recorder persists job records published as job.completed events. It runs
// on the publisher's subscriber goroutine, so the engine never waits on the
// database.
type Recorder struct {
	writer  engine.HistoryWriter
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	timeout time.Duration

	saved  atomic.Int64
	failed atomic.Int64
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w engine.HistoryWriter, logger *telemetry.Logger, metrics *telemetry.Metrics) *Recorder {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Recorder{
		writer:  w,
		logger:  logger.NewComponentLogger("history_recorder"),
		metrics: metrics,
		timeout: 10 * time.Second,
	}
}

// Attach subscribes the recorder to job.completed events.
func (r *Recorder) Attach(p *telemetry.EventPublisher) {
	p.Subscribe(r.Handle, telemetry.FilterByType(telemetry.EventTypeJobCompleted))
}

// Handle saves the record carried by a job.completed event.
func (r *Recorder) Handle(event telemetry.Event) {
	rec, ok := event.Data[telemetry.EventDataRecord].(engine.JobRecord)
	if !ok {
		r.logger.WithField("event_id", event.ID).Warn("job.completed event without a job record")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.writer.SaveJob(ctx, rec); err != nil {
		r.failed.Add(1)
		r.metrics.RecordHistoryWrite("error")
		r.logger.WithJobID(rec.ID).WithError(err).Error("Failed to persist job history")
		return
	}
	r.saved.Add(1)
	r.metrics.RecordHistoryWrite("ok")
	r.logger.WithJobID(rec.ID).WithField("status", string(rec.Status)).Debug("Job history saved")
}

// Saved returns how many records were written.
func (r *Recorder) Saved() int64 { return r.saved.Load() }

// Failed returns how many writes failed.
func (r *Recorder) Failed() int64 { return r.failed.Load() }
