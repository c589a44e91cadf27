package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the job engine, the lock manager
// and the job queuer. A nil *Metrics, or one built from a disabled config,
// records nothing.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsSubmitted prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Task metrics
	tasksExecuted   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	graphExpansions prometheus.Counter
	readyQueueDepth prometheus.Gauge
	listenerFaults  *prometheus.CounterVec
	admissionDenied prometheus.Counter

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockWait         *prometheus.HistogramVec
	locksHeld        prometheus.Gauge

	// Queuer metrics
	queuedRequests      prometheus.Gauge
	queueSubmitFailures prometheus.Counter
	historyRecords      *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the engine",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job execution in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Current number of running jobs",
		}),

		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Total number of task bodies executed",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task execution in seconds",
			Buckets:   buckets,
		}, []string{"outcome"}),
		graphExpansions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_expansions_total",
			Help:      "Total number of meta-task sub-graphs spliced into running jobs",
		}),
		readyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_queue_depth",
			Help:      "Current number of task nodes waiting for a worker",
		}),
		listenerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_faults_total",
			Help:      "Total number of listener panics absorbed by the engine",
		}, []string{"listener"}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Total number of job submissions rejected by admission policy",
		}),

		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Total number of lock acquisition attempts",
		}, []string{"mode", "result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a lock in seconds",
			Buckets:   buckets,
		}, []string{"mode"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Current number of lock holders across all objects",
		}),

		queuedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_job_requests",
			Help:      "Current number of job requests waiting behind overlapping jobs",
		}),
		queueSubmitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_submit_failures_total",
			Help:      "Total number of queued job requests the engine rejected",
		}),
		historyRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_records_total",
			Help:      "Total number of job history writes",
		}, []string{"result"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class and code",
		}, []string{"class", "code"}),
	}

	registry.MustRegister(
		m.jobsSubmitted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.tasksExecuted,
		m.taskDuration,
		m.graphExpansions,
		m.readyQueueDepth,
		m.listenerFaults,
		m.admissionDenied,
		m.lockAcquisitions,
		m.lockWait,
		m.locksHeld,
		m.queuedRequests,
		m.queueSubmitFailures,
		m.historyRecords,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Job Metrics

// RecordJobSubmitted counts a submitted job.
func (m *Metrics) RecordJobSubmitted() {
	if !m.enabled() {
		return
	}
	m.jobsSubmitted.Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a completed job with its status and duration.
func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordAdmissionDenied counts a rejected submission.
func (m *Metrics) RecordAdmissionDenied() {
	if !m.enabled() {
		return
	}
	m.admissionDenied.Inc()
}

// Task Metrics

// RecordTaskExecuted records one task body execution.
func (m *Metrics) RecordTaskExecuted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksExecuted.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordExpansion counts a spliced meta-task graph.
func (m *Metrics) RecordExpansion() {
	if !m.enabled() {
		return
	}
	m.graphExpansions.Inc()
}

// SetReadyQueueDepth sets the number of nodes waiting for a worker.
func (m *Metrics) SetReadyQueueDepth(depth float64) {
	if !m.enabled() {
		return
	}
	m.readyQueueDepth.Set(depth)
}

// RecordListenerFault counts a listener panic.
func (m *Metrics) RecordListenerFault(listener string) {
	if !m.enabled() {
		return
	}
	m.listenerFaults.WithLabelValues(listener).Inc()
}

// Lock Metrics

// RecordLockAcquisition counts an acquisition attempt; result is one of
// acquired, conflict or timeout.
func (m *Metrics) RecordLockAcquisition(mode, result string) {
	if !m.enabled() {
		return
	}
	m.lockAcquisitions.WithLabelValues(mode, result).Inc()
}

// ObserveLockWait records how long a blocking acquisition waited.
func (m *Metrics) ObserveLockWait(mode string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.lockWait.WithLabelValues(mode).Observe(d.Seconds())
}

// SetLocksHeld sets the number of current lock holders.
func (m *Metrics) SetLocksHeld(count float64) {
	if !m.enabled() {
		return
	}
	m.locksHeld.Set(count)
}

// Queuer Metrics

// SetQueuedJobRequests sets the number of waiting job requests.
func (m *Metrics) SetQueuedJobRequests(count float64) {
	if !m.enabled() {
		return
	}
	m.queuedRequests.Set(count)
}

// RecordQueueSubmitFailure counts a queued request the engine rejected.
func (m *Metrics) RecordQueueSubmitFailure() {
	if !m.enabled() {
		return
	}
	m.queueSubmitFailures.Inc()
}

// RecordHistoryWrite counts a job history write; result is ok or error.
func (m *Metrics) RecordHistoryWrite(result string) {
	if !m.enabled() {
		return
	}
	m.historyRecords.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. It returns nil
// when metrics are disabled; the caller shuts the server down.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	return server
}
