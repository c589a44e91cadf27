// Package telemetry provides observability instrumentation for conductor.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Usage
//
// Initialize telemetry at process start-up and hand the pieces to the
// components that need them:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	eng := engine.NewJobEngine(engine.DefaultEngineConfig(),
//	    engine.WithLogger(tel.Logger),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithTracer(tel.Tracer),
//	    engine.WithEventPublisher(tel.Events),
//	)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("job_engine")
//	logger.WithJobID(job.ID()).WithTaskID(node.ID()).Info("Task started")
//
// Log levels: trace, debug, info, warn, error, fatal.
//
// # Metrics
//
// Metrics live on a private registry served by StartMetricsServer. Every
// recording method is safe on a nil or disabled *Metrics, so components
// never check before recording.
//
// # Tracing
//
// Each job gets a root span and each task execution a child span. A nil
// *Tracer produces no-op spans. Supported exporters: otlp, stdout, none.
//
// # Events
//
// The EventPublisher decouples producers from consumers. In async mode every
// subscriber runs on its own goroutine and receives events in publish order;
// the job history recorder subscribes to job.completed this way so storage
// writes never happen on engine workers.
package telemetry
