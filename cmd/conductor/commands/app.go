package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/secfleet/conductor/pkg/config"
	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/policy"
	"github.com/secfleet/conductor/pkg/stores"
	"github.com/secfleet/conductor/pkg/telemetry"
	"github.com/secfleet/conductor/pkg/workflow"
)

// app is the assembled runtime for commands that execute jobs.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    stores.Store
	recorder *stores.Recorder
	locks    *lock.Manager
	policy   *policy.Engine
	engine   *engine.JobEngine
	queuer   *engine.JobQueuer

	mu      sync.Mutex
	builder *workflow.Builder
}

// newApp wires telemetry, history, locks, admission, the engine and the
// queuer from cfg and starts the engine.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	a.store = store
	a.recorder = stores.NewRecorder(store, tel.Logger, tel.Metrics)
	a.recorder.Attach(tel.Events)

	a.locks = lock.NewManager(
		lock.WithLogger(tel.Logger),
		lock.WithMetrics(tel.Metrics),
		lock.WithTracer(tel.Tracer),
		lock.WithEventPublisher(tel.Events),
	)

	opts := []engine.EngineOption{
		engine.WithLogger(tel.Logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
		engine.WithEventPublisher(tel.Events),
	}
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(ctx, cfg.Policy, tel.Logger.Zerolog(), tel.Events)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to initialize admission policies: %w", err)
		}
		a.policy = pe
		opts = append(opts, engine.WithAdmitter(pe))
	}

	a.engine = engine.NewJobEngine(cfg.Engine, opts...)
	if err := a.engine.Start(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if cfg.Queue.Enabled {
		a.queuer = engine.NewJobQueuer(a.engine, tel.Logger, tel.Metrics)
	}
	a.builder = workflow.NewBuilder(a.locks, cfg.Locks.Options(), tel.Logger)
	tel.StartMetricsServer()
	return a, nil
}

// applyReload takes over the settings that can change while running.
func (a *app) applyReload(cfg *config.Config) {
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))
	a.mu.Lock()
	a.builder = workflow.NewBuilder(a.locks, cfg.Locks.Options(), a.tel.Logger)
	a.mu.Unlock()
	log.Info().
		Str("log_level", cfg.Telemetry.Logging.Level).
		Dur("lock_timeout", cfg.Locks.DefaultTimeout).
		Msg("Applied configuration reload")
}

// enqueue builds def and hands it to the queuer, or straight to the engine
// when queuing is disabled. Enqueue order is arrival order. The returned
// function waits until the job has been submitted. Without a queuer the
// workflow's locks are taken here, on the caller's goroutine, so contention
// waits out the lock timeout without occupying an engine worker.
func (a *app) enqueue(ctx context.Context, def *workflow.Definition) (func(context.Context) (*engine.Job, error), error) {
	a.mu.Lock()
	builder := a.builder
	a.mu.Unlock()

	refs := def.AllReferences()
	if a.queuer == nil {
		g, grant, err := builder.BuildLocked(ctx, def)
		if err != nil {
			return nil, err
		}
		job, err := a.engine.Submit(ctx, def.Name, g, refs)
		if err != nil {
			if grant != nil {
				if rerr := grant.Release(); rerr != nil {
					log.Error().Err(rerr).Str("workflow", def.Name).Msg("Failed to release workflow locks")
				}
			}
			return nil, err
		}
		return func(context.Context) (*engine.Job, error) { return job, nil }, nil
	}

	g, err := builder.Build(def)
	if err != nil {
		return nil, err
	}
	ticket, err := a.queuer.PutJob(ctx, engine.JobRequest{Name: def.Name, Graph: g, References: refs})
	if err != nil {
		return nil, err
	}
	return ticket.Job, nil
}

// close stops the engine, drains events into the history store and closes
// it. Errors are logged; close is best effort.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
