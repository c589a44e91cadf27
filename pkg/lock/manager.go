package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// Mode is the granularity of a lock.
type Mode string

const (
	// ModeRead is shared: it excludes only a concurrent writer.
	ModeRead Mode = "read"
	// ModeWrite is exclusive: it excludes every other holder.
	ModeWrite Mode = "write"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeRead, ModeWrite:
		return nil
	default:
		return fmt.Errorf("invalid lock mode: %q", m)
	}
}

// ParseMode converts a string to a Mode; the empty string is write.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeWrite, nil
	}
	m := Mode(s)
	return m, m.Validate()
}

// entry is the lock state of one object. changed is closed and replaced on
// every release so blocked acquirers can wait without polling.
type entry struct {
	readers int
	writer  bool
	changed chan struct{}
}

func (e *entry) compatible(mode Mode) bool {
	if mode == ModeWrite {
		return !e.writer && e.readers == 0
	}
	return !e.writer
}

// Entry is a point-in-time view of one lock entry.
type Entry struct {
	Key     engine.ObjectKey `json:"key"`
	Readers int              `json:"readers"`
	Writer  bool             `json:"writer"`
}

// Manager is the process-wide registry of read/write locks keyed by object
// reference. Entries are created on first use and never removed.
type Manager struct {
	mu      sync.Mutex
	entries map[engine.ObjectKey]*entry
	held    int

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l.NewComponentLogger("lock_manager") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer sets the tracer used around blocking acquisitions.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithEventPublisher posts lock.acquired and lock.released events.
func WithEventPublisher(p *telemetry.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// NewManager creates an empty lock registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[engine.ObjectKey]*entry),
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entryLocked(key engine.ObjectKey) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{changed: make(chan struct{})}
		m.entries[key] = e
	}
	return e
}

// grantLocked records the holder. The caller holds m.mu and has checked
// compatibility.
func (m *Manager) grantLocked(e *entry, mode Mode) {
	if mode == ModeWrite {
		e.writer = true
	} else {
		e.readers++
	}
	m.held++
	m.metrics.SetLocksHeld(float64(m.held))
}

// TryAcquire takes the lock without waiting. On conflict it returns an error
// for which engine.IsConflict reports true.
func (m *Manager) TryAcquire(ref engine.ObjectReference, mode Mode) (*UnlockTask, error) {
	if err := mode.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid lock request", err).WithCode(engine.ErrCodeValidation)
	}

	m.mu.Lock()
	e := m.entryLocked(ref.Key())
	if !e.compatible(mode) {
		readers, writer := e.readers, e.writer
		m.mu.Unlock()
		m.metrics.RecordLockAcquisition(string(mode), "conflict")
		return nil, conflictError(ref, mode, readers, writer)
	}
	m.grantLocked(e, mode)
	m.mu.Unlock()

	m.acquired(ref, mode, 0)
	return newUnlockTask(m, ref, mode), nil
}

// Acquire waits up to timeout for the lock. A zero timeout makes a single
// attempt. On expiry it returns an error for which engine.IsTimeout reports
// true; ctx cancellation returns ctx.Err wrapped as a timeout as well.
func (m *Manager) Acquire(ctx context.Context, ref engine.ObjectReference, mode Mode, timeout time.Duration) (*UnlockTask, error) {
	if timeout <= 0 {
		return m.TryAcquire(ref, mode)
	}
	if err := mode.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid lock request", err).WithCode(engine.ErrCodeValidation)
	}

	ctx, span := m.tracer.StartLockSpan(ctx, ref.String(), string(mode))
	defer span.End()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		e := m.entryLocked(ref.Key())
		if e.compatible(mode) {
			m.grantLocked(e, mode)
			m.mu.Unlock()

			waited := time.Since(start)
			m.metrics.ObserveLockWait(string(mode), waited)
			m.acquired(ref, mode, waited)
			telemetry.RecordSuccess(span)
			return newUnlockTask(m, ref, mode), nil
		}
		changed := e.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			m.metrics.RecordLockAcquisition(string(mode), "timeout")
			err := engine.NewTimeoutError(
				fmt.Sprintf("timed out after %s waiting for %s lock on %s", timeout, mode, ref), nil,
			).WithResource(ref.String())
			telemetry.RecordError(span, err)
			return nil, err
		case <-ctx.Done():
			m.metrics.RecordLockAcquisition(string(mode), "timeout")
			err := engine.NewTimeoutError(
				fmt.Sprintf("gave up waiting for %s lock on %s", mode, ref), ctx.Err(),
			).WithResource(ref.String())
			telemetry.RecordError(span, err)
			return nil, err
		}
	}
}

// Release drops one holder of the given mode. Releasing a lock that is not
// held is an error and changes nothing.
func (m *Manager) Release(ref engine.ObjectReference, mode Mode) error {
	m.mu.Lock()
	e, ok := m.entries[ref.Key()]
	switch {
	case !ok, mode == ModeWrite && !e.writer, mode == ModeRead && e.readers == 0:
		m.mu.Unlock()
		return engine.NewPermanentError(fmt.Sprintf("%s lock on %s is not held", mode, ref), nil).
			WithCode(engine.ErrCodeLockNotHeld).
			WithResource(ref.String())
	}
	if mode == ModeWrite {
		e.writer = false
	} else {
		e.readers--
	}
	m.held--
	close(e.changed)
	e.changed = make(chan struct{})
	held := m.held
	m.mu.Unlock()

	m.metrics.SetLocksHeld(float64(held))
	m.logger.WithReference(ref.String()).WithField("mode", mode).Debug("Lock released")
	if err := m.events.PublishLockReleased(ref.String(), string(mode)); err != nil {
		m.logger.WithError(err).Warn("Failed to publish lock release")
	}
	return nil
}

// Holders returns the current readers count and whether a writer holds ref.
func (m *Manager) Holders(ref engine.ObjectReference) (readers int, writer bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ref.Key()]; ok {
		return e.readers, e.writer
	}
	return 0, false
}

// IsHeld reports whether any holder exists for ref.
func (m *Manager) IsHeld(ref engine.ObjectReference) bool {
	readers, writer := m.Holders(ref)
	return writer || readers > 0
}

// Held returns the total number of holders across the registry.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Snapshot returns every entry that currently has a holder, sorted by key.
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for k, e := range m.entries {
		if e.writer || e.readers > 0 {
			out = append(out, Entry{Key: k, Readers: e.readers, Writer: e.writer})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Kind != out[j].Key.Kind {
			return out[i].Key.Kind < out[j].Key.Kind
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out
}

func (m *Manager) acquired(ref engine.ObjectReference, mode Mode, waited time.Duration) {
	m.metrics.RecordLockAcquisition(string(mode), "acquired")
	m.logger.WithReference(ref.String()).WithField("mode", mode).Debug("Lock acquired")
	if err := m.events.PublishLockAcquired(ref.String(), string(mode), waited); err != nil {
		m.logger.WithError(err).Warn("Failed to publish lock acquisition")
	}
}

func conflictError(ref engine.ObjectReference, mode Mode, readers int, writer bool) error {
	holder := fmt.Sprintf("%d readers", readers)
	if writer {
		holder = "a writer"
	}
	return engine.NewConflictError(
		fmt.Sprintf("%s lock on %s conflicts with %s", mode, ref, holder), nil,
	).WithResource(ref.String()).
		WithDetail("readers", readers).
		WithDetail("writer", writer)
}
