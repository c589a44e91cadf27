package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event posted by the engine, the lock manager
// or the queuer.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// JobID is the associated job ID, if applicable.
	JobID string `json:"job_id,omitempty"`

	// TaskID is the associated task node ID, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// ObjectRef is the associated object reference, if applicable.
	ObjectRef string `json:"object_ref,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeJobSubmitted    = "job.submitted"
	EventTypeJobCompleted    = "job.completed"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskSkipped     = "task.skipped"
	EventTypeLockAcquired    = "lock.acquired"
	EventTypeLockReleased    = "lock.released"
	EventTypeAdmissionDenied = "admission.denied"
	EventTypeConfigReloaded  = "config.reloaded"
)

// EventDataRecord is the Data key carrying the finished job record on
// job.completed events.
const EventDataRecord = "record"

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when DropWhenFull is set and the buffer is full.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode each
// subscriber owns one goroutine and receives its events in publish order,
// so a subscriber that writes to storage never runs on the publisher's
// goroutine and never races with itself.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []*subscription
	filters     []EventFilter
	wg          sync.WaitGroup
	subWG       sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc

	logger  *Logger
	metrics *Metrics
}

type subscription struct {
	subscriber EventSubscriber
	filter     EventFilter
	ch         chan Event
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]*subscription, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
		logger:      NewNopLogger(),
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. In async mode it blocks
// while the buffer is full unless DropWhenFull is set.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverSync(event)
		return nil
	}

	if ep.config.DropWhenFull {
		select {
		case ep.buffer <- event:
			return nil
		default:
			return ErrBufferFull
		}
	}
	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	}
}

// PublishLockAcquired publishes a lock acquisition event.
func (ep *EventPublisher) PublishLockAcquired(ref, mode string, waited time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeLockAcquired,
		Source:    "lock_manager",
		ObjectRef: ref,
		Message:   fmt.Sprintf("Acquired %s lock on %s", mode, ref),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"mode":   mode,
			"waited": waited.Seconds(),
		},
	})
}

// PublishLockReleased publishes a lock release event.
func (ep *EventPublisher) PublishLockReleased(ref, mode string) error {
	return ep.Publish(Event{
		Type:      EventTypeLockReleased,
		Source:    "lock_manager",
		ObjectRef: ref,
		Message:   fmt.Sprintf("Released %s lock on %s", mode, ref),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"mode": mode,
		},
	})
}

// PublishAdmissionDenied publishes a rejected submission.
func (ep *EventPublisher) PublishAdmissionDenied(jobName string, reasons []string) error {
	return ep.Publish(Event{
		Type:    EventTypeAdmissionDenied,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Job %s denied by admission policy", jobName),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"name":    jobName,
			"reasons": reasons,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.ctx.Err() != nil {
		return
	}

	sub := &subscription{subscriber: subscriber, filter: filter}
	if ep.config.EnableAsync {
		size := ep.config.SubscriberBuffer
		if size <= 0 {
			size = ep.config.BufferSize
		}
		sub.ch = make(chan Event, size)
		ep.subWG.Add(1)
		go ep.runSubscriber(sub)
	}
	ep.subscribers = append(ep.subscribers, sub)
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// processEvents routes buffered events to subscriber queues.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.route(event)
		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					ep.route(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) route(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.ch <- event
	}
}

func (ep *EventPublisher) runSubscriber(sub *subscription) {
	defer ep.subWG.Done()
	for event := range sub.ch {
		ep.invoke(sub, event)
	}
}

func (ep *EventPublisher) deliverSync(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		ep.invoke(sub, event)
	}
}

// SetObservers sets where subscriber faults are reported. Call it before
// the first Subscribe.
func (ep *EventPublisher) SetObservers(logger *Logger, metrics *Metrics) {
	if ep == nil {
		return
	}
	if logger != nil {
		ep.logger = logger.NewComponentLogger("events")
	}
	ep.metrics = metrics
}

// invoke calls a subscriber, absorbing and logging panics so one subscriber
// cannot stop delivery to the others.
func (ep *EventPublisher) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.metrics.RecordListenerFault("event_subscriber")
			if ep.logger != nil {
				ep.logger.
					WithField("event", event.Type).
					WithField("panic", fmt.Sprintf("%v", r)).
					Error("Event subscriber panicked")
			}
		}
	}()
	sub.subscriber(event)
}

// Shutdown stops accepting events, delivers everything already accepted and
// waits for subscribers to finish.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		ep.mu.Lock()
		for _, sub := range ep.subscribers {
			if sub.ch != nil {
				close(sub.ch)
				sub.ch = nil
			}
		}
		ep.mu.Unlock()
		ep.subWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByJobID creates a filter that only allows events for a specific job.
func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool {
		return event.JobID == jobID
	}
}
