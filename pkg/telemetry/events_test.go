package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventPublisher_AsyncDeliversInOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	got := make([]string, 0)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.JobID)
		mu.Unlock()
	}, FilterByType(EventTypeJobCompleted))

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := ep.Publish(Event{Type: EventTypeJobCompleted, JobID: id}); err != nil {
			t.Fatalf("Publish(%s) failed: %v", id, err)
		}
	}
	_ = ep.Publish(Event{Type: EventTypeTaskCompleted, JobID: "ignored"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d", "e", "f"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEventPublisher_PublishAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ep.Publish(Event{Type: EventTypeJobSubmitted}); err != ErrPublisherStopped {
		t.Errorf("Expected ErrPublisherStopped, got %v", err)
	}
}

func TestEventPublisher_DropWhenFull(t *testing.T) {
	// No processing goroutine drains the buffer in this configuration.
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true, DropWhenFull: true},
		buffer: make(chan Event, 1),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	defer ep.cancel()

	if err := ep.Publish(Event{Type: EventTypeJobSubmitted}); err != nil {
		t.Fatalf("First publish failed: %v", err)
	}
	if err := ep.Publish(Event{Type: EventTypeJobSubmitted}); err != ErrBufferFull {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
}

func TestEventPublisher_SubscriberPanicIsAbsorbed(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 2})
	var logs bytes.Buffer
	ep.SetObservers(NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &logs), nil)

	calls := 0
	ep.Subscribe(func(Event) { panic("boom") }, nil)
	ep.Subscribe(func(Event) { calls++ }, nil)

	if err := ep.Publish(Event{Type: EventTypeLockReleased}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected second subscriber to run once, ran %d times", calls)
	}
	if out := logs.String(); !strings.Contains(out, "Event subscriber panicked") || !strings.Contains(out, "boom") {
		t.Errorf("Subscriber panic was not logged: %q", out)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	ep.Subscribe(func(Event) { t.Error("disabled publisher delivered an event") }, nil)
	if err := ep.Publish(Event{Type: EventTypeJobCompleted}); err != nil {
		t.Errorf("Publish on disabled publisher returned %v", err)
	}

	var nilPublisher *EventPublisher
	if err := nilPublisher.Publish(Event{}); err != nil {
		t.Errorf("Publish on nil publisher returned %v", err)
	}
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered out")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}
