package telemetry

import (
	"testing"
	"time"
)

func TestMetrics_NilAndDisabledAreSafe(t *testing.T) {
	var nilMetrics *Metrics
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	for _, m := range []*Metrics{nilMetrics, disabled} {
		m.RecordJobSubmitted()
		m.RecordJobCompleted("succeeded", time.Second)
		m.RecordTaskExecuted("failed", time.Millisecond)
		m.RecordExpansion()
		m.SetReadyQueueDepth(3)
		m.RecordListenerFault("completion")
		m.RecordAdmissionDenied()
		m.RecordLockAcquisition("write", "acquired")
		m.ObserveLockWait("read", time.Millisecond)
		m.SetLocksHeld(1)
		m.SetQueuedJobRequests(2)
		m.RecordQueueSubmitFailure()
		m.RecordHistoryWrite("ok")
		m.RecordError("conflict", "LOCK_CONFLICT")
		if m.Registry() != nil {
			t.Error("Expected nil registry for disabled metrics")
		}
	}
}

func TestMetrics_Records(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordJobSubmitted()
	m.RecordJobCompleted("failed", 2*time.Second)
	m.RecordLockAcquisition("write", "conflict")
	m.RecordLockAcquisition("write", "conflict")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				found[f.GetName()] += c.GetValue()
			}
		}
	}

	if found["test_jobs_submitted_total"] != 1 {
		t.Errorf("Expected 1 submitted job, got %v", found["test_jobs_submitted_total"])
	}
	if found["test_lock_acquisitions_total"] != 2 {
		t.Errorf("Expected 2 lock acquisitions, got %v", found["test_lock_acquisitions_total"])
	}
}
