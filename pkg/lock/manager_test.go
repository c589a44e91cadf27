package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/engine"
)

var (
	applianceRef = engine.NewObjectReference(engine.ObjectKindDistributedAppliance, 1, "da-1")
	specRef      = engine.NewObjectReference(engine.ObjectKindDeploymentSpec, 2, "ds-2")
	systemRef    = engine.NewObjectReference(engine.ObjectKindVirtualSystem, 3, "vs-3")
	groupRef     = engine.NewObjectReference(engine.ObjectKindSecurityGroup, 4, "sg-4")
)

func TestMode_Validate(t *testing.T) {
	if err := ModeRead.Validate(); err != nil {
		t.Errorf("read should be valid: %v", err)
	}
	if err := Mode("exclusive").Validate(); err == nil {
		t.Error("Expected error for unknown mode")
	}
	if m, err := ParseMode(""); err != nil || m != ModeWrite {
		t.Errorf("ParseMode(\"\") = %v, %v; want write", m, err)
	}
}

func TestTryAcquire_Compatibility(t *testing.T) {
	tests := []struct {
		name    string
		held    Mode
		request Mode
		granted bool
	}{
		{"read after read", ModeRead, ModeRead, true},
		{"write after read", ModeRead, ModeWrite, false},
		{"read after write", ModeWrite, ModeRead, false},
		{"write after write", ModeWrite, ModeWrite, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			if _, err := m.TryAcquire(groupRef, tt.held); err != nil {
				t.Fatalf("First acquisition failed: %v", err)
			}

			u, err := m.TryAcquire(groupRef, tt.request)
			if tt.granted {
				if err != nil {
					t.Fatalf("Expected grant, got %v", err)
				}
				if u.Reference() != groupRef || u.Mode() != tt.request {
					t.Errorf("Unlock task captured %v/%v", u.Reference(), u.Mode())
				}
				return
			}
			if !engine.IsConflict(err) {
				t.Fatalf("Expected conflict error, got %v", err)
			}
			if engine.CodeOf(err) != engine.ErrCodeLockConflict {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeLockConflict, engine.CodeOf(err))
			}
		})
	}
}

func TestTryAcquire_DifferentObjectsDoNotConflict(t *testing.T) {
	m := NewManager()
	if _, err := m.TryAcquire(groupRef, ModeWrite); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	// Same id, different kind.
	other := engine.NewObjectReference(engine.ObjectKindDistributedAppliance, groupRef.ID, "other")
	if _, err := m.TryAcquire(other, ModeWrite); err != nil {
		t.Errorf("Expected no conflict across kinds, got %v", err)
	}
	if m.Held() != 2 {
		t.Errorf("Expected 2 holders, got %d", m.Held())
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	m := NewManager()
	first, err := m.TryAcquire(systemRef, ModeWrite)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = first.Execute(context.Background())
	}()

	u, err := m.Acquire(context.Background(), systemRef, ModeWrite, 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !first.Released() {
		t.Error("Second writer granted before first released")
	}
	if _, writer := m.Holders(systemRef); !writer {
		t.Error("Expected writer to be recorded")
	}
	_ = u.Execute(context.Background())
	if m.IsHeld(systemRef) {
		t.Error("Expected lock to be free")
	}
}

func TestAcquire_Timeout(t *testing.T) {
	m := NewManager()
	if _, err := m.TryAcquire(systemRef, ModeRead); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), systemRef, ModeWrite, 30*time.Millisecond)
	if !engine.IsTimeout(err) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if engine.IsConflict(err) {
		t.Error("Timeout must be distinguishable from conflict")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Acquire returned before the timeout elapsed")
	}
	if m.Held() != 1 {
		t.Errorf("Expected only the reader to hold, got %d holders", m.Held())
	}
}

func TestAcquire_ZeroTimeoutTriesOnce(t *testing.T) {
	m := NewManager()
	if _, err := m.TryAcquire(systemRef, ModeWrite); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if _, err := m.Acquire(context.Background(), systemRef, ModeWrite, 0); !engine.IsConflict(err) {
		t.Errorf("Expected conflict on single try, got %v", err)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	m := NewManager()
	if _, err := m.TryAcquire(systemRef, ModeWrite); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, systemRef, ModeRead, time.Minute)
	if !engine.IsTimeout(err) {
		t.Fatalf("Expected timeout-class error, got %v", err)
	}
}

func TestAcquire_ConcurrentReaders(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), specRef, ModeRead, time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Reader failed: %v", err)
		}
	}
	if readers, writer := m.Holders(specRef); readers != 10 || writer {
		t.Errorf("Expected 10 readers and no writer, got %d/%v", readers, writer)
	}
}

func TestRelease_NotHeld(t *testing.T) {
	m := NewManager()
	err := m.Release(groupRef, ModeWrite)
	if engine.CodeOf(err) != engine.ErrCodeLockNotHeld {
		t.Fatalf("Expected LOCK_NOT_HELD, got %v", err)
	}

	if _, err := m.TryAcquire(groupRef, ModeRead); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if err := m.Release(groupRef, ModeWrite); err == nil {
		t.Error("Releasing write while only a reader holds must fail")
	}
	if readers, _ := m.Holders(groupRef); readers != 1 {
		t.Errorf("Failed release changed state: readers=%d", readers)
	}
}

func TestUnlockTask_ReleasesExactlyOnce(t *testing.T) {
	m := NewManager()
	u, err := m.TryAcquire(groupRef, ModeRead)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	// A second reader keeps the entry busy so a double release would show.
	if _, err := m.TryAcquire(groupRef, ModeRead); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	if err := u.Execute(context.Background()); err != nil {
		t.Fatalf("First unlock failed: %v", err)
	}
	if err := u.Execute(context.Background()); err == nil {
		t.Error("Second unlock should fail")
	}
	if readers, _ := m.Holders(groupRef); readers != 1 {
		t.Errorf("Expected 1 reader left, got %d", readers)
	}
	if got := u.References(); len(got) != 1 || !got[0].Equal(groupRef) {
		t.Errorf("Unexpected references %v", got)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewManager()
	_, _ = m.TryAcquire(systemRef, ModeWrite)
	_, _ = m.TryAcquire(applianceRef, ModeRead)
	u, _ := m.TryAcquire(groupRef, ModeRead)
	_ = u.Execute(context.Background())

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 held entries, got %d: %v", len(snap), snap)
	}
	if snap[0].Key != applianceRef.Key() || snap[0].Readers != 1 {
		t.Errorf("Unexpected first entry %+v", snap[0])
	}
	if snap[1].Key != systemRef.Key() || !snap[1].Writer {
		t.Errorf("Unexpected second entry %+v", snap[1])
	}
}
