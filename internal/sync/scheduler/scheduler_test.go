package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/schooldesk/backend/internal/sync"
)

// fakeEngine counts drain calls and mimics the engine's online/syncing
// guards.
type fakeEngine struct {
	mu      sync.Mutex
	online  bool
	syncing bool
	drains  int
}

func (f *fakeEngine) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	f.mu.Lock()
	f.drains++
	f.mu.Unlock()
	return &syncpkg.DrainResult{}, nil
}

func (f *fakeEngine) SetOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

func (f *fakeEngine) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeEngine) Syncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncing
}

func (f *fakeEngine) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

// waitForDrains polls until the engine saw at least n drains or the
// deadline passes.
func waitForDrains(t *testing.T, e *fakeEngine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.drainCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("drains = %d, want at least %d", e.drainCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestPeriodicDrain verifies the ticker fires drains while online.
func TestPeriodicDrain(t *testing.T) {
	engine := &fakeEngine{online: true}
	s := New(engine, 20*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	waitForDrains(t, engine, 2)
}

// TestNoDrainWhileOffline verifies the ticker skips passes when offline.
func TestNoDrainWhileOffline(t *testing.T) {
	engine := &fakeEngine{online: false}
	s := New(engine, 20*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := engine.drainCount(); n != 0 {
		t.Errorf("drains = %d while offline, want 0", n)
	}
}

// TestOnlineTransitionTriggersDrain verifies coming back online drains
// immediately, without waiting for the ticker.
func TestOnlineTransitionTriggersDrain(t *testing.T) {
	engine := &fakeEngine{online: false}
	s := New(engine, time.Hour) // ticker effectively disabled

	s.Start(context.Background())
	defer s.Stop()

	s.SetOnlineStatus(context.Background(), true)
	waitForDrains(t, engine, 1)

	// Online to online is not a transition; no extra drain.
	before := engine.drainCount()
	s.SetOnlineStatus(context.Background(), true)
	time.Sleep(50 * time.Millisecond)
	if engine.drainCount() != before {
		t.Error("repeated online signal triggered a drain")
	}
}

// TestTriggerSync verifies the manual trigger and its no-op while a pass
// is running.
func TestTriggerSync(t *testing.T) {
	engine := &fakeEngine{online: true}
	s := New(engine, time.Hour)

	s.Start(context.Background())
	defer s.Stop()

	if !s.TriggerSync(context.Background()) {
		t.Error("TriggerSync = false while idle, want true")
	}
	waitForDrains(t, engine, 1)

	engine.mu.Lock()
	engine.syncing = true
	engine.mu.Unlock()

	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync = true while syncing, want false")
	}
}

// TestStopIsIdempotent verifies double Start/Stop are safe.
func TestStopIsIdempotent(t *testing.T) {
	engine := &fakeEngine{online: true}
	s := New(engine, time.Hour)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("IsRunning = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
}
