// Package scheduler triggers drain passes: periodically while online, on
// an offline-to-online transition, and on explicit manual request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	syncpkg "github.com/kimhsiao/schooldesk/backend/internal/sync"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Drain(ctx context.Context) (*syncpkg.DrainResult, error)
	SetOnline(online bool)
	Online() bool
	Syncing() bool
}

// Scheduler owns the periodic drain loop.
type Scheduler struct {
	engine       Engine
	syncInterval time.Duration
	drainTimeout time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// DefaultDrainTimeout bounds one drain pass.
const DefaultDrainTimeout = 5 * time.Minute

// New creates a Scheduler. interval <= 0 defaults to 15 minutes.
func New(engine Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		engine:       engine,
		syncInterval: interval,
		drainTimeout: DefaultDrainTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the periodic loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started",
		map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
}

// Stop shuts the loop down and waits for any launched drain goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetOnlineStatus forwards a connectivity transition to the engine and
// kicks off an immediate drain when coming back online.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, online bool) {
	wasOnline := s.engine.Online()
	s.engine.SetOnline(online)

	if online && !wasOnline {
		logging.Info("Back online, draining queued mutations", nil)
		s.launchDrain(ctx)
	}
}

// TriggerSync requests an immediate drain. Returns false when a pass is
// already running; the trigger is dropped, never queued.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Syncing() {
		return false
	}
	s.launchDrain(ctx)
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.engine.Online() || s.engine.Syncing() {
				continue
			}
			s.launchDrain(ctx)
		}
	}
}

// launchDrain runs one bounded drain pass in its own goroutine, tracked
// by the scheduler's wait group so Stop is clean.
func (s *Scheduler) launchDrain(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		result, err := s.engine.Drain(drainCtx)
		if err != nil {
			if errors.Is(err, errors.ErrSyncInProgress) || errors.Is(err, errors.ErrSyncOffline) {
				logging.Debug("Drain skipped", map[string]interface{}{"reason": err.Error()})
				return
			}
			logging.ErrorWithCode("Drain pass failed", string(errors.ErrSyncFailed), err)
			return
		}

		if result.Synced > 0 || result.Failed > 0 || result.Conflicts > 0 {
			logging.Info("Scheduled drain completed",
				map[string]interface{}{
					"synced":    result.Synced,
					"conflicts": result.Conflicts,
					"failed":    result.Failed,
				})
		}
	}()
}
