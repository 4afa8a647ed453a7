// Package retry provides the backoff scheduler that re-admits failed
// mutations to the queue. Timers are first-class handles so teardown and
// manual resets cancel them instead of leaking callbacks.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
)

// backoffTable holds the base delay per attempt, indexed by retryCount
// after increment. Attempts beyond the table clamp to the last entry.
var backoffTable = []time.Duration{
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	5000 * time.Millisecond,
	10000 * time.Millisecond,
	30000 * time.Millisecond,
}

// jitterFraction bounds the +/- jitter applied to each base delay.
const jitterFraction = 0.10

// Delay returns the base backoff for a given retry count (1-based, the
// count after increment). Counts below 1 are treated as 1.
func Delay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}

// Jitter spreads a delay by +/-10% so synchronized clients do not retry
// in lockstep.
func Jitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}

// Scheduler owns the pending retry timers, at most one per mutation.
type Scheduler struct {
	mu     sync.Mutex
	timers map[models.UUID]*timerEntry
	gen    uint64
	closed bool
}

// timerEntry tags a timer with a generation so a replaced timer's late
// firing cannot cancel its replacement.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[models.UUID]*timerEntry),
	}
}

// Schedule arranges for fn to run after the jittered delay for the given
// retry count. A previous timer for the same mutation is replaced. The
// returned cancel func is idempotent and safe after firing.
func (s *Scheduler) Schedule(id models.UUID, retryCount int, fn func()) func() {
	return s.ScheduleAfter(id, Jitter(Delay(retryCount)), fn)
}

// ScheduleAfter is Schedule with an explicit delay, used when the delay
// comes from outside the backoff table (e.g. a rate limiter's reset time).
func (s *Scheduler) ScheduleAfter(id models.UUID, delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}

	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		entry, ok := s.timers[id]
		fire := ok && entry.gen == gen && !s.closed
		if fire {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if fire {
			fn()
		}
	})
	s.timers[id] = &timerEntry{timer: timer, gen: gen}

	logging.Debug("Retry scheduled",
		map[string]interface{}{
			"mutation_id": id.String(),
			"delay_ms":    delay.Milliseconds(),
		})

	return func() { s.Cancel(id) }
}

// Cancel stops the pending timer for a mutation, if any. Reports whether
// a timer was actually cancelled.
func (s *Scheduler) Cancel(id models.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	return true
}

// CancelAll stops every pending timer. Returns how many were cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.timers)
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	return count
}

// Pending returns the number of timers currently armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels everything and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
