// Package sync provides the orchestrator that drains the offline mutation
// queue against the remote data service. One drain pass runs at a time;
// every mutation leaves the queue through a log entry explaining why.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/cache"
	"github.com/kimhsiao/schooldesk/backend/internal/db"
	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/notify"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/queue"
	"github.com/kimhsiao/schooldesk/backend/internal/sync/retry"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

// ApplyResult is the remote data service's answer to one apply call.
// Either the write landed (RemoteModifiedAt set), or the record changed
// remotely first (Conflict with the current RemoteState).
type ApplyResult struct {
	RemoteModifiedAt int64
	Conflict         bool
	RemoteState      *conflict.RemoteState
}

// RemoteStore is the remote data service. The idempotency key is the
// mutation id: delivery is at-least-once, so the remote must dedupe
// repeated applies of the same key.
type RemoteStore interface {
	Apply(ctx context.Context, table string, op models.Operation, idempotencyKey string, payload *models.MutationPayload) (*ApplyResult, error)
}

// RateLimiter gates remote calls per endpoint. A denial is treated as a
// retryable failure with the reset time as the retry delay.
type RateLimiter interface {
	IsAllowed(endpoint string) (allowed bool, resetAt time.Time)
}

// Notifier is the user-facing surface for outcomes that need attention.
// The engine only calls into it and never depends on what it does.
type Notifier interface {
	TerminalFailure(table, entityID string, err error)
	ConflictDetected(table, entityID string, action conflict.Action)
	SyncCompleted(synced, conflicts, failed int)
}

// Engine drains the mutation queue. All mutable state is behind mu; the
// syncing flag is the single-writer guard for a drain pass.
type Engine struct {
	queue    *queue.Queue
	store    *db.Store
	cache    *cache.Cache
	resolver *conflict.Resolver
	retries  *retry.Scheduler
	remote   RemoteStore
	limiter  RateLimiter
	notifier Notifier
	bus      *notify.Bus

	mu       stdsync.Mutex
	syncing  bool
	online   bool
	lastSync time.Time
	lastErr  error
}

// Options carries the optional collaborators.
type Options struct {
	Limiter  RateLimiter
	Notifier Notifier
	Bus      *notify.Bus
}

// NewEngine creates an Engine. The engine starts offline; call SetOnline
// once connectivity is known.
func NewEngine(q *queue.Queue, store *db.Store, c *cache.Cache, resolver *conflict.Resolver, remote RemoteStore, opts Options) *Engine {
	return &Engine{
		queue:    q,
		store:    store,
		cache:    c,
		resolver: resolver,
		retries:  retry.NewScheduler(),
		remote:   remote,
		limiter:  opts.Limiter,
		notifier: opts.Notifier,
		bus:      opts.Bus,
	}
}

// Recover resets mutations stranded in flight by a crash. Call once at
// startup before the first drain; a crash means "in-flight, unknown
// outcome", never assumed successful.
func (e *Engine) Recover() (int, error) {
	return e.queue.RecoverInFlight()
}

// SetOnline records a connectivity transition. Going offline stops the
// drain loop after the in-flight mutation settles; it does not interrupt
// the remote call.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if was != online {
		logging.Info("Connectivity changed",
			map[string]interface{}{"online": online})
	}
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Syncing reports whether a drain pass is in progress.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced    int
	Conflicts int
	Retried   int
	Failed    int
	StartTime time.Time
	Duration  time.Duration
}

// Drain processes pending mutations until the queue is empty, connectivity
// drops, or the context is cancelled. A second call while one pass runs is
// rejected with ErrSyncInProgress; triggers are never queued up.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	if !e.online {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncOffline, "cannot sync while offline")
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.publish(notify.EventSyncStarted, "", nil)
	result := &DrainResult{StartTime: time.Now()}

	for {
		select {
		case <-ctx.Done():
			e.finish(result, ctx.Err())
			return result, ctx.Err()
		default:
		}

		if !e.Online() {
			logging.Info("Connectivity lost mid-drain, stopping",
				map[string]interface{}{"synced": result.Synced})
			break
		}

		m, err := e.queue.DequeueNext()
		if err != nil {
			e.finish(result, err)
			return result, err
		}
		if m == nil {
			break
		}

		if err := e.queue.MarkSyncing(m.ID); err != nil {
			// Lost a race with another writer; skip and move on.
			logging.Warn("Could not mark mutation syncing",
				map[string]interface{}{"mutation_id": m.ID.String(), "error": err.Error()})
			continue
		}

		e.processOne(ctx, m, result)
	}

	e.finish(result, nil)

	if e.notifier != nil && (result.Synced > 0 || result.Failed > 0 || result.Conflicts > 0) {
		e.notifier.SyncCompleted(result.Synced, result.Conflicts, result.Failed)
	}

	return result, nil
}

// finish stamps the result and publishes the pass outcome.
func (e *Engine) finish(result *DrainResult, err error) {
	result.Duration = time.Since(result.StartTime)

	e.mu.Lock()
	e.lastErr = err
	if err == nil {
		e.lastSync = time.Now()
	}
	e.mu.Unlock()

	kind := notify.EventSyncCompleted
	if err != nil {
		kind = notify.EventSyncFailed
	}
	e.publish(kind, "", map[string]interface{}{
		"synced":    result.Synced,
		"conflicts": result.Conflicts,
		"retried":   result.Retried,
		"failed":    result.Failed,
	})

	logging.Info("Drain pass finished",
		map[string]interface{}{
			"synced":      result.Synced,
			"conflicts":   result.Conflicts,
			"retried":     result.Retried,
			"failed":      result.Failed,
			"duration_ms": result.Duration.Milliseconds(),
		})
}

// processOne applies a single in-flight mutation and settles its outcome.
func (e *Engine) processOne(ctx context.Context, m *models.MutationRecord, result *DrainResult) {
	payload, err := m.DecodePayload()
	if err != nil {
		e.settleTerminal(m, "", apperrors.NewValidationError("undecodable payload", err), result)
		return
	}

	if e.limiter != nil {
		if allowed, resetAt := e.limiter.IsAllowed(m.EntityTable); !allowed {
			e.settleRetryable(m, payload.EntityID,
				apperrors.NewRateLimitedError(time.Until(resetAt)), result)
			return
		}
	}

	applied, err := e.remote.Apply(ctx, m.EntityTable, m.Operation, m.ID.String(), payload)
	if err != nil {
		if apperrors.IsRetryable(err) {
			e.settleRetryable(m, payload.EntityID, err, result)
		} else {
			e.settleTerminal(m, payload.EntityID, err, result)
		}
		return
	}

	if applied.Conflict {
		e.settleConflict(ctx, m, payload, applied.RemoteState, result)
		return
	}

	e.settleSuccess(m, result)
}

// settleSuccess removes the mutation, invalidates the table's cache and
// writes the Success log entry.
func (e *Engine) settleSuccess(m *models.MutationRecord, result *DrainResult) {
	if err := e.queue.MarkSuccess(m.ID); err != nil {
		logging.Error("Could not settle successful mutation", err,
			map[string]interface{}{"mutation_id": m.ID.String()})
		return
	}

	if _, err := e.cache.InvalidateTable(m.EntityTable); err != nil {
		logging.Error("Cache invalidation failed", err,
			map[string]interface{}{"table": m.EntityTable})
	}

	e.appendLog(m, models.SyncResultSuccess, "")
	e.publish(notify.EventStorageChanged, m.EntityTable, nil)
	result.Synced++
}

// settleRetryable bumps the retry count and either schedules re-admission
// or, with the budget spent, settles terminally. The mutation stays
// Syncing until its timer fires; a crash in between recovers it to
// Pending at startup.
func (e *Engine) settleRetryable(m *models.MutationRecord, entityID string, cause error, result *DrainResult) {
	count, err := e.queue.BumpRetry(m.ID, cause)
	if err != nil {
		logging.Error("Could not record retryable failure", err,
			map[string]interface{}{"mutation_id": m.ID.String()})
		return
	}

	if count > m.MaxRetries {
		e.settleTerminal(m, entityID, cause, result)
		return
	}

	delay := apperrors.RetryAfter(cause)
	if delay <= 0 {
		delay = retry.Jitter(retry.Delay(count))
	}

	id := m.ID
	e.retries.ScheduleAfter(id, delay, func() {
		if err := e.queue.Readmit(id); err != nil {
			logging.Error("Could not readmit mutation for retry", err,
				map[string]interface{}{"mutation_id": id.String()})
		}
	})

	logging.Warn("Retryable failure, re-admission scheduled",
		map[string]interface{}{
			"mutation_id": m.ID.String(),
			"table":       m.EntityTable,
			"retry_count": count,
			"max_retries": m.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       cause.Error(),
		})
	result.Retried++
}

// settleTerminal marks the mutation Failed, logs it and surfaces it. A
// mutation is never discarded without a log entry explaining why.
func (e *Engine) settleTerminal(m *models.MutationRecord, entityID string, cause error, result *DrainResult) {
	if err := e.queue.MarkFailed(m.ID, cause); err != nil {
		logging.Error("Could not mark mutation failed", err,
			map[string]interface{}{"mutation_id": m.ID.String()})
	}

	e.appendLog(m, models.SyncResultFailed, cause.Error())

	logging.ErrorWithCode("Mutation failed terminally", string(apperrors.ErrSyncFailed), cause,
		map[string]interface{}{
			"mutation_id": m.ID.String(),
			"table":       m.EntityTable,
			"operation":   string(m.Operation),
		})

	if e.notifier != nil {
		e.notifier.TerminalFailure(m.EntityTable, entityID, cause)
	}
	result.Failed++
}

// settleConflict routes a conflicted mutation through the resolver and
// acts on its verdict.
func (e *Engine) settleConflict(ctx context.Context, m *models.MutationRecord, payload *models.MutationPayload, remote *conflict.RemoteState, result *DrainResult) {
	result.Conflicts++
	e.publish(notify.EventSyncConflict, m.EntityTable, map[string]interface{}{
		"mutation_id": m.ID.String(),
		"entity_id":   payload.EntityID,
	})

	resolution, err := e.resolver.Resolve(m, remote)
	if err != nil {
		e.settleTerminal(m, payload.EntityID, apperrors.NewValidationError("conflict resolution failed", err), result)
		return
	}

	if e.notifier != nil {
		e.notifier.ConflictDetected(m.EntityTable, payload.EntityID, resolution.Action)
	}

	switch resolution.Action {
	case conflict.ActionKeepRemote:
		e.discardConflicted(m, "remote state kept")

	case conflict.ActionManualReview:
		// Keep the mutation visible as Failed so a person can deal with
		// it; it is logged as Conflict, never silently dropped.
		if err := e.queue.MarkFailed(m.ID, apperrors.New(apperrors.ErrSyncConflict, "conflict needs manual review")); err != nil {
			logging.Error("Could not park conflicted mutation", err,
				map[string]interface{}{"mutation_id": m.ID.String()})
		}
		e.appendLog(m, models.SyncResultConflict, "manual review required")

	case conflict.ActionApplyLocal, conflict.ActionApplyMerged:
		reapply := *payload
		// The remote checks the base timestamp on every apply; re-sending
		// the stale base would just conflict again. Acknowledge the remote
		// state the resolver already weighed. ModifiedAt is non-zero here:
		// a zero remote time goes to manual review above.
		reapply.BaseTimestamp = remote.ModifiedAt
		if resolution.Action == conflict.ActionApplyMerged {
			if len(resolution.MergedFields) == 0 {
				// Every field lost the merge; nothing left to write.
				e.discardConflicted(m, "merge kept remote for all fields")
				return
			}
			reapply.Fields = resolution.MergedFields
		}

		applied, err := e.remote.Apply(ctx, m.EntityTable, m.Operation, m.ID.String(), &reapply)
		if err != nil {
			if apperrors.IsRetryable(err) {
				e.settleRetryable(m, payload.EntityID, err, result)
			} else {
				e.settleTerminal(m, payload.EntityID, err, result)
			}
			return
		}
		if applied.Conflict {
			// The record moved again under the resolver; do not loop.
			e.discardConflicted(m, "record changed again during resolution")
			return
		}
		e.settleSuccess(m, result)
	}
}

// discardConflicted drops a mutation the resolver decided against, with a
// Conflict log entry and a cache invalidation so reads see remote state.
func (e *Engine) discardConflicted(m *models.MutationRecord, reason string) {
	if err := e.store.DeleteMutation(m.ID); err != nil {
		logging.Error("Could not discard conflicted mutation", err,
			map[string]interface{}{"mutation_id": m.ID.String()})
	}

	if _, err := e.cache.InvalidateTable(m.EntityTable); err != nil {
		logging.Error("Cache invalidation failed", err,
			map[string]interface{}{"table": m.EntityTable})
	}

	e.appendLog(m, models.SyncResultConflict, reason)
	e.publish(notify.EventStorageChanged, m.EntityTable, nil)
}

// appendLog writes one sync log entry; failures are logged, never fatal.
func (e *Engine) appendLog(m *models.MutationRecord, result models.SyncResult, errMsg string) {
	entry := &models.SyncLogEntry{
		ID:          models.UUID(uuid.New()),
		ItemID:      m.ID,
		EntityTable: m.EntityTable,
		Operation:   m.Operation,
		Result:      result,
		Error:       errMsg,
		Timestamp:   time.Now().Unix(),
	}
	if err := e.store.AppendSyncLog(entry); err != nil {
		logging.Error("Could not append sync log entry", err,
			map[string]interface{}{"mutation_id": m.ID.String()})
	}
}

// Status is a point-in-time snapshot for the API surface.
type Status struct {
	Online     bool           `json:"online"`
	Syncing    bool           `json:"syncing"`
	LastSync   *time.Time     `json:"last_sync,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	QueueStats map[string]int `json:"queue_stats"`
}

// GetStatus reports the engine state with queue counts recomputed from
// the store, never from memory.
func (e *Engine) GetStatus() (*Status, error) {
	stats, err := e.queue.Stats()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	status := &Status{
		Online:     e.online,
		Syncing:    e.syncing,
		QueueStats: stats,
	}
	if !e.lastSync.IsZero() {
		t := e.lastSync
		status.LastSync = &t
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	return status, nil
}

// Close cancels all pending retry timers. In-flight work is not
// interrupted.
func (e *Engine) Close() {
	e.retries.Close()
}

func (e *Engine) publish(kind, table string, data map[string]interface{}) {
	if e.bus != nil {
		e.bus.Publish(kind, table, data)
	}
}
