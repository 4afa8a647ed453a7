// Package queue provides the durable mutation queue for offline writes.
// Every local write is recorded here first and returns immediately; the
// sync engine drains the queue in the background when connectivity allows.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/db"
	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/notify"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

// Queue is the persistent mutation queue. All state lives in the store;
// the queue survives restarts and crashes.
type Queue struct {
	store      *db.Store
	bus        *notify.Bus
	maxRetries int
	now        func() time.Time
}

// New creates a Queue over the given store. maxRetries <= 0 falls back to
// the default retry budget. bus may be nil.
func New(store *db.Store, bus *notify.Bus, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Queue{
		store:      store,
		bus:        bus,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// EnqueueOptions tune a single enqueue. The zero value is fine.
type EnqueueOptions struct {
	Priority   int
	MaxRetries int // 0 means the queue default
}

// Enqueue records an intended write and returns as soon as it is durable.
// A delete enqueued on top of an unsynced create collapses both: the
// returned record then reports the net no-op.
func (q *Queue) Enqueue(table string, op models.Operation, payload *models.MutationPayload, opts EnqueueOptions) (*models.MutationRecord, error) {
	if table == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "entity table is required")
	}
	if !op.IsValid() {
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("unknown operation: %s", op))
	}
	if payload == nil || payload.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "payload entity id is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "cannot encode payload", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	record := &models.MutationRecord{
		ID:          models.UUID(uuid.New()),
		EntityTable: table,
		Operation:   op,
		Payload:     raw,
		CreatedAt:   q.now().Unix(),
		RetryCount:  0,
		MaxRetries:  maxRetries,
		Status:      models.MutationStatusPending,
		Priority:    opts.Priority,
	}

	collapsed, err := q.store.EnqueueMutation(record)
	if err != nil {
		return nil, err
	}

	if collapsed {
		// The delete cancelled an unsynced create; nothing reaches the
		// remote and the caller sees the pair as already settled.
		record.Status = models.MutationStatusSuccess
		logging.Info("Delete collapsed unsynced create",
			map[string]interface{}{
				"table":     table,
				"entity_id": payload.EntityID,
			})
		return record, nil
	}

	q.publish(notify.EventMutationEnqueued, table, map[string]interface{}{
		"mutation_id": record.ID.String(),
		"operation":   string(op),
	})

	logging.Debug("Mutation enqueued",
		map[string]interface{}{
			"mutation_id": record.ID.String(),
			"table":       table,
			"operation":   string(op),
			"priority":    record.Priority,
		})

	return record, nil
}

// DequeueNext returns the next pending mutation in drain order: highest
// priority first, oldest first within a priority. Returns nil when the
// queue has nothing pending. The mutation stays Pending; the caller marks
// it Syncing when it actually starts work.
func (q *Queue) DequeueNext() (*models.MutationRecord, error) {
	return q.store.NextMutation()
}

// Get returns a mutation by id.
func (q *Queue) Get(id models.UUID) (*models.MutationRecord, error) {
	return q.store.GetMutation(id)
}

// MarkSyncing moves a mutation into flight.
func (q *Queue) MarkSyncing(id models.UUID) error {
	return q.store.SetMutationStatus(id, models.MutationStatusSyncing, "")
}

// MarkSuccess settles a mutation and drops it from the queue in one store
// transaction: a synced mutation has no further value, and no crash window
// may leave it behind in the success state.
func (q *Queue) MarkSuccess(id models.UUID) error {
	return q.store.CompleteMutation(id)
}

// BumpRetry records a retryable failure on an in-flight mutation: the
// error is stored and the retry count incremented, but the mutation stays
// Syncing until Readmit runs. The returned count is the attempt number
// just consumed.
func (q *Queue) BumpRetry(id models.UUID, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.IncrementMutationRetry(id, msg)
}

// Readmit returns an in-flight mutation to Pending so the next drain pass
// picks it up. The retry scheduler calls this when a backoff timer fires.
func (q *Queue) Readmit(id models.UUID) error {
	return q.store.SetMutationStatus(id, models.MutationStatusPending, "")
}

// Requeue is BumpRetry followed by an immediate Readmit, for failures
// that need no backoff delay.
func (q *Queue) Requeue(id models.UUID, cause error) (int, error) {
	count, err := q.BumpRetry(id, cause)
	if err != nil {
		return 0, err
	}
	if err := q.Readmit(id); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkFailed settles a mutation as terminally failed. It stays in the
// queue for inspection and manual retry.
func (q *Queue) MarkFailed(id models.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.SetMutationStatus(id, models.MutationStatusFailed, msg); err != nil {
		return err
	}
	q.publish(notify.EventMutationFailed, "", map[string]interface{}{
		"mutation_id": id.String(),
		"error":       msg,
	})
	return nil
}

// RecoverInFlight resets mutations stranded in Syncing by a crash back to
// Pending. Call once at startup before any draining begins.
func (q *Queue) RecoverInFlight() (int, error) {
	count, err := q.store.ResetSyncingMutations()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Warn("Recovered in-flight mutations after restart",
			map[string]interface{}{"count": count})
	}
	return count, nil
}

// RetryAll resets every terminally failed mutation to Pending with a fresh
// retry budget. Returns how many were reset.
func (q *Queue) RetryAll() (int, error) {
	count, err := q.store.ResetFailedMutations()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Reset failed mutations for retry",
			map[string]interface{}{"count": count})
	}
	return count, nil
}

// ListByStatus returns mutations in the given status, in drain order.
func (q *Queue) ListByStatus(status models.MutationStatus) ([]*models.MutationRecord, error) {
	return q.store.ListMutationsByStatus(status)
}

// Stats returns queue counts per status plus a total.
func (q *Queue) Stats() (map[string]int, error) {
	return q.store.QueueStats()
}

func (q *Queue) publish(kind, table string, data map[string]interface{}) {
	if q.bus != nil {
		q.bus.Publish(kind, table, data)
	}
}
