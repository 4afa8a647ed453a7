// Package trash provides the soft-delete lifecycle: snapshot on delete, a
// fixed retention window with restore, and permanent purge once the window
// elapses.
package trash

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/db"
	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/notify"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

// EntityStore is the live-record collaborator: the portal's local view of
// the remote data service. The manager snapshots entities out of it on
// soft-delete and reinstates them on restore.
type EntityStore interface {
	// Snapshot returns the current state of a live entity.
	Snapshot(table, id string) ([]byte, error)

	// Remove takes the live entity out of circulation.
	Remove(table, id string) error

	// Reinstate puts a previously removed entity back from its snapshot.
	Reinstate(table, id string, data []byte) error
}

// Manager drives the trash retention lifecycle.
type Manager struct {
	store         *db.Store
	entities      EntityStore
	bus           *notify.Bus
	retentionDays int
	now           func() time.Time
}

// NewManager creates a Manager. retentionDays <= 0 falls back to the
// default 30-day window. bus may be nil.
func NewManager(store *db.Store, entities EntityStore, bus *notify.Bus, retentionDays int) *Manager {
	if retentionDays <= 0 {
		retentionDays = models.DefaultRetentionDays
	}
	return &Manager{
		store:         store,
		entities:      entities,
		bus:           bus,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// SoftDelete snapshots a live entity into the trash and removes it from
// circulation. The snapshot is what Restore reinstates.
func (m *Manager) SoftDelete(table, id string) (*models.TrashRecord, error) {
	data, err := m.entities.Snapshot(table, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound,
			fmt.Sprintf("cannot snapshot %s/%s", table, id), err)
	}

	record := &models.TrashRecord{
		ID:            models.UUID(uuid.New()),
		EntityTable:   table,
		OriginalID:    id,
		Data:          data,
		DeletedAt:     m.now().Unix(),
		RetentionDays: m.retentionDays,
	}

	if err := m.store.InsertTrashRecord(record); err != nil {
		return nil, err
	}

	if err := m.entities.Remove(table, id); err != nil {
		// Keep the snapshot; the live removal can be retried by the caller.
		return nil, err
	}

	m.publish(notify.EventStorageChanged, table)

	logging.Info("Entity soft-deleted",
		map[string]interface{}{
			"table":          table,
			"original_id":    id,
			"retention_days": m.retentionDays,
		})

	return record, nil
}

// Restore reinstates the live entity from its snapshot and deletes the
// trash record. Restoring a purged (or never-deleted) record fails with a
// not-found error; it never resurrects silently.
func (m *Manager) Restore(id models.UUID) error {
	record, err := m.store.GetTrashRecord(id)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrTrashNotFound,
			fmt.Sprintf("trash record not found: %s (already purged?)", id))
	}
	if err != nil {
		return err
	}

	if err := m.entities.Reinstate(record.EntityTable, record.OriginalID, record.Data); err != nil {
		return err
	}

	if err := m.store.DeleteTrashRecord(id); err != nil {
		return err
	}

	m.publish(notify.EventStorageChanged, record.EntityTable)

	logging.Info("Entity restored from trash",
		map[string]interface{}{
			"table":       record.EntityTable,
			"original_id": record.OriginalID,
		})

	return nil
}

// PermanentDelete removes a trash record irreversibly. No further recovery
// is possible afterwards.
func (m *Manager) PermanentDelete(id models.UUID) error {
	record, err := m.store.GetTrashRecord(id)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrTrashNotFound,
			fmt.Sprintf("trash record not found: %s", id))
	}
	if err != nil {
		return err
	}

	if err := m.store.DeleteTrashRecord(id); err != nil {
		return err
	}

	logging.Info("Trash record permanently deleted",
		map[string]interface{}{
			"table":       record.EntityTable,
			"original_id": record.OriginalID,
		})

	return nil
}

// List returns all trash records with their remaining days, newest first.
func (m *Manager) List() ([]*models.TrashRecord, error) {
	return m.store.ListTrashRecords()
}

// BulkResult reports a partial outcome: bulk operations are not
// all-or-nothing.
type BulkResult struct {
	Succeeded []models.UUID
	Failed    []BulkFailure
}

// BulkFailure names the record an operation gave up on and why.
type BulkFailure struct {
	ID    models.UUID
	Table string
	Err   error
}

// EntityRef names a live entity by table and id. Live entities have no
// trash record yet, so bulk soft-delete addresses them this way.
type EntityRef struct {
	Table string
	ID    string
}

// SoftDeleteBulk soft-deletes live entities grouped by table, with the same
// abort semantics as RestoreBulk: within a group processing is sequential
// and stops at the first failure; other groups still run. Succeeded carries
// the ids of the trash records created.
func (m *Manager) SoftDeleteBulk(refs []EntityRef) *BulkResult {
	result := &BulkResult{}

	groups := make(map[string][]string)
	var order []string
	for _, ref := range refs {
		if _, seen := groups[ref.Table]; !seen {
			order = append(order, ref.Table)
		}
		groups[ref.Table] = append(groups[ref.Table], ref.ID)
	}

	for _, table := range order {
		aborted := false
		var abortErr error
		for _, id := range groups[table] {
			if aborted {
				result.Failed = append(result.Failed, BulkFailure{
					ID: models.UUID(id), Table: table,
					Err: fmt.Errorf("group %q aborted: %w", table, abortErr),
				})
				continue
			}
			record, err := m.SoftDelete(table, id)
			if err != nil {
				aborted = true
				abortErr = err
				result.Failed = append(result.Failed, BulkFailure{ID: models.UUID(id), Table: table, Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, record.ID)
		}
	}

	return result
}

// RestoreBulk restores records grouped by entity table. Within a group the
// records are processed sequentially and the group aborts on its first
// failure; other groups still run.
func (m *Manager) RestoreBulk(ids []models.UUID) *BulkResult {
	return m.bulkApply(ids, m.Restore)
}

// PermanentDeleteBulk permanently deletes records with the same grouping
// and abort semantics as RestoreBulk.
func (m *Manager) PermanentDeleteBulk(ids []models.UUID) *BulkResult {
	return m.bulkApply(ids, m.PermanentDelete)
}

// bulkApply groups the records by table, applies op sequentially inside a
// group, aborts the group on first failure and reports the rest of that
// group as failed.
func (m *Manager) bulkApply(ids []models.UUID, op func(models.UUID) error) *BulkResult {
	result := &BulkResult{}

	// Group by entity table, preserving input order within each group.
	groups := make(map[string][]models.UUID)
	var order []string
	for _, id := range ids {
		record, err := m.store.GetTrashRecord(id)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Err: apperrors.New(
				apperrors.ErrTrashNotFound, fmt.Sprintf("trash record not found: %s", id))})
			continue
		}
		if _, seen := groups[record.EntityTable]; !seen {
			order = append(order, record.EntityTable)
		}
		groups[record.EntityTable] = append(groups[record.EntityTable], id)
	}

	for _, table := range order {
		aborted := false
		var abortErr error
		for _, id := range groups[table] {
			if aborted {
				result.Failed = append(result.Failed, BulkFailure{
					ID: id, Table: table,
					Err: fmt.Errorf("group %q aborted: %w", table, abortErr),
				})
				continue
			}
			if err := op(id); err != nil {
				aborted = true
				abortErr = err
				result.Failed = append(result.Failed, BulkFailure{ID: id, Table: table, Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, id)
		}
	}

	return result
}

// Sweep purges every record whose retention window has elapsed. Returns the
// number of records purged.
func (m *Manager) Sweep() (int, error) {
	expired, err := m.store.ListExpiredTrash(m.now())
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, record := range expired {
		if err := m.store.DeleteTrashRecord(record.ID); err != nil {
			logging.Error("Failed to purge expired trash record", err,
				map[string]interface{}{"id": record.ID.String()})
			continue
		}
		purged++
	}

	if purged > 0 {
		m.publish(notify.EventTrashSwept, "")
		logging.Info("Trash sweep purged expired records",
			map[string]interface{}{"purged": purged})
	}

	return purged, nil
}

// StartSweepLoop runs periodic sweeps until the context is done.
func (m *Manager) StartSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(); err != nil {
				logging.Error("Trash sweep failed", err)
			}
		}
	}
}

func (m *Manager) publish(kind, table string) {
	if m.bus != nil {
		m.bus.Publish(kind, table, nil)
	}
}
