package trash

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/db"
	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
)

// fakeEntityStore is an in-memory live-record store for tests.
type fakeEntityStore struct {
	entities   map[string][]byte // keyed by table + "/" + id
	failRemove bool
	failReinst map[string]bool
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{
		entities:   make(map[string][]byte),
		failReinst: make(map[string]bool),
	}
}

func (f *fakeEntityStore) key(table, id string) string { return table + "/" + id }

func (f *fakeEntityStore) put(table, id string, fields map[string]interface{}) {
	data, _ := json.Marshal(fields)
	f.entities[f.key(table, id)] = data
}

func (f *fakeEntityStore) Snapshot(table, id string) ([]byte, error) {
	data, ok := f.entities[f.key(table, id)]
	if !ok {
		return nil, fmt.Errorf("no such entity: %s/%s", table, id)
	}
	return data, nil
}

func (f *fakeEntityStore) Remove(table, id string) error {
	if f.failRemove {
		return errors.New("remove failed")
	}
	delete(f.entities, f.key(table, id))
	return nil
}

func (f *fakeEntityStore) Reinstate(table, id string, data []byte) error {
	if f.failReinst[f.key(table, id)] {
		return errors.New("reinstate failed")
	}
	f.entities[f.key(table, id)] = data
	return nil
}

func setupManager(t *testing.T, retentionDays int) (*Manager, *fakeEntityStore) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	store := db.NewStore(database, 0)
	entities := newFakeEntityStore()
	return NewManager(store, entities, nil, retentionDays), entities
}

// =====================================
// Soft-delete and restore
// =====================================

// TestSoftDeleteAndRestore verifies the full round trip: the entity leaves
// circulation on soft-delete and comes back byte-for-byte on restore.
func TestSoftDeleteAndRestore(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "s-1", map[string]interface{}{"name": "Ada"})

	record, err := m.SoftDelete("students", "s-1")
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if record.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", record.RetentionDays)
	}
	if _, err := entities.Snapshot("students", "s-1"); err == nil {
		t.Error("entity still live after soft-delete")
	}

	if err := m.Restore(record.ID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	data, err := entities.Snapshot("students", "s-1")
	if err != nil {
		t.Fatalf("entity missing after restore: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("restored snapshot not valid JSON: %v", err)
	}
	if fields["name"] != "Ada" {
		t.Errorf("restored name = %v, want Ada", fields["name"])
	}
}

// TestSoftDeleteMissingEntity verifies soft-deleting a non-existent entity
// fails without creating a trash record.
func TestSoftDeleteMissingEntity(t *testing.T) {
	m, _ := setupManager(t, 30)

	if _, err := m.SoftDelete("students", "ghost"); err == nil {
		t.Fatal("expected error for missing entity")
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("trash contains %d records, want 0", len(records))
	}
}

// TestRestoreAfterPurge verifies that a purged record cannot be restored:
// the error is explicit, never a silent resurrection.
func TestRestoreAfterPurge(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "s-1", map[string]interface{}{"name": "Ada"})

	record, err := m.SoftDelete("students", "s-1")
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if err := m.PermanentDelete(record.ID); err != nil {
		t.Fatalf("PermanentDelete failed: %v", err)
	}

	err = m.Restore(record.ID)
	if err == nil {
		t.Fatal("expected error restoring purged record")
	}
	if !apperrors.Is(err, apperrors.ErrTrashNotFound) {
		t.Errorf("error code = %v, want ErrTrashNotFound", err)
	}
	if _, lookupErr := entities.Snapshot("students", "s-1"); lookupErr == nil {
		t.Error("entity resurrected after purge")
	}
}

// TestRestoreFailsKeepsRecord verifies a failed reinstate leaves the trash
// record in place for another attempt.
func TestRestoreFailsKeepsRecord(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "s-1", map[string]interface{}{"name": "Ada"})

	record, err := m.SoftDelete("students", "s-1")
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	entities.failReinst["students/s-1"] = true
	if err := m.Restore(record.ID); err == nil {
		t.Fatal("expected reinstate failure")
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("trash contains %d records after failed restore, want 1", len(records))
	}

	entities.failReinst["students/s-1"] = false
	if err := m.Restore(record.ID); err != nil {
		t.Errorf("retry Restore failed: %v", err)
	}
}

// =====================================
// Bulk operations
// =====================================

// TestBulkRestoreGroupAbort verifies that a failure inside one table group
// aborts the rest of that group while other groups still complete.
func TestBulkRestoreGroupAbort(t *testing.T) {
	m, entities := setupManager(t, 30)

	entities.put("students", "s-1", map[string]interface{}{"n": 1})
	entities.put("students", "s-2", map[string]interface{}{"n": 2})
	entities.put("students", "s-3", map[string]interface{}{"n": 3})
	entities.put("grades", "g-1", map[string]interface{}{"n": 4})

	var ids []models.UUID
	for _, pair := range [][2]string{
		{"students", "s-1"}, {"students", "s-2"}, {"students", "s-3"}, {"grades", "g-1"},
	} {
		record, err := m.SoftDelete(pair[0], pair[1])
		if err != nil {
			t.Fatalf("SoftDelete %s/%s failed: %v", pair[0], pair[1], err)
		}
		ids = append(ids, record.ID)
	}

	// Second student fails to reinstate; s-3 must be reported as aborted.
	entities.failReinst["students/s-2"] = true

	result := m.RestoreBulk(ids)
	if len(result.Succeeded) != 2 {
		t.Errorf("Succeeded = %d, want 2 (s-1 and g-1)", len(result.Succeeded))
	}
	if len(result.Failed) != 2 {
		t.Fatalf("Failed = %d, want 2 (s-2 and aborted s-3)", len(result.Failed))
	}
	if result.Failed[0].ID != ids[1] {
		t.Errorf("first failure = %s, want %s", result.Failed[0].ID, ids[1])
	}
	if result.Failed[1].ID != ids[2] {
		t.Errorf("aborted record = %s, want %s", result.Failed[1].ID, ids[2])
	}

	// The grades group was unaffected.
	if _, err := entities.Snapshot("grades", "g-1"); err != nil {
		t.Errorf("grades group did not complete: %v", err)
	}
}

// TestBulkSoftDeleteGroupAbort verifies bulk soft-delete carries the same
// group semantics: a failure inside one table group aborts the rest of that
// group while other groups still complete, and Succeeded reports the trash
// records created.
func TestBulkSoftDeleteGroupAbort(t *testing.T) {
	m, entities := setupManager(t, 30)

	entities.put("students", "s-1", map[string]interface{}{"n": 1})
	// s-2 does not exist: its snapshot fails mid-group.
	entities.put("students", "s-3", map[string]interface{}{"n": 3})
	entities.put("grades", "g-1", map[string]interface{}{"n": 4})

	result := m.SoftDeleteBulk([]EntityRef{
		{Table: "students", ID: "s-1"},
		{Table: "students", ID: "s-2"},
		{Table: "students", ID: "s-3"},
		{Table: "grades", ID: "g-1"},
	})

	if len(result.Succeeded) != 2 {
		t.Errorf("Succeeded = %d, want 2 (s-1 and g-1)", len(result.Succeeded))
	}
	if len(result.Failed) != 2 {
		t.Fatalf("Failed = %d, want 2 (s-2 and aborted s-3)", len(result.Failed))
	}
	if result.Failed[0].ID != "s-2" || result.Failed[0].Table != "students" {
		t.Errorf("first failure = %s/%s, want students/s-2", result.Failed[0].Table, result.Failed[0].ID)
	}
	if result.Failed[1].ID != "s-3" {
		t.Errorf("aborted entity = %s, want s-3", result.Failed[1].ID)
	}

	// s-3 survived its group's abort; g-1 was trashed.
	if _, err := entities.Snapshot("students", "s-3"); err != nil {
		t.Errorf("aborted entity left circulation: %v", err)
	}
	if _, err := entities.Snapshot("grades", "g-1"); err == nil {
		t.Error("grades entity still live after bulk soft-delete")
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("trash contains %d records, want 2", len(records))
	}
	for _, id := range result.Succeeded {
		if _, err := m.store.GetTrashRecord(id); err != nil {
			t.Errorf("succeeded id %s has no trash record: %v", id, err)
		}
	}
}

// TestBulkUnknownID verifies unknown ids are reported as failed without
// aborting anything else.
func TestBulkUnknownID(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "s-1", map[string]interface{}{"n": 1})
	record, err := m.SoftDelete("students", "s-1")
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	result := m.PermanentDeleteBulk([]models.UUID{"no-such-id", record.ID})
	if len(result.Succeeded) != 1 || result.Succeeded[0] != record.ID {
		t.Errorf("Succeeded = %v, want [%s]", result.Succeeded, record.ID)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "no-such-id" {
		t.Errorf("Failed = %v, want the unknown id", result.Failed)
	}
}

// =====================================
// Retention and sweep
// =====================================

// TestDaysRemainingDecreases verifies DaysRemaining counts down as the
// clock moves, and Sweep purges only expired records.
func TestDaysRemainingDecreases(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "s-1", map[string]interface{}{"n": 1})

	base := time.Now()
	m.now = func() time.Time { return base }

	record, err := m.SoftDelete("students", "s-1")
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	if d := record.DaysRemaining(base); d != 30 {
		t.Errorf("DaysRemaining at deletion = %d, want 30", d)
	}
	if d := record.DaysRemaining(base.Add(10 * 24 * time.Hour)); d != 20 {
		t.Errorf("DaysRemaining after 10 days = %d, want 20", d)
	}
	if record.Expired(base.Add(29 * 24 * time.Hour)) {
		t.Error("record expired before the window elapsed")
	}
	if !record.Expired(base.Add(30 * 24 * time.Hour)) {
		t.Error("record not expired after the full window")
	}
}

// TestSweepPurgesExpired verifies the sweep removes expired records and
// leaves fresh ones alone.
func TestSweepPurgesExpired(t *testing.T) {
	m, entities := setupManager(t, 30)
	entities.put("students", "old", map[string]interface{}{"n": 1})
	entities.put("students", "new", map[string]interface{}{"n": 2})

	base := time.Now()

	// Old record deleted 31 days ago.
	m.now = func() time.Time { return base.Add(-31 * 24 * time.Hour) }
	oldRecord, err := m.SoftDelete("students", "old")
	if err != nil {
		t.Fatalf("SoftDelete old failed: %v", err)
	}

	// New record deleted just now.
	m.now = func() time.Time { return base }
	newRecord, err := m.SoftDelete("students", "new")
	if err != nil {
		t.Fatalf("SoftDelete new failed: %v", err)
	}

	purged, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Sweep purged %d, want 1", purged)
	}

	records, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != newRecord.ID {
		t.Errorf("surviving records = %v, want only %s", records, newRecord.ID)
	}

	if err := m.Restore(oldRecord.ID); !apperrors.Is(err, apperrors.ErrTrashNotFound) {
		t.Errorf("restoring swept record: error = %v, want ErrTrashNotFound", err)
	}
}
