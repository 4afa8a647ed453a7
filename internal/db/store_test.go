// Package db tests for the durable object stores.
package db

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

// setupStore creates an in-memory store with schema applied.
func setupStore(t *testing.T) *Store {
	t.Helper()

	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	store := NewStore(database, 0)
	t.Cleanup(func() { store.Close() })
	return store
}

// makeMutation builds a pending mutation for tests.
func makeMutation(t *testing.T, table string, op models.Operation, entityID string, priority int) *models.MutationRecord {
	t.Helper()

	payload, err := json.Marshal(models.MutationPayload{
		EntityID:      entityID,
		Fields:        map[string]interface{}{"name": "test"},
		BaseTimestamp: 1700000000,
	})
	if err != nil {
		t.Fatalf("Marshal payload failed: %v", err)
	}

	return &models.MutationRecord{
		ID:          models.UUID(uuid.New()),
		EntityTable: table,
		Operation:   op,
		Payload:     payload,
		CreatedAt:   time.Now().Unix(),
		MaxRetries:  models.DefaultMaxRetries,
		Status:      models.MutationStatusPending,
		Priority:    priority,
	}
}

// =====================================================
// Mutation Queue Tests
// =====================================================

// TestStore_EnqueueMutation verifies persistence round-trip.
func TestStore_EnqueueMutation(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationCreate, "student-1", 0)
	collapsed, err := store.EnqueueMutation(m)
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if collapsed {
		t.Error("Create should never collapse")
	}

	got, err := store.GetMutation(m.ID)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}

	if got.EntityTable != "students" {
		t.Errorf("EntityTable = %q, want 'students'", got.EntityTable)
	}

	if got.Status != models.MutationStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
}

// TestStore_EnqueueMutation_deleteCollapsesCreate verifies that queuing a
// Delete for an entity with an un-synced Create removes both.
func TestStore_EnqueueMutation_deleteCollapsesCreate(t *testing.T) {
	store := setupStore(t)

	create := makeMutation(t, "students", models.OperationCreate, "student-1", 0)
	if _, err := store.EnqueueMutation(create); err != nil {
		t.Fatalf("EnqueueMutation(create) failed: %v", err)
	}

	del := makeMutation(t, "students", models.OperationDelete, "student-1", 0)
	collapsed, err := store.EnqueueMutation(del)
	if err != nil {
		t.Fatalf("EnqueueMutation(delete) failed: %v", err)
	}

	if !collapsed {
		t.Fatal("Expected delete to collapse against pending create")
	}

	stats, err := store.QueueStats()
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}

	if stats["total"] != 0 {
		t.Errorf("Queue total = %d, want 0 after collapse", stats["total"])
	}
}

// TestStore_EnqueueMutation_deleteDifferentEntity verifies no collapse for
// a different entity id in the same table.
func TestStore_EnqueueMutation_deleteDifferentEntity(t *testing.T) {
	store := setupStore(t)

	create := makeMutation(t, "students", models.OperationCreate, "student-1", 0)
	if _, err := store.EnqueueMutation(create); err != nil {
		t.Fatalf("EnqueueMutation(create) failed: %v", err)
	}

	del := makeMutation(t, "students", models.OperationDelete, "student-2", 0)
	collapsed, err := store.EnqueueMutation(del)
	if err != nil {
		t.Fatalf("EnqueueMutation(delete) failed: %v", err)
	}

	if collapsed {
		t.Error("Delete for a different entity should not collapse")
	}

	stats, _ := store.QueueStats()
	if stats["total"] != 2 {
		t.Errorf("Queue total = %d, want 2", stats["total"])
	}
}

// TestStore_NextMutation_priorityOrder verifies priority-descending drain
// with FIFO tie-break: priorities [5, 10, 1] drain as [10, 5, 1].
func TestStore_NextMutation_priorityOrder(t *testing.T) {
	store := setupStore(t)

	ids := make(map[int]models.UUID)
	for i, priority := range []int{5, 10, 1} {
		m := makeMutation(t, "students", models.OperationCreate, "student", priority)
		m.CreatedAt = int64(1700000000 + i)
		payload, _ := json.Marshal(models.MutationPayload{EntityID: m.ID.String()})
		m.Payload = payload
		if _, err := store.EnqueueMutation(m); err != nil {
			t.Fatalf("EnqueueMutation failed: %v", err)
		}
		ids[priority] = m.ID
	}

	for _, wantPriority := range []int{10, 5, 1} {
		next, err := store.NextMutation()
		if err != nil {
			t.Fatalf("NextMutation failed: %v", err)
		}
		if next == nil {
			t.Fatalf("NextMutation returned nil, want priority %d", wantPriority)
		}
		if next.ID != ids[wantPriority] {
			t.Errorf("Drained %s, want priority-%d item", next.ID, wantPriority)
		}
		if err := store.DeleteMutation(next.ID); err != nil {
			t.Fatalf("DeleteMutation failed: %v", err)
		}
	}

	next, err := store.NextMutation()
	if err != nil {
		t.Fatalf("NextMutation on empty queue failed: %v", err)
	}
	if next != nil {
		t.Errorf("NextMutation = %v, want nil on empty queue", next)
	}
}

// TestStore_NextMutation_fifoTieBreak verifies earliest createdAt wins at
// equal priority.
func TestStore_NextMutation_fifoTieBreak(t *testing.T) {
	store := setupStore(t)

	first := makeMutation(t, "classes", models.OperationCreate, "class-1", 3)
	first.CreatedAt = 1700000000
	second := makeMutation(t, "classes", models.OperationCreate, "class-2", 3)
	second.CreatedAt = 1700000100

	// Insert newest first to prove ordering comes from the store.
	if _, err := store.EnqueueMutation(second); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if _, err := store.EnqueueMutation(first); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	next, err := store.NextMutation()
	if err != nil {
		t.Fatalf("NextMutation failed: %v", err)
	}

	if next.ID != first.ID {
		t.Errorf("Drained %s, want earliest-created item %s", next.ID, first.ID)
	}
}

// TestStore_NextMutation_sameInstantTieBreak verifies insertion order wins
// when created_at ties exactly: second precision makes ties common, and the
// random ids must not decide.
func TestStore_NextMutation_sameInstantTieBreak(t *testing.T) {
	store := setupStore(t)

	var want []models.UUID
	for i := 0; i < 8; i++ {
		m := makeMutation(t, "attendance", models.OperationCreate, "a-"+string(rune('1'+i)), 3)
		m.CreatedAt = 1700000000
		if _, err := store.EnqueueMutation(m); err != nil {
			t.Fatalf("EnqueueMutation %d failed: %v", i, err)
		}
		want = append(want, m.ID)
	}

	for i, wantID := range want {
		next, err := store.NextMutation()
		if err != nil {
			t.Fatalf("NextMutation %d failed: %v", i, err)
		}
		if next == nil || next.ID != wantID {
			t.Fatalf("drain position %d = %v, want %s", i, next, wantID)
		}
		if err := store.DeleteMutation(next.ID); err != nil {
			t.Fatalf("DeleteMutation failed: %v", err)
		}
	}
}

// TestStore_CompleteMutation verifies completion removes the row in one
// step: a Syncing mutation is gone afterwards, never observable as Success.
func TestStore_CompleteMutation(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := store.SetMutationStatus(m.ID, models.MutationStatusSyncing, ""); err != nil {
		t.Fatalf("pending -> syncing failed: %v", err)
	}

	if err := store.CompleteMutation(m.ID); err != nil {
		t.Fatalf("CompleteMutation failed: %v", err)
	}

	if _, err := store.GetMutation(m.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetMutation after completion = %v, want NOT_FOUND", err)
	}
	stats, _ := store.QueueStats()
	if stats["total"] != 0 {
		t.Errorf("Queue total = %d after completion, want 0", stats["total"])
	}
}

// TestStore_CompleteMutation_illegal verifies the transition table still
// guards completion: a Pending row cannot be settled.
func TestStore_CompleteMutation_illegal(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	err := store.CompleteMutation(m.ID)
	if !apperrors.Is(err, apperrors.ErrIllegalTransition) {
		t.Errorf("pending completion error = %v, want ILLEGAL_STATUS_TRANSITION", err)
	}

	got, err := store.GetMutation(m.ID)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != models.MutationStatusPending {
		t.Errorf("Status = %s after rejected completion, want pending", got.Status)
	}
}

// TestStore_SetMutationStatus verifies the legal lifecycle.
func TestStore_SetMutationStatus(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	if err := store.SetMutationStatus(m.ID, models.MutationStatusSyncing, ""); err != nil {
		t.Fatalf("pending -> syncing failed: %v", err)
	}

	if err := store.SetMutationStatus(m.ID, models.MutationStatusPending, "net down"); err != nil {
		t.Fatalf("syncing -> pending failed: %v", err)
	}

	got, _ := store.GetMutation(m.ID)
	if got.LastError != "net down" {
		t.Errorf("LastError = %q, want 'net down'", got.LastError)
	}
}

// TestStore_SetMutationStatus_illegal verifies the transition table holds.
func TestStore_SetMutationStatus_illegal(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	err := store.SetMutationStatus(m.ID, models.MutationStatusSuccess, "")
	if !apperrors.Is(err, apperrors.ErrIllegalTransition) {
		t.Errorf("pending -> success error = %v, want ILLEGAL_STATUS_TRANSITION", err)
	}
}

// TestStore_SetMutationStatus_notFound verifies missing mutation handling.
func TestStore_SetMutationStatus_notFound(t *testing.T) {
	store := setupStore(t)

	err := store.SetMutationStatus(models.UUID(uuid.New()), models.MutationStatusSyncing, "")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// TestStore_IncrementMutationRetry verifies counter bumps.
func TestStore_IncrementMutationRetry(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := store.IncrementMutationRetry(m.ID, "timeout")
		if err != nil {
			t.Fatalf("IncrementMutationRetry failed: %v", err)
		}
		if count != want {
			t.Errorf("retry count = %d, want %d", count, want)
		}
	}
}

// TestStore_ResetSyncingMutations verifies crash recovery resets in-flight
// items to Pending.
func TestStore_ResetSyncingMutations(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := store.SetMutationStatus(m.ID, models.MutationStatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}

	reset, err := store.ResetSyncingMutations()
	if err != nil {
		t.Fatalf("ResetSyncingMutations failed: %v", err)
	}
	if reset != 1 {
		t.Errorf("reset = %d, want 1", reset)
	}

	got, _ := store.GetMutation(m.ID)
	if got.Status != models.MutationStatusPending {
		t.Errorf("Status = %q, want pending after recovery", got.Status)
	}
}

// TestStore_ResetFailedMutations verifies manual retry-all.
func TestStore_ResetFailedMutations(t *testing.T) {
	store := setupStore(t)

	m := makeMutation(t, "students", models.OperationUpdate, "student-1", 0)
	if _, err := store.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := store.SetMutationStatus(m.ID, models.MutationStatusSyncing, ""); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}
	if err := store.SetMutationStatus(m.ID, models.MutationStatusFailed, "validation"); err != nil {
		t.Fatalf("SetMutationStatus failed: %v", err)
	}

	reset, err := store.ResetFailedMutations()
	if err != nil {
		t.Fatalf("ResetFailedMutations failed: %v", err)
	}
	if reset != 1 {
		t.Errorf("reset = %d, want 1", reset)
	}

	got, _ := store.GetMutation(m.ID)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after reset", got.RetryCount)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty after reset", got.LastError)
	}
}

// =====================================================
// Cache Tests
// =====================================================

// TestStore_CacheRoundTrip verifies put/get.
func TestStore_CacheRoundTrip(t *testing.T) {
	store := setupStore(t)

	now := time.Now().Unix()
	entry := &models.CacheEntry{
		Key:       "students:list:page1",
		Table:     "students",
		Data:      json.RawMessage(`[{"id":"s1"}]`),
		Timestamp: now,
		ExpiresAt: now + 300,
	}

	if err := store.PutCacheEntry(entry); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}

	got, err := store.GetCacheEntry("students:list:page1")
	if err != nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}

	if got.Table != "students" {
		t.Errorf("Table = %q, want 'students'", got.Table)
	}

	if string(got.Data) != `[{"id":"s1"}]` {
		t.Errorf("Data = %s, want original snapshot", got.Data)
	}
}

// TestStore_InvalidateCacheTable verifies table-scoped invalidation leaves
// other tables untouched.
func TestStore_InvalidateCacheTable(t *testing.T) {
	store := setupStore(t)

	now := time.Now().Unix()
	entries := []*models.CacheEntry{
		{Key: "students:1", Table: "students", Data: json.RawMessage(`{}`), Timestamp: now, ExpiresAt: now + 60},
		{Key: "students:2", Table: "students", Data: json.RawMessage(`{}`), Timestamp: now, ExpiresAt: now + 60},
		{Key: "classes:1", Table: "classes", Data: json.RawMessage(`{}`), Timestamp: now, ExpiresAt: now + 60},
	}
	for _, e := range entries {
		if err := store.PutCacheEntry(e); err != nil {
			t.Fatalf("PutCacheEntry failed: %v", err)
		}
	}

	removed, err := store.InvalidateCacheTable("students")
	if err != nil {
		t.Fatalf("InvalidateCacheTable failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := store.GetCacheEntry("classes:1"); err != nil {
		t.Errorf("classes entry should survive, got: %v", err)
	}
}

// TestStore_PruneExpiredCache verifies expiry sweep.
func TestStore_PruneExpiredCache(t *testing.T) {
	store := setupStore(t)

	now := time.Now()
	fresh := &models.CacheEntry{Key: "a", Table: "students", Data: json.RawMessage(`{}`),
		Timestamp: now.Unix(), ExpiresAt: now.Unix() + 600}
	stale := &models.CacheEntry{Key: "b", Table: "students", Data: json.RawMessage(`{}`),
		Timestamp: now.Unix() - 600, ExpiresAt: now.Unix() - 10}

	if err := store.PutCacheEntry(fresh); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}
	if err := store.PutCacheEntry(stale); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}

	pruned, err := store.PruneExpiredCache(now)
	if err != nil {
		t.Fatalf("PruneExpiredCache failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	count, _ := store.CountCacheEntries()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

// =====================================================
// Trash Tests
// =====================================================

// TestStore_TrashRoundTrip verifies insert/get/find/delete.
func TestStore_TrashRoundTrip(t *testing.T) {
	store := setupStore(t)

	r := &models.TrashRecord{
		ID:            models.UUID(uuid.New()),
		EntityTable:   "students",
		OriginalID:    "student-1",
		Data:          json.RawMessage(`{"name":"Alice"}`),
		DeletedAt:     time.Now().Unix(),
		RetentionDays: 30,
	}

	if err := store.InsertTrashRecord(r); err != nil {
		t.Fatalf("InsertTrashRecord failed: %v", err)
	}

	found, err := store.FindTrashByOriginal("students", "student-1")
	if err != nil {
		t.Fatalf("FindTrashByOriginal failed: %v", err)
	}
	if found.ID != r.ID {
		t.Errorf("found.ID = %s, want %s", found.ID, r.ID)
	}

	if err := store.DeleteTrashRecord(r.ID); err != nil {
		t.Fatalf("DeleteTrashRecord failed: %v", err)
	}

	err = store.DeleteTrashRecord(r.ID)
	if !apperrors.Is(err, apperrors.ErrTrashNotFound) {
		t.Errorf("second delete error = %v, want TRASH_NOT_FOUND", err)
	}
}

// TestStore_ListExpiredTrash verifies retention-boundary selection.
func TestStore_ListExpiredTrash(t *testing.T) {
	store := setupStore(t)

	now := time.Now()
	expired := &models.TrashRecord{
		ID: models.UUID(uuid.New()), EntityTable: "students", OriginalID: "old",
		Data: json.RawMessage(`{}`), DeletedAt: now.Add(-31 * 24 * time.Hour).Unix(), RetentionDays: 30,
	}
	active := &models.TrashRecord{
		ID: models.UUID(uuid.New()), EntityTable: "students", OriginalID: "new",
		Data: json.RawMessage(`{}`), DeletedAt: now.Add(-5 * 24 * time.Hour).Unix(), RetentionDays: 30,
	}

	if err := store.InsertTrashRecord(expired); err != nil {
		t.Fatalf("InsertTrashRecord failed: %v", err)
	}
	if err := store.InsertTrashRecord(active); err != nil {
		t.Fatalf("InsertTrashRecord failed: %v", err)
	}

	list, err := store.ListExpiredTrash(now)
	if err != nil {
		t.Fatalf("ListExpiredTrash failed: %v", err)
	}

	if len(list) != 1 {
		t.Fatalf("expired count = %d, want 1", len(list))
	}

	if list[0].OriginalID != "old" {
		t.Errorf("expired record = %q, want 'old'", list[0].OriginalID)
	}
}

// =====================================================
// Sync Log Tests
// =====================================================

// TestStore_AppendSyncLog verifies append and newest-first listing.
func TestStore_AppendSyncLog(t *testing.T) {
	store := setupStore(t)

	for i := 0; i < 3; i++ {
		entry := &models.SyncLogEntry{
			ItemID:      models.UUID(uuid.New()),
			EntityTable: "students",
			Operation:   models.OperationUpdate,
			Result:      models.SyncResultSuccess,
			Timestamp:   int64(1700000000 + i),
		}
		if err := store.AppendSyncLog(entry); err != nil {
			t.Fatalf("AppendSyncLog failed: %v", err)
		}
	}

	entries, err := store.ListSyncLog(10)
	if err != nil {
		t.Fatalf("ListSyncLog failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	if entries[0].Timestamp != 1700000002 {
		t.Errorf("newest timestamp = %d, want 1700000002", entries[0].Timestamp)
	}
}

// TestStore_SyncLogRingBound verifies the ring buffer trims oldest entries.
func TestStore_SyncLogRingBound(t *testing.T) {
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	store := NewStore(database, 5)
	defer store.Close()

	for i := 0; i < 8; i++ {
		entry := &models.SyncLogEntry{
			ItemID:      models.UUID(uuid.New()),
			EntityTable: "attendance",
			Operation:   models.OperationCreate,
			Result:      models.SyncResultSuccess,
			Timestamp:   int64(1700000000 + i),
		}
		if err := store.AppendSyncLog(entry); err != nil {
			t.Fatalf("AppendSyncLog failed: %v", err)
		}
	}

	count, err := store.CountSyncLog()
	if err != nil {
		t.Fatalf("CountSyncLog failed: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5 (ring cap)", count)
	}

	entries, _ := store.ListSyncLog(10)
	if entries[len(entries)-1].Timestamp != 1700000003 {
		t.Errorf("oldest retained = %d, want 1700000003", entries[len(entries)-1].Timestamp)
	}
}
