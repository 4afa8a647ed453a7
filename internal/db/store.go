// Package db provides CRUD operations for the engine's object stores.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

// DefaultSyncLogCap bounds the sync log ring buffer.
const DefaultSyncLogCap = 1000

// Store provides transactional access to the four object stores. Each
// exported method is one read-modify-write transaction; cross-entity
// invariants are checked inside the transaction, not after.
type Store struct {
	db *DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt

	logCap int
}

// NewStore creates a new Store over an opened database.
func NewStore(db *DB, logCap int) *Store {
	if logCap <= 0 {
		logCap = DefaultSyncLogCap
	}
	return &Store{db: db, logCap: logCap}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use the existing one.
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// wrapWriteError maps local-store exhaustion to the quota error class so
// callers can surface it without losing the queued mutation.
func wrapWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "out of memory") {
		return apperrors.NewQuotaError(err)
	}
	return err
}

// =====================================================
// Mutation Queue Operations
// =====================================================

const mutationColumns = `id, entity_table, operation, payload, created_at, retry_count, max_retries, status, priority, last_error`

func scanMutation(row interface{ Scan(...interface{}) error }) (*models.MutationRecord, error) {
	var m models.MutationRecord
	var payload string
	err := row.Scan(&m.ID, &m.EntityTable, &m.Operation, &payload, &m.CreatedAt,
		&m.RetryCount, &m.MaxRetries, &m.Status, &m.Priority, &m.LastError)
	if err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	return &m, nil
}

// EnqueueMutation persists a new mutation in Pending state. For a Delete it
// first scans un-synced mutations for a Pending Create of the same entity
// inside the same transaction: if one exists the pair collapses to a no-op
// (the entity never existed remotely) and the Create is removed instead.
// Returns collapsed=true in that case; the mutation itself is not stored.
func (s *Store) EnqueueMutation(m *models.MutationRecord) (collapsed bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, wrapWriteError(err)
	}
	defer tx.Rollback()

	if m.Operation == models.OperationDelete {
		payload, derr := m.DecodePayload()
		if derr != nil {
			return false, fmt.Errorf("invalid delete payload: %w", derr)
		}

		rows, qerr := tx.Query(
			`SELECT `+mutationColumns+` FROM mutation_queue
			 WHERE entity_table = ? AND operation = 'create' AND status = 'pending'`,
			m.EntityTable)
		if qerr != nil {
			return false, qerr
		}

		var pendingCreateID models.UUID
		for rows.Next() {
			candidate, serr := scanMutation(rows)
			if serr != nil {
				rows.Close()
				return false, serr
			}
			cp, perr := candidate.DecodePayload()
			if perr != nil {
				continue
			}
			if cp.EntityID == payload.EntityID {
				pendingCreateID = candidate.ID
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}

		if pendingCreateID != "" {
			if _, derr := tx.Exec(`DELETE FROM mutation_queue WHERE id = ?`, pendingCreateID); derr != nil {
				return false, derr
			}
			return true, tx.Commit()
		}
	}

	_, err = tx.Exec(
		`INSERT INTO mutation_queue (`+mutationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityTable, m.Operation, string(m.Payload), m.CreatedAt,
		m.RetryCount, m.MaxRetries, m.Status, m.Priority, m.LastError)
	if err != nil {
		return false, wrapWriteError(err)
	}

	return false, wrapWriteError(tx.Commit())
}

// GetMutation retrieves a mutation by ID.
func (s *Store) GetMutation(id models.UUID) (*models.MutationRecord, error) {
	stmt, err := s.PrepareStmt(`SELECT ` + mutationColumns + ` FROM mutation_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanMutation(stmt.QueryRow(id))
}

// NextMutation selects the drain candidate: the Pending mutation with the
// highest priority, ties broken by earliest creation time (FIFO). The rowid
// settles same-instant ties in insertion order; uuids carry no order.
// Returns nil when the queue has nothing ready.
func (s *Store) NextMutation() (*models.MutationRecord, error) {
	stmt, err := s.PrepareStmt(
		`SELECT ` + mutationColumns + ` FROM mutation_queue
		 WHERE status = 'pending'
		 ORDER BY priority DESC, created_at ASC, rowid ASC
		 LIMIT 1`)
	if err != nil {
		return nil, err
	}

	m, err := scanMutation(stmt.QueryRow())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// SetMutationStatus transitions a mutation to a new status, enforcing the
// transition table inside the transaction. Illegal moves are rejected.
func (s *Store) SetMutationStatus(id models.UUID, to models.MutationStatus, lastError string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.MutationStatus
	err = tx.QueryRow(`SELECT status FROM mutation_queue WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation not found: %s", id))
	}
	if err != nil {
		return err
	}

	if !models.CanTransition(current, to) {
		return apperrors.New(apperrors.ErrIllegalTransition,
			fmt.Sprintf("illegal status transition %s -> %s for %s", current, to, id))
	}

	// An empty lastError leaves the previously recorded error in place.
	if lastError != "" {
		_, err = tx.Exec(
			`UPDATE mutation_queue SET status = ?, last_error = ? WHERE id = ?`,
			to, lastError, id)
	} else {
		_, err = tx.Exec(
			`UPDATE mutation_queue SET status = ? WHERE id = ?`, to, id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// IncrementMutationRetry bumps the retry counter and returns the new count.
func (s *Store) IncrementMutationRetry(id models.UUID, lastError string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRow(`SELECT retry_count FROM mutation_queue WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation not found: %s", id))
	}
	if err != nil {
		return 0, err
	}

	count++
	if _, err := tx.Exec(
		`UPDATE mutation_queue SET retry_count = ?, last_error = ? WHERE id = ?`,
		count, lastError, id); err != nil {
		return 0, err
	}

	return count, tx.Commit()
}

// CompleteMutation settles a successful mutation: the transition check and
// the row removal run in one transaction, so a crash can never strand a row
// in the absorbing success state. The sync log retains the history.
func (s *Store) CompleteMutation(id models.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.MutationStatus
	err = tx.QueryRow(`SELECT status FROM mutation_queue WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation not found: %s", id))
	}
	if err != nil {
		return err
	}

	if !models.CanTransition(current, models.MutationStatusSuccess) {
		return apperrors.New(apperrors.ErrIllegalTransition,
			fmt.Sprintf("illegal status transition %s -> %s for %s", current, models.MutationStatusSuccess, id))
	}

	if _, err := tx.Exec(`DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteMutation removes a mutation row. Used when a mutation completes
// (the sync log retains its history) or is discarded after a conflict.
func (s *Store) DeleteMutation(id models.UUID) error {
	result, err := s.db.Exec(`DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation not found: %s", id))
	}
	return nil
}

// ResetSyncingMutations returns every in-flight mutation to Pending. Run at
// startup: a crash mid-apply means "in-flight, unknown outcome", never
// assumed successful.
func (s *Store) ResetSyncingMutations() (int, error) {
	result, err := s.db.Exec(`UPDATE mutation_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// ResetFailedMutations returns terminal-failed mutations to Pending with a
// fresh retry budget (manual retry-all).
func (s *Store) ResetFailedMutations() (int, error) {
	result, err := s.db.Exec(
		`UPDATE mutation_queue SET status = 'pending', retry_count = 0, last_error = '' WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// ListMutationsByStatus returns mutations in drain order for a status.
func (s *Store) ListMutationsByStatus(status models.MutationStatus) ([]*models.MutationRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+mutationColumns+` FROM mutation_queue
		 WHERE status = ? ORDER BY priority DESC, created_at ASC, rowid ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mutations []*models.MutationRecord
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// QueueStats recomputes queue counts from the store. Derived counts are
// never cached in memory: other contexts share the same database.
func (s *Store) QueueStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM mutation_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		"total":   0,
		"pending": 0,
		"syncing": 0,
		"failed":  0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// =====================================================
// Cache Operations
// =====================================================

// PutCacheEntry upserts a cache entry.
func (s *Store) PutCacheEntry(e *models.CacheEntry) error {
	stmt, err := s.PrepareStmt(
		`INSERT INTO cache_entries (key, entity_table, data, timestamp, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			entity_table = excluded.entity_table,
			data = excluded.data,
			timestamp = excluded.timestamp,
			expires_at = excluded.expires_at`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(e.Key, e.Table, string(e.Data), e.Timestamp, e.ExpiresAt)
	return wrapWriteError(err)
}

// GetCacheEntry retrieves a cache entry by key.
func (s *Store) GetCacheEntry(key string) (*models.CacheEntry, error) {
	stmt, err := s.PrepareStmt(
		`SELECT key, entity_table, data, timestamp, expires_at FROM cache_entries WHERE key = ?`)
	if err != nil {
		return nil, err
	}

	var e models.CacheEntry
	var data string
	err = stmt.QueryRow(key).Scan(&e.Key, &e.Table, &data, &e.Timestamp, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	return &e, nil
}

// DeleteCacheEntry removes a single cache entry.
func (s *Store) DeleteCacheEntry(key string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// InvalidateCacheTable removes every entry for a logical table.
func (s *Store) InvalidateCacheTable(table string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE entity_table = ?`, table)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// PruneExpiredCache removes every entry past its expiry.
func (s *Store) PruneExpiredCache(now time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// CountCacheEntries returns the number of cached entries.
func (s *Store) CountCacheEntries() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	return count, err
}

// =====================================================
// Trash Operations
// =====================================================

const trashColumns = `id, entity_table, original_id, data, deleted_at, retention_days`

func scanTrash(row interface{ Scan(...interface{}) error }) (*models.TrashRecord, error) {
	var r models.TrashRecord
	var data string
	err := row.Scan(&r.ID, &r.EntityTable, &r.OriginalID, &data, &r.DeletedAt, &r.RetentionDays)
	if err != nil {
		return nil, err
	}
	r.Data = []byte(data)
	return &r, nil
}

// InsertTrashRecord stores a soft-delete snapshot.
func (s *Store) InsertTrashRecord(r *models.TrashRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO trash_records (`+trashColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.EntityTable, r.OriginalID, string(r.Data), r.DeletedAt, r.RetentionDays)
	return wrapWriteError(err)
}

// GetTrashRecord retrieves a trash record by ID.
func (s *Store) GetTrashRecord(id models.UUID) (*models.TrashRecord, error) {
	return scanTrash(s.db.QueryRow(
		`SELECT `+trashColumns+` FROM trash_records WHERE id = ?`, id))
}

// FindTrashByOriginal retrieves a trash record by its live identity.
func (s *Store) FindTrashByOriginal(table, originalID string) (*models.TrashRecord, error) {
	return scanTrash(s.db.QueryRow(
		`SELECT `+trashColumns+` FROM trash_records WHERE entity_table = ? AND original_id = ?`,
		table, originalID))
}

// DeleteTrashRecord removes a trash record (restore or permanent delete).
func (s *Store) DeleteTrashRecord(id models.UUID) error {
	result, err := s.db.Exec(`DELETE FROM trash_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrTrashNotFound, fmt.Sprintf("trash record not found: %s", id))
	}
	return nil
}

// ListTrashRecords returns all trash records, most recently deleted first.
func (s *Store) ListTrashRecords() ([]*models.TrashRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + trashColumns + ` FROM trash_records ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.TrashRecord
	for rows.Next() {
		r, err := scanTrash(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListExpiredTrash returns records whose retention window has elapsed.
func (s *Store) ListExpiredTrash(now time.Time) ([]*models.TrashRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+trashColumns+` FROM trash_records
		 WHERE deleted_at + retention_days * 86400 <= ?
		 ORDER BY deleted_at ASC`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.TrashRecord
	for rows.Next() {
		r, err := scanTrash(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =====================================================
// Sync Log Operations
// =====================================================

// AppendSyncLog appends a log entry and trims the ring past its cap.
func (s *Store) AppendSyncLog(e *models.SyncLogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if e.ID == "" {
		e.ID = models.UUID(uuid.New())
	}

	if _, err := tx.Exec(
		`INSERT INTO sync_log (id, item_id, entity_table, operation, result, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ItemID, e.EntityTable, e.Operation, e.Result, e.Error, e.Timestamp); err != nil {
		return wrapWriteError(err)
	}

	if _, err := tx.Exec(
		`DELETE FROM sync_log WHERE id NOT IN (
			SELECT id FROM sync_log ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, s.logCap); err != nil {
		return err
	}

	return tx.Commit()
}

// ListSyncLog returns the newest entries up to limit.
func (s *Store) ListSyncLog(limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 || limit > s.logCap {
		limit = s.logCap
	}

	rows, err := s.db.Query(
		`SELECT id, item_id, entity_table, operation, result, error, timestamp
		 FROM sync_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.EntityTable, &e.Operation,
			&e.Result, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CountSyncLog returns the number of retained log entries.
func (s *Store) CountSyncLog() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_log`).Scan(&count)
	return count, err
}
