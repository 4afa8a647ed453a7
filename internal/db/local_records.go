// Package db local-record mirror: the live entities the portal works
// against while offline. The trash manager snapshots out of this store on
// soft-delete and reinstates into it on restore.
package db

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
)

// PutLocalRecord inserts or replaces a live entity mirror.
func (s *Store) PutLocalRecord(table, id string, data []byte) error {
	if table == "" || id == "" {
		return apperrors.New(apperrors.ErrValidation, "local record requires table and id")
	}
	_, err := s.db.Exec(
		`INSERT INTO local_records (entity_table, id, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_table, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, id, string(data), time.Now().Unix())
	return wrapWriteError(err)
}

// GetLocalRecord retrieves a live entity mirror.
func (s *Store) GetLocalRecord(table, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data FROM local_records WHERE entity_table = ? AND id = ?`,
		table, id).Scan(&data)
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// DeleteLocalRecord removes a live entity mirror.
func (s *Store) DeleteLocalRecord(table, id string) error {
	result, err := s.db.Exec(
		`DELETE FROM local_records WHERE entity_table = ? AND id = ?`, table, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("local record not found: %s/%s", table, id))
	}
	return nil
}

// LocalRecords adapts the local_records store to the trash manager's
// entity collaborator.
type LocalRecords struct {
	store *Store
}

// NewLocalRecords wraps a Store.
func NewLocalRecords(store *Store) *LocalRecords {
	return &LocalRecords{store: store}
}

// Snapshot returns the current state of a live entity.
func (l *LocalRecords) Snapshot(table, id string) ([]byte, error) {
	return l.store.GetLocalRecord(table, id)
}

// Remove takes the live entity out of circulation.
func (l *LocalRecords) Remove(table, id string) error {
	return l.store.DeleteLocalRecord(table, id)
}

// Reinstate puts a previously removed entity back from its snapshot.
func (l *LocalRecords) Reinstate(table, id string, data []byte) error {
	return l.store.PutLocalRecord(table, id, data)
}
