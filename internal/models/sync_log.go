// Package models provides data model definitions for SchoolDesk Core.
package models

import "time"

// SyncResult classifies the outcome of one remote-apply attempt.
type SyncResult string

const (
	SyncResultSuccess  SyncResult = "success"
	SyncResultFailed   SyncResult = "failed"
	SyncResultConflict SyncResult = "conflict"
)

// SyncLogEntry records the outcome of a drained mutation for user
// awareness. The log is an append-only bounded ring: the store trims the
// oldest entries past the configured cap on every append.
type SyncLogEntry struct {
	ID          UUID       `db:"id" json:"id"`
	ItemID      UUID       `db:"item_id" json:"item_id"`
	EntityTable string     `db:"entity_table" json:"entity_table"`
	Operation   Operation  `db:"operation" json:"operation"`
	Result      SyncResult `db:"result" json:"result"`
	Error       string     `db:"error" json:"error,omitempty"`
	Timestamp   int64      `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for SyncLogEntry.
func (SyncLogEntry) TableName() string {
	return "sync_log"
}

// Time returns the Timestamp as time.Time.
func (e *SyncLogEntry) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}
