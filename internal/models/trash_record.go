// Package models provides data model definitions for SchoolDesk Core.
package models

import (
	"encoding/json"
	"time"
)

// DefaultRetentionDays is the soft-delete recovery window.
const DefaultRetentionDays = 30

// TrashRecord represents a soft-deleted entity snapshot held for a fixed
// recovery window before permanent erasure.
type TrashRecord struct {
	ID            UUID            `db:"id" json:"id"`
	EntityTable   string          `db:"entity_table" json:"entity_table"`
	OriginalID    string          `db:"original_id" json:"original_id"`
	Data          json.RawMessage `db:"data" json:"data"` // snapshot at deletion time
	DeletedAt     int64           `db:"deleted_at" json:"deleted_at"`
	RetentionDays int             `db:"retention_days" json:"retention_days"`
}

// TableName returns the table name for TrashRecord.
func (TrashRecord) TableName() string {
	return "trash_records"
}

// DeletedAtTime returns the DeletedAt as time.Time.
func (t *TrashRecord) DeletedAtTime() time.Time {
	return time.Unix(t.DeletedAt, 0)
}

// DaysRemaining returns how many whole days of the retention window are
// left at the given instant. Monotonically decreasing; zero or negative
// means the record is eligible for purge.
func (t *TrashRecord) DaysRemaining(now time.Time) int {
	elapsed := now.Sub(t.DeletedAtTime())
	return t.RetentionDays - int(elapsed.Hours()/24)
}

// Expired reports whether the retention window has fully elapsed.
func (t *TrashRecord) Expired(now time.Time) bool {
	return t.DaysRemaining(now) <= 0
}
