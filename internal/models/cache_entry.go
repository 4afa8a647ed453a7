// Package models provides data model definitions for SchoolDesk Core.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry represents a TTL-bounded cached read snapshot. Key is a
// table-plus-query descriptor chosen by the caller; Table ties the entry to
// the logical table so a successful write can invalidate every read that
// could now be stale.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Table     string          `db:"entity_table" json:"entity_table"`
	Data      json.RawMessage `db:"data" json:"data"`
	Timestamp int64           `db:"timestamp" json:"timestamp"`
	ExpiresAt int64           `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Fresh reports whether the entry is still servable at the given instant.
// A read at or past ExpiresAt is a miss, never a stale hit.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Unix() < e.ExpiresAt
}
