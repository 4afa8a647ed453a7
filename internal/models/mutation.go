// Package models provides data model definitions for SchoolDesk Core.
package models

import (
	"encoding/json"
	"time"
)

// Operation represents the kind of write a mutation performs remotely.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MutationStatus represents the lifecycle state of a queued mutation.
type MutationStatus string

const (
	MutationStatusPending MutationStatus = "pending"
	MutationStatusSyncing MutationStatus = "syncing"
	MutationStatusSuccess MutationStatus = "success"
	MutationStatusFailed  MutationStatus = "failed"
)

// statusTransitions is the closed transition table for mutation statuses.
// Success and Failed are absorbing; Syncing may fall back to Pending on a
// retryable failure or a crash recovery.
var statusTransitions = map[MutationStatus][]MutationStatus{
	MutationStatusPending: {MutationStatusSyncing},
	MutationStatusSyncing: {MutationStatusSuccess, MutationStatusFailed, MutationStatusPending},
	MutationStatusSuccess: {},
	MutationStatusFailed:  {MutationStatusPending}, // manual retry reset
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to MutationStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultMaxRetries is the retry budget assigned to new mutations.
const DefaultMaxRetries = 5

// DefaultPriority is the priority assigned when the caller does not care.
const DefaultPriority = 0

// MutationRecord represents a durably queued intended write. The ID doubles
// as the idempotency key for the remote apply, so retries of the same
// mutation never create duplicate remote writes.
type MutationRecord struct {
	ID          UUID            `db:"id" json:"id"`
	EntityTable string          `db:"entity_table" json:"entity_table"` // students, classes, attendance, ...
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	Status      MutationStatus  `db:"status" json:"status"`
	Priority    int             `db:"priority" json:"priority"` // higher drains first
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for MutationRecord.
func (MutationRecord) TableName() string {
	return "mutation_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *MutationRecord) CreatedAtTime() time.Time {
	return time.Unix(m.CreatedAt, 0)
}

// RetriesExhausted reports whether the mutation has used its retry budget.
func (m *MutationRecord) RetriesExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// MutationPayload is the decoded shape of MutationRecord.Payload. Fields
// holds the values to write; BaseTimestamp carries the last-known remote
// modification time observed when the mutation was created (update/delete
// only) and drives conflict detection.
type MutationPayload struct {
	EntityID      string                 `json:"entity_id"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
	BaseTimestamp int64                  `json:"base_timestamp,omitempty"`
}

// DecodePayload unmarshals the raw payload document.
func (m *MutationRecord) DecodePayload() (*MutationPayload, error) {
	var p MutationPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
