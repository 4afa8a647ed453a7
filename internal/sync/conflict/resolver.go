// Package conflict provides conflict detection and resolution for offline
// mutations. A conflict exists when the remote record changed after the
// local edit was made; the resolver decides per table whether the local
// write, the remote state, or a field-level merge wins.
package conflict

import (
	"strings"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
)

// Strategy selects how a detected conflict is settled.
type Strategy string

const (
	// StrategyLocalWins applies the local payload unconditionally.
	StrategyLocalWins Strategy = "local_wins"
	// StrategyServerWins discards the local mutation and keeps remote state.
	StrategyServerWins Strategy = "server_wins"
	// StrategyMerge keeps, field by field, whichever side changed later.
	StrategyMerge Strategy = "merge"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLocalWins, StrategyServerWins, StrategyMerge:
		return true
	}
	return false
}

// DefaultClockSkewTolerance bounds how far ahead of the local clock a
// remote timestamp may sit before it is flagged as suspect.
const DefaultClockSkewTolerance = 5 * time.Minute

// RemoteState is the remote record as reported alongside a conflict.
// FieldModifiedAt carries per-field modification times when the remote
// tracks them; fields without an entry fall back to ModifiedAt.
type RemoteState struct {
	Fields          map[string]interface{}
	ModifiedAt      int64
	FieldModifiedAt map[string]int64
}

// Action is what the sync engine should do with the mutation.
type Action string

const (
	// ActionApplyLocal re-applies the full local payload, overwriting remote.
	ActionApplyLocal Action = "apply_local"
	// ActionKeepRemote drops the local mutation; remote state stands.
	ActionKeepRemote Action = "keep_remote"
	// ActionApplyMerged applies only the merged field subset.
	ActionApplyMerged Action = "apply_merged"
	// ActionManualReview means the conflict could not be settled
	// automatically and must be surfaced, never silently dropped.
	ActionManualReview Action = "manual_review"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Action       Action
	Strategy     Strategy
	MergedFields map[string]interface{} // set only for ActionApplyMerged
	DetectedAt   int64
}

// Resolver settles conflicts using a per-table strategy with a fallback
// default.
type Resolver struct {
	strategies    map[string]Strategy
	defaultStrat  Strategy
	skewTolerance time.Duration
	now           func() time.Time
}

// NewResolver creates a Resolver. Unknown or empty defaults fall back to
// merge. strategies maps entity tables to overrides and may be nil.
func NewResolver(strategies map[string]Strategy, defaultStrategy Strategy) *Resolver {
	if !defaultStrategy.IsValid() {
		defaultStrategy = StrategyMerge
	}
	return &Resolver{
		strategies:    strategies,
		defaultStrat:  defaultStrategy,
		skewTolerance: DefaultClockSkewTolerance,
		now:           time.Now,
	}
}

// StrategyFor returns the strategy configured for a table.
func (r *Resolver) StrategyFor(table string) Strategy {
	if s, ok := r.strategies[table]; ok && s.IsValid() {
		return s
	}
	return r.defaultStrat
}

// Detect reports whether the remote record conflicts with a local edit
// made at baseTimestamp: a conflict exists iff the remote changed strictly
// after the local edit. Equal or earlier remote time is no conflict.
func (r *Resolver) Detect(baseTimestamp, remoteModifiedAt int64) bool {
	return remoteModifiedAt > baseTimestamp
}

// Resolve settles a conflict between a mutation and the remote state it
// collided with. A missing remote modification time is ambiguous and goes
// to manual review.
func (r *Resolver) Resolve(m *models.MutationRecord, remote *RemoteState) (*Resolution, error) {
	payload, err := m.DecodePayload()
	if err != nil {
		return nil, err
	}

	now := r.now()
	detectedAt := now.Unix()
	strategy := r.StrategyFor(m.EntityTable)

	if remote == nil || remote.ModifiedAt == 0 {
		logging.Warn("Conflict missing remote modification time, manual review required",
			map[string]interface{}{
				"mutation_id": m.ID.String(),
				"table":       m.EntityTable,
				"entity_id":   payload.EntityID,
			})
		return &Resolution{
			Action:     ActionManualReview,
			Strategy:   strategy,
			DetectedAt: detectedAt,
		}, nil
	}

	if skew := remote.ModifiedAt - now.Unix(); skew > int64(r.skewTolerance.Seconds()) {
		logging.Warn("Remote modification time ahead of local clock",
			map[string]interface{}{
				"mutation_id":  m.ID.String(),
				"table":        m.EntityTable,
				"skew_seconds": skew,
			})
	}

	logging.Info("Resolving conflict",
		map[string]interface{}{
			"mutation_id":        m.ID.String(),
			"table":              m.EntityTable,
			"entity_id":          payload.EntityID,
			"base_timestamp":     payload.BaseTimestamp,
			"remote_modified_at": remote.ModifiedAt,
			"strategy":           string(strategy),
		})

	switch strategy {
	case StrategyLocalWins:
		return &Resolution{
			Action:     ActionApplyLocal,
			Strategy:   strategy,
			DetectedAt: detectedAt,
		}, nil

	case StrategyServerWins:
		return &Resolution{
			Action:     ActionKeepRemote,
			Strategy:   strategy,
			DetectedAt: detectedAt,
		}, nil

	default: // merge
		merged := r.mergeFields(payload, m.CreatedAt, remote)
		return &Resolution{
			Action:       ActionApplyMerged,
			Strategy:     StrategyMerge,
			MergedFields: merged,
			DetectedAt:   detectedAt,
		}, nil
	}
}

// mergeFields returns the subset of the local payload that survives a
// field-by-field merge: a local field is kept only when its edit time is
// strictly newer than the remote field's modification time. Ties go to
// remote, and metadata fields always stay remote. Fields absent from the
// local payload are never touched, so they need no entry here.
func (r *Resolver) mergeFields(payload *models.MutationPayload, localEditedAt int64, remote *RemoteState) map[string]interface{} {
	merged := make(map[string]interface{})
	if localEditedAt == 0 {
		localEditedAt = payload.BaseTimestamp
	}

	for field, localValue := range payload.Fields {
		if isMetadataField(field) {
			continue
		}

		remoteTime := remote.ModifiedAt
		if t, ok := remote.FieldModifiedAt[field]; ok {
			remoteTime = t
		}

		if localEditedAt > remoteTime {
			merged[field] = localValue
		}
	}

	return merged
}

// isMetadataField reports whether a field is identity or bookkeeping data
// that the remote side owns: never merged from the local payload.
func isMetadataField(name string) bool {
	switch name {
	case "id", "created_at", "updated_at", "deleted_at":
		return true
	}
	return strings.HasSuffix(name, "_id")
}
