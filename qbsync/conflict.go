package qbsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConflictPolicy controls how detected conflicts are handled. The default
// strategy applies when AutoResolve is set; otherwise every conflict is
// persisted pending for manual review.
type ConflictPolicy struct {
	AutoResolve     bool
	DefaultStrategy string
	// MergeFieldPrefs overrides the merge default per field: "local" keeps
	// the local value, "remote" takes the remote one.
	MergeFieldPrefs map[string]string
	// PreferRemoteNonNull makes merge take the remote value whenever it is
	// non-null, falling back to local otherwise.
	PreferRemoteNonNull bool
}

func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{
		AutoResolve:         true,
		DefaultStrategy:     models.ResolutionRemoteWins,
		PreferRemoteNonNull: true,
	}
}

// DetectedConflict is an in-memory conflict before persistence or
// auto-resolution.
type DetectedConflict struct {
	Type   string
	Fields []string
	Local  *LocalEntity
	Remote RemoteRecord
}

// DetectConflict compares the local copy against an incoming remote change.
// Returns nil when the change can be applied without losing local edits.
func DetectConflict(local *LocalEntity, remote RemoteRecord) *DetectedConflict {
	if local == nil {
		return nil
	}

	if !remote.Active {
		// Remote deletion against a locally modified record.
		if !local.Deleted && local.UpdatedAt.After(remote.UpdatedAt) {
			return &DetectedConflict{Type: models.ConflictTypeDeletionConflict, Local: local, Remote: remote}
		}
		return nil
	}

	if local.Deleted {
		// Record deleted locally but still alive and updated remotely.
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return &DetectedConflict{Type: models.ConflictTypeDeletionConflict, Local: local, Remote: remote}
		}
		return nil
	}

	localNewer := local.UpdatedAt.After(remote.UpdatedAt)
	sameInstant := local.UpdatedAt.Equal(remote.UpdatedAt)
	if !localNewer && !sameInstant {
		// Remote is strictly newer and both sides agree on ordering.
		return nil
	}

	diff := diffFields(local.Payload, remote.Fields)
	if sameInstant {
		if len(diff) == 0 {
			return nil
		}
		return &DetectedConflict{Type: models.ConflictTypeDataMismatch, Fields: diff, Local: local, Remote: remote}
	}

	// Local is strictly newer. The scalar diff narrows the conflict to
	// specific fields when it can; local edits may live in nested objects
	// the diff cannot see, so an empty diff is still a version conflict.
	conflictType := models.ConflictTypeVersionConflict
	if len(diff) > 0 && len(diff) < comparableFieldCount(remote.Fields) {
		conflictType = models.ConflictTypeFieldConflict
	}
	return &DetectedConflict{Type: conflictType, Fields: diff, Local: local, Remote: remote}
}

// diffFields returns the names of top-level scalar fields whose values
// disagree. Numeric values compare through decimal so "100" and 100.00 do
// not count as a difference.
func diffFields(localPayload []byte, remoteFields map[string]any) []string {
	var localFields map[string]any
	if err := json.Unmarshal(localPayload, &localFields); err != nil {
		localFields = map[string]any{}
	}

	var diff []string
	for name, remoteVal := range remoteFields {
		if name == "MetaData" || name == "SyncToken" {
			continue
		}
		if !scalar(remoteVal) {
			continue
		}
		localVal, exists := localFields[name]
		if !exists {
			continue
		}
		if !valuesEqual(localVal, remoteVal) {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

func comparableFieldCount(fields map[string]any) int {
	n := 0
	for name, v := range fields {
		if name == "MetaData" || name == "SyncToken" {
			continue
		}
		if scalar(v) {
			n++
		}
	}
	return n
}

func scalar(v any) bool {
	switch v.(type) {
	case string, float64, bool, nil:
		return true
	}
	return false
}

func valuesEqual(a, b any) bool {
	da, errA := decimal.NewFromString(fmt.Sprint(a))
	db, errB := decimal.NewFromString(fmt.Sprint(b))
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// ResolveDetected applies the policy to one detected conflict. It returns
// the payload to store locally, or nil when the record must be left alone
// (manual review pending, or local wins with no rewrite needed).
func ResolveDetected(conflict *DetectedConflict, policy ConflictPolicy) (strategy string, payload []byte, err error) {
	if !policy.AutoResolve {
		return models.ResolutionManual, nil, nil
	}
	strategy = policy.DefaultStrategy
	if strategy == "" {
		strategy = models.ResolutionRemoteWins
	}

	switch strategy {
	case models.ResolutionRemoteWins:
		return strategy, conflict.Remote.Raw, nil
	case models.ResolutionLocalWins:
		return strategy, nil, nil
	case models.ResolutionMerge:
		merged, err := mergeFields(conflict, policy)
		if err != nil {
			return strategy, nil, err
		}
		return strategy, merged, nil
	case models.ResolutionManual:
		return strategy, nil, nil
	default:
		return strategy, nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeFields builds the merged record field by field. Only the conflicting
// fields are decided; everything else keeps the local value.
func mergeFields(conflict *DetectedConflict, policy ConflictPolicy) ([]byte, error) {
	var merged map[string]any
	if err := json.Unmarshal(conflict.Local.Payload, &merged); err != nil {
		merged = map[string]any{}
	}
	for _, field := range conflict.Fields {
		remoteVal := conflict.Remote.Fields[field]
		pref := policy.MergeFieldPrefs[field]
		switch pref {
		case "local":
			continue
		case "remote":
			merged[field] = remoteVal
		default:
			if policy.PreferRemoteNonNull && remoteVal != nil {
				merged[field] = remoteVal
			}
		}
	}
	return json.Marshal(merged)
}

// PersistConflict stores a detected conflict for review. Both snapshots are
// captured so the reviewer sees exactly what disagreed at detection time.
func PersistConflict(ctx context.Context, db *gorm.DB, tenantId string, sessionId uint, entityType string, conflict *DetectedConflict) (*models.SyncConflict, error) {
	fieldsJSON, _ := json.Marshal(conflict.Fields)
	rec := models.SyncConflict{
		TenantId:           tenantId,
		SessionId:          sessionId,
		EntityType:         entityType,
		ExternalId:         conflict.Remote.ExternalId,
		ConflictType:       conflict.Type,
		ConflictingFields:  fieldsJSON,
		LocalSnapshotJSON:  conflict.Local.Payload,
		RemoteSnapshotJSON: conflict.Remote.Raw,
		Status:             models.ConflictStatusPending,
		Version:            1,
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyResolution executes a reviewer's decision on a pending conflict: it
// claims the conflict row via CAS, then rewrites the local record according
// to the chosen strategy. Returns false when another resolver won the race.
func ApplyResolution(ctx context.Context, db *gorm.DB, store LocalEntityStore, conflict *models.SyncConflict, expectedVersion int, strategy, resolvedBy string) (bool, error) {
	claimed, err := models.ResolveConflict(ctx, db, conflict.ID, expectedVersion, strategy, resolvedBy)
	if err != nil || !claimed {
		return claimed, err
	}

	remote, err := ParseRemoteRecord(conflict.RemoteSnapshotJSON)
	if err != nil {
		return true, fmt.Errorf("decoding remote snapshot: %w", err)
	}
	local := &LocalEntity{
		ExternalId: conflict.ExternalId,
		Payload:    conflict.LocalSnapshotJSON,
	}

	switch strategy {
	case models.ResolutionLocalWins:
		return true, nil
	case models.ResolutionRemoteWins:
		if !remote.Active {
			return true, store.SoftDelete(ctx, conflict.TenantId, conflict.EntityType, conflict.ExternalId)
		}
		return true, store.Update(ctx, conflict.TenantId, conflict.EntityType, conflict.ExternalId, remote.Raw, remote.UpdatedAt)
	case models.ResolutionMerge:
		var fields []string
		_ = json.Unmarshal(conflict.ConflictingFields, &fields)
		detected := &DetectedConflict{Type: conflict.ConflictType, Fields: fields, Local: local, Remote: remote}
		merged, err := mergeFields(detected, DefaultConflictPolicy())
		if err != nil {
			return true, err
		}
		return true, store.Update(ctx, conflict.TenantId, conflict.EntityType, conflict.ExternalId, merged, remote.UpdatedAt)
	default:
		return true, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}
