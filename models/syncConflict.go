package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncConflict records a detected disagreement between the local and remote
// versions of one entity. Every conflict reaches a resolved state or remains
// visibly pending; nothing is silently discarded. Resolution uses an
// expected-version update so a reviewer and the auto-resolver cannot both win.
type SyncConflict struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	TenantId           string     `gorm:"index;not null" json:"tenant_id"`
	SessionId          uint       `gorm:"index" json:"session_id"`
	EntityType         string     `gorm:"size:50;not null" json:"entity_type"`
	ExternalId         string     `gorm:"size:128;not null" json:"external_id"`
	ConflictType       string     `gorm:"size:30;not null" json:"conflict_type"`
	ConflictingFields  []byte     `gorm:"type:json" json:"conflicting_fields"`
	LocalSnapshotJSON  []byte     `gorm:"type:json" json:"local_snapshot"`
	RemoteSnapshotJSON []byte     `gorm:"type:json" json:"remote_snapshot"`
	Status             string     `gorm:"index;size:20;not null" json:"status"`
	ResolutionStrategy string     `gorm:"size:20" json:"resolution_strategy"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	ResolvedBy         string     `gorm:"size:100" json:"resolved_by"`
	MetadataJSON       []byte     `gorm:"type:json" json:"metadata"`
	Version            int        `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveConflict marks the conflict resolved via CAS on Version. Returns
// false when another resolver (human or auto) already claimed it.
func ResolveConflict(ctx context.Context, db *gorm.DB, conflictId uint, expectedVersion int, strategy, resolvedBy string) (bool, error) {
	now := time.Now()
	res := db.WithContext(ctx).
		Model(&SyncConflict{}).
		Where("id = ? AND version = ? AND status = ?", conflictId, expectedVersion, ConflictStatusPending).
		Updates(map[string]interface{}{
			"status":              ConflictStatusResolved,
			"resolution_strategy": strategy,
			"resolved_at":         &now,
			"resolved_by":         resolvedBy,
			"version":             expectedVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func ListPendingConflicts(ctx context.Context, db *gorm.DB, tenantId string, entityType string, limit int) ([]SyncConflict, error) {
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, ConflictStatusPending)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var conflicts []SyncConflict
	err := q.Order("id asc").Limit(limit).Find(&conflicts).Error
	return conflicts, err
}
