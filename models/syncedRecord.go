package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncedRecord is the local copy of one remote entity, stored as an opaque
// payload keyed by (tenant, entity type, external id). The sync engine always
// classifies by external id, never positional order, which is what makes
// re-running a sync with the same cursor idempotent.
type SyncedRecord struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"uniqueIndex:idx_synced_record,priority:1;not null" json:"tenant_id"`
	EntityType     string     `gorm:"uniqueIndex:idx_synced_record,priority:2;size:50;not null" json:"entity_type"`
	ExternalId     string     `gorm:"uniqueIndex:idx_synced_record,priority:3;size:128;not null" json:"external_id"`
	ConnectionId   uint       `gorm:"index" json:"connection_id"`
	PayloadJSON    []byte     `gorm:"type:json" json:"payload"`
	RemoteVersion  string     `gorm:"size:64" json:"remote_version"`
	LocalUpdatedAt time.Time  `json:"local_updated_at"`
	LastSeenAt     *time.Time `json:"last_seen_at"`
	DeletedAt      *time.Time `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *SyncedRecord) IsDeleted() bool { return r.DeletedAt != nil }

func FindSyncedRecord(ctx context.Context, db *gorm.DB, tenantId, entityType, externalId string) (*SyncedRecord, error) {
	var rec SyncedRecord
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND external_id = ?", tenantId, entityType, externalId).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
