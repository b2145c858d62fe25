package qbsync

import (
	"context"
	"time"

	"github.com/advisorhq/books_sync_backend/models"
	"gorm.io/gorm"
)

// LocalEntity is the store-agnostic view of one locally-held entity copy.
type LocalEntity struct {
	ExternalId string
	Payload    []byte
	UpdatedAt  time.Time
	Deleted    bool
}

// LocalEntityStore abstracts the local record store the engine diffs against.
// The production implementation is RecordStore; tests use an in-memory fake.
type LocalEntityStore interface {
	Find(ctx context.Context, tenantId, entityType, externalId string) (*LocalEntity, error)
	Create(ctx context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error
	Update(ctx context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error
	SoftDelete(ctx context.Context, tenantId, entityType, externalId string) error
}

// RecordStore persists local entity copies as models.SyncedRecord rows.
type RecordStore struct {
	DB           *gorm.DB
	ConnectionId uint
}

func (s *RecordStore) Find(ctx context.Context, tenantId, entityType, externalId string) (*LocalEntity, error) {
	rec, err := models.FindSyncedRecord(ctx, s.DB, tenantId, entityType, externalId)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &LocalEntity{
		ExternalId: rec.ExternalId,
		Payload:    rec.PayloadJSON,
		UpdatedAt:  rec.LocalUpdatedAt,
		Deleted:    rec.IsDeleted(),
	}, nil
}

func (s *RecordStore) Create(ctx context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error {
	now := time.Now()
	rec := models.SyncedRecord{
		TenantId:       tenantId,
		EntityType:     entityType,
		ExternalId:     externalId,
		ConnectionId:   s.ConnectionId,
		PayloadJSON:    payload,
		LocalUpdatedAt: remoteUpdatedAt,
		LastSeenAt:     &now,
	}
	return s.DB.WithContext(ctx).Create(&rec).Error
}

func (s *RecordStore) Update(ctx context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error {
	now := time.Now()
	return s.DB.WithContext(ctx).
		Model(&models.SyncedRecord{}).
		Where("tenant_id = ? AND entity_type = ? AND external_id = ?", tenantId, entityType, externalId).
		Updates(map[string]interface{}{
			"payload_json":     payload,
			"local_updated_at": remoteUpdatedAt,
			"last_seen_at":     &now,
			"deleted_at":       nil,
		}).Error
}

func (s *RecordStore) SoftDelete(ctx context.Context, tenantId, entityType, externalId string) error {
	now := time.Now()
	return s.DB.WithContext(ctx).
		Model(&models.SyncedRecord{}).
		Where("tenant_id = ? AND entity_type = ? AND external_id = ? AND deleted_at IS NULL", tenantId, entityType, externalId).
		Updates(map[string]interface{}{
			"deleted_at":       &now,
			"local_updated_at": now,
		}).Error
}
