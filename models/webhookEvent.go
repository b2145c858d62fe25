package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// WebhookEvent is one inbound entity-change notification. The lifecycle is
// pending -> processing -> processed | failed -> (processing on retry) | ignored.
// duplicate is terminal and assigned at ingestion, before pending is reached.
type WebhookEvent struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	EventId        string     `gorm:"uniqueIndex;size:64;not null" json:"event_id"`
	TenantId       string     `gorm:"index;not null" json:"tenant_id"`
	RealmId        string     `gorm:"index;size:64;not null" json:"realm_id"`
	EntityType     string     `gorm:"size:50;not null" json:"entity_type"`
	EntityId       string     `gorm:"size:128;not null" json:"entity_id"`
	Operation      string     `gorm:"size:20;not null" json:"operation"`
	EventTime      time.Time  `json:"event_time"`
	Status         string     `gorm:"index;size:20;not null" json:"status"`
	DedupSignature string     `gorm:"index;size:64;not null" json:"dedup_signature"`
	RetryCount     int        `gorm:"default:0" json:"retry_count"`
	NextRetryAt    *time.Time `gorm:"index" json:"next_retry_at"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	PayloadJSON    []byte     `gorm:"type:json" json:"payload"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DedupSignature derives the stable signature for one entity-change tuple.
// Repeated provider deliveries of the same logical change hash identically.
func ComputeDedupSignature(realmId, entityType, entityId, operation, lastUpdated string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		realmId,
		strings.ToLower(entityType),
		entityId,
		strings.ToLower(operation),
		lastUpdated,
	}, "|")))
	return hex.EncodeToString(h[:])
}

// HasProcessedDuplicate reports whether an event with the given dedup
// signature already exists inside the window in a non-failed state.
// This is the durable fallback behind the redis fast path.
func HasProcessedDuplicate(ctx context.Context, db *gorm.DB, signature string, window time.Duration) (bool, error) {
	var count int64
	since := time.Now().Add(-window)
	err := db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("dedup_signature = ? AND created_at >= ? AND status IN ?", signature, since,
			[]string{WebhookStatusPending, WebhookStatusProcessing, WebhookStatusProcessed}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkWebhookEventStatus transitions an event. Terminal events are never
// mutated again except by audit queries, so the update is guarded by the
// current non-terminal statuses.
func MarkWebhookEventStatus(ctx context.Context, db *gorm.DB, id uint, status string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = status
	res := db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ? AND status NOT IN ?", id,
			[]string{WebhookStatusProcessed, WebhookStatusIgnored, WebhookStatusDuplicate}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("webhook event %d is terminal; refusing status change to %s", id, status)
	}
	return nil
}

// FindRetryableWebhookEvents returns failed events whose next-retry time has
// elapsed, oldest first.
func FindRetryableWebhookEvents(ctx context.Context, db *gorm.DB, maxRetries int, limit int) ([]WebhookEvent, error) {
	var events []WebhookEvent
	now := time.Now()
	err := db.WithContext(ctx).
		Where("status = ? AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			WebhookStatusFailed, maxRetries, now).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}
