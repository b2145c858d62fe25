package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncSession groups one sync run (manual, scheduled, webhook-triggered or
// retry) for one tenant + entity type. Immutable once terminal; kept for
// audit and metrics.
type SyncSession struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	TenantId        string     `gorm:"index;not null" json:"tenant_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	Provider        string     `gorm:"size:50;not null" json:"provider"`
	EntityType      string     `gorm:"size:50;not null" json:"entity_type"`
	SyncType        string     `gorm:"size:20;not null" json:"sync_type"`
	Status          string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	Cursor          string     `gorm:"size:64" json:"cursor"`
	NextCursor      string     `gorm:"size:64" json:"next_cursor"`
	TotalRecords    int        `json:"total_records"`
	ProcessedCount  int        `json:"processed_count"`
	SuccessCount    int        `json:"success_count"`
	FailedCount     int        `json:"failed_count"`
	ConflictedCount int        `json:"conflicted_count"`
	ErrorCount      int        `json:"error_count"`
	ParentSessionId *uint      `gorm:"index" json:"parent_session_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	ErrorDetail     string     `gorm:"type:text" json:"error_detail"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *SyncSession) IsTerminal() bool {
	switch s.Status {
	case SyncSessionStatusSuccess, SyncSessionStatusFailed, SyncSessionStatusPartial, SyncSessionStatusCancelled:
		return true
	}
	return false
}

// SyncBatch is one bounded-size chunk of records within a session.
// Count invariant: success + failed + conflicted <= total, and
// processed = success + failed (conflicted records are pending, not
// processed, until resolved).
type SyncBatch struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	SessionId       uint       `gorm:"index;not null" json:"session_id"`
	TenantId        string     `gorm:"index;not null" json:"tenant_id"`
	EntityType      string     `gorm:"size:50;not null" json:"entity_type"`
	Sequence        int        `gorm:"not null" json:"sequence"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TotalRecords    int        `json:"total_records"`
	ProcessedCount  int        `json:"processed_count"`
	SuccessCount    int        `json:"success_count"`
	FailedCount     int        `json:"failed_count"`
	ConflictedCount int        `json:"conflicted_count"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	ErrorDetail     string     `gorm:"type:text" json:"error_detail"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRecordError is one record-level failure inside a session, persisted for
// the session detail view.
type SyncRecordError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SessionId   uint      `gorm:"index;not null" json:"session_id"`
	TenantId    string    `gorm:"index;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncRecordError(ctx context.Context, db *gorm.DB, sessionId uint, tenantId, entityType, externalId, code, message string, payload []byte, retryable bool) error {
	rec := SyncRecordError{
		SessionId:   sessionId,
		TenantId:    tenantId,
		EntityType:  entityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(ctx).Create(&rec).Error
}
