package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncSchedule persists "next sync due" per (tenant, entity type) so the
// scheduler can reload its state after a restart instead of keeping per-tenant
// timers in memory.
type SyncSchedule struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	TenantId        string     `gorm:"uniqueIndex:idx_sync_schedule,priority:1;not null" json:"tenant_id"`
	EntityType      string     `gorm:"uniqueIndex:idx_sync_schedule,priority:2;size:50;not null" json:"entity_type"`
	IntervalSeconds int        `gorm:"not null;default:3600" json:"interval_seconds"`
	NextRunAt       time.Time  `gorm:"index;not null" json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindDueSchedules returns enabled schedules whose next-run time has elapsed.
func FindDueSchedules(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]SyncSchedule, error) {
	var due []SyncSchedule
	err := db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now).
		Order("next_run_at asc").
		Limit(limit).
		Find(&due).Error
	return due, err
}

// AdvanceSchedule moves the schedule forward by its interval from now.
func AdvanceSchedule(ctx context.Context, db *gorm.DB, id uint, now time.Time, intervalSeconds int) error {
	next := now.Add(time.Duration(intervalSeconds) * time.Second)
	return db.WithContext(ctx).
		Model(&SyncSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": &now,
			"next_run_at": next,
		}).Error
}
