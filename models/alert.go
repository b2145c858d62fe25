package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Alert is a threshold-triggered operator notification produced by the
// dashboard aggregator. Alerts must be explicitly resolved.
type Alert struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	TenantId   string     `gorm:"index" json:"tenant_id"`
	Component  string     `gorm:"size:50;not null" json:"component"`
	Severity   string     `gorm:"size:20;not null" json:"severity"`
	Message    string     `gorm:"type:text;not null" json:"message"`
	MetricName string     `gorm:"size:100" json:"metric_name"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Resolved   bool       `gorm:"index;default:false" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at"`
	ResolvedBy string     `gorm:"size:100" json:"resolved_by"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func ListOpenAlerts(ctx context.Context, db *gorm.DB, tenantId string) ([]Alert, error) {
	q := db.WithContext(ctx).Where("resolved = ?", false)
	if tenantId != "" {
		q = q.Where("tenant_id = ?", tenantId)
	}
	var alerts []Alert
	err := q.Order("id desc").Find(&alerts).Error
	return alerts, err
}

func ResolveAlert(ctx context.Context, db *gorm.DB, id uint, resolvedBy string) error {
	now := time.Now()
	return db.WithContext(ctx).
		Model(&Alert{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": &now,
			"resolved_by": resolvedBy,
		}).Error
}
