package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const moduleName = "dashboard"

// Thresholds configure when the aggregator raises alerts.
type Thresholds struct {
	SyncFailureRatePct  float64
	WebhookErrorRatePct float64
	PendingConflictsMax int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SyncFailureRatePct:  20,
		WebhookErrorRatePct: 10,
		PendingConflictsMax: 50,
	}
}

// Aggregator serves read-only operational views over sync, webhook and
// connection state. Its only writes are its own alert records.
type Aggregator struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Thresholds Thresholds
	Window     time.Duration
	Now        func() time.Time
}

func NewAggregator(db *gorm.DB, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		DB:         db,
		Logger:     logger,
		Thresholds: DefaultThresholds(),
		Window:     24 * time.Hour,
		Now:        time.Now,
	}
}

// HealthStatus is the liveness view for the health endpoint.
type HealthStatus struct {
	Status            string    `json:"status"`
	Database          string    `json:"database"`
	Cache             string    `json:"cache"`
	ActiveConnections int64     `json:"active_connections"`
	PendingWebhooks   int64     `json:"pending_webhooks"`
	RunningSessions   int64     `json:"running_sessions"`
	CheckedAt         time.Time `json:"checked_at"`
}

func (a *Aggregator) GetHealthStatus(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Status: "ok", Database: "up", Cache: "up", CheckedAt: a.Now()}

	sqlDB, err := a.DB.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		status.Database = "down"
		status.Status = "degraded"
	}
	if err := config.GetRedisDB().Ping(ctx).Err(); err != nil {
		status.Cache = "down"
		status.Status = "degraded"
	}
	if status.Database == "down" {
		return status
	}

	a.count(ctx, &status.ActiveConnections, &models.Connection{}, "status = ?", models.ConnectionStatusActive)
	a.count(ctx, &status.PendingWebhooks, &models.WebhookEvent{}, "status IN ?", []string{models.WebhookStatusPending, models.WebhookStatusFailed})
	a.count(ctx, &status.RunningSessions, &models.SyncSession{}, "status = ?", models.SyncSessionStatusRunning)
	return status
}

func (a *Aggregator) count(ctx context.Context, dest *int64, model interface{}, query string, args ...interface{}) {
	if err := a.DB.WithContext(ctx).Model(model).Where(query, args...).Count(dest).Error; err != nil {
		config.LogError(a.Logger, moduleName, "count", "counting rows", map[string]any{"query": query}, err)
	}
}

// RealtimeMetrics comes from the redis counter buckets: a rolling ~2h view
// cheap enough to poll every few seconds.
type RealtimeMetrics struct {
	TenantId          string `json:"tenant_id"`
	WebhooksProcessed int64  `json:"webhooks_processed"`
	WebhooksFailed    int64  `json:"webhooks_failed"`
	WebhooksDuplicate int64  `json:"webhooks_duplicate"`
	SyncsSucceeded    int64  `json:"syncs_succeeded"`
	SyncsFailed       int64  `json:"syncs_failed"`
	RecordsSynced     int64  `json:"records_synced"`
}

func (a *Aggregator) GetRealtimeMetrics(ctx context.Context, tenantId string) *RealtimeMetrics {
	return &RealtimeMetrics{
		TenantId:          tenantId,
		WebhooksProcessed: config.GetMetricCounter(ctx, "webhook", "processed", tenantId),
		WebhooksFailed:    config.GetMetricCounter(ctx, "webhook", "failed", tenantId),
		WebhooksDuplicate: config.GetMetricCounter(ctx, "webhook", "duplicate", tenantId),
		SyncsSucceeded:    config.GetMetricCounter(ctx, "sync", "succeeded", tenantId),
		SyncsFailed:       config.GetMetricCounter(ctx, "sync", "failed", tenantId),
		RecordsSynced:     config.GetMetricCounter(ctx, "sync", "records", tenantId),
	}
}

// MetricsFilter scopes the dashboard aggregation.
type MetricsFilter struct {
	TenantId   string
	EntityType string
	Since      time.Time
}

// DashboardMetrics is the durable-store aggregation over the filter window.
type DashboardMetrics struct {
	Connections      map[string]int64 `json:"connections"`
	Sessions         map[string]int64 `json:"sessions"`
	SyncSuccessRate  float64          `json:"sync_success_rate"`
	AvgSyncDuration  float64          `json:"avg_sync_duration_ms"`
	Webhooks         map[string]int64 `json:"webhooks"`
	WebhookErrorRate float64          `json:"webhook_error_rate"`
	PendingConflicts int64            `json:"pending_conflicts"`
	OpenAlerts       []models.Alert   `json:"open_alerts"`
	Window           string           `json:"window"`
}

func (a *Aggregator) GetDashboardMetrics(ctx context.Context, filter MetricsFilter) (*DashboardMetrics, error) {
	since := filter.Since
	if since.IsZero() {
		since = a.Now().Add(-a.Window)
	}
	metrics := &DashboardMetrics{
		Connections: map[string]int64{},
		Sessions:    map[string]int64{},
		Webhooks:    map[string]int64{},
		Window:      a.Now().Sub(since).String(),
	}

	if err := a.groupByStatus(ctx, &models.Connection{}, filter, time.Time{}, metrics.Connections); err != nil {
		return nil, err
	}
	if err := a.groupByStatus(ctx, &models.SyncSession{}, filter, since, metrics.Sessions); err != nil {
		return nil, err
	}
	if err := a.groupByStatus(ctx, &models.WebhookEvent{}, filter, since, metrics.Webhooks); err != nil {
		return nil, err
	}

	metrics.SyncSuccessRate = successRate(metrics.Sessions)
	metrics.WebhookErrorRate = webhookErrorRate(metrics.Webhooks)

	conflictQuery := a.DB.WithContext(ctx).
		Model(&models.SyncConflict{}).
		Where("status = ? AND created_at >= ?", models.ConflictStatusPending, since)
	if filter.TenantId != "" {
		conflictQuery = conflictQuery.Where("tenant_id = ?", filter.TenantId)
	}
	if filter.EntityType != "" {
		conflictQuery = conflictQuery.Where("entity_type = ?", filter.EntityType)
	}
	if err := conflictQuery.Count(&metrics.PendingConflicts).Error; err != nil {
		return nil, err
	}

	durationQuery := a.DB.WithContext(ctx).
		Model(&models.SyncSession{}).
		Where("finished_at IS NOT NULL AND created_at >= ?", since)
	if filter.TenantId != "" {
		durationQuery = durationQuery.Where("tenant_id = ?", filter.TenantId)
	}
	var avg *float64
	if err := durationQuery.Select("AVG(duration_ms)").Scan(&avg).Error; err == nil && avg != nil {
		metrics.AvgSyncDuration = *avg
	}

	alerts, err := models.ListOpenAlerts(ctx, a.DB, filter.TenantId)
	if err != nil {
		return nil, err
	}
	metrics.OpenAlerts = alerts

	a.evaluateThresholds(ctx, filter.TenantId, metrics)
	return metrics, nil
}

func (a *Aggregator) groupByStatus(ctx context.Context, model interface{}, filter MetricsFilter, since time.Time, dest map[string]int64) error {
	type row struct {
		Status string
		N      int64
	}
	q := a.DB.WithContext(ctx).Model(model).Select("status, COUNT(*) as n").Group("status")
	if filter.TenantId != "" {
		q = q.Where("tenant_id = ?", filter.TenantId)
	}
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		dest[r.Status] = r.N
	}
	return nil
}

func successRate(sessions map[string]int64) float64 {
	finished := sessions[models.SyncSessionStatusSuccess] +
		sessions[models.SyncSessionStatusPartial] +
		sessions[models.SyncSessionStatusFailed]
	if finished == 0 {
		return 100
	}
	ok := sessions[models.SyncSessionStatusSuccess] + sessions[models.SyncSessionStatusPartial]
	return float64(ok) / float64(finished) * 100
}

func webhookErrorRate(webhooks map[string]int64) float64 {
	total := int64(0)
	for _, n := range webhooks {
		total += n
	}
	if total == 0 {
		return 0
	}
	bad := webhooks[models.WebhookStatusFailed] + webhooks[models.WebhookStatusIgnored]
	return float64(bad) / float64(total) * 100
}

// evaluateThresholds raises alerts for breached thresholds. An unresolved
// alert for the same metric suppresses a new one, so a sustained breach
// raises once, not once per poll.
func (a *Aggregator) evaluateThresholds(ctx context.Context, tenantId string, metrics *DashboardMetrics) {
	failureRate := 100 - metrics.SyncSuccessRate
	if failureRate > a.Thresholds.SyncFailureRatePct {
		a.raiseAlert(ctx, tenantId, "sync", "sync_failure_rate", failureRate, a.Thresholds.SyncFailureRatePct,
			fmt.Sprintf("sync failure rate %.1f%% exceeds %.1f%%", failureRate, a.Thresholds.SyncFailureRatePct))
	}
	if metrics.WebhookErrorRate > a.Thresholds.WebhookErrorRatePct {
		a.raiseAlert(ctx, tenantId, "webhook", "webhook_error_rate", metrics.WebhookErrorRate, a.Thresholds.WebhookErrorRatePct,
			fmt.Sprintf("webhook error rate %.1f%% exceeds %.1f%%", metrics.WebhookErrorRate, a.Thresholds.WebhookErrorRatePct))
	}
	if metrics.PendingConflicts > a.Thresholds.PendingConflictsMax {
		a.raiseAlert(ctx, tenantId, "sync", "pending_conflicts", float64(metrics.PendingConflicts), float64(a.Thresholds.PendingConflictsMax),
			fmt.Sprintf("%d pending conflicts exceed %d", metrics.PendingConflicts, a.Thresholds.PendingConflictsMax))
	}
}

func (a *Aggregator) raiseAlert(ctx context.Context, tenantId, component, metricName string, value, threshold float64, message string) {
	var existing int64
	err := a.DB.WithContext(ctx).
		Model(&models.Alert{}).
		Where("tenant_id = ? AND metric_name = ? AND resolved = ?", tenantId, metricName, false).
		Count(&existing).Error
	if err != nil || existing > 0 {
		return
	}

	severity := models.AlertSeverityWarning
	if value >= threshold*2 {
		severity = models.AlertSeverityCritical
	}
	alert := models.Alert{
		TenantId:   tenantId,
		Component:  component,
		Severity:   severity,
		Message:    message,
		MetricName: metricName,
		Value:      value,
		Threshold:  threshold,
	}
	if err := a.DB.WithContext(ctx).Create(&alert).Error; err != nil {
		config.LogError(a.Logger, moduleName, "raiseAlert", "creating alert", map[string]any{
			"metric": metricName,
		}, err)
	}
}

// ResolveAlert closes one alert on behalf of an operator.
func (a *Aggregator) ResolveAlert(ctx context.Context, id uint, resolvedBy string) error {
	return models.ResolveAlert(ctx, a.DB, id, resolvedBy)
}
