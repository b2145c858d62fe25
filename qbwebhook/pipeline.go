package qbwebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/qbsync"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const moduleName = "qbwebhook"

// Pipeline ingests provider webhook deliveries: verify, resolve, dedupe,
// persist, dispatch. One HTTP delivery can batch many entity changes across
// many realms; each entity change is handled independently.
type Pipeline struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Settings *config.ProviderSettings
	Locker   *redislock.Client
	Queue    qbsync.SessionQueue
	Engines  qbsync.EngineFactory

	DedupWindow    time.Duration
	ProcessTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	SweepLimit     int

	// Dedup falls back to the redis-plus-database store when nil.
	Dedup DedupStore
	Now   func() time.Time
}

// DedupStore answers whether a change signature was already handled inside
// the dedup window.
type DedupStore interface {
	Seen(ctx context.Context, signature string, window time.Duration) (bool, error)
}

// cacheDedupStore consults the redis fast path first, then the durable
// store. The durable check also runs after a redis miss so a cache flush
// cannot reopen the window.
type cacheDedupStore struct {
	db *gorm.DB
}

func (s *cacheDedupStore) Seen(ctx context.Context, signature string, window time.Duration) (bool, error) {
	fresh, err := config.SetRedisValueNX("webhook:dedup:"+signature, "1", window)
	if err == nil && !fresh {
		return true, nil
	}
	dup, dbErr := models.HasProcessedDuplicate(ctx, s.db, signature, window)
	if dbErr != nil {
		return false, dbErr
	}
	return dup, err
}

func NewPipeline(db *gorm.DB, logger *logrus.Logger, settings *config.ProviderSettings, locker *redislock.Client, queue qbsync.SessionQueue, engines qbsync.EngineFactory) *Pipeline {
	return &Pipeline{
		DB:             db,
		Logger:         logger,
		Settings:       settings,
		Locker:         locker,
		Queue:          queue,
		Engines:        engines,
		DedupWindow:    5 * time.Minute,
		ProcessTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Minute,
		SweepLimit:     100,
		Now:            time.Now,
	}
}

// ProcessResult summarizes one inbound delivery.
type ProcessResult struct {
	Processed    int    `json:"processed"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	ProcessingId string `json:"processing_id"`
}

type webhookPayload struct {
	EventNotifications []struct {
		RealmId         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []entityChange `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

type entityChange struct {
	Name        string `json:"name"`
	Id          string `json:"id"`
	Operation   string `json:"operation"`
	LastUpdated string `json:"lastUpdated"`
}

// ProcessPayload is the entry point for one delivery. A signature mismatch
// fails the whole payload; everything after that degrades per entity.
func (p *Pipeline) ProcessPayload(ctx context.Context, payload []byte, signature string) (*ProcessResult, error) {
	result := &ProcessResult{ProcessingId: uuid.NewString()}

	if p.Settings != nil && p.Settings.WebhookToken != "" {
		if err := VerifySignature(p.Settings.WebhookToken, payload, signature); err != nil {
			config.LogError(p.Logger, moduleName, "ProcessPayload", "signature verification failed", map[string]any{
				"processing_id": result.ProcessingId,
			}, err)
			return result, err
		}
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return result, fmt.Errorf("decoding webhook payload: %w", err)
	}

	for _, notification := range body.EventNotifications {
		conn, err := models.GetConnectionByRealm(ctx, p.DB, notification.RealmId)
		if err != nil {
			config.LogError(p.Logger, moduleName, "ProcessPayload", "resolving realm", map[string]any{
				"realm_id": notification.RealmId,
			}, err)
			result.Failed += len(notification.DataChangeEvent.Entities)
			continue
		}
		if conn == nil {
			p.Logger.WithFields(logrus.Fields{
				"module":   moduleName,
				"realm_id": notification.RealmId,
			}).Warn("webhook for unknown realm skipped")
			result.Skipped += len(notification.DataChangeEvent.Entities)
			continue
		}

		tenantCtx := utils.SetTenantIdInContext(ctx, conn.TenantId)
		for _, change := range notification.DataChangeEvent.Entities {
			switch p.processChange(tenantCtx, conn, change, payload) {
			case changeProcessed:
				result.Processed++
			case changeSkipped:
				result.Skipped++
			case changeFailed:
				result.Failed++
			}
		}
	}
	return result, nil
}

type changeOutcome int

const (
	changeProcessed changeOutcome = iota
	changeSkipped
	changeFailed
)

func (p *Pipeline) processChange(ctx context.Context, conn *models.Connection, change entityChange, rawPayload []byte) changeOutcome {
	entityType := strings.ToLower(change.Name)
	if !models.IsKnownEntityType(entityType) {
		p.Logger.WithFields(logrus.Fields{
			"module":      moduleName,
			"tenant_id":   conn.TenantId,
			"entity_type": entityType,
		}).Warn("webhook for unhandled entity type skipped")
		return changeSkipped
	}
	operation := normalizeOperation(change.Operation)

	signature := models.ComputeDedupSignature(conn.RealmId, entityType, change.Id, operation, change.LastUpdated)
	dup, err := p.isDuplicate(ctx, signature)
	if err != nil {
		config.LogError(p.Logger, moduleName, "processChange", "dedup check", map[string]any{
			"signature": signature,
		}, err)
	}
	if dup {
		p.recordEvent(ctx, conn, change, entityType, operation, signature, models.WebhookStatusDuplicate, rawPayload)
		config.IncrMetricCounter(ctx, "webhook", "duplicate", conn.TenantId)
		return changeSkipped
	}

	event := p.recordEvent(ctx, conn, change, entityType, operation, signature, models.WebhookStatusPending, rawPayload)
	if event == nil {
		return changeFailed
	}
	if p.processEvent(ctx, conn, event) {
		config.IncrMetricCounter(ctx, "webhook", "processed", conn.TenantId)
		return changeProcessed
	}
	config.IncrMetricCounter(ctx, "webhook", "failed", conn.TenantId)
	return changeFailed
}

func (p *Pipeline) isDuplicate(ctx context.Context, signature string) (bool, error) {
	store := p.Dedup
	if store == nil {
		store = &cacheDedupStore{db: p.DB}
	}
	return store.Seen(ctx, signature, p.DedupWindow)
}

func (p *Pipeline) recordEvent(ctx context.Context, conn *models.Connection, change entityChange, entityType, operation, signature, status string, rawPayload []byte) *models.WebhookEvent {
	eventTime := p.Now()
	if t, err := time.Parse(time.RFC3339, change.LastUpdated); err == nil {
		eventTime = t
	}
	event := &models.WebhookEvent{
		EventId:        uuid.NewString(),
		TenantId:       conn.TenantId,
		RealmId:        conn.RealmId,
		EntityType:     entityType,
		EntityId:       change.Id,
		Operation:      operation,
		EventTime:      eventTime,
		Status:         status,
		DedupSignature: signature,
		PayloadJSON:    rawPayload,
	}
	if err := p.DB.WithContext(ctx).Create(event).Error; err != nil {
		config.LogError(p.Logger, moduleName, "recordEvent", "persisting webhook event", map[string]any{
			"tenant_id":   conn.TenantId,
			"entity_type": entityType,
			"entity_id":   change.Id,
		}, err)
		return nil
	}
	return event
}

// processEvent runs one event through processing under the per-entity lock
// and the processing timeout. Returns true on processed.
func (p *Pipeline) processEvent(ctx context.Context, conn *models.Connection, event *models.WebhookEvent) bool {
	if p.Locker != nil {
		lock, err := p.Locker.Obtain(ctx, entityLockKey(event), p.ProcessTimeout+5*time.Second, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 20),
		})
		if err != nil {
			p.markFailed(ctx, event, fmt.Errorf("entity lock not obtained: %w", err))
			return false
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	if err := models.MarkWebhookEventStatus(ctx, p.DB, event.ID, models.WebhookStatusProcessing, nil); err != nil {
		config.LogError(p.Logger, moduleName, "processEvent", "marking processing", map[string]any{
			"event_id": event.EventId,
		}, err)
		return false
	}

	started := p.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.ProcessTimeout)
	defer cancel()

	err := p.dispatch(runCtx, conn, event)
	duration := p.Now().Sub(started).Milliseconds()

	if err != nil {
		p.markFailed(ctx, event, err)
		return false
	}
	if markErr := models.MarkWebhookEventStatus(ctx, p.DB, event.ID, models.WebhookStatusProcessed, map[string]interface{}{
		"duration_ms":   duration,
		"error_message": "",
	}); markErr != nil {
		config.LogError(p.Logger, moduleName, "processEvent", "marking processed", map[string]any{
			"event_id": event.EventId,
		}, markErr)
	}
	return true
}

// dispatch attempts the targeted single-record sync, falling back to a
// queued incremental sync for the whole entity type. The fallback means a
// fetch hiccup degrades to a slightly wider sync instead of a lost signal.
func (p *Pipeline) dispatch(ctx context.Context, conn *models.Connection, event *models.WebhookEvent) error {
	engine, err := p.Engines(ctx, conn)
	if err == nil {
		if syncErr := engine.SyncSingleRecord(ctx, conn.TenantId, event.EntityType, event.EntityId, event.Operation); syncErr == nil {
			return nil
		} else {
			err = syncErr
		}
	}

	p.Logger.WithFields(logrus.Fields{
		"module":      moduleName,
		"tenant_id":   conn.TenantId,
		"entity_type": event.EntityType,
		"entity_id":   event.EntityId,
	}).WithError(err).Warn("targeted sync failed, falling back to incremental")

	_, enqueueErr := p.Queue.Enqueue(ctx, qbsync.SyncParams{
		TenantId:     conn.TenantId,
		ConnectionId: conn.ID,
		EntityType:   event.EntityType,
		SyncType:     models.SyncTypeIncremental,
		TriggeredBy:  models.SyncTriggeredWebhook,
	})
	if enqueueErr != nil {
		return fmt.Errorf("targeted sync failed (%v) and fallback enqueue failed: %w", err, enqueueErr)
	}
	return nil
}

func (p *Pipeline) markFailed(ctx context.Context, event *models.WebhookEvent, cause error) {
	retryCount := event.RetryCount + 1
	nextRetry := p.Now().Add(retryDelay(p.RetryBackoff, retryCount))
	err := models.MarkWebhookEventStatus(context.WithoutCancel(ctx), p.DB, event.ID, models.WebhookStatusFailed, map[string]interface{}{
		"retry_count":   retryCount,
		"next_retry_at": &nextRetry,
		"error_message": cause.Error(),
	})
	if err != nil {
		config.LogError(p.Logger, moduleName, "markFailed", "marking failed", map[string]any{
			"event_id": event.EventId,
		}, err)
	}
}

// retryDelay doubles per attempt from the base, capped at one hour.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}

// RetrySweep reprocesses failed events whose next-retry time has elapsed and
// retires the ones out of retries to ignored. Safe to abort between events.
func (p *Pipeline) RetrySweep(ctx context.Context) (retried, exhausted int, err error) {
	exhausted, err = p.retireExhausted(ctx)
	if err != nil {
		return 0, exhausted, err
	}

	events, err := models.FindRetryableWebhookEvents(ctx, p.DB, p.MaxRetries, p.SweepLimit)
	if err != nil {
		return 0, exhausted, err
	}
	for i := range events {
		if ctx.Err() != nil {
			return retried, exhausted, ctx.Err()
		}
		event := &events[i]
		conn, connErr := models.GetConnectionByRealm(ctx, p.DB, event.RealmId)
		if connErr != nil || conn == nil {
			p.markFailed(ctx, event, utils.ErrNoConnection)
			continue
		}
		tenantCtx := utils.SetTenantIdInContext(ctx, conn.TenantId)
		if p.processEvent(tenantCtx, conn, event) {
			retried++
		}
	}
	return retried, exhausted, nil
}

// retireExhausted moves events that spent their retry budget to ignored so
// operators see them instead of the sweep spinning on them forever.
func (p *Pipeline) retireExhausted(ctx context.Context) (int, error) {
	res := p.DB.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("status = ? AND retry_count >= ?", models.WebhookStatusFailed, p.MaxRetries).
		Update("status", models.WebhookStatusIgnored)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func entityLockKey(event *models.WebhookEvent) string {
	return strings.Join([]string{"webhook:entity", event.TenantId, event.EntityType, event.EntityId}, ":")
}

func normalizeOperation(op string) string {
	switch strings.ToLower(op) {
	case "create":
		return models.WebhookOperationCreate
	case "delete", "remove":
		return models.WebhookOperationDelete
	case "void":
		return models.WebhookOperationVoid
	default:
		return models.WebhookOperationUpdate
	}
}
