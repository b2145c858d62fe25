package qbsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const moduleName = "qbsync"

// Engine runs incremental syncs for one connection. The remote source and
// local store are injected so tests can run without a database or network.
type Engine struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Store    LocalEntityStore
	Remote   RemoteSource
	Fetcher  RemoteFetcher
	Registry *Registry
	Policy   ConflictPolicy

	PageSize         int
	BatchSize        int
	Concurrency      int
	StopOnFirstError bool

	Now func() time.Time
}

func NewEngine(db *gorm.DB, logger *logrus.Logger, store LocalEntityStore, remote RemoteSource) *Engine {
	e := &Engine{
		DB:          db,
		Logger:      logger,
		Store:       store,
		Remote:      remote,
		Registry:    NewRegistry(),
		Policy:      DefaultConflictPolicy(),
		PageSize:    200,
		BatchSize:   50,
		Concurrency: 4,
		Now:         time.Now,
	}
	if fetcher, ok := remote.(RemoteFetcher); ok {
		e.Fetcher = fetcher
	}
	return e
}

// SyncParams identifies one sync run.
type SyncParams struct {
	TenantId        string
	ConnectionId    uint
	EntityType      string
	SyncType        string
	TriggeredBy     string
	ParentSessionId *uint
}

// CreateQueuedSession records a session in queued state so a worker can pick
// it up. The cursor is resolved at run time, not enqueue time.
func (e *Engine) CreateQueuedSession(ctx context.Context, p SyncParams) (*models.SyncSession, error) {
	return NewQueuedSession(ctx, e.DB, p)
}

// NewQueuedSession persists a queued session row.
func NewQueuedSession(ctx context.Context, db *gorm.DB, p SyncParams) (*models.SyncSession, error) {
	if !models.IsKnownEntityType(p.EntityType) {
		return nil, utils.NewConfigurationError("entity_type", fmt.Sprintf("unknown entity type %q", p.EntityType))
	}
	syncType := p.SyncType
	if syncType == "" {
		syncType = models.SyncTypeIncremental
	}
	session := models.SyncSession{
		TenantId:        p.TenantId,
		ConnectionId:    p.ConnectionId,
		Provider:        models.IntegrationProviderQuickBooks,
		EntityType:      p.EntityType,
		SyncType:        syncType,
		Status:          models.SyncSessionStatusQueued,
		TriggeredBy:     p.TriggeredBy,
		ParentSessionId: p.ParentSessionId,
	}
	if err := db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// PerformIncrementalSync creates a session and runs it to completion inline.
func (e *Engine) PerformIncrementalSync(ctx context.Context, p SyncParams) (*models.SyncSession, error) {
	session, err := e.CreateQueuedSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return session, e.RunSession(ctx, session)
}

// RunSession executes one queued session. Only queued sessions run; anything
// else is a no-op so redelivered messages cannot double-run a session.
func (e *Engine) RunSession(ctx context.Context, session *models.SyncSession) error {
	claimed, err := e.claimSession(ctx, session)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	runErr := e.runClaimed(ctx, session)
	if runErr != nil {
		config.LogError(e.Logger, moduleName, "RunSession", "sync session failed", map[string]any{
			"session_id":  session.ID,
			"tenant_id":   session.TenantId,
			"entity_type": session.EntityType,
		}, runErr)
	}
	return runErr
}

func (e *Engine) claimSession(ctx context.Context, session *models.SyncSession) (bool, error) {
	started := e.Now()
	res := e.DB.WithContext(ctx).
		Model(&models.SyncSession{}).
		Where("id = ? AND status = ?", session.ID, models.SyncSessionStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.SyncSessionStatusRunning,
			"started_at": &started,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	session.Status = models.SyncSessionStatusRunning
	session.StartedAt = &started
	return true, nil
}

func (e *Engine) runClaimed(ctx context.Context, session *models.SyncSession) error {
	since, cursor := e.resolveCursor(ctx, session)
	session.Cursor = cursor

	transforms, validations, err := e.compileRules(ctx, session.TenantId, session.EntityType)
	if err != nil {
		return e.finishSession(ctx, session, nil, err)
	}

	records, fetchErr := e.fetchChanged(ctx, session.EntityType, since)
	if fetchErr != nil && len(records) == 0 {
		return e.finishSession(ctx, session, nil, fetchErr)
	}

	session.TotalRecords = len(records)
	session.NextCursor = e.nextCursor(records, since)

	totals, runErr := e.runBatches(ctx, session, records, transforms, validations)
	if runErr == nil {
		runErr = fetchErr
	}
	return e.finishSession(ctx, session, totals, runErr)
}

// resolveCursor picks the sync window start: the stored cursor of the last
// successful session for this tenant + entity type, or the zero time for a
// first (full) sync.
func (e *Engine) resolveCursor(ctx context.Context, session *models.SyncSession) (time.Time, string) {
	if session.SyncType == models.SyncTypeFull {
		return time.Time{}, ""
	}
	var last models.SyncSession
	err := e.DB.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND status IN ? AND next_cursor <> ''",
			session.TenantId, session.EntityType,
			[]string{models.SyncSessionStatusSuccess, models.SyncSessionStatusPartial}).
		Order("id desc").
		First(&last).Error
	if err != nil {
		return time.Time{}, ""
	}
	since, parseErr := time.Parse(time.RFC3339, last.NextCursor)
	if parseErr != nil {
		return time.Time{}, ""
	}
	return since, last.NextCursor
}

// nextCursor is the newest remote timestamp seen, so the next run resumes
// where this one left off. Falls back to the previous window on an empty
// page set.
func (e *Engine) nextCursor(records []RemoteRecord, since time.Time) string {
	newest := since
	for _, r := range records {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	if newest.IsZero() {
		newest = e.Now().UTC()
	}
	return newest.UTC().Format(time.RFC3339)
}

func (e *Engine) compileRules(ctx context.Context, tenantId, entityType string) ([]CompiledTransform, []CompiledValidation, error) {
	var (
		transformRules  []models.TransformationRule
		validationRules []models.ValidationRule
		err             error
	)
	if e.DB != nil {
		transformRules, err = models.LoadTransformationRules(ctx, e.DB, tenantId, entityType)
		if err != nil {
			return nil, nil, err
		}
		validationRules, err = models.LoadValidationRules(ctx, e.DB, tenantId, entityType)
		if err != nil {
			return nil, nil, err
		}
	}
	transforms, err := e.Registry.CompileTransforms(transformRules)
	if err != nil {
		return nil, nil, err
	}
	validations, err := e.Registry.CompileValidations(validationRules)
	if err != nil {
		return nil, nil, err
	}
	return transforms, validations, nil
}

// fetchChanged walks the paged changed-since query to the end. A mid-walk
// failure returns the records fetched so far with the error; the caller
// still processes the partial set so progress is not thrown away.
func (e *Engine) fetchChanged(ctx context.Context, entityType string, since time.Time) ([]RemoteRecord, error) {
	var records []RemoteRecord
	start := 1
	for {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		page, err := e.Remote.QueryChangedSince(ctx, entityType, since, start, e.PageSize)
		if err != nil {
			return records, err
		}
		for _, raw := range page.Records {
			rec, err := ParseRemoteRecord(raw)
			if err != nil || rec.ExternalId == "" {
				continue
			}
			records = append(records, rec)
		}
		if !page.HasMore {
			return records, nil
		}
		start += e.PageSize
	}
}

type batchTotals struct {
	processed  int
	success    int
	failed     int
	conflicted int
	errors     int
}

func (t *batchTotals) add(o batchTotals) {
	t.processed += o.processed
	t.success += o.success
	t.failed += o.failed
	t.conflicted += o.conflicted
	t.errors += o.errors
}

// runBatches partitions the records into bounded batches and processes them
// with limited concurrency. On cancellation, unstarted batches are marked
// cancelled rather than silently dropped.
func (e *Engine) runBatches(ctx context.Context, session *models.SyncSession, records []RemoteRecord, transforms []CompiledTransform, validations []CompiledValidation) (*batchTotals, error) {
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	var batches []*models.SyncBatch
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := &models.SyncBatch{
			SessionId:    session.ID,
			TenantId:     session.TenantId,
			EntityType:   session.EntityType,
			Sequence:     len(batches) + 1,
			Status:       models.SyncBatchStatusPending,
			TotalRecords: end - i,
		}
		if err := e.DB.WithContext(ctx).Create(batch).Error; err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		totals   batchTotals
		firstErr error
	)

	for idx, batch := range batches {
		if ctx.Err() != nil {
			e.markBatchesCancelled(session, batches[idx:])
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(batch *models.SyncBatch, start int) {
			defer wg.Done()
			defer func() { <-sem }()
			sub, err := e.runBatch(ctx, session, batch, records[start:start+batch.TotalRecords], transforms, validations)
			mu.Lock()
			defer mu.Unlock()
			totals.add(sub)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(batch, (batch.Sequence-1)*batchSize)
	}
	wg.Wait()

	if ctx.Err() != nil && firstErr == nil {
		firstErr = ctx.Err()
	}
	return &totals, firstErr
}

func (e *Engine) markBatchesCancelled(session *models.SyncSession, remaining []*models.SyncBatch) {
	ids := make([]uint, 0, len(remaining))
	for _, b := range remaining {
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		return
	}
	// Uses a fresh context: the run context is already cancelled.
	err := e.DB.WithContext(context.Background()).
		Model(&models.SyncBatch{}).
		Where("id IN ? AND status = ?", ids, models.SyncBatchStatusPending).
		Update("status", models.SyncBatchStatusCancelled).Error
	if err != nil {
		config.LogError(e.Logger, moduleName, "markBatchesCancelled", "marking cancelled batches", map[string]any{
			"session_id": session.ID,
		}, err)
	}
}

func (e *Engine) runBatch(ctx context.Context, session *models.SyncSession, batch *models.SyncBatch, records []RemoteRecord, transforms []CompiledTransform, validations []CompiledValidation) (batchTotals, error) {
	started := e.Now()
	e.updateBatch(ctx, batch.ID, map[string]interface{}{
		"status":     models.SyncBatchStatusProcessing,
		"started_at": &started,
	})

	var totals batchTotals
	var firstErr error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		outcome, err := e.applyRecord(ctx, session, rec, transforms, validations)
		switch outcome {
		case recordSuccess:
			totals.processed++
			totals.success++
		case recordFailed:
			totals.processed++
			totals.failed++
			totals.errors++
		case recordConflicted:
			totals.conflicted++
		}
		if err != nil && !isRecordScoped(err) {
			firstErr = err
			break
		}
		if err != nil && e.StopOnFirstError {
			firstErr = err
			break
		}
	}

	finished := e.Now()
	status := models.SyncBatchStatusCompleted
	if firstErr != nil {
		status = models.SyncBatchStatusFailed
		if errors.Is(firstErr, context.Canceled) {
			status = models.SyncBatchStatusCancelled
		}
	}
	update := map[string]interface{}{
		"status":           status,
		"processed_count":  totals.processed,
		"success_count":    totals.success,
		"failed_count":     totals.failed,
		"conflicted_count": totals.conflicted,
		"finished_at":      &finished,
	}
	if firstErr != nil {
		update["error_detail"] = firstErr.Error()
	}
	e.updateBatch(context.Background(), batch.ID, update)
	return totals, firstErr
}

func (e *Engine) updateBatch(ctx context.Context, batchId uint, fields map[string]interface{}) {
	if err := e.DB.WithContext(ctx).Model(&models.SyncBatch{}).Where("id = ?", batchId).Updates(fields).Error; err != nil {
		config.LogError(e.Logger, moduleName, "updateBatch", "updating batch row", map[string]any{"batch_id": batchId}, err)
	}
}

type recordOutcome int

const (
	recordSuccess recordOutcome = iota
	recordFailed
	recordConflicted
	recordSkipped
)

// isRecordScoped reports whether the error is confined to one record and
// must not abort siblings.
func isRecordScoped(err error) bool {
	var ve *utils.ValidationError
	return errors.As(err, &ve)
}

// applyRecord classifies and applies one remote change: create, update,
// delete, conflict or skip. Re-applying the same change is a no-op, so a
// replayed page cannot corrupt local state.
func (e *Engine) applyRecord(ctx context.Context, session *models.SyncSession, rec RemoteRecord, transforms []CompiledTransform, validations []CompiledValidation) (recordOutcome, error) {
	local, err := e.Store.Find(ctx, session.TenantId, session.EntityType, rec.ExternalId)
	if err != nil {
		e.recordError(ctx, session, rec, "store_lookup", err)
		return recordFailed, err
	}

	if conflict := DetectConflict(local, rec); conflict != nil {
		return e.handleConflict(ctx, session, rec, conflict)
	}

	if !rec.Active {
		// Deleting a record that never synced locally is a no-op.
		if local == nil || local.Deleted {
			return recordSuccess, nil
		}
		if err := e.Store.SoftDelete(ctx, session.TenantId, session.EntityType, rec.ExternalId); err != nil {
			e.recordError(ctx, session, rec, "store_delete", err)
			return recordFailed, err
		}
		return recordSuccess, nil
	}

	// Same-version replay: the local copy is already current.
	if local != nil && !local.Deleted && !rec.UpdatedAt.After(local.UpdatedAt) {
		return recordSuccess, nil
	}

	payload, err := e.prepareRecord(rec, transforms, validations)
	if err != nil {
		e.recordError(ctx, session, rec, errorCode(err), err)
		return recordFailed, err
	}

	if local == nil {
		if err := e.Store.Create(ctx, session.TenantId, session.EntityType, rec.ExternalId, payload, rec.UpdatedAt); err != nil {
			e.recordError(ctx, session, rec, "store_create", err)
			return recordFailed, err
		}
		return recordSuccess, nil
	}
	if err := e.Store.Update(ctx, session.TenantId, session.EntityType, rec.ExternalId, payload, rec.UpdatedAt); err != nil {
		e.recordError(ctx, session, rec, "store_update", err)
		return recordFailed, err
	}
	return recordSuccess, nil
}

// prepareRecord runs transformations then validations and returns the
// payload to store.
func (e *Engine) prepareRecord(rec RemoteRecord, transforms []CompiledTransform, validations []CompiledValidation) ([]byte, error) {
	if len(transforms) == 0 && len(validations) == 0 {
		return rec.Raw, nil
	}
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	if err := ApplyTransforms(fields, transforms); err != nil {
		return nil, err
	}
	if failures := ApplyValidations(fields, validations, e.StopOnFirstError); len(failures) > 0 {
		return nil, failures[0]
	}
	return json.Marshal(fields)
}

func (e *Engine) handleConflict(ctx context.Context, session *models.SyncSession, rec RemoteRecord, conflict *DetectedConflict) (recordOutcome, error) {
	strategy, payload, err := ResolveDetected(conflict, e.Policy)
	if err != nil {
		e.recordError(ctx, session, rec, "conflict_resolution", err)
		return recordFailed, err
	}

	if strategy == models.ResolutionManual {
		if _, err := PersistConflict(ctx, e.DB, session.TenantId, session.ID, session.EntityType, conflict); err != nil {
			e.recordError(ctx, session, rec, "conflict_persist", err)
			return recordFailed, err
		}
		return recordConflicted, nil
	}

	// Auto-resolved conflicts are recorded already resolved for the audit
	// trail, then applied.
	stored, err := PersistConflict(ctx, e.DB, session.TenantId, session.ID, session.EntityType, conflict)
	if err != nil {
		e.recordError(ctx, session, rec, "conflict_persist", err)
		return recordFailed, err
	}
	if _, err := models.ResolveConflict(ctx, e.DB, stored.ID, stored.Version, strategy, "auto"); err != nil {
		e.recordError(ctx, session, rec, "conflict_resolution", err)
		return recordFailed, err
	}

	switch strategy {
	case models.ResolutionLocalWins:
		return recordSuccess, nil
	default:
		if !rec.Active {
			if err := e.Store.SoftDelete(ctx, session.TenantId, session.EntityType, rec.ExternalId); err != nil {
				e.recordError(ctx, session, rec, "store_delete", err)
				return recordFailed, err
			}
			return recordSuccess, nil
		}
		if err := e.Store.Update(ctx, session.TenantId, session.EntityType, rec.ExternalId, payload, rec.UpdatedAt); err != nil {
			e.recordError(ctx, session, rec, "store_update", err)
			return recordFailed, err
		}
		return recordSuccess, nil
	}
}

func (e *Engine) recordError(ctx context.Context, session *models.SyncSession, rec RemoteRecord, code string, cause error) {
	err := models.CreateSyncRecordError(context.WithoutCancel(ctx), e.DB, session.ID, session.TenantId,
		session.EntityType, rec.ExternalId, code, cause.Error(), rec.Raw, utils.IsRetryable(cause))
	if err != nil {
		config.LogError(e.Logger, moduleName, "recordError", "persisting record error", map[string]any{
			"session_id":  session.ID,
			"external_id": rec.ExternalId,
		}, err)
	}
}

func errorCode(err error) string {
	var ve *utils.ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	var ce *utils.ConfigurationError
	if errors.As(err, &ce) {
		return "configuration"
	}
	return "transform"
}

// finishSession writes the terminal session row. Status: success when every
// record applied, partial when some failed or conflicted, failed when the
// run aborted or nothing succeeded, cancelled on context cancellation.
func (e *Engine) finishSession(ctx context.Context, session *models.SyncSession, totals *batchTotals, runErr error) error {
	if totals == nil {
		totals = &batchTotals{}
	}
	finished := e.Now()
	status := models.SyncSessionStatusSuccess
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		status = models.SyncSessionStatusCancelled
	case runErr != nil && totals.success == 0:
		status = models.SyncSessionStatusFailed
	case runErr != nil, totals.failed > 0, totals.conflicted > 0:
		status = models.SyncSessionStatusPartial
	}

	update := map[string]interface{}{
		"status":           status,
		"cursor":           session.Cursor,
		"total_records":    session.TotalRecords,
		"processed_count":  totals.processed,
		"success_count":    totals.success,
		"failed_count":     totals.failed,
		"conflicted_count": totals.conflicted,
		"error_count":      totals.errors,
		"finished_at":      &finished,
	}
	if session.StartedAt != nil {
		update["duration_ms"] = finished.Sub(*session.StartedAt).Milliseconds()
	}
	if status == models.SyncSessionStatusSuccess || status == models.SyncSessionStatusPartial {
		update["next_cursor"] = session.NextCursor
	}
	if runErr != nil {
		update["error_detail"] = runErr.Error()
	}

	err := e.DB.WithContext(context.WithoutCancel(ctx)).
		Model(&models.SyncSession{}).
		Where("id = ?", session.ID).
		Updates(update).Error
	if err != nil {
		config.LogError(e.Logger, moduleName, "finishSession", "finalizing session", map[string]any{
			"session_id": session.ID,
		}, err)
		if runErr == nil {
			runErr = err
		}
	}
	metricCtx := context.WithoutCancel(ctx)
	switch status {
	case models.SyncSessionStatusSuccess, models.SyncSessionStatusPartial:
		config.IncrMetricCounter(metricCtx, "sync", "succeeded", session.TenantId)
	case models.SyncSessionStatusFailed:
		config.IncrMetricCounter(metricCtx, "sync", "failed", session.TenantId)
	}
	config.IncrMetricCounterBy(metricCtx, "sync", "records", session.TenantId, int64(totals.success))

	session.Status = status
	session.FinishedAt = &finished
	session.ProcessedCount = totals.processed
	session.SuccessCount = totals.success
	session.FailedCount = totals.failed
	session.ConflictedCount = totals.conflicted
	session.ErrorCount = totals.errors
	return runErr
}

// SyncSingleRecord applies one entity change end to end: fetch by id,
// detect conflicts, transform, validate, store. Used for targeted
// webhook-driven syncs where walking the whole change window would be waste.
// Delete operations skip the fetch; the notification is authoritative.
func (e *Engine) SyncSingleRecord(ctx context.Context, tenantId, entityType, externalId, operation string) error {
	if operation == models.WebhookOperationDelete || operation == models.WebhookOperationVoid {
		local, err := e.Store.Find(ctx, tenantId, entityType, externalId)
		if err != nil {
			return err
		}
		if local == nil || local.Deleted {
			return nil
		}
		return e.Store.SoftDelete(ctx, tenantId, entityType, externalId)
	}

	if e.Fetcher == nil {
		return utils.NewConfigurationError("remote_fetcher", "single-record sync requires a remote fetcher")
	}
	transforms, validations, err := e.compileRules(ctx, tenantId, entityType)
	if err != nil {
		return err
	}
	raw, err := e.Fetcher.GetByID(ctx, entityType, externalId)
	if err != nil {
		return err
	}
	rec, err := ParseRemoteRecord(raw)
	if err != nil {
		return err
	}
	if rec.ExternalId == "" {
		rec.ExternalId = externalId
	}

	local, err := e.Store.Find(ctx, tenantId, entityType, rec.ExternalId)
	if err != nil {
		return err
	}

	if conflict := DetectConflict(local, rec); conflict != nil {
		strategy, payload, err := ResolveDetected(conflict, e.Policy)
		if err != nil {
			return err
		}
		stored, err := PersistConflict(ctx, e.DB, tenantId, 0, entityType, conflict)
		if err != nil {
			return err
		}
		if strategy == models.ResolutionManual {
			return nil
		}
		if _, err := models.ResolveConflict(ctx, e.DB, stored.ID, stored.Version, strategy, "auto"); err != nil {
			return err
		}
		if strategy == models.ResolutionLocalWins {
			return nil
		}
		if !rec.Active {
			return e.Store.SoftDelete(ctx, tenantId, entityType, rec.ExternalId)
		}
		return e.Store.Update(ctx, tenantId, entityType, rec.ExternalId, payload, rec.UpdatedAt)
	}

	if !rec.Active {
		if local == nil || local.Deleted {
			return nil
		}
		return e.Store.SoftDelete(ctx, tenantId, entityType, rec.ExternalId)
	}

	payload, err := e.prepareRecord(rec, transforms, validations)
	if err != nil {
		return err
	}
	if local == nil {
		return e.Store.Create(ctx, tenantId, entityType, rec.ExternalId, payload, rec.UpdatedAt)
	}
	return e.Store.Update(ctx, tenantId, entityType, rec.ExternalId, payload, rec.UpdatedAt)
}
