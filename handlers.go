package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/dashboard"
	"github.com/advisorhq/books_sync_backend/middlewares"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/qbauth"
	"github.com/advisorhq/books_sync_backend/qbsync"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/gin-gonic/gin"
)

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var ae *utils.AuthorizationError
	if errors.As(err, &ae) || errors.Is(err, utils.ErrInvalidState) {
		return http.StatusUnauthorized
	}
	var ve *utils.ValidationError
	var ce *utils.ConfigurationError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return http.StatusBadRequest
	}
	if errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, utils.ErrNoConnection) {
		return http.StatusNotFound
	}
	var te *utils.TransientError
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
	c.Abort()
}

func beginAuthorizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var body struct {
			Label                string `json:"label"`
			RedirectUrl          string `json:"redirect_url"`
			AdditionalConnection bool   `json:"additional_connection"`
		}
		_ = c.ShouldBindJSON(&body)

		result, err := app.auth.BeginAuthorization(c.Request.Context(), tenantId, qbauth.BeginOptions{
			Label:                body.Label,
			RedirectUrl:          body.RedirectUrl,
			AdditionalConnection: body.AdditionalConnection,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"authorization_url": result.AuthorizationUrl,
			"connection_ref":    result.ConnectionRef,
		})
	}
}

// oauthCallbackHandler completes the OAuth exchange. The state token carries
// the tenant, so this endpoint takes no bearer auth; a bad or replayed state
// is rejected as a security event.
func oauthCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		realmId := c.Query("realmId")
		if code == "" || state == "" || realmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code, state and realmId are required"})
			return
		}

		result, err := app.auth.CompleteAuthorization(c.Request.Context(), code, state, realmId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connection_id": result.ConnectionId,
			"expires_at":    result.ExpiresAt,
		})
	}
}

func listConnectionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		connections, err := app.auth.ListConnections(c.Request.Context(), tenantId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": connections})
	}
}

func revokeConnectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		id, err := paramUint(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
			return
		}
		if err := app.auth.Revoke(c.Request.Context(), tenantId, &id); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": id})
	}
}

func revokeAllConnectionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		if err := app.auth.Revoke(c.Request.Context(), tenantId, nil); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": "all"})
	}
}

// webhookHandler acknowledges promptly and processes asynchronously. The
// body is always drained, even on early exits, so the provider's delivery
// machinery never misreads a partial read as a transport failure.
func webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(config.GetLogger(), "server", "webhookHandler", "reading body", nil, err)
			c.Status(http.StatusOK)
			return
		}
		signature := c.GetHeader("intuit-signature")

		// Detach from the request context; processing outlives the 200.
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := app.pipeline.ProcessPayload(ctx, body, signature); err != nil {
				config.LogError(config.GetLogger(), "server", "webhookHandler", "processing payload", nil, err)
			}
		}()

		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

func triggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var body struct {
			EntityType   string   `json:"entity_type"`
			EntityTypes  []string `json:"entity_types"`
			SyncType     string   `json:"sync_type"`
			ConnectionId uint     `json:"connection_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		entityTypes, err := resolveEntityTypes(body.EntityType, body.EntityTypes)
		if err != nil {
			abortWithError(c, err)
			return
		}
		conn, err := resolveConnection(c.Request.Context(), tenantId, body.ConnectionId)
		if err != nil {
			abortWithError(c, err)
			return
		}

		sessions := make([]*models.SyncSession, 0, len(entityTypes))
		warnings := 0
		for _, entityType := range entityTypes {
			session, err := app.queue.Enqueue(c.Request.Context(), qbsync.SyncParams{
				TenantId:     tenantId,
				ConnectionId: conn.ID,
				EntityType:   entityType,
				SyncType:     body.SyncType,
				TriggeredBy:  models.SyncTriggeredManual,
			})
			if err != nil {
				if session != nil {
					// Row exists but publish failed; keep going and surface it.
					sessions = append(sessions, session)
					warnings++
					continue
				}
				abortWithError(c, err)
				return
			}
			sessions = append(sessions, session)
		}
		resp := gin.H{"sessions": sessions}
		if warnings > 0 {
			resp["warning"] = "queued but not dispatched"
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// resolveEntityTypes expands a manual trigger into the entity types it
// covers. An explicit list wins over the single field; an empty request
// syncs everything.
func resolveEntityTypes(single string, list []string) ([]string, error) {
	if len(list) == 0 {
		if single == "" {
			return models.AllEntityTypes, nil
		}
		list = []string{single}
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, entityType := range list {
		if !models.IsKnownEntityType(entityType) {
			return nil, &utils.ValidationError{Field: "entity_types", Rule: "known", Message: "unknown entity type " + entityType}
		}
		if seen[entityType] {
			continue
		}
		seen[entityType] = true
		out = append(out, entityType)
	}
	return out, nil
}

func resolveConnection(ctx context.Context, tenantId string, connectionId uint) (*models.Connection, error) {
	db := config.GetDB()
	if connectionId != 0 {
		conn, err := models.GetConnection(ctx, db, tenantId, connectionId)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, utils.ErrNoConnection
		}
		return conn, nil
	}
	conn, err := models.GetDefaultConnection(ctx, db, tenantId)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, utils.ErrNoConnection
	}
	return conn, nil
}

func listSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		q := config.GetDB().WithContext(c.Request.Context()).
			Where("tenant_id = ?", tenantId)
		if entityType := c.Query("entity_type"); entityType != "" {
			q = q.Where("entity_type = ?", entityType)
		}
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		var sessions []models.SyncSession
		if err := q.Order("id desc").Limit(queryLimit(c, 50)).Find(&sessions).Error; err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func getSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		id, err := paramUint(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		var session models.SyncSession
		if err := db.Where("id = ? AND tenant_id = ?", id, tenantId).First(&session).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		var batches []models.SyncBatch
		if err := db.Where("session_id = ?", id).Order("sequence asc").Find(&batches).Error; err != nil {
			abortWithError(c, err)
			return
		}
		var recordErrors []models.SyncRecordError
		if err := db.Where("session_id = ?", id).Order("id asc").Limit(200).Find(&recordErrors).Error; err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session": session,
			"batches": batches,
			"errors":  recordErrors,
		})
	}
}

// retrySessionHandler queues a follow-up sync for a finished session. The
// new session records its parent so the history view can chain them.
func retrySessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		id, err := paramUint(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		var parent models.SyncSession
		if err := db.Where("id = ? AND tenant_id = ?", id, tenantId).First(&parent).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if !parent.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "session is still in progress"})
			return
		}

		session, err := app.queue.Enqueue(c.Request.Context(), qbsync.SyncParams{
			TenantId:        tenantId,
			ConnectionId:    parent.ConnectionId,
			EntityType:      parent.EntityType,
			SyncType:        parent.SyncType,
			TriggeredBy:     models.SyncTriggeredRetry,
			ParentSessionId: &parent.ID,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session": session})
	}
}

func listSchedulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var schedules []models.SyncSchedule
		err := config.GetDB().WithContext(c.Request.Context()).
			Where("tenant_id = ?", tenantId).
			Order("entity_type asc").
			Find(&schedules).Error
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": schedules})
	}
}

func upsertScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var body struct {
			EntityType      string `json:"entity_type"`
			IntervalSeconds int    `json:"interval_seconds"`
			Enabled         *bool  `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || !models.IsKnownEntityType(body.EntityType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity_type is required and must be known"})
			return
		}
		if body.IntervalSeconds <= 0 {
			body.IntervalSeconds = 3600
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var schedule models.SyncSchedule
		err := db.Where("tenant_id = ? AND entity_type = ?", tenantId, body.EntityType).First(&schedule).Error
		if err != nil {
			schedule = models.SyncSchedule{
				TenantId:        tenantId,
				EntityType:      body.EntityType,
				IntervalSeconds: body.IntervalSeconds,
				NextRunAt:       time.Now().Add(time.Duration(body.IntervalSeconds) * time.Second),
				Enabled:         enabled,
			}
			if err := db.Create(&schedule).Error; err != nil {
				abortWithError(c, err)
				return
			}
		} else {
			updates := map[string]interface{}{
				"interval_seconds": body.IntervalSeconds,
				"enabled":          enabled,
			}
			if err := db.Model(&schedule).Updates(updates).Error; err != nil {
				abortWithError(c, err)
				return
			}
			schedule.IntervalSeconds = body.IntervalSeconds
			schedule.Enabled = enabled
		}
		c.JSON(http.StatusOK, gin.H{"schedule": schedule})
	}
}

func listConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		conflicts, err := models.ListPendingConflicts(c.Request.Context(), config.GetDB(),
			tenantId, c.Query("entity_type"), queryLimit(c, 100))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
	}
}

// resolveConflictHandler applies a reviewer's decision. The expected version
// makes the claim first-writer-wins; a lost race returns 409.
func resolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		id, err := paramUint(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
			return
		}
		var body struct {
			Strategy string `json:"strategy"`
			Version  int    `json:"version"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Strategy == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "strategy and version are required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var conflict models.SyncConflict
		if err := db.Where("id = ? AND tenant_id = ?", id, tenantId).First(&conflict).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
			return
		}

		resolvedBy, _ := utils.GetUsernameFromContext(c.Request.Context())
		if resolvedBy == "" {
			resolvedBy = "operator"
		}

		store := &qbsync.RecordStore{DB: config.GetDB()}
		claimed, err := qbsync.ApplyResolution(c.Request.Context(), config.GetDB(), store, &conflict, body.Version, body.Strategy, resolvedBy)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !claimed {
			c.JSON(http.StatusConflict, gin.H{"error": "conflict was resolved by someone else"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resolved": id, "strategy": body.Strategy})
	}
}

func healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := app.aggregator.GetHealthStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func dashboardMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		filter := dashboard.MetricsFilter{
			TenantId:   tenantId,
			EntityType: c.Query("entity_type"),
		}
		if sinceStr := c.Query("since"); sinceStr != "" {
			if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
				filter.Since = since
			}
		}
		metrics, err := app.aggregator.GetDashboardMetrics(c.Request.Context(), filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, metrics)
	}
}

func realtimeMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, app.aggregator.GetRealtimeMetrics(c.Request.Context(), tenantId))
	}
}

func listAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		alerts, err := models.ListOpenAlerts(c.Request.Context(), config.GetDB(), tenantId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	}
}

func resolveAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		id, err := paramUint(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}
		resolvedBy, _ := utils.GetUsernameFromContext(c.Request.Context())
		if resolvedBy == "" {
			resolvedBy = "operator"
		}
		if err := app.aggregator.ResolveAlert(c.Request.Context(), id, resolvedBy); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"resolved": id})
	}
}

// syncPubSubHandler receives Pub/Sub push deliveries for queued sync
// sessions. Malformed envelopes are acked to stop retry loops; processing
// errors return 500 so Pub/Sub redelivers.
func syncPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server", "syncPubSubHandler", "reading body", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server", "syncPubSubHandler", "unmarshalling envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		if err := app.worker.ProcessMessage(c.Request.Context(), msg.Message.ID, msg.Message.Data); err != nil {
			config.LogError(logger, "server", "syncPubSubHandler", "processing message", map[string]any{
				"message_id": msg.Message.ID,
			}, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// retrySweepHandler runs one webhook retry sweep. Admin only.
func retrySweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		if !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		retried, exhausted, err := app.pipeline.RetrySweep(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"retried": retried, "exhausted": exhausted})
	}
}

func paramUint(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	return uint(v), err
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return def
}
