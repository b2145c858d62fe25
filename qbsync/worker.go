package qbsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/qbauth"
	"github.com/advisorhq/books_sync_backend/qbclient"
	"github.com/advisorhq/books_sync_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const sessionHandlerName = "sync_session"

// PubSubQueue enqueues a session by persisting the queued row and publishing
// it to the worker topic. The row is the source of truth; a lost message is
// recoverable by republishing the session id.
type PubSubQueue struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func (q *PubSubQueue) Enqueue(ctx context.Context, p SyncParams) (*models.SyncSession, error) {
	session, err := NewQueuedSession(ctx, q.DB, p)
	if err != nil {
		return nil, err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	_, err = config.PublishSyncSession(ctx, config.SyncSessionMessage{
		SessionId:     session.ID,
		TenantId:      session.TenantId,
		ConnectionId:  session.ConnectionId,
		CorrelationId: correlationId,
	})
	if err != nil {
		config.LogError(q.Logger, moduleName, "Enqueue", "publishing sync session", map[string]any{
			"session_id": session.ID,
		}, err)
		return session, err
	}
	return session, nil
}

// EngineFactory builds a per-connection engine. Overridable in tests.
type EngineFactory func(ctx context.Context, conn *models.Connection) (*Engine, error)

// Worker consumes queued sync sessions delivered over Pub/Sub push. Each
// message is guarded by a durable idempotency key so redeliveries cannot
// run a session twice.
type Worker struct {
	DB      *gorm.DB
	Logger  *logrus.Logger
	Auth    *qbauth.Manager
	BaseURL string

	NewEngine EngineFactory
}

func NewWorker(db *gorm.DB, logger *logrus.Logger, auth *qbauth.Manager, baseURL string) *Worker {
	w := &Worker{DB: db, Logger: logger, Auth: auth, BaseURL: baseURL}
	w.NewEngine = w.defaultEngine
	return w
}

func (w *Worker) defaultEngine(ctx context.Context, conn *models.Connection) (*Engine, error) {
	client := qbclient.New(w.Auth, w.Logger, w.BaseURL, conn.TenantId, conn.ID, conn.RealmId)
	store := &RecordStore{DB: w.DB, ConnectionId: conn.ID}
	return NewEngine(w.DB, w.Logger, store, client), nil
}

// ProcessMessage handles one delivered sync-session message. A returned
// error asks the broker to redeliver; nil acknowledges.
func (w *Worker) ProcessMessage(ctx context.Context, messageId string, data []byte) error {
	var msg config.SyncSessionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Malformed payloads are acked; redelivery cannot fix them.
		config.LogError(w.Logger, moduleName, "ProcessMessage", "unmarshalling message", map[string]any{
			"message_id": messageId,
		}, err)
		return nil
	}
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	ctx = utils.SetTenantIdInContext(ctx, msg.TenantId)

	done, err := w.claimIdempotency(ctx, msg.TenantId, messageId)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	runErr := w.runSession(ctx, msg)
	if settleErr := w.settleIdempotency(ctx, msg.TenantId, messageId, runErr); settleErr != nil {
		config.LogError(w.Logger, moduleName, "ProcessMessage", "settling idempotency key", map[string]any{
			"message_id": messageId,
		}, settleErr)
	}
	if runErr != nil && utils.IsRetryable(runErr) {
		return runErr
	}
	return nil
}

func (w *Worker) runSession(ctx context.Context, msg config.SyncSessionMessage) error {
	var session models.SyncSession
	err := w.DB.WithContext(ctx).Where("id = ?", msg.SessionId).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session %d not found", msg.SessionId)
		}
		return err
	}
	if session.IsTerminal() || session.Status == models.SyncSessionStatusRunning {
		return nil
	}

	conn, err := models.GetConnection(ctx, w.DB, session.TenantId, session.ConnectionId)
	if err != nil {
		return err
	}
	if conn == nil || conn.Status != models.ConnectionStatusActive {
		w.failSessionNoConnection(ctx, &session)
		return nil
	}

	engine, err := w.NewEngine(ctx, conn)
	if err != nil {
		return err
	}
	return engine.RunSession(ctx, &session)
}

func (w *Worker) failSessionNoConnection(ctx context.Context, session *models.SyncSession) {
	err := w.DB.WithContext(ctx).
		Model(&models.SyncSession{}).
		Where("id = ? AND status = ?", session.ID, models.SyncSessionStatusQueued).
		Updates(map[string]interface{}{
			"status":       models.SyncSessionStatusFailed,
			"error_detail": utils.ErrNoConnection.Error(),
		}).Error
	if err != nil {
		config.LogError(w.Logger, moduleName, "failSessionNoConnection", "failing session", map[string]any{
			"session_id": session.ID,
		}, err)
	}
}

// claimIdempotency inserts a STARTED key for this message. Returns done=true
// when a previous delivery already succeeded. A FAILED key is re-claimed so
// redelivery retries the work.
func (w *Worker) claimIdempotency(ctx context.Context, tenantId, messageId string) (done bool, err error) {
	key := models.IdempotencyKey{
		TenantId:    tenantId,
		HandlerName: sessionHandlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	insertErr := w.DB.WithContext(ctx).Create(&key).Error
	if insertErr == nil {
		return false, nil
	}
	if !isDuplicateKey(insertErr) {
		return false, insertErr
	}

	var existing models.IdempotencyKey
	err = w.DB.WithContext(ctx).
		Where("tenant_id = ? AND handler_name = ? AND message_id = ?", tenantId, sessionHandlerName, messageId).
		First(&existing).Error
	if err != nil {
		return false, err
	}
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusFailed:
		return false, w.DB.WithContext(ctx).
			Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Update("status", models.IdempotencyStatusStarted).Error
	default:
		// Another delivery is mid-flight; back off and let it finish.
		return false, &utils.TransientError{Err: fmt.Errorf("message %s already in flight", messageId)}
	}
}

func (w *Worker) settleIdempotency(ctx context.Context, tenantId, messageId string, runErr error) error {
	update := map[string]interface{}{"status": models.IdempotencyStatusSucceeded}
	if runErr != nil {
		msg := runErr.Error()
		update["status"] = models.IdempotencyStatusFailed
		update["last_error"] = &msg
	}
	return w.DB.WithContext(context.WithoutCancel(ctx)).
		Model(&models.IdempotencyKey{}).
		Where("tenant_id = ? AND handler_name = ? AND message_id = ?", tenantId, sessionHandlerName, messageId).
		Updates(update).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
