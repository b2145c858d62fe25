package qbsync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SessionQueue hands a sync request to the worker tier. The production
// implementation creates a queued session row and publishes it to Pub/Sub.
type SessionQueue interface {
	Enqueue(ctx context.Context, p SyncParams) (*models.SyncSession, error)
}

// Scheduler drives periodic syncs off persisted SyncSchedule rows with one
// ticker. Schedules survive restarts because due times live in the database,
// not in per-tenant timers.
type Scheduler struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Queue  SessionQueue
	Locker *redislock.Client

	TickInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
}

func NewScheduler(db *gorm.DB, logger *logrus.Logger, queue SessionQueue, locker *redislock.Client) *Scheduler {
	return &Scheduler{
		DB:           db,
		Logger:       logger,
		Queue:        queue,
		Locker:       locker,
		TickInterval: time.Minute,
		BatchLimit:   100,
		Now:          time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues a sync for every schedule whose next-run time has elapsed.
// A dead-letter schedule (tenant with no usable connection) is advanced
// anyway so it cannot wedge the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.Now()
	due, err := models.FindDueSchedules(ctx, s.DB, now, s.BatchLimit)
	if err != nil {
		config.LogError(s.Logger, moduleName, "Tick", "loading due schedules", nil, err)
		return
	}

	for _, schedule := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, schedule, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, schedule models.SyncSchedule, now time.Time) {
	// Per-schedule lock so concurrent scheduler instances enqueue once.
	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, scheduleLockKey(schedule.ID), s.TickInterval, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				config.LogError(s.Logger, moduleName, "dispatch", "obtaining schedule lock", map[string]any{
					"schedule_id": schedule.ID,
				}, err)
			}
			return
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	conn, err := models.GetDefaultConnection(ctx, s.DB, schedule.TenantId)
	if err != nil || conn == nil || conn.Status != models.ConnectionStatusActive {
		s.Logger.WithFields(logrus.Fields{
			"module":      moduleName,
			"tenant_id":   schedule.TenantId,
			"entity_type": schedule.EntityType,
		}).Warn("schedule skipped: no active connection")
		s.advance(ctx, schedule, now)
		return
	}

	_, err = s.Queue.Enqueue(ctx, SyncParams{
		TenantId:     schedule.TenantId,
		ConnectionId: conn.ID,
		EntityType:   schedule.EntityType,
		SyncType:     models.SyncTypeIncremental,
		TriggeredBy:  models.SyncTriggeredScheduled,
	})
	if err != nil {
		config.LogError(s.Logger, moduleName, "dispatch", "enqueuing scheduled sync", map[string]any{
			"tenant_id":   schedule.TenantId,
			"entity_type": schedule.EntityType,
		}, err)
		return
	}
	s.advance(ctx, schedule, now)
}

func (s *Scheduler) advance(ctx context.Context, schedule models.SyncSchedule, now time.Time) {
	if err := models.AdvanceSchedule(ctx, s.DB, schedule.ID, now, schedule.IntervalSeconds); err != nil {
		config.LogError(s.Logger, moduleName, "advance", "advancing schedule", map[string]any{
			"schedule_id": schedule.ID,
		}, err)
	}
}

func scheduleLockKey(id uint) string {
	return "sync:schedule:" + strconv.FormatUint(uint64(id), 10)
}
