package config

import (
	"context"
	"fmt"
	"time"
)

// Realtime metric counters live in redis, bucketed by hour, expiring after
// two hours. They are best-effort: a redis outage degrades the realtime
// dashboard, never the sync path.

func metricKey(component, name, tenantId string, t time.Time) string {
	return fmt.Sprintf("metrics:%s:%s:%s:%s", component, name, tenantId, t.UTC().Format("2006010215"))
}

// IncrMetricCounter bumps the current-hour bucket.
func IncrMetricCounter(ctx context.Context, component, name, tenantId string) {
	_, _ = IncrRedisCounterWithExpiry(ctx, metricKey(component, name, tenantId, time.Now()), 2*time.Hour)
}

// IncrMetricCounterBy bumps the current-hour bucket by n.
func IncrMetricCounterBy(ctx context.Context, component, name, tenantId string, n int64) {
	if rdb == nil || n == 0 {
		return
	}
	key := metricKey(component, name, tenantId, time.Now())
	if err := rdb.IncrBy(ctx, key, n).Err(); err == nil {
		_ = rdb.Expire(ctx, key, 2*time.Hour).Err()
	}
}

// GetMetricCounter sums the current and previous hour buckets, giving a
// rolling window that survives the hour boundary.
func GetMetricCounter(ctx context.Context, component, name, tenantId string) int64 {
	now := time.Now()
	current, _ := GetRedisCounter(ctx, metricKey(component, name, tenantId, now))
	previous, _ := GetRedisCounter(ctx, metricKey(component, name, tenantId, now.Add(-time.Hour)))
	return current + previous
}
