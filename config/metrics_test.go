package config

import (
	"testing"
	"time"
)

func TestMetricKey_HourBuckets(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	key := metricKey("sync", "succeeded", "tenant-1", at)
	if key != "metrics:sync:succeeded:tenant-1:2026050110" {
		t.Fatalf("got key %q", key)
	}

	// Same hour, different minute: same bucket.
	if metricKey("sync", "succeeded", "tenant-1", at.Add(20*time.Minute)) != key {
		t.Fatal("minutes must not change the bucket")
	}
	// Next hour: new bucket.
	if metricKey("sync", "succeeded", "tenant-1", at.Add(time.Hour)) == key {
		t.Fatal("hour boundary must roll the bucket")
	}
	// Buckets are keyed in UTC regardless of the caller's zone.
	local := at.In(time.FixedZone("UTC+5", 5*3600))
	if metricKey("sync", "succeeded", "tenant-1", local) != key {
		t.Fatal("bucket must be zone-independent")
	}
}
