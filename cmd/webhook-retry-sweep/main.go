// webhook-retry-sweep runs one webhook retry sweep and exits. Intended to be
// scheduled (Cloud Scheduler / cron) alongside the service, so failed events
// get reprocessed even when no operator hits the internal endpoint.
//
// Usage:
//   DB_* and QB_* env as for the main service, then: go run ./cmd/webhook-retry-sweep
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/qbauth"
	"github.com/advisorhq/books_sync_backend/qbsync"
	"github.com/advisorhq/books_sync_backend/qbwebhook"
)

func main() {
	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	auth, err := qbauth.NewManager(db, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth manager: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.GetProviderSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider settings: %v\n", err)
		os.Exit(1)
	}

	queue := &qbsync.PubSubQueue{DB: db, Logger: logger}
	worker := qbsync.NewWorker(db, logger, auth, settings.APIBaseURL)
	pipeline := qbwebhook.NewPipeline(db, logger, settings, config.GetRedisLock(), queue, worker.NewEngine)

	retried, exhausted, err := pipeline.RetrySweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sweep done: retried=%d exhausted=%d\n", retried, exhausted)
}
