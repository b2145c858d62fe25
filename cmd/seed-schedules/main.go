// seed-schedules creates default hourly sync schedules for every entity type
// of one tenant. Run after a tenant's first successful connection.
//
// Usage:
//   DB_* env as for the main service, then:
//   go run ./cmd/seed-schedules -tenant <tenant-id> [-interval 3600]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
)

func main() {
	tenantId := flag.String("tenant", "", "tenant id to seed schedules for")
	interval := flag.Int("interval", 3600, "sync interval in seconds")
	flag.Parse()

	if *tenantId == "" {
		fmt.Fprintln(os.Stderr, "-tenant is required")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetTenantIdInContext(context.Background(), *tenantId)
	ctx = utils.SetSkipTenantScopeInContext(ctx, false)

	created, skipped := 0, 0
	for _, entityType := range models.AllEntityTypes {
		var existing int64
		err := db.WithContext(ctx).
			Model(&models.SyncSchedule{}).
			Where("tenant_id = ? AND entity_type = ?", *tenantId, entityType).
			Count(&existing).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "checking %s: %v\n", entityType, err)
			os.Exit(1)
		}
		if existing > 0 {
			skipped++
			continue
		}
		schedule := models.SyncSchedule{
			TenantId:        *tenantId,
			EntityType:      entityType,
			IntervalSeconds: *interval,
			NextRunAt:       time.Now(),
			Enabled:         true,
		}
		if err := db.WithContext(ctx).Create(&schedule).Error; err != nil {
			fmt.Fprintf(os.Stderr, "creating %s: %v\n", entityType, err)
			os.Exit(1)
		}
		created++
	}
	fmt.Printf("schedules: created=%d skipped=%d\n", created, skipped)
}
