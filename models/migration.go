package models

import (
	"log"

	"github.com/advisorhq/books_sync_backend/config"
)

// MigrateTable runs AutoMigrate for every persisted record.
// Skippable on startup via SKIP_MIGRATIONS=true.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Printf("migration skipped: db is nil")
		return
	}
	err := db.AutoMigrate(
		&Connection{},
		&Credential{},
		&WebhookEvent{},
		&SyncSession{},
		&SyncBatch{},
		&SyncRecordError{},
		&SyncConflict{},
		&SyncedRecord{},
		&SyncSchedule{},
		&TransformationRule{},
		&ValidationRule{},
		&Alert{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Printf("migration error: %v", err)
	}
}
