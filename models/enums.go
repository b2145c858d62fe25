package models

const (
	IntegrationProviderQuickBooks = "quickbooks"
)

const (
	ConnectionStatusActive  = "active"
	ConnectionStatusExpired = "expired"
	ConnectionStatusError   = "error"
	ConnectionStatusRevoked = "revoked"
)

const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
	WebhookStatusDuplicate  = "duplicate"
)

const (
	WebhookOperationCreate = "create"
	WebhookOperationUpdate = "update"
	WebhookOperationDelete = "delete"
	WebhookOperationVoid   = "void"
)

const (
	SyncSessionStatusQueued    = "queued"
	SyncSessionStatusRunning   = "running"
	SyncSessionStatusSuccess   = "success"
	SyncSessionStatusFailed    = "failed"
	SyncSessionStatusPartial   = "partial"
	SyncSessionStatusCancelled = "cancelled"
)

const (
	SyncBatchStatusPending    = "pending"
	SyncBatchStatusProcessing = "processing"
	SyncBatchStatusCompleted  = "completed"
	SyncBatchStatusFailed     = "failed"
	SyncBatchStatusCancelled  = "cancelled"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduled = "scheduled"
	SyncTriggeredWebhook   = "webhook"
	SyncTriggeredRetry     = "retry"
)

const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

const (
	ConflictTypeDataMismatch     = "data_mismatch"
	ConflictTypeVersionConflict  = "version_conflict"
	ConflictTypeDeletionConflict = "deletion_conflict"
	ConflictTypeFieldConflict    = "field_conflict"
)

const (
	ResolutionManual     = "manual"
	ResolutionRemoteWins = "remote_wins"
	ResolutionLocalWins  = "local_wins"
	ResolutionMerge      = "merge"
)

const (
	ConflictStatusPending  = "pending"
	ConflictStatusResolved = "resolved"
)

// Entity types synced from QuickBooks. The string values match the entity
// names QuickBooks reports in webhook notifications, lowercased.
const (
	EntityTypeCustomer = "customer"
	EntityTypeInvoice  = "invoice"
	EntityTypeAccount  = "account"
	EntityTypeItem     = "item"
	EntityTypeVendor   = "vendor"
)

// AllEntityTypes lists every entity type the sync engine knows about, in the
// order a full sync walks them (parents before dependents).
var AllEntityTypes = []string{
	EntityTypeAccount,
	EntityTypeCustomer,
	EntityTypeVendor,
	EntityTypeItem,
	EntityTypeInvoice,
}

func IsKnownEntityType(entityType string) bool {
	for _, t := range AllEntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

const (
	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)
