package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Connection identifies one (tenant, QuickBooks realm) pairing. A tenant may
// hold several connections; at most one is the default. Connections are never
// hard-deleted while audit history exists; revocation sets status=revoked.
type Connection struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	TenantId   string     `gorm:"uniqueIndex:idx_tenant_realm,priority:1;not null" json:"tenant_id"`
	RealmId    string     `gorm:"uniqueIndex:idx_tenant_realm,priority:2;size:64;not null" json:"realm_id"`
	Provider   string     `gorm:"index;size:50;not null" json:"provider"`
	Label      string     `gorm:"size:255" json:"label"`
	IsDefault  bool       `gorm:"default:false" json:"is_default"`
	Status     string     `gorm:"size:20;not null" json:"status"`
	LastUsedAt *time.Time `json:"last_used_at"`
	LastError  string     `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential holds the encrypted OAuth token pair for one Connection.
// 1:1 by connection id; refresh replaces the ciphertext atomically via a
// compare-and-swap on Version so concurrent refreshes cannot lose updates.
type Credential struct {
	ID                    uint      `gorm:"primary_key" json:"id"`
	ConnectionId          uint      `gorm:"uniqueIndex;not null" json:"connection_id"`
	TenantId              string    `gorm:"index;not null" json:"tenant_id"`
	Ciphertext            []byte    `gorm:"type:blob;not null" json:"-"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	Version               int       `gorm:"not null;default:1" json:"version"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetConnection(ctx context.Context, db *gorm.DB, tenantId string, connectionId uint) (*Connection, error) {
	var conn Connection
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", connectionId, tenantId).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func GetConnectionByRealm(ctx context.Context, db *gorm.DB, realmId string) (*Connection, error) {
	var conn Connection
	err := db.WithContext(ctx).
		Where("realm_id = ? AND provider = ? AND status = ?", realmId, IntegrationProviderQuickBooks, ConnectionStatusActive).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func GetDefaultConnection(ctx context.Context, db *gorm.DB, tenantId string) (*Connection, error) {
	var conn Connection
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, ConnectionStatusActive).
		Order("is_default desc, id asc").
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func ListConnections(ctx context.Context, db *gorm.DB, tenantId string) ([]Connection, error) {
	var conns []Connection
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("id asc").
		Find(&conns).Error
	return conns, err
}

func GetCredential(ctx context.Context, db *gorm.DB, connectionId uint) (*Credential, error) {
	var cred Credential
	err := db.WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// ReplaceCredential swaps the stored token pair using an expected-version
// update. Returns false when another writer refreshed first.
func ReplaceCredential(ctx context.Context, db *gorm.DB, cred *Credential, expectedVersion int) (bool, error) {
	res := db.WithContext(ctx).
		Model(&Credential{}).
		Where("connection_id = ? AND version = ?", cred.ConnectionId, expectedVersion).
		Updates(map[string]interface{}{
			"ciphertext":               cred.Ciphertext,
			"access_token_expires_at":  cred.AccessTokenExpiresAt,
			"refresh_token_expires_at": cred.RefreshTokenExpiresAt,
			"version":                  expectedVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func DeleteCredential(ctx context.Context, db *gorm.DB, connectionId uint) error {
	return db.WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Delete(&Credential{}).Error
}
