package qbauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Manager owns the OAuth connection lifecycle for QuickBooks: authorization,
// code exchange, inline token refresh and revocation. Refresh happens inline
// with the request that discovers imminent expiry; there is no background
// refresh timer to keep consistent across restarts.
type Manager struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Settings   *config.ProviderSettings
	States     StateStore
	HTTPClient *http.Client

	RefreshBuffer  time.Duration
	StateTTL       time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Now func() time.Time

	// source and refreshFn fall back to the gorm-backed paths when nil.
	source    credentialSource
	refreshFn func(ctx context.Context, tenantId string, connectionId uint) (*models.Credential, error)
}

// credentialSource loads the rows token issuance reads.
type credentialSource interface {
	connection(ctx context.Context, tenantId string, connectionId uint) (*models.Connection, error)
	credential(ctx context.Context, connectionId uint) (*models.Credential, error)
	touch(ctx context.Context, connectionId uint, at time.Time)
}

type dbCredentialSource struct {
	db *gorm.DB
}

func (s *dbCredentialSource) connection(ctx context.Context, tenantId string, connectionId uint) (*models.Connection, error) {
	return models.GetConnection(ctx, s.db, tenantId, connectionId)
}

func (s *dbCredentialSource) credential(ctx context.Context, connectionId uint) (*models.Credential, error) {
	return models.GetCredential(ctx, s.db, connectionId)
}

func (s *dbCredentialSource) touch(ctx context.Context, connectionId uint, at time.Time) {
	_ = s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionId).
		Update("last_used_at", &at).Error
}

func NewManager(db *gorm.DB, logger *logrus.Logger) (*Manager, error) {
	settings, err := config.GetProviderSettings()
	if err != nil {
		return nil, err
	}
	var states StateStore
	if rdb := config.GetRedisDB(); rdb != nil {
		states = &RedisStateStore{Client: rdb}
	} else {
		states = NewMemoryStateStore()
	}
	return &Manager{
		DB:             db,
		Logger:         logger,
		Settings:       settings,
		States:         states,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		RefreshBuffer:  time.Duration(intEnv("QB_REFRESH_BUFFER_SECONDS", 300)) * time.Second,
		StateTTL:       time.Duration(intEnv("QB_STATE_TTL_SECONDS", 600)) * time.Second,
		MaxRetries:     intEnv("QB_TOKEN_MAX_RETRIES", 3),
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Now:            time.Now,
	}, nil
}

type BeginOptions struct {
	Label                string
	AdditionalConnection bool
	RedirectUrl          string
}

type BeginResult struct {
	AuthorizationUrl string
	State            string
	ConnectionRef    string
}

// BeginAuthorization generates a single-use state token, persists the pending
// auth with a short TTL and returns the provider authorization URL.
func (m *Manager) BeginAuthorization(ctx context.Context, tenantId string, opts BeginOptions) (*BeginResult, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}

	redirect := strings.TrimSpace(opts.RedirectUrl)
	if redirect == "" {
		redirect = m.Settings.RedirectURL
	}
	if redirect == "" {
		return nil, utils.NewConfigurationError("QB_REDIRECT_URL", "oauth redirect url is not set")
	}

	pending := PendingAuth{
		TenantId:             tenantId,
		ConnectionRef:        uuid.NewString(),
		Label:                strings.TrimSpace(opts.Label),
		AdditionalConnection: opts.AdditionalConnection,
		RedirectUrl:          redirect,
		CreatedAt:            m.Now(),
	}
	if err := m.States.Put(ctx, state, pending, m.StateTTL); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("client_id", m.Settings.ClientID)
	params.Set("response_type", "code")
	params.Set("scope", "com.intuit.quickbooks.accounting")
	params.Set("redirect_uri", redirect)
	params.Set("state", state)

	return &BeginResult{
		AuthorizationUrl: m.Settings.AuthorizeURL + "?" + params.Encode(),
		State:            state,
		ConnectionRef:    pending.ConnectionRef,
	}, nil
}

type CompleteResult struct {
	ConnectionId uint
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CompleteAuthorization verifies and consumes the state, exchanges the code
// and persists the connection with encrypted credentials.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state, realmId string) (*CompleteResult, error) {
	pending, ok, err := m.States.Take(ctx, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Unknown, expired or reused state: potential replay/CSRF.
		m.Logger.WithFields(logrus.Fields{
			"module":   "qbauth",
			"event":    "security",
			"realm_id": realmId,
		}).Warn("oauth state rejected")
		return nil, utils.ErrInvalidState
	}

	tok, err := m.exchangeToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {pending.RedirectUrl},
	})
	if err != nil {
		return nil, err
	}

	conn, err := m.upsertConnection(ctx, pending, realmId)
	if err != nil {
		return nil, err
	}

	now := m.Now()
	expiresAt := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	refreshExpiresAt := now.Add(time.Duration(tok.RefreshTokenExpiresIn) * time.Second)
	if err := m.storeCredential(ctx, conn, TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, expiresAt, refreshExpiresAt); err != nil {
		return nil, err
	}

	return &CompleteResult{
		ConnectionId: conn.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// GetValidAccessToken returns a usable access token for the connection,
// refreshing first when expiry falls within the refresh buffer.
func (m *Manager) GetValidAccessToken(ctx context.Context, tenantId string, connectionId uint) (string, error) {
	source := m.source
	if source == nil {
		source = &dbCredentialSource{db: m.DB}
	}

	conn, err := source.connection(ctx, tenantId, connectionId)
	if err != nil {
		return "", err
	}
	if conn == nil || conn.Status == models.ConnectionStatusRevoked {
		return "", utils.ErrNoConnection
	}

	cred, err := source.credential(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", utils.ErrNoConnection
	}

	if m.Now().Add(m.RefreshBuffer).After(cred.AccessTokenExpiresAt) {
		refresh := m.refreshFn
		if refresh == nil {
			refresh = m.Refresh
		}
		cred, err = refresh(ctx, tenantId, connectionId)
		if err != nil {
			return "", err
		}
	}

	pair, err := OpenTokenPair(cred.Ciphertext)
	if err != nil {
		return "", err
	}

	source.touch(ctx, conn.ID, m.Now())
	return pair.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new pair. Only transient
// failures are retried; invalid_grant marks the connection errored. The
// credential row is replaced via CAS so concurrent refreshes cannot clobber
// each other -- the loser just reads the winner's credential.
func (m *Manager) Refresh(ctx context.Context, tenantId string, connectionId uint) (*models.Credential, error) {
	conn, err := models.GetConnection(ctx, m.DB, tenantId, connectionId)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status == models.ConnectionStatusRevoked {
		return nil, utils.ErrNoConnection
	}

	cred, err := models.GetCredential(ctx, m.DB, conn.ID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, utils.ErrNoConnection
	}

	pair, err := OpenTokenPair(cred.Ciphertext)
	if err != nil {
		return nil, err
	}

	var tok *tokenResponse
	attempt := 0
	for {
		tok, err = m.exchangeToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {pair.RefreshToken},
		})
		if err == nil {
			break
		}
		var ae *utils.AuthorizationError
		if errors.As(err, &ae) {
			m.markConnectionError(ctx, conn.ID, err.Error())
			return nil, err
		}
		attempt++
		if attempt > m.MaxRetries {
			m.markConnectionError(ctx, conn.ID, err.Error())
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(m.InitialBackoff, m.MaxBackoff, attempt)):
		}
	}

	now := m.Now()
	sealed, err := SealTokenPair(TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})
	if err != nil {
		return nil, err
	}
	next := &models.Credential{
		ConnectionId:          conn.ID,
		TenantId:              tenantId,
		Ciphertext:            sealed,
		AccessTokenExpiresAt:  now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		RefreshTokenExpiresAt: now.Add(time.Duration(tok.RefreshTokenExpiresIn) * time.Second),
	}

	swapped, err := models.ReplaceCredential(ctx, m.DB, next, cred.Version)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Another caller refreshed first; their credential is current.
		return models.GetCredential(ctx, m.DB, conn.ID)
	}

	_ = m.DB.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]interface{}{
			"status":     models.ConnectionStatusActive,
			"last_error": "",
		}).Error

	return models.GetCredential(ctx, m.DB, conn.ID)
}

// Revoke revokes one connection, or all of the tenant's connections when
// connectionId is nil. Remote revocation is best effort; local revocation
// always proceeds.
func (m *Manager) Revoke(ctx context.Context, tenantId string, connectionId *uint) error {
	var conns []models.Connection
	if connectionId != nil {
		conn, err := models.GetConnection(ctx, m.DB, tenantId, *connectionId)
		if err != nil {
			return err
		}
		if conn == nil {
			return utils.ErrNoConnection
		}
		conns = []models.Connection{*conn}
	} else {
		var err error
		conns, err = models.ListConnections(ctx, m.DB, tenantId)
		if err != nil {
			return err
		}
	}

	for _, conn := range conns {
		if conn.Status == models.ConnectionStatusRevoked {
			continue
		}
		if cred, err := models.GetCredential(ctx, m.DB, conn.ID); err == nil && cred != nil {
			if pair, err := OpenTokenPair(cred.Ciphertext); err == nil {
				if err := m.revokeRemote(ctx, pair.RefreshToken); err != nil {
					m.Logger.WithFields(logrus.Fields{
						"module":        "qbauth",
						"connection_id": conn.ID,
					}).Warn("remote revocation failed: " + err.Error())
				}
			}
		}
		if err := m.DB.WithContext(ctx).Model(&models.Connection{}).
			Where("id = ?", conn.ID).
			Update("status", models.ConnectionStatusRevoked).Error; err != nil {
			return err
		}
		if err := models.DeleteCredential(ctx, m.DB, conn.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ListConnections(ctx context.Context, tenantId string) ([]models.Connection, error) {
	return models.ListConnections(ctx, m.DB, tenantId)
}

func (m *Manager) upsertConnection(ctx context.Context, pending PendingAuth, realmId string) (*models.Connection, error) {
	var existing models.Connection
	err := m.DB.WithContext(ctx).
		Where("tenant_id = ? AND realm_id = ?", pending.TenantId, realmId).
		Take(&existing).Error
	if err == nil {
		updates := map[string]interface{}{
			"status":     models.ConnectionStatusActive,
			"last_error": "",
		}
		if pending.Label != "" {
			updates["label"] = pending.Label
		}
		if err := m.DB.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var activeCount int64
	if err := m.DB.WithContext(ctx).Model(&models.Connection{}).
		Where("tenant_id = ? AND status = ?", pending.TenantId, models.ConnectionStatusActive).
		Count(&activeCount).Error; err != nil {
		return nil, err
	}

	conn := models.Connection{
		TenantId:  pending.TenantId,
		RealmId:   realmId,
		Provider:  models.IntegrationProviderQuickBooks,
		Label:     pending.Label,
		IsDefault: activeCount == 0 || !pending.AdditionalConnection,
		Status:    models.ConnectionStatusActive,
	}
	if err := m.DB.WithContext(ctx).Create(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (m *Manager) storeCredential(ctx context.Context, conn *models.Connection, pair TokenPair, expiresAt, refreshExpiresAt time.Time) error {
	sealed, err := SealTokenPair(pair)
	if err != nil {
		return err
	}

	existing, err := models.GetCredential(ctx, m.DB, conn.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		cred := models.Credential{
			ConnectionId:          conn.ID,
			TenantId:              conn.TenantId,
			Ciphertext:            sealed,
			AccessTokenExpiresAt:  expiresAt,
			RefreshTokenExpiresAt: refreshExpiresAt,
			Version:               1,
		}
		return m.DB.WithContext(ctx).Create(&cred).Error
	}

	next := &models.Credential{
		ConnectionId:          conn.ID,
		TenantId:              conn.TenantId,
		Ciphertext:            sealed,
		AccessTokenExpiresAt:  expiresAt,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}
	swapped, err := models.ReplaceCredential(ctx, m.DB, next, existing.Version)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("credential for connection %d changed concurrently during authorization", conn.ID)
	}
	return nil
}

func (m *Manager) markConnectionError(ctx context.Context, connectionId uint, detail string) {
	_ = m.DB.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionId).
		Updates(map[string]interface{}{
			"status":     models.ConnectionStatusError,
			"last_error": detail,
		}).Error
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int    `json:"expires_in"`
	RefreshTokenExpiresIn int    `json:"x_refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) exchangeToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Settings.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(m.Settings.ClientID, m.Settings.ClientSecret)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, &utils.TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, fmt.Errorf("token endpoint returned no access token")
		}
		return &tok, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		var tokErr tokenErrorResponse
		_ = json.Unmarshal(body, &tokErr)
		reason := tokErr.Error
		if reason == "" {
			reason = fmt.Sprintf("token endpoint rejected request (status %d)", resp.StatusCode)
		}
		return nil, &utils.AuthorizationError{Reason: reason}
	default:
		return nil, &utils.TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("token endpoint error: %s", strings.TrimSpace(string(body))),
		}
	}
}

func (m *Manager) revokeRemote(ctx context.Context, refreshToken string) error {
	payload, _ := json.Marshal(map[string]string{"token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Settings.RevokeURL, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(m.Settings.ClientID, m.Settings.ClientSecret)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("revoke endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// backoffDelay is deterministic: base * 2^(attempt-1), capped.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
