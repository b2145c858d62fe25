package qbclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/sirupsen/logrus"
)

// TokenSource supplies a live access token per call. Satisfied by
// qbauth.Manager; the indirection keeps this package free of DB concerns.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, tenantId string, connectionId uint) (string, error)
}

// RetryConfig bounds the retry loop for one logical request.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Client is an authenticated QuickBooks API client bound to one connection.
// All outbound calls funnel through a single-flight mutex so rate-limit
// bookkeeping (remaining quota, reset time) is observed serially instead of
// racing concurrent callers.
type Client struct {
	Tokens       TokenSource
	HTTPClient   *http.Client
	Logger       *logrus.Logger
	BaseURL      string
	TenantId     string
	ConnectionId uint
	RealmId      string

	// LowWaterMark is the remaining-quota floor; at or below it the client
	// sleeps until the tracked reset time before issuing the next request.
	LowWaterMark int

	mu            sync.Mutex
	rateRemaining int
	rateResetAt   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(tokens TokenSource, logger *logrus.Logger, baseURL, tenantId string, connectionId uint, realmId string) *Client {
	return &Client{
		Tokens:        tokens,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Logger:        logger,
		BaseURL:       strings.TrimRight(baseURL, "/"),
		TenantId:      tenantId,
		ConnectionId:  connectionId,
		RealmId:       realmId,
		LowWaterMark:  2,
		rateRemaining: -1,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Request performs one authenticated call with retry. 401/403 fail
// immediately as authorization errors; 429 and 5xx retry with exponential
// backoff up to the configured attempt cap.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body []byte, retry RetryConfig) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, err
		}

		respBody, err := c.doOnce(ctx, method, path, query, body)
		if err == nil {
			return respBody, nil
		}
		if !utils.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == retry.MaxAttempts {
			break
		}
		delay := retry.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= retry.MaxDelay {
				delay = retry.MaxDelay
				break
			}
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) waitForQuota(ctx context.Context) error {
	if c.rateRemaining < 0 || c.rateRemaining > c.LowWaterMark {
		return nil
	}
	wait := c.rateResetAt.Sub(c.now())
	if wait <= 0 {
		return nil
	}
	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"module":    "qbclient",
			"realm_id":  c.RealmId,
			"remaining": c.rateRemaining,
			"wait":      wait.String(),
		}).Info("sleeping until rate-limit reset")
	}
	return c.sleep(ctx, wait)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	token, err := c.Tokens.GetValidAccessToken(ctx, c.TenantId, c.ConnectionId)
	if err != nil {
		return nil, err
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &utils.TransientError{Err: err}
	}
	defer resp.Body.Close()

	c.trackRateLimit(resp.Header)

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &utils.AuthorizationError{
			Reason: fmt.Sprintf("api rejected credentials (status %d)", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &utils.TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("api error: %s", strings.TrimSpace(string(respBody))),
		}
	default:
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *Client) trackRateLimit(h http.Header) {
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rateRemaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.rateResetAt = time.Unix(epoch, 0)
		}
	}
}
