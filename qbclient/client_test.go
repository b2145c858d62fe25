package qbclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/sirupsen/logrus"
)

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) GetValidAccessToken(context.Context, string, uint) (string, error) {
	return s.token, s.err
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	c := New(&staticTokens{token: "tok"}, logger, baseURL, "tenant-1", 1, "realm-1")
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestRequest_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.Request(context.Background(), http.MethodGet, "/v3/company/realm-1/query", nil, nil, DefaultRetryConfig()); err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestRequest_AuthorizationErrorShortCircuits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	var ae *utils.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %T: %v", err, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("401 must not be retried; got %d calls", n)
	}
}

func TestRequest_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	body, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	if err != nil {
		t.Fatalf("Request error after retries: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestRequest_ExhaustedRetriesReturnLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	var te *utils.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %T: %v", err, err)
	}
	if te.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected last status recorded, got %d", te.StatusCode)
	}
}

func TestRequest_SleepsUntilRateLimitReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(42 * time.Second)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("X-RateLimit-Remaining", "1")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.now = func() time.Time { return now }
	var slept time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	// First call learns the depleted quota from the response headers.
	if _, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, DefaultRetryConfig()); err != nil {
		t.Fatalf("first Request error: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first request must not sleep, slept %s", slept)
	}

	// Second call must wait for the reset before issuing the request.
	if _, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, DefaultRetryConfig()); err != nil {
		t.Fatalf("second Request error: %v", err)
	}
	if slept != 42*time.Second {
		t.Fatalf("expected 42s quota sleep, got %s", slept)
	}
}

func TestQueryChangedSince_BuildsStatementAndPaginates(t *testing.T) {
	var gotQuery string
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		page++
		records := `[{"Id":"1"},{"Id":"2"}]`
		if page > 1 {
			records = `[{"Id":"3"}]`
		}
		fmt.Fprintf(w, `{"QueryResponse":{"Customer":%s}}`, records)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	first, err := c.QueryChangedSince(context.Background(), "customer", since, 1, 2)
	if err != nil {
		t.Fatalf("QueryChangedSince error: %v", err)
	}
	if len(first.Records) != 2 || !first.HasMore {
		t.Fatalf("first page: records=%d hasMore=%v", len(first.Records), first.HasMore)
	}
	for _, fragment := range []string{"SELECT * FROM Customer", "Metadata.LastUpdatedTime >= '2026-02-01T00:00:00Z'", "STARTPOSITION 1", "MAXRESULTS 2"} {
		if !strings.Contains(gotQuery, fragment) {
			t.Fatalf("query %q missing fragment %q", gotQuery, fragment)
		}
	}

	second, err := c.QueryChangedSince(context.Background(), "customer", since, 3, 2)
	if err != nil {
		t.Fatalf("second page error: %v", err)
	}
	if len(second.Records) != 1 || second.HasMore {
		t.Fatalf("second page: records=%d hasMore=%v", len(second.Records), second.HasMore)
	}
}

func TestQueryChangedSince_UnknownEntityType(t *testing.T) {
	c := testClient(t, "http://unused.invalid")
	if _, err := c.QueryChangedSince(context.Background(), "widget", time.Time{}, 1, 10); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}
