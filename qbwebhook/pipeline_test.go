package qbwebhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/advisorhq/books_sync_backend/config"
	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/sirupsen/logrus"
)

func testPipeline(settings *config.ProviderSettings) *Pipeline {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p := NewPipeline(nil, logger, settings, nil, nil, nil)
	return p
}

type fakeDedupStore struct {
	seen       bool
	err        error
	signatures []string
	windows    []time.Duration
}

func (s *fakeDedupStore) Seen(_ context.Context, signature string, window time.Duration) (bool, error) {
	s.signatures = append(s.signatures, signature)
	s.windows = append(s.windows, window)
	return s.seen, s.err
}

func TestProcessPayload_RejectsBadSignature(t *testing.T) {
	p := testPipeline(&config.ProviderSettings{WebhookToken: "top-secret"})
	payload := []byte(`{"eventNotifications":[]}`)

	result, err := p.ProcessPayload(context.Background(), payload, sign("wrong-secret", payload))
	var ae *utils.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %T: %v", err, err)
	}
	if result.Processed != 0 || result.Skipped != 0 || result.Failed != 0 {
		t.Fatalf("rejected payload must not be processed: %+v", result)
	}

	// The valid signature for the same payload passes verification.
	result, err = p.ProcessPayload(context.Background(), payload, sign("top-secret", payload))
	if err != nil {
		t.Fatalf("ProcessPayload error: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Fatalf("empty delivery must be a no-op: %+v", result)
	}
}

func TestProcessPayload_MalformedBodyAfterValidSignature(t *testing.T) {
	p := testPipeline(&config.ProviderSettings{WebhookToken: "top-secret"})
	payload := []byte(`not json`)

	if _, err := p.ProcessPayload(context.Background(), payload, sign("top-secret", payload)); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestIsDuplicate_UsesConfiguredStore(t *testing.T) {
	p := testPipeline(nil)
	store := &fakeDedupStore{seen: true}
	p.Dedup = store

	dup, err := p.isDuplicate(context.Background(), "sig-1")
	if err != nil || !dup {
		t.Fatalf("dup=%v err=%v", dup, err)
	}
	if len(store.signatures) != 1 || store.signatures[0] != "sig-1" {
		t.Fatalf("signatures=%v", store.signatures)
	}
	if store.windows[0] != p.DedupWindow {
		t.Fatalf("window=%s want %s", store.windows[0], p.DedupWindow)
	}

	store.seen = false
	store.err = errors.New("store down")
	dup, err = p.isDuplicate(context.Background(), "sig-2")
	if dup || err == nil {
		t.Fatalf("store errors must surface: dup=%v err=%v", dup, err)
	}
}

func TestRetryDelay_DoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryDelay(time.Minute, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}
	if got := retryDelay(time.Minute, 10); got != time.Hour {
		t.Fatalf("expected one-hour cap, got %s", got)
	}
	if got := retryDelay(0, 1); got != time.Minute {
		t.Fatalf("zero base must default to a minute, got %s", got)
	}
}

func TestNormalizeOperation(t *testing.T) {
	cases := map[string]string{
		"Create":   models.WebhookOperationCreate,
		"create":   models.WebhookOperationCreate,
		"Delete":   models.WebhookOperationDelete,
		"Remove":   models.WebhookOperationDelete,
		"Void":     models.WebhookOperationVoid,
		"Update":   models.WebhookOperationUpdate,
		"Merge":    models.WebhookOperationUpdate,
		"anything": models.WebhookOperationUpdate,
	}
	for in, want := range cases {
		if got := normalizeOperation(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestEntityLockKey_ScopedPerTenantAndEntity(t *testing.T) {
	a := entityLockKey(&models.WebhookEvent{TenantId: "t1", EntityType: "invoice", EntityId: "7"})
	b := entityLockKey(&models.WebhookEvent{TenantId: "t2", EntityType: "invoice", EntityId: "7"})
	c := entityLockKey(&models.WebhookEvent{TenantId: "t1", EntityType: "invoice", EntityId: "8"})
	if a == b || a == c {
		t.Fatalf("lock keys must differ per tenant and entity: %q %q %q", a, b, c)
	}
	if a != entityLockKey(&models.WebhookEvent{TenantId: "t1", EntityType: "invoice", EntityId: "7"}) {
		t.Fatal("lock key must be stable for the same entity")
	}
}
