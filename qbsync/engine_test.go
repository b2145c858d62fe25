package qbsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/qbclient"
	"github.com/advisorhq/books_sync_backend/utils"
	"github.com/sirupsen/logrus"
)

type fakeStore struct {
	entities map[string]*LocalEntity
	creates  int
	updates  int
	deletes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: map[string]*LocalEntity{}}
}

func storeKey(tenantId, entityType, externalId string) string {
	return tenantId + "/" + entityType + "/" + externalId
}

func (s *fakeStore) Find(_ context.Context, tenantId, entityType, externalId string) (*LocalEntity, error) {
	ent, ok := s.entities[storeKey(tenantId, entityType, externalId)]
	if !ok {
		return nil, nil
	}
	cp := *ent
	return &cp, nil
}

func (s *fakeStore) Create(_ context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error {
	s.creates++
	s.entities[storeKey(tenantId, entityType, externalId)] = &LocalEntity{
		ExternalId: externalId, Payload: payload, UpdatedAt: remoteUpdatedAt,
	}
	return nil
}

func (s *fakeStore) Update(_ context.Context, tenantId, entityType, externalId string, payload []byte, remoteUpdatedAt time.Time) error {
	s.updates++
	s.entities[storeKey(tenantId, entityType, externalId)] = &LocalEntity{
		ExternalId: externalId, Payload: payload, UpdatedAt: remoteUpdatedAt,
	}
	return nil
}

func (s *fakeStore) SoftDelete(_ context.Context, tenantId, entityType, externalId string) error {
	s.deletes++
	if ent, ok := s.entities[storeKey(tenantId, entityType, externalId)]; ok {
		ent.Deleted = true
	}
	return nil
}

type fakeRemote struct {
	pages   [][]json.RawMessage
	calls   int
	failAt  int
	byId    map[string]json.RawMessage
	gotByID []string
}

func (r *fakeRemote) QueryChangedSince(_ context.Context, _ string, _ time.Time, startPosition, pageSize int) (*qbclient.QueryPage, error) {
	if r.failAt > 0 && r.calls+1 == r.failAt {
		r.calls++
		return nil, fmt.Errorf("remote unavailable")
	}
	idx := r.calls
	r.calls++
	if idx >= len(r.pages) {
		return &qbclient.QueryPage{StartPosition: startPosition}, nil
	}
	return &qbclient.QueryPage{
		Records:       r.pages[idx],
		StartPosition: startPosition,
		HasMore:       len(r.pages[idx]) == pageSize,
	}, nil
}

func (r *fakeRemote) GetByID(_ context.Context, _ string, id string) (json.RawMessage, error) {
	r.gotByID = append(r.gotByID, id)
	raw, ok := r.byId[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return raw, nil
}

func testEngine(store *fakeStore, remote *fakeRemote) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	e := NewEngine(nil, logger, store, remote)
	e.PageSize = 2
	return e
}

func rawCustomer(id, name string, updated time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"Id":%q,"DisplayName":%q,"Active":true,"MetaData":{"LastUpdatedTime":%q}}`,
		id, name, updated.Format(time.RFC3339)))
}

func TestFetchChanged_WalksAllPages(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	remote := &fakeRemote{pages: [][]json.RawMessage{
		{rawCustomer("1", "A", now), rawCustomer("2", "B", now.Add(time.Minute))},
		{rawCustomer("3", "C", now.Add(2 * time.Minute))},
	}}
	e := testEngine(newFakeStore(), remote)

	records, err := e.fetchChanged(context.Background(), "customer", time.Time{})
	if err != nil {
		t.Fatalf("fetchChanged error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records", len(records))
	}
	if remote.calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", remote.calls)
	}
}

func TestFetchChanged_MidWalkFailureKeepsProgress(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	remote := &fakeRemote{
		pages: [][]json.RawMessage{
			{rawCustomer("1", "A", now), rawCustomer("2", "B", now)},
			{rawCustomer("3", "C", now)},
		},
		failAt: 2,
	}
	e := testEngine(newFakeStore(), remote)

	records, err := e.fetchChanged(context.Background(), "customer", time.Time{})
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if len(records) != 2 {
		t.Fatalf("first page must be kept, got %d records", len(records))
	}
}

func TestFetchChanged_SkipsRecordsWithoutIds(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	remote := &fakeRemote{pages: [][]json.RawMessage{
		{rawCustomer("1", "A", now), json.RawMessage(`{"DisplayName":"no id"}`)},
	}}
	e := testEngine(newFakeStore(), remote)

	records, err := e.fetchChanged(context.Background(), "customer", time.Time{})
	if err != nil {
		t.Fatalf("fetchChanged error: %v", err)
	}
	if len(records) != 1 || records[0].ExternalId != "1" {
		t.Fatalf("got %+v", records)
	}
}

func TestNextCursor(t *testing.T) {
	e := testEngine(newFakeStore(), &fakeRemote{})
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	records := []RemoteRecord{
		{UpdatedAt: since.Add(time.Hour)},
		{UpdatedAt: since.Add(3 * time.Hour)},
		{UpdatedAt: since.Add(2 * time.Hour)},
	}
	if got := e.nextCursor(records, since); got != "2026-05-01T03:00:00Z" {
		t.Fatalf("got cursor %q", got)
	}

	// Empty window keeps the previous cursor.
	if got := e.nextCursor(nil, since); got != "2026-05-01T00:00:00Z" {
		t.Fatalf("got cursor %q", got)
	}

	// First-ever empty sync anchors at the current time.
	fixed := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return fixed }
	if got := e.nextCursor(nil, time.Time{}); got != "2026-06-01T12:00:00Z" {
		t.Fatalf("got cursor %q", got)
	}
}

func TestApplyRecord_CreateUpdateDelete(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	e := testEngine(store, &fakeRemote{})
	session := &models.SyncSession{TenantId: "t1", EntityType: "customer"}

	rec, _ := ParseRemoteRecord(rawCustomer("1", "Acme", now))

	// New record: create.
	outcome, err := e.applyRecord(context.Background(), session, rec, nil, nil)
	if err != nil || outcome != recordSuccess {
		t.Fatalf("create: outcome=%v err=%v", outcome, err)
	}
	if store.creates != 1 {
		t.Fatalf("creates=%d", store.creates)
	}

	// Newer remote version: update.
	rec, _ = ParseRemoteRecord(rawCustomer("1", "Acme Corp", now.Add(time.Hour)))
	outcome, err = e.applyRecord(context.Background(), session, rec, nil, nil)
	if err != nil || outcome != recordSuccess {
		t.Fatalf("update: outcome=%v err=%v", outcome, err)
	}
	if store.updates != 1 {
		t.Fatalf("updates=%d", store.updates)
	}

	// Remote deletion: soft delete.
	del, _ := ParseRemoteRecord(json.RawMessage(`{"Id":"1","Active":false,"MetaData":{"LastUpdatedTime":"2026-05-01T13:00:00Z"}}`))
	outcome, err = e.applyRecord(context.Background(), session, del, nil, nil)
	if err != nil || outcome != recordSuccess {
		t.Fatalf("delete: outcome=%v err=%v", outcome, err)
	}
	if store.deletes != 1 {
		t.Fatalf("deletes=%d", store.deletes)
	}

	// Replaying the deletion is a no-op.
	outcome, err = e.applyRecord(context.Background(), session, del, nil, nil)
	if err != nil || outcome != recordSuccess {
		t.Fatalf("replay: outcome=%v err=%v", outcome, err)
	}
	if store.deletes != 1 {
		t.Fatalf("replayed delete must not touch the store, deletes=%d", store.deletes)
	}
}

func TestApplyRecord_RerunIsIdempotent(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	e := testEngine(store, &fakeRemote{})
	session := &models.SyncSession{TenantId: "t1", EntityType: "customer"}

	records := []json.RawMessage{
		rawCustomer("1", "Acme", now),
		rawCustomer("2", "Globex", now.Add(time.Minute)),
		rawCustomer("3", "Initech", now.Add(2*time.Minute)),
	}
	pass := func() {
		t.Helper()
		for _, raw := range records {
			rec, err := ParseRemoteRecord(raw)
			if err != nil {
				t.Fatalf("ParseRemoteRecord error: %v", err)
			}
			outcome, err := e.applyRecord(context.Background(), session, rec, nil, nil)
			if err != nil || outcome != recordSuccess {
				t.Fatalf("outcome=%v err=%v", outcome, err)
			}
		}
	}

	pass()
	if store.creates != 3 || len(store.entities) != 3 {
		t.Fatalf("creates=%d entities=%d", store.creates, len(store.entities))
	}

	// Replaying the identical change set leaves the store untouched.
	pass()
	if store.creates != 3 || store.updates != 0 || store.deletes != 0 {
		t.Fatalf("replay must not write: creates=%d updates=%d deletes=%d",
			store.creates, store.updates, store.deletes)
	}
	if len(store.entities) != 3 {
		t.Fatalf("entities=%d", len(store.entities))
	}
}

func TestApplyRecord_DeleteUnknownRecordIsNoop(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeRemote{})
	session := &models.SyncSession{TenantId: "t1", EntityType: "customer"}

	del, _ := ParseRemoteRecord(json.RawMessage(`{"Id":"99","Active":false}`))
	outcome, err := e.applyRecord(context.Background(), session, del, nil, nil)
	if err != nil || outcome != recordSuccess {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	if store.deletes != 0 {
		t.Fatalf("deletes=%d", store.deletes)
	}
}

func TestPrepareRecord_RawPassthroughWithoutRules(t *testing.T) {
	e := testEngine(newFakeStore(), &fakeRemote{})
	raw := rawCustomer("1", "Acme", time.Now())
	rec, _ := ParseRemoteRecord(raw)

	payload, err := e.prepareRecord(rec, nil, nil)
	if err != nil {
		t.Fatalf("prepareRecord error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Fatal("payload must be the untouched raw record when no rules apply")
	}
}

func TestPrepareRecord_TransformThenValidate(t *testing.T) {
	e := testEngine(newFakeStore(), &fakeRemote{})
	transforms, err := e.Registry.CompileTransforms([]models.TransformationRule{{
		Kind: models.TransformKindFormat, SourceField: "DisplayName",
		ConfigJSON: []byte(`{"format": "trim"}`),
	}})
	if err != nil {
		t.Fatalf("CompileTransforms error: %v", err)
	}
	validations, err := e.Registry.CompileValidations([]models.ValidationRule{{
		Kind: models.ValidationKindRequired, Field: "DisplayName",
	}})
	if err != nil {
		t.Fatalf("CompileValidations error: %v", err)
	}

	rec, _ := ParseRemoteRecord(json.RawMessage(`{"Id":"1","DisplayName":"  Acme  "}`))
	payload, err := e.prepareRecord(rec, transforms, validations)
	if err != nil {
		t.Fatalf("prepareRecord error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if out["DisplayName"] != "Acme" {
		t.Fatalf("transform not applied: %v", out["DisplayName"])
	}

	// Validation failure is record-scoped.
	rec, _ = ParseRemoteRecord(json.RawMessage(`{"Id":"2","DisplayName":"  "}`))
	_, err = e.prepareRecord(rec, transforms, validations)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !isRecordScoped(err) {
		t.Fatalf("validation failures must be record-scoped, got %T", err)
	}
}

func TestSyncSingleRecord_DeleteSkipsFetch(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	e := testEngine(store, remote)

	now := time.Now()
	store.entities[storeKey("t1", "invoice", "7")] = &LocalEntity{ExternalId: "7", Payload: []byte(`{}`), UpdatedAt: now}

	if err := e.SyncSingleRecord(context.Background(), "t1", "invoice", "7", models.WebhookOperationDelete); err != nil {
		t.Fatalf("SyncSingleRecord error: %v", err)
	}
	if store.deletes != 1 {
		t.Fatalf("deletes=%d", store.deletes)
	}
	if len(remote.gotByID) != 0 {
		t.Fatal("delete notification must not fetch the record")
	}

	// Same notification again: idempotent no-op.
	if err := e.SyncSingleRecord(context.Background(), "t1", "invoice", "7", models.WebhookOperationDelete); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if store.deletes != 1 {
		t.Fatalf("replayed delete must not touch the store, deletes=%d", store.deletes)
	}
}

func TestSyncSingleRecord_FetchesAndCreates(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	remote := &fakeRemote{byId: map[string]json.RawMessage{
		"7": rawCustomer("7", "Acme", now),
	}}
	e := testEngine(store, remote)

	if err := e.SyncSingleRecord(context.Background(), "t1", "customer", "7", models.WebhookOperationCreate); err != nil {
		t.Fatalf("SyncSingleRecord error: %v", err)
	}
	if store.creates != 1 {
		t.Fatalf("creates=%d", store.creates)
	}
	if len(remote.gotByID) != 1 || remote.gotByID[0] != "7" {
		t.Fatalf("gotByID=%v", remote.gotByID)
	}
}

func TestErrorCode(t *testing.T) {
	if got := errorCode(&utils.ValidationError{Field: "x"}); got != "validation" {
		t.Fatalf("got %q", got)
	}
	if got := errorCode(utils.NewConfigurationError("x", "bad")); got != "configuration" {
		t.Fatalf("got %q", got)
	}
	if got := errorCode(fmt.Errorf("boom")); got != "transform" {
		t.Fatalf("got %q", got)
	}
}
