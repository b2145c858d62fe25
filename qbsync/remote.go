package qbsync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/advisorhq/books_sync_backend/qbclient"
)

// RemoteSource abstracts the paged changed-since fetch. *qbclient.Client
// satisfies it; tests substitute a canned source.
type RemoteSource interface {
	QueryChangedSince(ctx context.Context, entityType string, since time.Time, startPosition, pageSize int) (*qbclient.QueryPage, error)
}

// RemoteFetcher fetches one entity by its external id, for targeted
// webhook-driven syncs. Also satisfied by *qbclient.Client.
type RemoteFetcher interface {
	GetByID(ctx context.Context, entityType, id string) (json.RawMessage, error)
}

// RemoteRecord is one fetched remote entity, parsed just enough for
// classification: identity, recency and liveness. Fields holds the full
// decoded object for transformation and field comparison.
type RemoteRecord struct {
	ExternalId string
	UpdatedAt  time.Time
	Active     bool
	Fields     map[string]any
	Raw        json.RawMessage
}

// ParseRemoteRecord extracts identity and metadata from a raw API object.
// The API reports Id as a string, MetaData.LastUpdatedTime as RFC3339, and
// deleted records either as Active=false or status=Deleted (change queries).
func ParseRemoteRecord(raw json.RawMessage) (RemoteRecord, error) {
	rec := RemoteRecord{Raw: raw, Active: true}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return rec, err
	}
	rec.Fields = fields

	if id, ok := fields["Id"].(string); ok {
		rec.ExternalId = strings.TrimSpace(id)
	}

	if meta, ok := fields["MetaData"].(map[string]any); ok {
		if ts, ok := meta["LastUpdatedTime"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.UpdatedAt = t
			}
		}
	}

	if active, ok := fields["Active"].(bool); ok {
		rec.Active = active
	}
	if status, ok := fields["status"].(string); ok && strings.EqualFold(status, "Deleted") {
		rec.Active = false
	}

	return rec, nil
}
