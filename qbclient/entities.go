package qbclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// remoteEntityNames maps our entity types to the API's PascalCase names.
var remoteEntityNames = map[string]string{
	"customer": "Customer",
	"invoice":  "Invoice",
	"account":  "Account",
	"item":     "Item",
	"vendor":   "Vendor",
}

func RemoteEntityName(entityType string) (string, bool) {
	name, ok := remoteEntityNames[strings.ToLower(entityType)]
	return name, ok
}

// QueryPage is one page of a changed-since query.
type QueryPage struct {
	Records       []json.RawMessage
	StartPosition int
	HasMore       bool
}

const defaultPageSize = 200

// QueryChangedSince fetches entities whose remote last-updated time is on or
// after since, one page at a time. startPosition is 1-based per the API.
func (c *Client) QueryChangedSince(ctx context.Context, entityType string, since time.Time, startPosition, pageSize int) (*QueryPage, error) {
	name, ok := RemoteEntityName(entityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if startPosition <= 0 {
		startPosition = 1
	}

	stmt := fmt.Sprintf("SELECT * FROM %s", name)
	if !since.IsZero() {
		stmt += fmt.Sprintf(" WHERE Metadata.LastUpdatedTime >= '%s'", since.UTC().Format(time.RFC3339))
	}
	stmt += fmt.Sprintf(" ORDERBY Metadata.LastUpdatedTime STARTPOSITION %d MAXRESULTS %d", startPosition, pageSize)

	params := url.Values{}
	params.Set("query", stmt)
	params.Set("minorversion", "70")

	body, err := c.Request(ctx, http.MethodGet, "/v3/company/"+c.RealmId+"/query", params, nil, DefaultRetryConfig())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if raw, ok := parsed.QueryResponse[name]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, err
		}
	}

	return &QueryPage{
		Records:       records,
		StartPosition: startPosition,
		HasMore:       len(records) == pageSize,
	}, nil
}

// GetByID fetches one entity by its remote id.
func (c *Client) GetByID(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	name, ok := RemoteEntityName(entityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	params := url.Values{}
	params.Set("minorversion", "70")
	body, err := c.Request(ctx, http.MethodGet,
		"/v3/company/"+c.RealmId+"/"+strings.ToLower(name)+"/"+id, params, nil, DefaultRetryConfig())
	if err != nil {
		return nil, err
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if raw, ok := parsed[name]; ok {
		return raw, nil
	}
	return body, nil
}

// Create writes a new entity and returns the remote record.
func (c *Client) Create(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error) {
	return c.write(ctx, entityType, payload)
}

// Update replaces an existing entity (the payload must carry Id + SyncToken).
func (c *Client) Update(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error) {
	return c.write(ctx, entityType, payload)
}

func (c *Client) write(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error) {
	name, ok := RemoteEntityName(entityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	params := url.Values{}
	params.Set("minorversion", "70")
	body, err := c.Request(ctx, http.MethodPost,
		"/v3/company/"+c.RealmId+"/"+strings.ToLower(name), params, payload, DefaultRetryConfig())
	if err != nil {
		return nil, err
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if raw, ok := parsed[name]; ok {
		return raw, nil
	}
	return body, nil
}
