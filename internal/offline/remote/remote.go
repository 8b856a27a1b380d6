// Package remote talks to the authoritative POS server.
//
// Adapter is the narrow surface the sync engine needs: push one mutation,
// pull master data, probe reachability. Errors are classified with the
// offline error kinds so the engine can route them without knowing HTTP.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tiendapos/possync/internal/offline"
)

// PushRequest carries one mutation to the server.
type PushRequest struct {
	Entity offline.EntityType
	Op     offline.Op
	// MutationID is sent as the idempotency key.
	MutationID string
	RecordKey  string
	// ServerID addresses the record for update and delete.
	ServerID string
	Payload  json.RawMessage
}

// PushResult is the server's confirmation.
type PushResult struct {
	ServerID string
	Data     json.RawMessage
}

// PullFilter narrows a master-data pull.
type PullFilter struct {
	UpdatedSince time.Time
	Limit        int
}

// Adapter abstracts the remote API.
type Adapter interface {
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	Pull(ctx context.Context, entity offline.EntityType, filter PullFilter) ([]json.RawMessage, error)
	Ping(ctx context.Context) error
}

// TokenSource supplies the bearer token for each request. Issuing and
// refreshing tokens is the host application's job.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// ServerIDOf extracts the server id from a server record.
func ServerIDOf(data json.RawMessage) string {
	var probe struct {
		ID       json.RawMessage `json:"id"`
		ServerID json.RawMessage `json:"serverId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{probe.ServerID, probe.ID} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		// numeric ids
		return string(raw)
	}
	return ""
}
