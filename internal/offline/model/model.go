// Package model defines the local entity records kept by the POS terminal.
//
// Every record carries a SyncMeta block describing whether the server has
// confirmed it. Monetary amounts and quantities are shopspring decimals.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tiendapos/possync/internal/offline"
)

// SyncMeta tracks the server-side state of a local record.
type SyncMeta struct {
	Synced           bool       `json:"synced"`
	LocalID          string     `json:"localId"`
	ServerID         string     `json:"serverId,omitempty"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	ConflictResolved bool       `json:"conflictResolved,omitempty"`
}

// AuditEntry keeps a field value that lost a conflict resolution.
type AuditEntry struct {
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"value"`
	Source     string          `json:"source"` // "local" or "remote"
	ResolvedAt time.Time       `json:"resolvedAt"`
}

// Record is implemented by every entity record.
type Record interface {
	Entity() offline.EntityType
	Key() string
	Meta() *SyncMeta
}

// New returns an empty record for the entity type.
func New(entity offline.EntityType) (Record, error) {
	switch entity {
	case offline.EntitySessions:
		return &Session{}, nil
	case offline.EntitySales:
		return &Sale{}, nil
	case offline.EntityClosures:
		return &Closure{}, nil
	case offline.EntityStockChanges:
		return &StockChange{}, nil
	case offline.EntityPriceChanges:
		return &PriceChange{}, nil
	case offline.EntityProducts:
		return &Product{}, nil
	case offline.EntityCategories:
		return &Category{}, nil
	case offline.EntityUsers:
		return &User{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", entity)
}

// Decode parses a raw document into the record type of entity.
func Decode(entity offline.EntityType, raw json.RawMessage) (Record, error) {
	r, err := New(entity)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, offline.Permanent("decode", fmt.Errorf("invalid %s record: %w", entity, err))
	}
	return r, nil
}

// GroupKey returns the serialization key of a record. Price and stock
// changes to one product must reach the server in order, so they share the
// product id; everything else is ordered per record.
func GroupKey(r Record) string {
	switch v := r.(type) {
	case *StockChange:
		return v.ProductID
	case *PriceChange:
		return v.ProductID
	}
	return r.Key()
}

// Reference is a link from one record to another that must be known to the
// server before the record can be pushed.
type Reference struct {
	Entity offline.EntityType
	Key    string
	// Field receives the referenced record's server id in the pushed payload.
	Field string
}

// References lists the records r points at.
func References(r Record) []Reference {
	switch v := r.(type) {
	case *Sale:
		return []Reference{{Entity: offline.EntitySessions, Key: v.SessionID, Field: "sessionServerId"}}
	case *Closure:
		return []Reference{{Entity: offline.EntitySessions, Key: v.SessionID, Field: "sessionServerId"}}
	case *StockChange:
		return []Reference{{Entity: offline.EntityProducts, Key: v.ProductID, Field: "productServerId"}}
	case *PriceChange:
		return []Reference{{Entity: offline.EntityProducts, Key: v.ProductID, Field: "productServerId"}}
	}
	return nil
}
