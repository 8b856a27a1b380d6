// Package queue records local mutations until the server confirms them.
//
// There is one Recorder per entity type. Each owns a queue collection
// (e.g. ventas_pendientes) holding PendingMutation documents and writes the
// matching local record in the entity collection (e.g. ventas). Every state
// change runs inside one store transaction, so a crash never leaves a
// record without its mutation or a mutation half-updated.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tiendapos/possync/internal/offline"
)

// Status is the lifecycle state of a PendingMutation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusInFlight, StatusFailed, StatusDead, StatusSynced}

var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight, StatusDead},
	StatusFailed:   {StatusInFlight, StatusPending},
	StatusInFlight: {StatusSynced, StatusPending, StatusDead, StatusFailed},
	StatusDead:     {StatusPending},
	StatusSynced:   nil,
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	if st := Status(s); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var (
	// ErrMutationNotFound is returned for unknown mutation ids.
	ErrMutationNotFound = errors.New("mutation not found")
	// ErrInvalidTransition is returned when a status change breaks the
	// lifecycle rules.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrServerIDImmutable is returned when a record already bound to one
	// server id is confirmed with another.
	ErrServerIDImmutable = errors.New("server id already assigned")
)

// PendingMutation is a recorded local change waiting for the server.
type PendingMutation struct {
	ID            string             `json:"id"`
	EntityType    offline.EntityType `json:"entityType"`
	Op            offline.Op         `json:"op"`
	RecordKey     string             `json:"recordKey"`
	GroupKey      string             `json:"groupKey"`
	Payload       json.RawMessage    `json:"payload"`
	Status        Status             `json:"status"`
	RetryCount    int                `json:"retryCount"`
	LastError     string             `json:"lastError,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	Seq           int64              `json:"seq"`
	LastAttemptAt *time.Time         `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time         `json:"nextAttemptAt,omitempty"`
	SyncedAt      *time.Time         `json:"syncedAt,omitempty"`
	ServerID      string             `json:"serverId,omitempty"`
	Meta          map[string]any     `json:"meta,omitempty"`
}

// Ready reports whether the backoff window of m has elapsed at now.
func (m *PendingMutation) Ready(now time.Time) bool {
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// Before orders mutations oldest first, breaking ties by sequence number.
func (m *PendingMutation) Before(o *PendingMutation) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

func (m *PendingMutation) moveTo(next Status) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (mutation %s)", ErrInvalidTransition, m.Status, next, m.ID)
	}
	m.Status = next
	return nil
}
