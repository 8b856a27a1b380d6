package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/store"
)

// Set holds one Recorder per entity type.
type Set struct {
	recorders map[offline.EntityType]*Recorder
}

// NewSet creates recorders for every entity in offline.SyncOrder.
func NewSet(st *store.Store, cfg Config, clock offline.Clock, logger *logrus.Logger) *Set {
	s := &Set{recorders: make(map[offline.EntityType]*Recorder, len(offline.SyncOrder))}
	for _, entity := range offline.SyncOrder {
		s.recorders[entity] = NewRecorder(entity, st, cfg, clock, logger)
	}
	return s
}

// For returns the recorder of entity, or nil for unknown entities.
func (s *Set) For(entity offline.EntityType) *Recorder {
	return s.recorders[entity]
}

// All returns the recorders in sync order.
func (s *Set) All() []*Recorder {
	out := make([]*Recorder, 0, len(s.recorders))
	for _, entity := range offline.SyncOrder {
		out = append(out, s.recorders[entity])
	}
	return out
}

// PendingCounts returns, per entity, the mutations not yet confirmed and
// not dead (pending, in flight or failed).
func (s *Set) PendingCounts(ctx context.Context) (map[offline.EntityType]int, error) {
	out := make(map[offline.EntityType]int, len(s.recorders))
	for _, r := range s.All() {
		counts, err := r.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s mutations: %w", r.entity, err)
		}
		out[r.entity] = counts[StatusPending] + counts[StatusInFlight] + counts[StatusFailed]
	}
	return out, nil
}

// DeadCount returns the number of dead mutations across all entities.
func (s *Set) DeadCount(ctx context.Context) (int, error) {
	total := 0
	for _, r := range s.All() {
		counts, err := r.Counts(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count %s mutations: %w", r.entity, err)
		}
		total += counts[StatusDead]
	}
	return total, nil
}

// Find looks a mutation id up across every entity queue.
func (s *Set) Find(ctx context.Context, id string) (*Recorder, *PendingMutation, error) {
	for _, r := range s.All() {
		m, err := r.Get(ctx, id)
		if err == nil {
			return r, m, nil
		}
		if !errors.Is(err, ErrMutationNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("%s: %w", id, ErrMutationNotFound)
}
