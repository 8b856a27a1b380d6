package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/queue"
)

// RecordMutation durably queues a local change and returns the mutation
// id. The record is validated first except for deletes, which only need an
// id. Once the write is committed the runner is nudged and the pending
// gauges refreshed; neither can fail the call.
func (e *Engine) RecordMutation(ctx context.Context, entity offline.EntityType, op offline.Op, record json.RawMessage, meta map[string]any) (string, error) {
	rec := e.queues.For(entity)
	if rec == nil {
		return "", fmt.Errorf("unknown entity type %q", entity)
	}
	if !op.Valid() {
		return "", offline.Permanent("record mutation", fmt.Errorf("invalid op %q", op))
	}

	r, err := model.Decode(entity, record)
	if err != nil {
		return "", err
	}
	if r.Key() == "" {
		return "", offline.Permanent("record mutation", errors.New("record has no id"))
	}
	if op != offline.OpDelete {
		if err := model.Validate(r); err != nil {
			return "", err
		}
	}

	id, err := rec.Register(ctx, queue.Registration{
		Op:        op,
		RecordKey: r.Key(),
		GroupKey:  model.GroupKey(r),
		Record:    record,
		Meta:      meta,
	})
	if err != nil {
		return "", err
	}

	e.nudge()
	if _, err := e.metrics.RefreshPending(ctx); err != nil {
		e.log.WithError(err).Debug("failed to refresh pending gauges")
	}
	return id, nil
}

// Record is RecordMutation for a typed record.
func (e *Engine) Record(ctx context.Context, op offline.Op, r model.Record, meta map[string]any) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s record: %w", r.Entity(), err)
	}
	return e.RecordMutation(ctx, r.Entity(), op, raw, meta)
}
