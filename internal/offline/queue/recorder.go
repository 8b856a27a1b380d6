package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/store"
)

// seq breaks createdAt ties between mutations recorded by this process.
var seq atomic.Int64

func init() {
	seq.Store(time.Now().UnixNano())
}

// errSkip aborts a transaction that turned out to be a no-op.
var errSkip = errors.New("skip")

// Registration describes a local change to record.
type Registration struct {
	Op        offline.Op
	RecordKey string
	// GroupKey defaults to RecordKey.
	GroupKey string
	// Record is the full local document after the change.
	Record json.RawMessage
	Meta   map[string]any
}

// Recorder manages the pending mutations of one entity type.
type Recorder struct {
	entity    offline.EntityType
	coll      string
	queueColl string

	store *store.Store
	cfg   Config
	clock offline.Clock
	init  Initializer
	log   *logrus.Entry
}

// NewRecorder creates a recorder for entity. A nil clock uses the system
// clock; a nil logger discards.
func NewRecorder(entity offline.EntityType, st *store.Store, cfg Config, clock offline.Clock, logger *logrus.Logger) *Recorder {
	if clock == nil {
		clock = offline.SystemClock{}
	}
	return &Recorder{
		entity:    entity,
		coll:      entity.Collection(),
		queueColl: entity.QueueCollection(),
		store:     st,
		cfg:       cfg,
		clock:     clock,
		init:      StoreInitializer(st),
		log:       logging.Component(logger, "queue").WithField("entity", string(entity)),
	}
}

// Entity returns the entity type this recorder serves.
func (r *Recorder) Entity() offline.EntityType {
	return r.entity
}

// Register writes the local record (unsynced) and its pending mutation in
// one transaction and returns the mutation id. A store whose schema was
// never created is initialized and the write retried once.
func (r *Recorder) Register(ctx context.Context, reg Registration) (string, error) {
	if !reg.Op.Valid() {
		return "", fmt.Errorf("invalid op %q", reg.Op)
	}
	if reg.RecordKey == "" {
		return "", errors.New("record key is required")
	}
	if reg.GroupKey == "" {
		reg.GroupKey = reg.RecordKey
	}

	m := &PendingMutation{
		ID:         uuid.NewString(),
		EntityType: r.entity,
		Op:         reg.Op,
		RecordKey:  reg.RecordKey,
		GroupKey:   reg.GroupKey,
		Status:     StatusPending,
		CreatedAt:  r.clock.Now(),
		Seq:        seq.Add(1),
		Meta:       reg.Meta,
	}

	err := r.register(ctx, m, reg.Record)
	if store.IsNotInitialized(err) && r.init != nil {
		r.log.Warn("store not initialized, creating schema and retrying")
		if ierr := r.init(ctx); ierr != nil {
			return "", fmt.Errorf("failed to initialize store: %w", ierr)
		}
		err = r.register(ctx, m, reg.Record)
	}
	if err != nil {
		return "", fmt.Errorf("failed to register %s mutation: %w", r.entity, err)
	}

	r.log.WithFields(logrus.Fields{
		"mutation_id": m.ID,
		"op":          string(m.Op),
		"record":      m.RecordKey,
	}).Debug("mutation registered")
	return m.ID, nil
}

func (r *Recorder) register(ctx context.Context, m *PendingMutation, record json.RawMessage) error {
	return r.store.Update(ctx, func(tx *store.Txn) error {
		doc, err := model.ParseDoc(record)
		if err != nil {
			return offline.Permanent("register", err)
		}

		meta := model.SyncMeta{}
		existing, err := tx.GetRaw(ctx, r.coll, m.RecordKey)
		switch {
		case err == nil:
			meta, err = model.MetaOf(existing)
			if err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if meta.LocalID == "" {
			meta.LocalID = m.RecordKey
		}
		meta.Synced = false
		meta.ConflictResolved = false

		delete(doc, "syncMeta")
		payload, err := doc.Bytes()
		if err != nil {
			return err
		}
		m.Payload = payload

		if m.Op == offline.OpDelete {
			if err := doc.Set("deleted", true); err != nil {
				return err
			}
		}
		if err := doc.SetSyncMeta(meta); err != nil {
			return err
		}
		if err := tx.Put(ctx, r.coll, m.RecordKey, doc); err != nil {
			return err
		}
		return tx.Add(ctx, r.queueColl, m.ID, m)
	})
}

// Get returns one mutation.
func (r *Recorder) Get(ctx context.Context, id string) (*PendingMutation, error) {
	return r.load(ctx, r.store, id)
}

type getter interface {
	Get(ctx context.Context, collection, key string, dst any) error
}

func (r *Recorder) load(ctx context.Context, g getter, id string) (*PendingMutation, error) {
	var m PendingMutation
	if err := g.Get(ctx, r.queueColl, id, &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", r.entity, id, ErrMutationNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// GetPending returns the Pending and Failed mutations, oldest first.
func (r *Recorder) GetPending(ctx context.Context) ([]*PendingMutation, error) {
	var out []*PendingMutation
	for _, st := range []Status{StatusPending, StatusFailed} {
		ms, err := r.byStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	sortOldestFirst(out)
	return out, nil
}

// List returns the mutations in status, oldest first. An empty status
// lists every mutation.
func (r *Recorder) List(ctx context.Context, status Status) ([]*PendingMutation, error) {
	if status != "" {
		ms, err := r.byStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		sortOldestFirst(ms)
		return ms, nil
	}

	records, err := r.store.GetAll(ctx, r.queueColl)
	if err != nil {
		return nil, err
	}
	ms, err := decodeMutations(records)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(ms)
	return ms, nil
}

func (r *Recorder) byStatus(ctx context.Context, status Status) ([]*PendingMutation, error) {
	records, err := r.store.GetByIndex(ctx, r.queueColl, "status", string(status))
	if err != nil {
		return nil, err
	}
	return decodeMutations(records)
}

func decodeMutations(records []store.Record) ([]*PendingMutation, error) {
	out := make([]*PendingMutation, 0, len(records))
	for _, rec := range records {
		var m PendingMutation
		if err := rec.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

func sortOldestFirst(ms []*PendingMutation) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Before(ms[j]) })
}

// mutate loads a mutation, applies fn and saves it in one transaction.
func (r *Recorder) mutate(ctx context.Context, id string, fn func(tx *store.Txn, m *PendingMutation) error) (*PendingMutation, error) {
	var out *PendingMutation
	err := r.store.Update(ctx, func(tx *store.Txn) error {
		m, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, m); err != nil {
			return err
		}
		out = m
		return tx.Put(ctx, r.queueColl, m.ID, m)
	})
	return out, err
}

// MarkInFlight claims a Pending or Failed mutation for a push.
func (r *Recorder) MarkInFlight(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		if err := m.moveTo(StatusInFlight); err != nil {
			return err
		}
		now := r.clock.Now()
		m.LastAttemptAt = &now
		return nil
	})
	return err
}

// MarkSynced confirms a mutation. serverData is shallow-merged into the
// local record once no other unsynced mutation for it remains, and the
// record's server id is bound on first confirmation. Confirming an already
// synced mutation with the same server id is a no-op.
func (r *Recorder) MarkSynced(ctx context.Context, id, serverID string, serverData json.RawMessage) error {
	_, err := r.mutate(ctx, id, func(tx *store.Txn, m *PendingMutation) error {
		if m.Status == StatusSynced {
			if serverID == "" || serverID == m.ServerID {
				return errSkip
			}
			return fmt.Errorf("%w: mutation %s is bound to %s, got %s", ErrServerIDImmutable, m.ID, m.ServerID, serverID)
		}
		if err := m.moveTo(StatusSynced); err != nil {
			return err
		}

		now := r.clock.Now()
		boundID, err := r.applyToRecord(ctx, tx, m, serverID, serverData, now)
		if err != nil {
			return err
		}

		m.ServerID = boundID
		m.SyncedAt = &now
		m.LastError = ""
		m.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{"mutation_id": id, "server_id": serverID}).Debug("mutation synced")
	return nil
}

// applyToRecord writes the server's confirmation into the local record and
// returns the server id the record is bound to.
func (r *Recorder) applyToRecord(ctx context.Context, tx *store.Txn, m *PendingMutation, serverID string, serverData json.RawMessage, now time.Time) (string, error) {
	raw, err := tx.GetRaw(ctx, r.coll, m.RecordKey)
	if errors.Is(err, store.ErrNotFound) {
		return serverID, nil
	}
	if err != nil {
		return "", err
	}

	doc, err := model.ParseDoc(raw)
	if err != nil {
		return "", err
	}
	meta := doc.SyncMeta()
	if serverID != "" {
		if meta.ServerID != "" && meta.ServerID != serverID {
			return "", fmt.Errorf("%w: record %s is bound to %s, got %s", ErrServerIDImmutable, m.RecordKey, meta.ServerID, serverID)
		}
		meta.ServerID = serverID
	}

	var src model.Doc
	if len(serverData) > 0 {
		if src, err = model.ParseDoc(serverData); err != nil {
			return "", err
		}
		// A resolved conflict hands back its merged syncMeta.
		if src.SyncMeta().ConflictResolved {
			meta.ConflictResolved = true
		}
	}

	others, err := r.unsyncedOthers(ctx, tx, m)
	if err != nil {
		return "", err
	}

	if others == 0 && m.Op == offline.OpDelete {
		return meta.ServerID, tx.Delete(ctx, r.coll, m.RecordKey)
	}
	if others == 0 && src != nil {
		doc.Merge(src)
	}

	meta.Synced = others == 0
	meta.LastSyncAt = &now
	if err := doc.SetSyncMeta(meta); err != nil {
		return "", err
	}
	return meta.ServerID, tx.Put(ctx, r.coll, m.RecordKey, doc)
}

func (r *Recorder) unsyncedOthers(ctx context.Context, tx *store.Txn, m *PendingMutation) (int, error) {
	records, err := tx.GetByIndex(ctx, r.queueColl, "recordKey", m.RecordKey)
	if err != nil {
		return 0, err
	}
	siblings, err := decodeMutations(records)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range siblings {
		if s.ID != m.ID && s.Status != StatusSynced {
			n++
		}
	}
	return n, nil
}

// MarkFailed records a failed attempt. The mutation goes back to Pending
// with a backoff window, or to Dead once it exceeds the retry cap. The
// resulting status is returned.
func (r *Recorder) MarkFailed(ctx context.Context, id string, cause error) (Status, error) {
	m, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		now := r.clock.Now()
		m.RetryCount++
		m.LastError = errText(cause)
		m.LastAttemptAt = &now

		if m.RetryCount > r.cfg.MaxRetries {
			m.NextAttemptAt = nil
			return m.moveTo(StatusDead)
		}
		next := now.Add(r.cfg.Backoff(m.RetryCount))
		m.NextAttemptAt = &next
		return m.moveTo(StatusPending)
	})
	if err != nil {
		return "", err
	}

	entry := r.log.WithFields(logrus.Fields{"mutation_id": id, "retry": m.RetryCount})
	if m.Status == StatusDead {
		entry.WithError(cause).Warn("mutation exceeded retry budget, marked dead")
	} else {
		entry.WithError(cause).Info("mutation failed, will retry")
	}
	return m.Status, nil
}

// MarkDead parks a mutation that can never succeed as is.
func (r *Recorder) MarkDead(ctx context.Context, id string, cause error) error {
	_, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		now := r.clock.Now()
		m.LastError = errText(cause)
		m.LastAttemptAt = &now
		m.NextAttemptAt = nil
		return m.moveTo(StatusDead)
	})
	if err != nil {
		return err
	}
	r.log.WithField("mutation_id", id).WithError(cause).Warn("mutation marked dead")
	return nil
}

// Release returns an in-flight mutation to Pending without spending retry
// budget. Used when a pass aborts for reasons unrelated to the data.
func (r *Recorder) Release(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		return m.moveTo(StatusPending)
	})
	return err
}

// Requeue replaces the payload of an in-flight mutation with a merged
// version and sends it back to Pending. The attempt counts against the
// retry budget. The merged document is also written to the local record.
func (r *Recorder) Requeue(ctx context.Context, id string, merged json.RawMessage) (Status, error) {
	m, err := r.mutate(ctx, id, func(tx *store.Txn, m *PendingMutation) error {
		doc, err := model.ParseDoc(merged)
		if err != nil {
			return err
		}

		meta := model.SyncMeta{LocalID: m.RecordKey}
		if raw, err := tx.GetRaw(ctx, r.coll, m.RecordKey); err == nil {
			if meta, err = model.MetaOf(raw); err != nil {
				return offline.Storage("requeue", fmt.Errorf("corrupt syncMeta on %s: %w", m.RecordKey, err))
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		meta.Synced = false
		meta.ConflictResolved = true

		delete(doc, "syncMeta")
		payload, err := doc.Bytes()
		if err != nil {
			return err
		}
		if err := doc.SetSyncMeta(meta); err != nil {
			return err
		}
		if err := tx.Put(ctx, r.coll, m.RecordKey, doc); err != nil {
			return err
		}

		now := r.clock.Now()
		m.Payload = payload
		m.RetryCount++
		m.LastAttemptAt = &now
		m.LastError = "conflict resolved in favour of local copy"
		m.NextAttemptAt = nil
		if m.RetryCount > r.cfg.MaxRetries {
			return m.moveTo(StatusDead)
		}
		return m.moveTo(StatusPending)
	})
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// RecoverStale moves mutations stuck in flight longer than the configured
// timeout to Failed, making them eligible again. It returns how many were
// recovered.
func (r *Recorder) RecoverStale(ctx context.Context) (int, error) {
	stuck, err := r.byStatus(ctx, StatusInFlight)
	if err != nil {
		return 0, err
	}

	cutoff := r.clock.Now().Add(-r.cfg.InFlightTimeout)
	recovered := 0
	for _, m := range stuck {
		if m.LastAttemptAt != nil && m.LastAttemptAt.After(cutoff) {
			continue
		}
		_, err := r.mutate(ctx, m.ID, func(_ *store.Txn, m *PendingMutation) error {
			m.LastError = "interrupted while in flight"
			return m.moveTo(StatusFailed)
		})
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		r.log.WithField("count", recovered).Warn("recovered stale in-flight mutations")
	}
	return recovered, nil
}

// Retry manually revives a Failed or Dead mutation with a fresh budget.
func (r *Recorder) Retry(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		if m.Status != StatusFailed && m.Status != StatusDead {
			return fmt.Errorf("%w: only failed or dead mutations can be retried (mutation %s is %s)", ErrInvalidTransition, m.ID, m.Status)
		}
		m.RetryCount = 0
		m.NextAttemptAt = nil
		return m.moveTo(StatusPending)
	})
	if err != nil {
		return err
	}
	r.log.WithField("mutation_id", id).Info("mutation manually retried")
	return nil
}

// Discard manually gives up on a Pending mutation.
func (r *Recorder) Discard(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(_ *store.Txn, m *PendingMutation) error {
		if m.Status != StatusPending {
			return fmt.Errorf("%w: only pending mutations can be discarded (mutation %s is %s)", ErrInvalidTransition, m.ID, m.Status)
		}
		m.LastError = "discarded by operator"
		m.NextAttemptAt = nil
		return m.moveTo(StatusDead)
	})
	if err != nil {
		return err
	}
	r.log.WithField("mutation_id", id).Info("mutation discarded")
	return nil
}

// Cleanup deletes Synced mutations confirmed before cutoff and returns how
// many were removed. Unsynced mutations are never deleted.
func (r *Recorder) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	synced, err := r.byStatus(ctx, StatusSynced)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = r.store.Update(ctx, func(tx *store.Txn) error {
		for _, m := range synced {
			if m.SyncedAt == nil || !m.SyncedAt.Before(cutoff) {
				continue
			}
			if err := tx.Delete(ctx, r.queueColl, m.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up %s queue: %w", r.entity, err)
	}
	return removed, nil
}

// Counts returns the number of mutations per status.
func (r *Recorder) Counts(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		n, err := r.store.CountByIndex(ctx, r.queueColl, "status", string(st))
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, nil
}

// Restore inserts a mutation exported from another store. Mutations whose
// id already exists are skipped and reported as not restored. Unsynced
// mutations also bring back their local record when it is missing.
func (r *Recorder) Restore(ctx context.Context, m *PendingMutation) (bool, error) {
	if m.EntityType != r.entity {
		return false, fmt.Errorf("mutation %s belongs to %s, not %s", m.ID, m.EntityType, r.entity)
	}
	if !m.Status.Valid() {
		return false, fmt.Errorf("mutation %s has unknown status %q", m.ID, m.Status)
	}

	err := r.store.Update(ctx, func(tx *store.Txn) error {
		if err := tx.Add(ctx, r.queueColl, m.ID, m); err != nil {
			return err
		}
		if m.Status == StatusSynced {
			return nil
		}
		_, err := tx.GetRaw(ctx, r.coll, m.RecordKey)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		doc, err := model.ParseDoc(m.Payload)
		if err != nil {
			return err
		}
		if err := doc.SetSyncMeta(model.SyncMeta{LocalID: m.RecordKey}); err != nil {
			return err
		}
		return tx.Put(ctx, r.coll, m.RecordKey, doc)
	})
	if errors.Is(err, store.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
