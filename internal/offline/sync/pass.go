package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/conflict"
	"github.com/tiendapos/possync/internal/offline/events"
	"github.com/tiendapos/possync/internal/offline/metrics"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/queue"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/store"
)

// errDeferred means a mutation cannot be pushed yet and is left untouched.
var errDeferred = errors.New("mutation deferred")

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRemoteWon
	outcomeRequeued
	outcomeFailed
	outcomeDead
	outcomeDeferred
	outcomeAborted
)

func (o outcome) advances() bool {
	return o == outcomeSynced || o == outcomeRemoteWon
}

// pass is the state of one Run.
type pass struct {
	e       *Engine
	session offline.SyncSession
	log     *logrus.Entry

	aborted  atomic.Bool
	authOnce gosync.Once
	authErr  error
}

// runEntity pushes the pending mutations of one entity type.
func (p *pass) runEntity(ctx context.Context, entity offline.EntityType) {
	rec := p.e.queues.For(entity)
	entry := p.log.WithFields(logrus.Fields{"session_id": p.session.ID, "entity": string(entity)})

	pending, err := rec.GetPending(ctx)
	if err != nil {
		entry.WithError(err).Error("failed to read pending mutations")
		p.session.PerEntityResult[entity] = offline.SyncResult{}
		return
	}
	if len(pending) == 0 {
		p.session.PerEntityResult[entity] = offline.SyncResult{}
		return
	}

	groups := groupMutations(pending)
	workers := pool.NewWithResults[offline.SyncResult]().WithMaxGoroutines(p.e.cfg.Concurrency)
	for _, group := range groups {
		workers.Go(func() offline.SyncResult {
			return p.runGroup(ctx, rec, group)
		})
	}

	var res offline.SyncResult
	for _, r := range workers.Wait() {
		res.Add(r)
	}
	p.session.PerEntityResult[entity] = res

	entry.WithFields(logrus.Fields{
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"conflicts": res.Conflicts,
		"deferred":  res.Deferred,
	}).Info("entity synced")
}

// groupMutations splits oldest-first mutations by group key. Each group
// keeps the input order; groups are ordered by their oldest mutation.
func groupMutations(ms []*queue.PendingMutation) [][]*queue.PendingMutation {
	index := make(map[string]int)
	var groups [][]*queue.PendingMutation
	for _, m := range ms {
		key := m.GroupKey
		if key == "" {
			key = m.RecordKey
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// runGroup pushes one group in order, stopping at the first mutation that
// does not reach the server.
func (p *pass) runGroup(ctx context.Context, rec *queue.Recorder, group []*queue.PendingMutation) offline.SyncResult {
	res := offline.SyncResult{Total: len(group)}
	for i, m := range group {
		o := p.syncOne(ctx, rec, m)
		switch o {
		case outcomeSynced:
			res.Succeeded++
		case outcomeRemoteWon:
			res.Succeeded++
			res.Conflicts++
		case outcomeRequeued:
			res.Conflicts++
		case outcomeFailed, outcomeDead:
			res.Failed++
		case outcomeDeferred, outcomeAborted:
			res.Deferred++
		}
		if !o.advances() {
			res.Deferred += len(group) - i - 1
			break
		}
	}
	return res
}

// syncOne pushes a single mutation and records its outcome.
func (p *pass) syncOne(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation) outcome {
	entity := rec.Entity()
	entry := p.log.WithFields(logrus.Fields{
		"session_id":  p.session.ID,
		"entity":      string(entity),
		"mutation_id": m.ID,
		"record":      m.RecordKey,
	})

	if p.aborted.Load() {
		return outcomeAborted
	}
	if !m.Ready(p.e.clock.Now()) {
		entry.Debug("backoff window still open")
		p.e.metrics.ObserveOutcome(entity, metrics.OutcomeDeferred)
		return outcomeDeferred
	}

	req, prepErr := p.prepare(ctx, rec, m)
	if errors.Is(prepErr, errDeferred) {
		entry.WithError(prepErr).Debug("mutation deferred")
		p.e.metrics.ObserveOutcome(entity, metrics.OutcomeDeferred)
		return outcomeDeferred
	}

	if err := rec.MarkInFlight(ctx, m.ID); err != nil {
		entry.WithError(err).Warn("failed to claim mutation")
		return outcomeDeferred
	}

	var res remote.PushResult
	err := prepErr
	if err == nil {
		res, err = p.e.adapter.Push(ctx, req)
	}
	if err == nil {
		return p.synced(ctx, rec, m, res.ServerID, res.Data, entry)
	}

	err = offline.WithMutation(err, entity, m.ID)
	kind := offline.KindOf(err)
	if kind == offline.KindAuth || p.aborted.Load() {
		// A push that was in flight when the pass aborted is not charged.
		if rerr := rec.Release(ctx, m.ID); rerr != nil {
			entry.WithError(rerr).Error("failed to release mutation")
		}
		if kind == offline.KindAuth {
			p.authFailed(entity, m.ID, err)
		} else {
			entry.WithError(err).Debug("pass aborted, push failure not counted")
		}
		return outcomeAborted
	}
	switch kind {
	case offline.KindConflict:
		return p.conflict(ctx, rec, m, err, entry)
	case offline.KindPermanent:
		return p.dead(ctx, rec, m, err, entry)
	default:
		return p.failed(ctx, rec, m, err, entry)
	}
}

// prepare builds the push request, resolving the server ids the payload
// needs. It returns errDeferred when a dependency is not on the server yet.
func (p *pass) prepare(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation) (remote.PushRequest, error) {
	entity := rec.Entity()
	req := remote.PushRequest{
		Entity:     entity,
		Op:         m.Op,
		MutationID: m.ID,
		RecordKey:  m.RecordKey,
		Payload:    m.Payload,
	}

	if m.Op != offline.OpCreate {
		serverID, err := p.recordServerID(ctx, entity, m.RecordKey)
		if err != nil {
			return req, err
		}
		req.ServerID = serverID
	}
	if m.Op == offline.OpDelete || len(m.Payload) == 0 {
		return req, nil
	}

	record, err := model.Decode(entity, m.Payload)
	if err != nil {
		return req, err
	}
	refs := model.References(record)
	if len(refs) == 0 {
		return req, nil
	}

	doc, err := model.ParseDoc(m.Payload)
	if err != nil {
		return req, offline.Permanent("prepare", err)
	}
	for _, ref := range refs {
		if ref.Key == "" {
			continue
		}
		serverID, err := p.referenceServerID(ctx, ref)
		if err != nil {
			return req, err
		}
		if err := doc.Set(ref.Field, serverID); err != nil {
			return req, offline.Permanent("prepare", err)
		}
	}
	if req.Payload, err = doc.Bytes(); err != nil {
		return req, offline.Permanent("prepare", err)
	}
	return req, nil
}

// recordServerID returns the server id an update or delete addresses.
// A record created on this terminal and not yet confirmed defers the
// mutation; a record with no local create is assumed to use its server id
// as key.
func (p *pass) recordServerID(ctx context.Context, entity offline.EntityType, key string) (string, error) {
	meta, found, err := p.localMeta(ctx, entity, key)
	if err != nil {
		return "", err
	}
	if found && meta.ServerID != "" {
		return meta.ServerID, nil
	}
	if err := p.unconfirmedCreate(ctx, entity, key); err != nil {
		return "", err
	}
	return key, nil
}

// unconfirmedCreate returns errDeferred while a queued create for key has
// not reached the server, and a permanent error once that create is dead.
func (p *pass) unconfirmedCreate(ctx context.Context, entity offline.EntityType, key string) error {
	queued, err := p.e.store.GetByIndex(ctx, entity.QueueCollection(), "recordKey", key)
	if err != nil {
		return err
	}
	for _, r := range queued {
		var other queue.PendingMutation
		if err := r.Decode(&other); err != nil {
			return err
		}
		if other.Op != offline.OpCreate || other.Status == queue.StatusSynced {
			continue
		}
		if other.Status == queue.StatusDead {
			return offline.Permanent("prepare", fmt.Errorf("dependency dead: create %s of %s %s will not reach the server", other.ID, entity, key))
		}
		return fmt.Errorf("%w: %s %s not created on server yet", errDeferred, entity, key)
	}
	return nil
}

// referenceServerID resolves a referenced record to its server id.
func (p *pass) referenceServerID(ctx context.Context, ref model.Reference) (string, error) {
	meta, found, err := p.localMeta(ctx, ref.Entity, ref.Key)
	if err != nil {
		return "", err
	}
	switch {
	case !found:
		return ref.Key, nil
	case meta.ServerID != "":
		return meta.ServerID, nil
	default:
		if err := p.unconfirmedCreate(ctx, ref.Entity, ref.Key); err != nil && !errors.Is(err, errDeferred) {
			return "", err
		}
		return "", fmt.Errorf("%w: waiting for %s %s", errDeferred, ref.Entity, ref.Key)
	}
}

func (p *pass) localMeta(ctx context.Context, entity offline.EntityType, key string) (model.SyncMeta, bool, error) {
	raw, err := p.e.store.GetRaw(ctx, entity.Collection(), key)
	if errors.Is(err, store.ErrNotFound) {
		return model.SyncMeta{}, false, nil
	}
	if err != nil {
		return model.SyncMeta{}, false, err
	}
	meta, err := model.MetaOf(raw)
	if err != nil {
		return model.SyncMeta{}, false, err
	}
	return meta, true, nil
}

func (p *pass) synced(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation, serverID string, data json.RawMessage, entry *logrus.Entry) outcome {
	err := rec.MarkSynced(ctx, m.ID, serverID, data)
	if errors.Is(err, queue.ErrServerIDImmutable) {
		return p.dead(ctx, rec, m, offline.Permanent("mark synced", err), entry)
	}
	if err != nil {
		entry.WithError(err).Error("pushed but failed to record confirmation")
		p.e.metrics.ObserveOutcome(rec.Entity(), metrics.OutcomeFailed)
		return outcomeFailed
	}
	entry.WithField("server_id", serverID).Debug("mutation synced")
	p.e.metrics.ObserveOutcome(rec.Entity(), metrics.OutcomeSynced)
	return outcomeSynced
}

func (p *pass) failed(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation, cause error, entry *logrus.Entry) outcome {
	status, err := rec.MarkFailed(ctx, m.ID, cause)
	if err != nil {
		entry.WithError(err).Error("failed to record push failure")
		return outcomeFailed
	}
	if status == queue.StatusDead {
		entry.WithError(cause).Warn("retry budget exhausted, mutation is dead")
		p.e.metrics.ObserveOutcome(rec.Entity(), metrics.OutcomeDead)
		return outcomeDead
	}
	entry.WithError(cause).Info("push failed, will retry")
	p.e.metrics.ObserveOutcome(rec.Entity(), metrics.OutcomeFailed)
	return outcomeFailed
}

func (p *pass) dead(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation, cause error, entry *logrus.Entry) outcome {
	if err := rec.MarkDead(ctx, m.ID, cause); err != nil {
		entry.WithError(err).Error("failed to mark mutation dead")
		return outcomeFailed
	}
	entry.WithError(cause).Warn("push rejected, mutation is dead")
	p.e.metrics.ObserveOutcome(rec.Entity(), metrics.OutcomeDead)
	return outcomeDead
}

// conflict resolves a conflicting push. The server copy either becomes the
// confirmed record or the merged local copy is queued again.
func (p *pass) conflict(ctx context.Context, rec *queue.Recorder, m *queue.PendingMutation, cause error, entry *logrus.Entry) outcome {
	entity := rec.Entity()
	remoteDoc := offline.RemoteOf(cause)
	if len(remoteDoc) == 0 || string(remoteDoc) == "null" {
		return p.failed(ctx, rec, m, fmt.Errorf("conflict without server record: %w", cause), entry)
	}

	local, err := p.e.store.GetRaw(ctx, entity.Collection(), m.RecordKey)
	if errors.Is(err, store.ErrNotFound) {
		local = m.Payload
	} else if err != nil {
		return p.failed(ctx, rec, m, err, entry)
	}

	res, err := p.e.resolver.Resolve(ctx, entity, m.RecordKey, m.ID, local, remoteDoc)
	if err != nil && res.Merged == nil {
		return p.dead(ctx, rec, m, offline.Permanent("resolve", err), entry)
	}
	if err != nil {
		entry.WithError(err).Warn("conflict resolved but not logged")
	}
	p.e.metrics.ObserveOutcome(entity, metrics.OutcomeConflict)

	if res.Winner == conflict.Remote {
		if o := p.synced(ctx, rec, m, remote.ServerIDOf(remoteDoc), res.Merged, entry); o != outcomeSynced {
			return o
		}
		return outcomeRemoteWon
	}

	status, err := rec.Requeue(ctx, m.ID, res.Merged)
	if err != nil {
		entry.WithError(err).Error("failed to requeue merged record")
		return outcomeFailed
	}
	entry.WithField("status", string(status)).Info("local copy kept after conflict, requeued")
	return outcomeRequeued
}

// authFailed stops the pass. Only the first call publishes auth_required.
func (p *pass) authFailed(entity offline.EntityType, mutationID string, err error) {
	p.aborted.Store(true)
	p.authOnce.Do(func() {
		p.authErr = err
		p.log.WithFields(logrus.Fields{
			"session_id":  p.session.ID,
			"entity":      string(entity),
			"mutation_id": mutationID,
		}).WithError(err).Warn("authentication required, aborting sync")
		p.e.notifier.Publish(events.AuthRequired, events.AuthRequiredData{
			Entity:     entity,
			MutationID: mutationID,
			Error:      err.Error(),
		})
	})
}

// abort finishes a pass that could not complete.
func (p *pass) abort(ctx context.Context, cause error) (*offline.SyncSession, error) {
	p.session.DurationMs = p.e.clock.Now().Sub(p.session.StartedAt).Milliseconds()
	p.session.Success = false
	p.session.Error = cause.Error()
	p.record(ctx)

	totals := p.session.Totals()
	p.e.notifier.Publish(events.SyncError, events.SyncErrorData{
		SessionID: p.session.ID,
		Kind:      offline.KindOf(cause).String(),
		Error:     cause.Error(),
		Succeeded: totals.Succeeded,
		Failed:    totals.Failed,
	})
	p.log.WithField("session_id", p.session.ID).WithError(cause).Error("sync aborted")

	s := p.session
	return &s, cause
}

// complete finishes a pass that ran to the end.
func (p *pass) complete(ctx context.Context, refreshErr error) (*offline.SyncSession, error) {
	totals := p.session.Totals()
	p.session.DurationMs = p.e.clock.Now().Sub(p.session.StartedAt).Milliseconds()
	p.session.Success = totals.Failed == 0 && refreshErr == nil
	if refreshErr != nil {
		p.session.Error = refreshErr.Error()
	}
	p.record(ctx)

	p.e.notifier.Publish(events.SyncComplete, events.SyncCompleteData{
		SessionID:  p.session.ID,
		DurationMs: p.session.DurationMs,
		Success:    p.session.Success,
		Succeeded:  totals.Succeeded,
		Failed:     totals.Failed,
		Conflicts:  totals.Conflicts,
		Deferred:   totals.Deferred,
		PerEntity:  p.session.PerEntityResult,
	})
	p.log.WithFields(logrus.Fields{
		"session_id":  p.session.ID,
		"duration_ms": p.session.DurationMs,
		"succeeded":   totals.Succeeded,
		"failed":      totals.Failed,
		"conflicts":   totals.Conflicts,
		"deferred":    totals.Deferred,
	}).Info("sync complete")

	s := p.session
	return &s, nil
}

func (p *pass) record(ctx context.Context) {
	if err := p.e.metrics.RecordSession(ctx, p.session); err != nil {
		p.log.WithError(err).Warn("failed to record sync session")
	}
	if _, err := p.e.metrics.RefreshPending(ctx); err != nil {
		p.log.WithError(err).Debug("failed to refresh pending gauges")
	}
}
