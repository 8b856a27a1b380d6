// Package conflict merges divergent local and server versions of a record.
//
// Policies are per entity, never a generic three-way merge:
//   - sessions: the version with the later lastModified wins wholesale and
//     the loser's differing fields are kept in the record's audit trail
//   - sales and every other entity: the server copy wins unchanged
//
// Products pulled during a master-data refresh go through MergeProduct
// instead, which keeps the terminal's stock and price.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/store"
)

// Winner names the side whose version was kept.
type Winner string

const (
	Local  Winner = "local"
	Remote Winner = "remote"
)

// Resolution is the outcome of a conflict.
type Resolution struct {
	Entity offline.EntityType
	Winner Winner
	Merged json.RawMessage
	Audit  []model.AuditEntry
}

// Resolve applies the policy of entity to the two versions. now stamps
// audit entries.
func Resolve(entity offline.EntityType, local, remote json.RawMessage, now time.Time) (Resolution, error) {
	switch entity {
	case offline.EntitySessions:
		return resolveSession(local, remote, now)
	default:
		if !entity.Valid() {
			return Resolution{}, fmt.Errorf("unknown entity type %q", entity)
		}
		return Resolution{Entity: entity, Winner: Remote, Merged: remote}, nil
	}
}

// ignoredFields never produce audit entries.
var ignoredFields = map[string]bool{
	"id":           true,
	"syncMeta":     true,
	"audit":        true,
	"lastModified": true,
}

func resolveSession(local, remote json.RawMessage, now time.Time) (Resolution, error) {
	localDoc, err := model.ParseDoc(local)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid local session: %w", err)
	}
	remoteDoc, err := model.ParseDoc(remote)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid remote session: %w", err)
	}

	res := Resolution{Entity: offline.EntitySessions, Winner: Remote}
	winner, loser := remoteDoc, localDoc
	if localDoc.Time("lastModified").After(remoteDoc.Time("lastModified")) {
		res.Winner = Local
		winner, loser = localDoc, remoteDoc
	}
	loserName := string(Local)
	if res.Winner == Local {
		loserName = string(Remote)
	}

	merged := model.Doc{}
	for k, v := range winner {
		merged[k] = v
	}
	if id, ok := localDoc["id"]; ok {
		merged["id"] = id
	}

	fields := make([]string, 0, len(loser))
	for k := range loser {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if ignoredFields[field] || sameJSON(loser[field], winner[field]) {
			continue
		}
		res.Audit = append(res.Audit, model.AuditEntry{
			Field:      field,
			Value:      loser[field],
			Source:     loserName,
			ResolvedAt: now,
		})
	}

	audit := mergeAudit(auditOf(localDoc), auditOf(remoteDoc), res.Audit)
	if len(audit) > 0 {
		if err := merged.Set("audit", audit); err != nil {
			return Resolution{}, err
		}
	}

	meta := localDoc.SyncMeta()
	meta.ConflictResolved = true
	if err := merged.SetSyncMeta(meta); err != nil {
		return Resolution{}, err
	}

	res.Merged, err = merged.Bytes()
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func auditOf(d model.Doc) []model.AuditEntry {
	var entries []model.AuditEntry
	if raw, ok := d["audit"]; ok {
		_ = json.Unmarshal(raw, &entries)
	}
	return entries
}

// mergeAudit concatenates audit trails, dropping exact duplicates.
func mergeAudit(lists ...[]model.AuditEntry) []model.AuditEntry {
	var out []model.AuditEntry
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, e := range list {
			key := e.Field + "|" + e.Source + "|" + e.ResolvedAt.UTC().Format(time.RFC3339Nano) + "|" + compact(e.Value)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	return out
}

func sameJSON(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compact(a) == compact(b)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// MergeProduct combines a server product with the local copy during a
// master-data refresh. Server fields win except stock and price, which the
// terminal owns between syncs. The local id and syncMeta are kept.
func MergeProduct(local, remote json.RawMessage) (json.RawMessage, error) {
	localDoc, err := model.ParseDoc(local)
	if err != nil {
		return nil, fmt.Errorf("invalid local product: %w", err)
	}
	merged, err := model.ParseDoc(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote product: %w", err)
	}

	for _, field := range []string{"id", "price", "stock", "syncMeta"} {
		if v, ok := localDoc[field]; ok {
			merged[field] = v
		}
	}
	return merged.Bytes()
}

// Entry is one conflict_log document.
type Entry struct {
	ID         string             `json:"id"`
	EntityType offline.EntityType `json:"entityType"`
	RecordKey  string             `json:"recordKey"`
	MutationID string             `json:"mutationId,omitempty"`
	Winner     Winner             `json:"winner"`
	Local      json.RawMessage    `json:"local"`
	Remote     json.RawMessage    `json:"remote"`
	Merged     json.RawMessage    `json:"merged"`
	ResolvedAt time.Time          `json:"resolvedAt"`
}

// Resolver resolves conflicts and keeps the audit log.
type Resolver struct {
	store *store.Store
	clock offline.Clock
	log   *logrus.Entry
}

// NewResolver creates a resolver writing to st's conflict_log. A nil store
// skips the log; a nil clock uses the system clock.
func NewResolver(st *store.Store, clock offline.Clock, logger *logrus.Logger) *Resolver {
	if clock == nil {
		clock = offline.SystemClock{}
	}
	return &Resolver{store: st, clock: clock, log: logging.Component(logger, "conflict")}
}

// Resolve resolves a conflict for the record and appends both versions to
// the conflict log.
func (r *Resolver) Resolve(ctx context.Context, entity offline.EntityType, recordKey, mutationID string, local, remote json.RawMessage) (Resolution, error) {
	now := r.clock.Now()
	res, err := Resolve(entity, local, remote, now)
	if err != nil {
		return Resolution{}, err
	}

	r.log.WithFields(logrus.Fields{
		"entity":      string(entity),
		"record":      recordKey,
		"mutation_id": mutationID,
		"winner":      string(res.Winner),
		"audit":       len(res.Audit),
	}).Info("conflict resolved")

	if r.store != nil {
		entry := Entry{
			ID:         uuid.NewString(),
			EntityType: entity,
			RecordKey:  recordKey,
			MutationID: mutationID,
			Winner:     res.Winner,
			Local:      nonNull(local),
			Remote:     nonNull(remote),
			Merged:     nonNull(res.Merged),
			ResolvedAt: now,
		}
		if err := r.store.Add(ctx, offline.ConflictLogCollection, entry.ID, entry); err != nil {
			return res, fmt.Errorf("failed to write conflict log: %w", err)
		}
	}
	return res, nil
}

// Log returns the conflict log entries for entity, or all entries when
// entity is empty, oldest first.
func (r *Resolver) Log(ctx context.Context, entity offline.EntityType) ([]Entry, error) {
	if r.store == nil {
		return nil, nil
	}
	var (
		records []store.Record
		err     error
	)
	if entity == "" {
		records, err = r.store.GetAll(ctx, offline.ConflictLogCollection)
	} else {
		records, err = r.store.GetByIndex(ctx, offline.ConflictLogCollection, "entityType", string(entity))
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		if err := rec.Decode(&e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ResolvedAt.Before(entries[j].ResolvedAt) })
	return entries, nil
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
