package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/conflict"
	"github.com/tiendapos/possync/internal/offline/model"
	"github.com/tiendapos/possync/internal/offline/remote"
	"github.com/tiendapos/possync/internal/offline/store"
)

// MasterDataCacheKey is the sync_metadata key of the bootstrap blob.
const MasterDataCacheKey = "master_data_cache"

const lastSyncPrefix = "last_sync:"

var (
	// ErrNoMasterData is returned when no master data has been cached.
	ErrNoMasterData = errors.New("no cached master data")
	// ErrMasterDataExpired is returned when the cached blob is too old.
	ErrMasterDataExpired = errors.New("cached master data expired")
)

// MasterData is the cached reference data a terminal boots from when the
// server is unreachable.
type MasterData struct {
	Products   []json.RawMessage `json:"products"`
	Categories []json.RawMessage `json:"categories"`
	Users      []json.RawMessage `json:"users"`
	FetchedAt  time.Time         `json:"fetchedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

type lastSyncDoc struct {
	Entity offline.EntityType `json:"entity"`
	At     time.Time          `json:"at"`
}

// LastSync returns when entity was last refreshed from the server, or the
// zero time if never.
func (e *Engine) LastSync(ctx context.Context, entity offline.EntityType) (time.Time, error) {
	var doc lastSyncDoc
	err := e.store.Get(ctx, offline.MetadataCollection, lastSyncPrefix+string(entity), &doc)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync of %s: %w", entity, err)
	}
	return doc.At, nil
}

// CachedMasterData returns the unexpired master-data blob.
func (e *Engine) CachedMasterData(ctx context.Context) (*MasterData, error) {
	var md MasterData
	err := e.store.Get(ctx, offline.MetadataCollection, MasterDataCacheKey, &md)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoMasterData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master data cache: %w", err)
	}
	if now := e.clock.Now(); now.After(md.ExpiresAt) {
		return nil, fmt.Errorf("%w at %s", ErrMasterDataExpired, md.ExpiresAt.Format(time.RFC3339))
	}
	return &md, nil
}

// refreshMasterData pulls products, categories and users changed since the
// last refresh and rewrites the cache blob. An auth failure aborts the pass.
func (e *Engine) refreshMasterData(ctx context.Context, p *pass) error {
	var errs []error
	for _, entity := range offline.MasterDataEntities {
		err := e.refreshEntity(ctx, entity)
		if err == nil {
			continue
		}
		if offline.KindOf(err) == offline.KindAuth {
			p.authFailed(entity, "", err)
			return err
		}
		errs = append(errs, fmt.Errorf("failed to refresh %s: %w", entity, err))
	}
	if err := e.writeMasterDataCache(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) refreshEntity(ctx context.Context, entity offline.EntityType) error {
	started := e.clock.Now()
	since, err := e.LastSync(ctx, entity)
	if err != nil {
		return err
	}

	records, err := e.adapter.Pull(ctx, entity, remote.PullFilter{UpdatedSince: since, Limit: e.cfg.PullLimit})
	if err != nil {
		return err
	}

	entry := e.log.WithField("entity", string(entity))
	applied, kept := 0, 0
	for _, raw := range records {
		ok, err := e.applyPulled(ctx, entity, raw)
		if err != nil {
			entry.WithError(err).Warn("failed to apply pulled record")
			continue
		}
		if ok {
			applied++
		} else {
			kept++
		}
	}

	if err := e.store.Put(ctx, offline.MetadataCollection, lastSyncPrefix+string(entity), lastSyncDoc{Entity: entity, At: started}); err != nil {
		return fmt.Errorf("failed to store last sync: %w", err)
	}
	entry.WithFields(logrus.Fields{"pulled": len(records), "applied": applied, "kept_local": kept}).Debug("master data refreshed")
	return nil
}

// applyPulled stores one server record. A local record with pending
// changes is left alone, except products, whose server fields are merged
// under the local stock and price. It reports whether the record was
// written.
func (e *Engine) applyPulled(ctx context.Context, entity offline.EntityType, raw json.RawMessage) (bool, error) {
	serverID := remote.ServerIDOf(raw)
	if serverID == "" {
		return false, errors.New("pulled record has no id")
	}
	coll := entity.Collection()

	key := serverID
	var local json.RawMessage
	matches, err := e.store.GetByIndex(ctx, coll, "syncMeta.serverId", serverID)
	if err != nil {
		return false, err
	}
	if len(matches) > 0 {
		key, local = matches[0].Key, matches[0].Value
	} else {
		local, err = e.store.GetRaw(ctx, coll, serverID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	meta := model.SyncMeta{Synced: true, LocalID: key, ServerID: serverID}
	merged := raw
	if local != nil {
		localDoc, err := model.ParseDoc(local)
		if err != nil {
			return false, err
		}
		lm := localDoc.SyncMeta()
		if lm.LocalID != "" {
			meta.LocalID = lm.LocalID
		}
		meta.ConflictResolved = lm.ConflictResolved

		var deleted bool
		if v, ok := localDoc["deleted"]; ok {
			_ = json.Unmarshal(v, &deleted)
		}
		switch {
		case !lm.Synced && (deleted || entity != offline.EntityProducts):
			return false, nil
		case entity == offline.EntityProducts:
			if merged, err = conflict.MergeProduct(local, raw); err != nil {
				return false, err
			}
			meta.Synced = lm.Synced
		}
	}

	doc, err := model.ParseDoc(merged)
	if err != nil {
		return false, err
	}
	if err := doc.Set("id", key); err != nil {
		return false, err
	}
	now := e.clock.Now()
	meta.LastSyncAt = &now
	if err := doc.SetSyncMeta(meta); err != nil {
		return false, err
	}
	if err := e.store.Put(ctx, coll, key, doc); err != nil {
		return false, err
	}
	return true, nil
}

// writeMasterDataCache snapshots the local master data into the expiring
// bootstrap blob.
func (e *Engine) writeMasterDataCache(ctx context.Context) error {
	now := e.clock.Now()
	md := MasterData{FetchedAt: now, ExpiresAt: now.Add(e.cfg.MasterDataTTL)}
	for _, entity := range offline.MasterDataEntities {
		records, err := e.store.GetAll(ctx, entity.Collection())
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entity, err)
		}
		docs := make([]json.RawMessage, 0, len(records))
		for _, r := range records {
			doc, err := model.ParseDoc(r.Value)
			if err != nil {
				continue
			}
			if v, ok := doc["deleted"]; ok && string(v) == "true" {
				continue
			}
			docs = append(docs, r.Value)
		}
		switch entity {
		case offline.EntityProducts:
			md.Products = docs
		case offline.EntityCategories:
			md.Categories = docs
		case offline.EntityUsers:
			md.Users = docs
		}
	}
	if err := e.store.Put(ctx, offline.MetadataCollection, MasterDataCacheKey, md); err != nil {
		return fmt.Errorf("failed to write master data cache: %w", err)
	}
	return nil
}
