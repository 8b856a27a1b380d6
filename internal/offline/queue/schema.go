package queue

import (
	"context"

	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/store"
)

// Schema returns the collections the sync engine needs.
func Schema() []store.CollectionSpec {
	specs := make([]store.CollectionSpec, 0, len(offline.SyncOrder)*2+2)
	for _, entity := range offline.SyncOrder {
		specs = append(specs,
			store.CollectionSpec{
				Name:    entity.Collection(),
				Indexes: []string{"syncMeta.synced", "syncMeta.serverId"},
			},
			store.CollectionSpec{
				Name:    entity.QueueCollection(),
				Indexes: []string{"status", "recordKey", "groupKey"},
			},
		)
	}
	return append(specs,
		store.CollectionSpec{Name: offline.MetadataCollection},
		store.CollectionSpec{Name: offline.ConflictLogCollection, Indexes: []string{"entityType"}},
	)
}

// Initializer creates the schema on demand.
type Initializer func(ctx context.Context) error

// StoreInitializer returns an Initializer that creates Schema() in st.
func StoreInitializer(st *store.Store) Initializer {
	return func(ctx context.Context) error {
		return st.InitContext(ctx, Schema())
	}
}

// EnsureSchema creates Schema() in a store that was never initialized. An
// initialized store is left alone so a collection that went missing stays
// missing and is reported by the storage check.
func EnsureSchema(ctx context.Context, st *store.Store) error {
	if st.Initialized() {
		return nil
	}
	return st.InitContext(ctx, Schema())
}
