package offline

import "fmt"

// EntityType identifies a business entity that owns a mutation queue.
type EntityType string

const (
	EntitySessions     EntityType = "sessions"
	EntitySales        EntityType = "sales"
	EntityClosures     EntityType = "closures"
	EntityStockChanges EntityType = "stock_changes"
	EntityPriceChanges EntityType = "price_changes"
	EntityProducts     EntityType = "products"
	EntityCategories   EntityType = "categories"
	EntityUsers        EntityType = "users"
)

// SyncOrder is the fixed dependency order of a sync pass. Later entities
// reference earlier ones (a sale needs its session to exist server-side).
var SyncOrder = []EntityType{
	EntitySessions,
	EntitySales,
	EntityClosures,
	EntityStockChanges,
	EntityPriceChanges,
	EntityProducts,
	EntityCategories,
	EntityUsers,
}

// MasterDataEntities are refreshed from the server at the end of a pass.
var MasterDataEntities = []EntityType{
	EntityProducts,
	EntityCategories,
	EntityUsers,
}

// Collection names shared by every terminal. They match the layout written by
// earlier releases of the POS so existing databases keep working.
const (
	MetadataCollection    = "sync_metadata"
	ConflictLogCollection = "conflict_log"
)

var entityCollections = map[EntityType]string{
	EntitySessions:     "sesiones",
	EntitySales:        "ventas",
	EntityClosures:     "cierres",
	EntityStockChanges: "cambios_stock",
	EntityPriceChanges: "cambios_precio",
	EntityProducts:     "productos",
	EntityCategories:   "categorias",
	EntityUsers:        "usuarios",
}

var apiResources = map[EntityType]string{
	EntitySessions:     "sessions",
	EntitySales:        "sales",
	EntityClosures:     "closures",
	EntityStockChanges: "stock-changes",
	EntityPriceChanges: "price-changes",
	EntityProducts:     "products",
	EntityCategories:   "categories",
	EntityUsers:        "users",
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityCollections[t]
	return ok
}

// Collection returns the name of the collection holding local records.
func (t EntityType) Collection() string {
	return entityCollections[t]
}

// QueueCollection returns the name of the pending-mutation collection.
func (t EntityType) QueueCollection() string {
	return entityCollections[t] + "_pendientes"
}

// Resource returns the remote API resource name.
func (t EntityType) Resource() string {
	return apiResources[t]
}

// EntityForResource maps a remote API resource name back to its entity.
func EntityForResource(resource string) (EntityType, bool) {
	for t, res := range apiResources {
		if res == resource {
			return t, true
		}
	}
	return "", false
}

// ParseEntityType accepts either the entity name or its collection name.
func ParseEntityType(s string) (EntityType, error) {
	if t := EntityType(s); t.Valid() {
		return t, nil
	}
	for t, coll := range entityCollections {
		if coll == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// RequiredCollections lists every collection a sync pass depends on.
func RequiredCollections() []string {
	names := make([]string, 0, len(SyncOrder)*2+2)
	for _, t := range SyncOrder {
		names = append(names, t.Collection(), t.QueueCollection())
	}
	return append(names, MetadataCollection, ConflictLogCollection)
}

// Op is the kind of change a mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}
