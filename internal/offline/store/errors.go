package store

import (
	"errors"
	"fmt"

	"github.com/tiendapos/possync/internal/offline"
)

var (
	// ErrNotFound is returned when a key does not exist in a collection.
	ErrNotFound = errors.New("record not found")
	// ErrKeyExists is returned by Add when the key is already taken.
	ErrKeyExists = errors.New("record key already exists")
)

// Reason tells apart the two ways a collection can be missing.
type Reason int

const (
	// ReasonNotInitialized means the schema has not been created yet.
	ReasonNotInitialized Reason = iota
	// ReasonAbsent means the schema exists but this collection is gone.
	ReasonAbsent
)

func (r Reason) String() string {
	if r == ReasonNotInitialized {
		return "not initialized"
	}
	return "absent"
}

// CollectionError reports a missing collection.
type CollectionError struct {
	Name   string
	Reason Reason
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection %s: %s", e.Name, e.Reason)
}

// Is makes a CollectionError match offline.ErrStorage.
func (e *CollectionError) Is(target error) bool {
	return target == offline.ErrStorage
}

// IsNotInitialized reports whether err is a CollectionError caused by a
// store whose schema was never created.
func IsNotInitialized(err error) bool {
	var ce *CollectionError
	return errors.As(err, &ce) && ce.Reason == ReasonNotInitialized
}

// IsAbsent reports whether err is a CollectionError for a collection that
// disappeared from an initialized store.
func IsAbsent(err error) bool {
	var ce *CollectionError
	return errors.As(err, &ce) && ce.Reason == ReasonAbsent
}
