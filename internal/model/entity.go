package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the sentinel version assigned to a property value
// record before its first real write commits.
const DefaultVersion int64 = -1

// EntityKey is the external, caller-supplied identity of an entity: the set
// it lives in, its id within that set, and an optional sync generation.
// SyncID is uuid.Nil when the caller did not supply one. The zero-sync form
// and an explicit-sync form are distinct keys.
type EntityKey struct {
	EntitySetID uuid.UUID
	EntityID    string
	SyncID      uuid.UUID
}

// DataKey identifies one stored instance of one value of one property for
// one entity. The value hash is part of the key so a multi-valued property
// maps to multiple rows and re-inserting an identical value is idempotent.
type DataKey struct {
	ID             uuid.UUID // entity key id
	EntitySetID    uuid.UUID
	SyncID         uuid.UUID
	EntityID       string
	PropertyTypeID uuid.UUID
	ValueHash      [16]byte
}

// PropertyEntry is a DataKey row together with its stored value and version
// metadata. Version values at or below zero mark the row as tombstoned.
type PropertyEntry struct {
	Key       DataKey
	Value     []byte
	Version   int64
	Versions  []int64
	LastWrite time.Time
}

// Tombstoned reports whether the entry is logically deleted.
func (e PropertyEntry) Tombstoned() bool {
	return e.Version <= 0
}

// Entity is the caller-facing aggregate: an entity key id plus all live
// property values grouped by property type.
type Entity struct {
	EntityKeyID uuid.UUID               `json:"entity_key_id"`
	Properties  map[uuid.UUID][]any     `json:"properties"`
	LastWrite   map[uuid.UUID]time.Time `json:"last_write,omitempty"`
}

// PropertyType is the read-only schema descriptor for a property, supplied
// by the type registry upstream of this engine.
type PropertyType struct {
	ID       uuid.UUID
	FQN      string
	Datatype Primitive
}

// PropertyMap is the write payload for one entity: property type id to the
// set of values being written for that type.
type PropertyMap map[uuid.UUID][]any
