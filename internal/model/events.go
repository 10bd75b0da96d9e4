package model

import "github.com/google/uuid"

// EntitiesUpsertedEvent notifies indexers that entities in a set were
// created or updated.
type EntitiesUpsertedEvent struct {
	EntitySetID uuid.UUID `json:"entity_set_id"`
	Entities    []Entity  `json:"entities"`
}

// EntitiesDeletedEvent notifies indexers that entities were removed or
// cleared across one or more sets.
type EntitiesDeletedEvent struct {
	EntitySetIDs []uuid.UUID `json:"entity_set_ids"`
	EntityKeyIDs []uuid.UUID `json:"entity_key_ids"`
}

// EntitySetDataDeletedEvent notifies indexers that an entire entity set's
// data was removed.
type EntitySetDataDeletedEvent struct {
	EntitySetID uuid.UUID `json:"entity_set_id"`
}

// LinkingClusterDeletedEvent notifies linking consumers that the last member
// of a cluster is gone and its materialized view must be torn down, scoped
// to one linked entity set that exposed the cluster.
type LinkingClusterDeletedEvent struct {
	LinkingID   uuid.UUID `json:"linking_id"`
	EntitySetID uuid.UUID `json:"entity_set_id"`
}
