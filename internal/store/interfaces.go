// Package store holds the write-behind map the identity layer runs on and
// the relational backings behind it: Postgres for durability, an optional
// Redis tier for cross-process cache visibility, and in-memory
// implementations for tests and embedded use.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/fulcrumdata/entitystore/internal/model"
)

// Backing is the durable store behind a write-behind map. Loads are
// synchronous; StoreBatch persists a coalesced batch of dirty entries.
type Backing[K comparable, V any] interface {
	Load(ctx context.Context, key K) (V, bool, error)
	LoadAll(ctx context.Context, keys []K) (map[K]V, error)
	// LoadAllKeys streams every persisted key through fn. Iteration stops
	// on the first fn error or context cancellation; the underlying
	// connection is released on both paths.
	LoadAllKeys(ctx context.Context, fn func(K) error) error
	StoreBatch(ctx context.Context, entries map[K]V) error
}

// RemoteCache is an optional second cache tier shared across processes.
// All operations are best-effort: a miss or error falls through to the
// backing store.
type RemoteCache[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V) error
}

// PropertyBacking persists versioned property rows. The Postgres
// implementation merges writes with the store's native atomic upsert;
// the in-memory implementation backs tests and embedded deployments.
type PropertyBacking interface {
	// UpsertValues write-or-merges rows: an existing (id, propertyTypeId,
	// valueHash) row takes the new version and appends it to its version
	// history; a new row is created otherwise.
	UpsertValues(ctx context.Context, entries []model.PropertyEntry) error

	// TombstoneEntityData logically deletes an entity's rows by writing the
	// supplied negative version. A nil propertyTypeIDs slice covers every
	// property type. Tombstoning absent rows is a no-op.
	TombstoneEntityData(ctx context.Context, entitySetID, entityKeyID uuid.UUID, propertyTypeIDs []uuid.UUID, version int64) error

	// TombstoneEntitySet logically deletes every row in an entity set.
	TombstoneEntitySet(ctx context.Context, entitySetID uuid.UUID, version int64) error

	// DeleteEntities hard-removes rows for the given entities. Reserved for
	// compaction paths.
	DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error

	// DeleteEntitySet hard-removes every row in an entity set.
	DeleteEntitySet(ctx context.Context, entitySetID uuid.UUID) error

	// FetchEntities returns the live (non-tombstoned) rows for the given
	// entities.
	FetchEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]model.PropertyEntry, error)
}

// IdentityBacking extends the generic forward backing with the secondary
// index scan used to stream all ids in one entity set.
type IdentityBacking interface {
	Backing[model.EntityKey, uuid.UUID]
	KeysInEntitySet(ctx context.Context, entitySetID uuid.UUID, fn func(uuid.UUID) error) error
}
