package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrumdata/entitystore/internal/model"
)

// MemoryBacking is a map-backed Backing for tests and embedded deployments.
type MemoryBacking[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// NewMemoryBacking creates an empty in-memory backing.
func NewMemoryBacking[K comparable, V any]() *MemoryBacking[K, V] {
	return &MemoryBacking[K, V]{entries: make(map[K]V)}
}

func (b *MemoryBacking[K, V]) Load(_ context.Context, key K) (V, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.entries[key]
	return v, ok, nil
}

func (b *MemoryBacking[K, V]) LoadAll(_ context.Context, keys []K) (map[K]V, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[K]V)
	for _, k := range keys {
		if v, ok := b.entries[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *MemoryBacking[K, V]) LoadAllKeys(ctx context.Context, fn func(K) error) error {
	b.mu.RLock()
	keys := make([]K, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.RUnlock()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBacking[K, V]) StoreBatch(_ context.Context, entries map[K]V) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range entries {
		b.entries[k] = v
	}
	return nil
}

// Size returns the number of persisted entries.
func (b *MemoryBacking[K, V]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// MemoryIdentityBacking adds the entity-set scan to a MemoryBacking over
// entity keys.
type MemoryIdentityBacking struct {
	MemoryBacking[model.EntityKey, uuid.UUID]
}

// NewMemoryIdentityBacking creates an empty in-memory identity backing.
func NewMemoryIdentityBacking() *MemoryIdentityBacking {
	return &MemoryIdentityBacking{MemoryBacking[model.EntityKey, uuid.UUID]{entries: make(map[model.EntityKey]uuid.UUID)}}
}

func (b *MemoryIdentityBacking) KeysInEntitySet(ctx context.Context, entitySetID uuid.UUID, fn func(uuid.UUID) error) error {
	b.mu.RLock()
	ids := make([]uuid.UUID, 0)
	for k, id := range b.entries {
		if k.EntitySetID == entitySetID {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// MemoryPropertyBacking is a map-backed PropertyBacking keyed by DataKey.
type MemoryPropertyBacking struct {
	mu   sync.RWMutex
	rows map[model.DataKey]model.PropertyEntry
}

// NewMemoryPropertyBacking creates an empty in-memory property backing.
func NewMemoryPropertyBacking() *MemoryPropertyBacking {
	return &MemoryPropertyBacking{rows: make(map[model.DataKey]model.PropertyEntry)}
}

func (b *MemoryPropertyBacking) UpsertValues(_ context.Context, entries []model.PropertyEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, e := range entries {
		if existing, ok := b.rows[e.Key]; ok {
			existing.Value = e.Value
			existing.Version = e.Version
			existing.Versions = append(existing.Versions, e.Version)
			existing.LastWrite = now
			b.rows[e.Key] = existing
			continue
		}
		e.Versions = []int64{e.Version}
		e.LastWrite = now
		b.rows[e.Key] = e
	}
	return nil
}

func (b *MemoryPropertyBacking) TombstoneEntityData(_ context.Context, entitySetID, entityKeyID uuid.UUID, propertyTypeIDs []uuid.UUID, version int64) error {
	var filter map[uuid.UUID]struct{}
	if propertyTypeIDs != nil {
		filter = make(map[uuid.UUID]struct{}, len(propertyTypeIDs))
		for _, id := range propertyTypeIDs {
			filter[id] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for k, row := range b.rows {
		if k.EntitySetID != entitySetID || k.ID != entityKeyID || row.Tombstoned() {
			continue
		}
		if filter != nil {
			if _, ok := filter[k.PropertyTypeID]; !ok {
				continue
			}
		}
		row.Version = version
		row.Versions = append(row.Versions, version)
		b.rows[k] = row
	}
	return nil
}

func (b *MemoryPropertyBacking) TombstoneEntitySet(_ context.Context, entitySetID uuid.UUID, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, row := range b.rows {
		if k.EntitySetID != entitySetID || row.Tombstoned() {
			continue
		}
		row.Version = version
		row.Versions = append(row.Versions, version)
		b.rows[k] = row
	}
	return nil
}

func (b *MemoryPropertyBacking) DeleteEntities(_ context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	ids := make(map[uuid.UUID]struct{}, len(entityKeyIDs))
	for _, id := range entityKeyIDs {
		ids[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.rows {
		if k.EntitySetID != entitySetID {
			continue
		}
		if _, ok := ids[k.ID]; ok {
			delete(b.rows, k)
		}
	}
	return nil
}

func (b *MemoryPropertyBacking) DeleteEntitySet(_ context.Context, entitySetID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.rows {
		if k.EntitySetID == entitySetID {
			delete(b.rows, k)
		}
	}
	return nil
}

func (b *MemoryPropertyBacking) FetchEntities(_ context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]model.PropertyEntry, error) {
	ids := make(map[uuid.UUID]struct{}, len(entityKeyIDs))
	for _, id := range entityKeyIDs {
		ids[id] = struct{}{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.PropertyEntry
	for k, row := range b.rows {
		if k.EntitySetID != entitySetID || row.Tombstoned() {
			continue
		}
		if _, ok := ids[k.ID]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// RowCount returns the number of stored rows, tombstones included.
func (b *MemoryPropertyBacking) RowCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

// Row returns the stored row for a data key, for verification in tests.
func (b *MemoryPropertyBacking) Row(key model.DataKey) (model.PropertyEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.rows[key]
	return row, ok
}
