package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/model"
)

// PostgresPropertyBacking persists versioned property rows. Merges use the
// store's atomic upsert so concurrent writers to the same row never need
// row-level locking in this layer; last writer wins on the buffer and every
// observed version lands in the versions history.
type PostgresPropertyBacking struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresPropertyBacking creates the property backing.
func NewPostgresPropertyBacking(pool *pgxpool.Pool, logger *zap.Logger) *PostgresPropertyBacking {
	return &PostgresPropertyBacking{pool: pool, logger: logger}
}

func (s *PostgresPropertyBacking) UpsertValues(ctx context.Context, entries []model.PropertyEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO property_values
			(id, entity_set_id, sync_id, entity_id, property_type_id, property_value_hash,
			 property_buffer, version, versions, last_write)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, ARRAY[$8::bigint], NOW())
		ON CONFLICT (id, entity_set_id, property_type_id, property_value_hash)
		DO UPDATE SET
			property_buffer = EXCLUDED.property_buffer,
			version = EXCLUDED.version,
			versions = property_values.versions || EXCLUDED.version,
			last_write = NOW()
	`
	for _, e := range entries {
		batch.Queue(query,
			e.Key.ID.String(),
			e.Key.EntitySetID.String(),
			e.Key.SyncID.String(),
			e.Key.EntityID,
			e.Key.PropertyTypeID.String(),
			e.Key.ValueHash[:],
			e.Value,
			e.Version,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return errs.BackingStore("property upsert", err)
		}
	}
	return nil
}

func (s *PostgresPropertyBacking) TombstoneEntityData(ctx context.Context, entitySetID, entityKeyID uuid.UUID, propertyTypeIDs []uuid.UUID, version int64) error {
	var err error
	if propertyTypeIDs == nil {
		query := `
			UPDATE property_values
			SET version = $3, versions = versions || $3::bigint
			WHERE entity_set_id = $1 AND id = $2 AND version > 0
		`
		_, err = s.pool.Exec(ctx, query, entitySetID.String(), entityKeyID.String(), version)
	} else {
		query := `
			UPDATE property_values
			SET version = $3, versions = versions || $3::bigint
			WHERE entity_set_id = $1 AND id = $2 AND version > 0
			  AND property_type_id = ANY($4)
		`
		_, err = s.pool.Exec(ctx, query, entitySetID.String(), entityKeyID.String(), version, uuidStrings(propertyTypeIDs))
	}
	if err != nil {
		return errs.BackingStore("property tombstone", err)
	}
	return nil
}

func (s *PostgresPropertyBacking) TombstoneEntitySet(ctx context.Context, entitySetID uuid.UUID, version int64) error {
	query := `
		UPDATE property_values
		SET version = $2, versions = versions || $2::bigint
		WHERE entity_set_id = $1 AND version > 0
	`
	if _, err := s.pool.Exec(ctx, query, entitySetID.String(), version); err != nil {
		return errs.BackingStore("entity set tombstone", err)
	}
	return nil
}

func (s *PostgresPropertyBacking) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	query := `DELETE FROM property_values WHERE entity_set_id = $1 AND id = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, entitySetID.String(), uuidStrings(entityKeyIDs)); err != nil {
		return errs.BackingStore("property delete", err)
	}
	return nil
}

func (s *PostgresPropertyBacking) DeleteEntitySet(ctx context.Context, entitySetID uuid.UUID) error {
	query := `DELETE FROM property_values WHERE entity_set_id = $1`
	if _, err := s.pool.Exec(ctx, query, entitySetID.String()); err != nil {
		return errs.BackingStore("entity set delete", err)
	}
	return nil
}

func (s *PostgresPropertyBacking) FetchEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]model.PropertyEntry, error) {
	query := `
		SELECT id, entity_set_id, sync_id, entity_id, property_type_id,
		       property_value_hash, property_buffer, version, versions, last_write
		FROM property_values
		WHERE entity_set_id = $1 AND id = ANY($2) AND version > 0
	`

	rows, err := s.pool.Query(ctx, query, entitySetID.String(), uuidStrings(entityKeyIDs))
	if err != nil {
		return nil, errs.BackingStore("property fetch", err)
	}
	defer rows.Close()

	var out []model.PropertyEntry
	for rows.Next() {
		var (
			idStr, esStr, syncStr, entityID, ptStr string
			hash, buffer                           []byte
			version                                int64
			versions                               []int64
			lastWrite                              time.Time
		)
		if err := rows.Scan(&idStr, &esStr, &syncStr, &entityID, &ptStr, &hash, &buffer, &version, &versions, &lastWrite); err != nil {
			return nil, errs.BackingStore("property fetch", err)
		}

		entry, err := buildPropertyEntry(idStr, esStr, syncStr, entityID, ptStr, hash, buffer, version, versions, lastWrite)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func buildPropertyEntry(idStr, esStr, syncStr, entityID, ptStr string, hash, buffer []byte, version int64, versions []int64, lastWrite time.Time) (model.PropertyEntry, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.PropertyEntry{}, fmt.Errorf("malformed id: %w", err)
	}
	es, err := uuid.Parse(esStr)
	if err != nil {
		return model.PropertyEntry{}, fmt.Errorf("malformed entity_set_id: %w", err)
	}
	sync, err := uuid.Parse(syncStr)
	if err != nil {
		return model.PropertyEntry{}, fmt.Errorf("malformed sync_id: %w", err)
	}
	pt, err := uuid.Parse(ptStr)
	if err != nil {
		return model.PropertyEntry{}, fmt.Errorf("malformed property_type_id: %w", err)
	}
	if len(hash) != 16 {
		return model.PropertyEntry{}, fmt.Errorf("property_value_hash must be 16 bytes, got %d", len(hash))
	}

	key := model.DataKey{
		ID:             id,
		EntitySetID:    es,
		SyncID:         sync,
		EntityID:       entityID,
		PropertyTypeID: pt,
	}
	copy(key.ValueHash[:], hash)

	return model.PropertyEntry{
		Key:       key,
		Value:     buffer,
		Version:   version,
		Versions:  versions,
		LastWrite: lastWrite,
	}, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
