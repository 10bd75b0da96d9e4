package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/model"
)

// PostgresIdentityBacking persists the EntityKey -> id mapping. The unique
// constraint on (entity_set_id, sync_id, entity_id) makes it the arbiter
// for concurrent first-time resolution across processes: inserts for an
// already-mapped key are silently discarded, and the loser picks up the
// winner's id on its next cache-miss read.
type PostgresIdentityBacking struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresIdentityBacking creates the forward identity backing.
func NewPostgresIdentityBacking(pool *pgxpool.Pool, logger *zap.Logger) *PostgresIdentityBacking {
	return &PostgresIdentityBacking{pool: pool, logger: logger}
}

func (s *PostgresIdentityBacking) Load(ctx context.Context, key model.EntityKey) (uuid.UUID, bool, error) {
	query := `
		SELECT id
		FROM entity_key_ids
		WHERE entity_set_id = $1 AND sync_id = $2 AND entity_id = $3
	`

	var idStr string
	err := s.pool.QueryRow(ctx, query, key.EntitySetID.String(), key.SyncID.String(), key.EntityID).Scan(&idStr)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, errs.BackingStore("identity load", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed id for entity key: %w", err)
	}
	return id, true, nil
}

func (s *PostgresIdentityBacking) LoadAll(ctx context.Context, keys []model.EntityKey) (map[model.EntityKey]uuid.UUID, error) {
	out := make(map[model.EntityKey]uuid.UUID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	batch := &pgx.Batch{}
	query := `
		SELECT id
		FROM entity_key_ids
		WHERE entity_set_id = $1 AND sync_id = $2 AND entity_id = $3
	`
	for _, k := range keys {
		batch.Queue(query, k.EntitySetID.String(), k.SyncID.String(), k.EntityID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, k := range keys {
		var idStr string
		err := results.QueryRow().Scan(&idStr)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errs.BackingStore("identity load all", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("malformed id for entity key: %w", err)
		}
		out[k] = id
	}
	return out, nil
}

func (s *PostgresIdentityBacking) LoadAllKeys(ctx context.Context, fn func(model.EntityKey) error) error {
	query := `SELECT entity_set_id, sync_id, entity_id FROM entity_key_ids`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return errs.BackingStore("identity key scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var esStr, syncStr, entityID string
		if err := rows.Scan(&esStr, &syncStr, &entityID); err != nil {
			return errs.BackingStore("identity key scan", err)
		}
		key, err := parseEntityKey(esStr, syncStr, entityID)
		if err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresIdentityBacking) StoreBatch(ctx context.Context, entries map[model.EntityKey]uuid.UUID) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO entity_key_ids (entity_set_id, sync_id, entity_id, id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_set_id, sync_id, entity_id) DO NOTHING
	`
	for k, id := range entries {
		batch.Queue(query, k.EntitySetID.String(), k.SyncID.String(), k.EntityID, id.String())
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return errs.BackingStore("identity store", err)
		}
	}
	return nil
}

// KeysInEntitySet streams all assigned ids in one entity set using the
// entity_set_id index rather than a full scan.
func (s *PostgresIdentityBacking) KeysInEntitySet(ctx context.Context, entitySetID uuid.UUID, fn func(uuid.UUID) error) error {
	query := `SELECT id FROM entity_key_ids WHERE entity_set_id = $1`

	rows, err := s.pool.Query(ctx, query, entitySetID.String())
	if err != nil {
		return errs.BackingStore("entity set key scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return errs.BackingStore("entity set key scan", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("malformed id in entity set scan: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PostgresReverseIdentityBacking reads the same relation by id. It is a
// derived view of the forward mapping: StoreBatch is a no-op because the
// forward insert is the single writer for the relation.
type PostgresReverseIdentityBacking struct {
	pool *pgxpool.Pool
}

// NewPostgresReverseIdentityBacking creates the reverse identity backing.
func NewPostgresReverseIdentityBacking(pool *pgxpool.Pool) *PostgresReverseIdentityBacking {
	return &PostgresReverseIdentityBacking{pool: pool}
}

func (s *PostgresReverseIdentityBacking) Load(ctx context.Context, id uuid.UUID) (model.EntityKey, bool, error) {
	query := `
		SELECT entity_set_id, sync_id, entity_id
		FROM entity_key_ids
		WHERE id = $1
	`

	var esStr, syncStr, entityID string
	err := s.pool.QueryRow(ctx, query, id.String()).Scan(&esStr, &syncStr, &entityID)
	if err == pgx.ErrNoRows {
		return model.EntityKey{}, false, nil
	}
	if err != nil {
		return model.EntityKey{}, false, errs.BackingStore("reverse identity load", err)
	}

	key, err := parseEntityKey(esStr, syncStr, entityID)
	if err != nil {
		return model.EntityKey{}, false, err
	}
	return key, true, nil
}

func (s *PostgresReverseIdentityBacking) LoadAll(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.EntityKey, error) {
	out := make(map[uuid.UUID]model.EntityKey, len(ids))
	for _, id := range ids {
		key, ok, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = key
		}
	}
	return out, nil
}

func (s *PostgresReverseIdentityBacking) LoadAllKeys(ctx context.Context, fn func(uuid.UUID) error) error {
	query := `SELECT id FROM entity_key_ids`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return errs.BackingStore("reverse identity key scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return errs.BackingStore("reverse identity key scan", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("malformed id in reverse scan: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresReverseIdentityBacking) StoreBatch(context.Context, map[uuid.UUID]model.EntityKey) error {
	// Derived view; the forward backing owns all writes to the relation.
	return nil
}

func parseEntityKey(entitySetID, syncID, entityID string) (model.EntityKey, error) {
	es, err := uuid.Parse(entitySetID)
	if err != nil {
		return model.EntityKey{}, fmt.Errorf("malformed entity_set_id: %w", err)
	}
	sync, err := uuid.Parse(syncID)
	if err != nil {
		return model.EntityKey{}, fmt.Errorf("malformed sync_id: %w", err)
	}
	return model.EntityKey{EntitySetID: es, SyncID: sync, EntityID: entityID}, nil
}
