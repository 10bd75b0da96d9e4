package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fulcrumdata/entitystore/internal/codec"
	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/store"
)

// EntityWrite couples an entity's identity with its property payload for
// one mutation call.
type EntityWrite struct {
	Key         model.EntityKey
	EntityKeyID uuid.UUID
	Properties  model.PropertyMap
}

// PropertyService stores individual property values with multi-value and
// version semantics. Every mutating operation is scoped to one entity set
// and a pre-authorized property type map; payloads referencing anything
// outside that map are refused whole-entity rather than silently trimmed.
type PropertyService struct {
	backing store.PropertyBacking
	codec   *codec.Codec
	clock   *VersionClock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPropertyService builds the property store over a backing.
func NewPropertyService(backing store.PropertyBacking, c *codec.Codec, clock *VersionClock, logger *zap.Logger, m *metrics.Metrics) *PropertyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PropertyService{backing: backing, codec: c, clock: clock, logger: logger, metrics: m}
}

// UpsertEntities merge-writes property values. A value that fails
// normalization aborts only that value's write; an unauthorized property
// type refuses its whole entity. Other entities in the batch proceed.
func (s *PropertyService) UpsertEntities(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, authorized map[uuid.UUID]model.PropertyType) error {
	var failures []error
	var entries []model.PropertyEntry

	for _, w := range writes {
		if err := authorize(w.Properties, authorized); err != nil {
			failures = append(failures, err)
			continue
		}

		serialized, errsHere := s.serializeEntity(entitySetID, w, authorized)
		// Upsert path: per-value failures are reported but do not abort the
		// entity's remaining values.
		failures = append(failures, errsHere...)
		entries = append(entries, serialized...)
	}

	if len(entries) > 0 {
		if err := s.backing.UpsertValues(ctx, entries); err != nil {
			return err
		}
	}
	return errors.Join(failures...)
}

// ReplaceEntities destructively replaces: property types absent from an
// entity's payload are tombstoned, present ones are upserted. The replace
// path is fail-closed per entity: any bad value aborts that entity's whole
// write.
func (s *PropertyService) ReplaceEntities(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, authorized map[uuid.UUID]model.PropertyType) error {
	return s.replace(ctx, entitySetID, writes, authorized, false)
}

// PartialReplaceEntities replaces values only for the property types present
// in each payload, leaving absent types untouched.
func (s *PropertyService) PartialReplaceEntities(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, authorized map[uuid.UUID]model.PropertyType) error {
	return s.replace(ctx, entitySetID, writes, authorized, true)
}

func (s *PropertyService) replace(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, authorized map[uuid.UUID]model.PropertyType, partial bool) error {
	var failures []error

	for _, w := range writes {
		if err := authorize(w.Properties, authorized); err != nil {
			failures = append(failures, err)
			continue
		}

		serialized, serErrs := s.serializeEntity(entitySetID, w, authorized)
		if len(serErrs) > 0 {
			// Fail-closed: a replace that cannot represent its full payload
			// writes nothing for this entity.
			failures = append(failures, serErrs...)
			continue
		}

		scope := authorizedTypeIDs(authorized)
		if partial {
			scope = payloadTypeIDs(w.Properties)
		}
		tombstone := -s.clock.Next()
		if err := s.backing.TombstoneEntityData(ctx, entitySetID, w.EntityKeyID, scope, tombstone); err != nil {
			return err
		}
		if err := s.backing.UpsertValues(ctx, serialized); err != nil {
			return err
		}
	}
	return errors.Join(failures...)
}

// ClearEntityData tombstones the given property types for one entity.
// Clearing absent data is a no-op success.
func (s *PropertyService) ClearEntityData(ctx context.Context, entitySetID, entityKeyID uuid.UUID, propertyTypeIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType) error {
	for _, ptID := range propertyTypeIDs {
		if _, ok := authorized[ptID]; !ok {
			return errs.UnauthorizedProperty(ptID)
		}
	}
	return s.backing.TombstoneEntityData(ctx, entitySetID, entityKeyID, propertyTypeIDs, -s.clock.Next())
}

// ClearEntities tombstones all property values of the given entities. The
// identity mappings survive; the ids remain valid for future writes.
func (s *PropertyService) ClearEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	version := -s.clock.Next()
	for _, id := range entityKeyIDs {
		if err := s.backing.TombstoneEntityData(ctx, entitySetID, id, nil, version); err != nil {
			return err
		}
	}
	return nil
}

// ClearEntitySet tombstones every row in an entity set.
func (s *PropertyService) ClearEntitySet(ctx context.Context, entitySetID uuid.UUID) error {
	return s.backing.TombstoneEntitySet(ctx, entitySetID, -s.clock.Next())
}

// DeleteEntities hard-removes rows. Reserved for compaction and GC, not
// ordinary application deletes.
func (s *PropertyService) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	return s.backing.DeleteEntities(ctx, entitySetID, entityKeyIDs)
}

// DeleteEntitySetData hard-removes every row in an entity set.
func (s *PropertyService) DeleteEntitySetData(ctx context.Context, entitySetID uuid.UUID) error {
	return s.backing.DeleteEntitySet(ctx, entitySetID)
}

// GetEntities reassembles entity aggregates from their live rows, filtered
// to the authorized property types. With withLastWrite set, per-property
// last write timestamps are attached.
func (s *PropertyService) GetEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType, withLastWrite bool) ([]model.Entity, error) {
	rows, err := s.backing.FetchEntities(ctx, entitySetID, entityKeyIDs)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*model.Entity)
	for _, row := range rows {
		pt, ok := authorized[row.Key.PropertyTypeID]
		if !ok {
			continue
		}

		value, err := s.codec.Deserialize(row.Value, pt.Datatype)
		if err != nil {
			s.logger.Warn("Skipping undecodable property value",
				zap.String("entity_key_id", row.Key.ID.String()),
				zap.String("property_type_id", row.Key.PropertyTypeID.String()),
				zap.Error(err))
			continue
		}

		e, ok := byID[row.Key.ID]
		if !ok {
			e = &model.Entity{
				EntityKeyID: row.Key.ID,
				Properties:  make(map[uuid.UUID][]any),
			}
			if withLastWrite {
				e.LastWrite = make(map[uuid.UUID]time.Time)
			}
			byID[row.Key.ID] = e
		}
		e.Properties[row.Key.PropertyTypeID] = append(e.Properties[row.Key.PropertyTypeID], value)
		if withLastWrite {
			if row.LastWrite.After(e.LastWrite[row.Key.PropertyTypeID]) {
				e.LastWrite[row.Key.PropertyTypeID] = row.LastWrite
			}
		}
	}

	out := make([]model.Entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityKeyID.String() < out[j].EntityKeyID.String()
	})
	return out, nil
}

// serializeEntity normalizes, serializes and hashes an entity's payload into
// property rows. Each value failure is returned separately so callers choose
// between per-value isolation (upsert) and whole-entity abort (replace).
func (s *PropertyService) serializeEntity(entitySetID uuid.UUID, w EntityWrite, authorized map[uuid.UUID]model.PropertyType) ([]model.PropertyEntry, []error) {
	var entries []model.PropertyEntry
	var failures []error

	for ptID, values := range w.Properties {
		pt := authorized[ptID]
		for _, v := range values {
			buf, err := s.codec.Serialize(v, pt.Datatype)
			if err != nil {
				failures = append(failures, errs.Format(ptID, v, err))
				continue
			}

			key := model.DataKey{
				ID:             w.EntityKeyID,
				EntitySetID:    entitySetID,
				SyncID:         w.Key.SyncID,
				EntityID:       w.Key.EntityID,
				PropertyTypeID: ptID,
				ValueHash:      codec.Hash(buf),
			}
			entries = append(entries, model.PropertyEntry{
				Key:     key,
				Value:   buf,
				Version: s.clock.Next(),
			})
		}
	}
	return entries, failures
}

// authorize refuses any payload referencing a property type outside the
// authorized set. The whole entity is rejected so callers never believe a
// partially-dropped write succeeded.
func authorize(props model.PropertyMap, authorized map[uuid.UUID]model.PropertyType) error {
	for ptID := range props {
		if _, ok := authorized[ptID]; !ok {
			return errs.UnauthorizedProperty(ptID)
		}
	}
	return nil
}

func authorizedTypeIDs(authorized map[uuid.UUID]model.PropertyType) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(authorized))
	for id := range authorized {
		out = append(out, id)
	}
	return out
}

func payloadTypeIDs(props model.PropertyMap) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(props))
	for id := range props {
		out = append(out, id)
	}
	return out
}
