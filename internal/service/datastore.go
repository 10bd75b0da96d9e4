package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/events"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/store"
)

// EntityDatastore is the façade all mutation paths go through. Every
// mutating call runs the same sequence: look up affected linking clusters,
// delegate the storage mutation, recompute cluster membership, emit change
// signals. Signals for batches at or above the sync threshold are left to
// the background sweep instead of being emitted inline.
type EntityDatastore struct {
	ids             *EntityKeyIDService
	props           *PropertyService
	identityBacking store.IdentityBacking
	linking         LinkingRegistry
	emitter         events.Emitter
	syncThreshold   int
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// DatastoreOptions configures the orchestrator.
type DatastoreOptions struct {
	SyncBatchThreshold int
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// NewEntityDatastore wires the orchestrator.
func NewEntityDatastore(
	ids *EntityKeyIDService,
	props *PropertyService,
	identityBacking store.IdentityBacking,
	linking LinkingRegistry,
	emitter events.Emitter,
	opts DatastoreOptions,
) *EntityDatastore {
	if opts.SyncBatchThreshold <= 0 {
		opts.SyncBatchThreshold = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &EntityDatastore{
		ids:             ids,
		props:           props,
		identityBacking: identityBacking,
		linking:         linking,
		emitter:         emitter,
		syncThreshold:   opts.SyncBatchThreshold,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
}

// CreateOrUpdateEntities resolves ids for the named entities and
// merge-writes their properties.
func (d *EntityDatastore) CreateOrUpdateEntities(ctx context.Context, entitySetID, syncID uuid.UUID, entities map[string]model.PropertyMap, authorized map[uuid.UUID]model.PropertyType) error {
	return d.mutate(ctx, "create_or_update", entitySetID, syncID, entities, authorized, d.props.UpsertEntities)
}

// ReplaceEntities resolves ids and destructively replaces properties.
func (d *EntityDatastore) ReplaceEntities(ctx context.Context, entitySetID, syncID uuid.UUID, entities map[string]model.PropertyMap, authorized map[uuid.UUID]model.PropertyType) error {
	return d.mutate(ctx, "replace", entitySetID, syncID, entities, authorized, d.props.ReplaceEntities)
}

// PartialReplaceEntities resolves ids and replaces only the property types
// present in each payload.
func (d *EntityDatastore) PartialReplaceEntities(ctx context.Context, entitySetID, syncID uuid.UUID, entities map[string]model.PropertyMap, authorized map[uuid.UUID]model.PropertyType) error {
	return d.mutate(ctx, "partial_replace", entitySetID, syncID, entities, authorized, d.props.PartialReplaceEntities)
}

type mutateFn func(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, authorized map[uuid.UUID]model.PropertyType) error

func (d *EntityDatastore) mutate(ctx context.Context, op string, entitySetID, syncID uuid.UUID, entities map[string]model.PropertyMap, authorized map[uuid.UUID]model.PropertyType, fn mutateFn) error {
	done := d.instrument(op)
	if entitySetID == uuid.Nil {
		return done(errs.InvalidArgument("entity set id is required"))
	}

	keys := make([]model.EntityKey, 0, len(entities))
	for entityID := range entities {
		keys = append(keys, model.EntityKey{EntitySetID: entitySetID, EntityID: entityID, SyncID: syncID})
	}
	resolved, err := d.ids.GetEntityKeyIDs(ctx, keys)
	if err != nil {
		return done(err)
	}

	writes := make([]EntityWrite, 0, len(keys))
	ekIDs := make([]uuid.UUID, 0, len(keys))
	for _, key := range keys {
		id := resolved[key]
		ekIDs = append(ekIDs, id)
		writes = append(writes, EntityWrite{Key: key, EntityKeyID: id, Properties: entities[key.EntityID]})
	}

	oldLinking := d.lookupLinking(ctx, ekIDs)

	if err := fn(ctx, entitySetID, writes, authorized); err != nil {
		// The storage layer may have written some entities; still refresh
		// affected clusters before surfacing the error.
		d.refreshClusters(ctx, oldLinking)
		return done(err)
	}

	d.signalUpserted(ctx, entitySetID, ekIDs, authorized)
	d.refreshClusters(ctx, oldLinking)
	return done(nil)
}

// ClearEntities tombstones every property value of the given entities. The
// entity ids survive and accept future writes.
func (d *EntityDatastore) ClearEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	done := d.instrument("clear_entities")

	oldLinking := d.lookupLinking(ctx, entityKeyIDs)
	if err := d.props.ClearEntities(ctx, entitySetID, entityKeyIDs); err != nil {
		return done(err)
	}
	d.signalDeleted(ctx, []uuid.UUID{entitySetID}, entityKeyIDs)
	d.retireFromClusters(ctx, oldLinking)
	return done(nil)
}

// ClearEntityData tombstones selected property types for one entity.
func (d *EntityDatastore) ClearEntityData(ctx context.Context, entitySetID, entityKeyID uuid.UUID, propertyTypeIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType) error {
	done := d.instrument("clear_entity_data")

	oldLinking := d.lookupLinking(ctx, []uuid.UUID{entityKeyID})
	if err := d.props.ClearEntityData(ctx, entitySetID, entityKeyID, propertyTypeIDs, authorized); err != nil {
		return done(err)
	}
	d.signalUpserted(ctx, entitySetID, []uuid.UUID{entityKeyID}, authorized)
	d.refreshClusters(ctx, oldLinking)
	return done(nil)
}

// ClearEntitySet tombstones all data in an entity set. The wipe removes
// every member the set contributed to its linking clusters, so the same
// retire phase as entity-level removals runs afterwards.
func (d *EntityDatastore) ClearEntitySet(ctx context.Context, entitySetID uuid.UUID) error {
	done := d.instrument("clear_entity_set")
	if entitySetID == uuid.Nil {
		return done(errs.InvalidArgument("entity set id is required"))
	}

	oldLinking := d.lookupLinkingForSet(ctx, entitySetID)
	if err := d.props.ClearEntitySet(ctx, entitySetID); err != nil {
		return done(err)
	}
	if err := d.emitter.EntitySetDataDeleted(ctx, model.EntitySetDataDeletedEvent{EntitySetID: entitySetID}); err != nil {
		d.logger.Error("Failed to emit entity set deletion signal",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Error(err))
	}
	d.retireFromClusters(ctx, oldLinking)
	return done(nil)
}

// DeleteEntities hard-removes entity rows. Identity mappings are permanent
// and survive even hard deletes so ids are never reused.
func (d *EntityDatastore) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) error {
	done := d.instrument("delete_entities")

	oldLinking := d.lookupLinking(ctx, entityKeyIDs)
	if err := d.props.DeleteEntities(ctx, entitySetID, entityKeyIDs); err != nil {
		return done(err)
	}
	d.signalDeleted(ctx, []uuid.UUID{entitySetID}, entityKeyIDs)
	d.retireFromClusters(ctx, oldLinking)
	return done(nil)
}

// DeleteEntitySetData hard-removes all rows of an entity set.
func (d *EntityDatastore) DeleteEntitySetData(ctx context.Context, entitySetID uuid.UUID) error {
	done := d.instrument("delete_entity_set_data")
	if entitySetID == uuid.Nil {
		return done(errs.InvalidArgument("entity set id is required"))
	}

	oldLinking := d.lookupLinkingForSet(ctx, entitySetID)
	if err := d.props.DeleteEntitySetData(ctx, entitySetID); err != nil {
		return done(err)
	}
	if err := d.emitter.EntitySetDataDeleted(ctx, model.EntitySetDataDeletedEvent{EntitySetID: entitySetID}); err != nil {
		d.logger.Error("Failed to emit entity set deletion signal",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Error(err))
	}
	d.retireFromClusters(ctx, oldLinking)
	return done(nil)
}

// GetEntities reads entity aggregates by id.
func (d *EntityDatastore) GetEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType, withLastWrite bool) ([]model.Entity, error) {
	return d.props.GetEntities(ctx, entitySetID, entityKeyIDs, authorized, withLastWrite)
}

// GetEntitiesByID reads entity aggregates by id alone, without the caller
// naming an entity set. Each id's set is recovered through the reverse
// identity mapping; unknown ids resolve to nothing rather than failing the
// batch.
func (d *EntityDatastore) GetEntitiesByID(ctx context.Context, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType, withLastWrite bool) ([]model.Entity, error) {
	bySet := make(map[uuid.UUID][]uuid.UUID)
	for _, id := range entityKeyIDs {
		key, err := d.ids.GetEntityKey(ctx, id)
		if err != nil {
			if errs.IsCode(err, errs.CodeNotFound) {
				continue
			}
			return nil, err
		}
		bySet[key.EntitySetID] = append(bySet[key.EntitySetID], id)
	}

	var out []model.Entity
	for entitySetID, ids := range bySet {
		entities, err := d.props.GetEntities(ctx, entitySetID, ids, authorized, withLastWrite)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityKeyID.String() < out[j].EntityKeyID.String()
	})
	return out, nil
}

// GetEntityKeyID resolves a single external entity key.
func (d *EntityDatastore) GetEntityKeyID(ctx context.Context, key model.EntityKey) (uuid.UUID, error) {
	return d.ids.GetEntityKeyID(ctx, key)
}

// GetEntityKeyIDsInEntitySet streams all assigned ids in an entity set.
// The stream is lazy: closing ctx stops the producer and releases its
// connection without the scan completing.
func (d *EntityDatastore) GetEntityKeyIDsInEntitySet(ctx context.Context, entitySetID uuid.UUID) (<-chan uuid.UUID, <-chan error) {
	out := make(chan uuid.UUID)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		err := d.identityBacking.KeysInEntitySet(ctx, entitySetID, func(id uuid.UUID) error {
			select {
			case out <- id:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// lookupLinkingForSet captures cluster membership for every persisted entity
// in a set, for the set-wide wipes. Ids still awaiting their first flush are
// not in the backing store yet; their clusters are caught by the background
// sweep like any other lookup failure.
func (d *EntityDatastore) lookupLinkingForSet(ctx context.Context, entitySetID uuid.UUID) map[uuid.UUID][]uuid.UUID {
	var ids []uuid.UUID
	err := d.identityBacking.KeysInEntitySet(ctx, entitySetID, func(id uuid.UUID) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		d.logger.Warn("Entity set scan for linking lookup failed",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Error(err))
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	return d.lookupLinking(ctx, ids)
}

// lookupLinking captures cluster membership before a mutation. Failures
// degrade to an empty map: the write proceeds and the clusters are caught
// by the background sweep.
func (d *EntityDatastore) lookupLinking(ctx context.Context, entityKeyIDs []uuid.UUID) map[uuid.UUID][]uuid.UUID {
	membership, err := d.linking.LinkingIDs(ctx, entityKeyIDs)
	if err != nil {
		d.logger.Warn("Linking membership lookup failed", zap.Error(err))
		return nil
	}

	byCluster := make(map[uuid.UUID][]uuid.UUID)
	for ekID, linkingID := range membership {
		byCluster[linkingID] = append(byCluster[linkingID], ekID)
	}
	return byCluster
}

// refreshClusters marks the affected clusters dirty after a write that kept
// the member entities alive.
func (d *EntityDatastore) refreshClusters(ctx context.Context, byCluster map[uuid.UUID][]uuid.UUID) {
	if len(byCluster) == 0 {
		return
	}
	dirty := make([]uuid.UUID, 0, len(byCluster))
	for linkingID := range byCluster {
		dirty = append(dirty, linkingID)
	}
	if err := d.linking.MarkDirty(ctx, dirty); err != nil {
		d.logger.Error("Failed to mark linking clusters dirty", zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.ClustersDirtied.Add(float64(len(dirty)))
	}
}

// retireFromClusters handles the post-phase for removals: a cluster whose
// last member just left gets its materialized view torn down; one with
// members remaining is only marked dirty for asynchronous reindexing.
func (d *EntityDatastore) retireFromClusters(ctx context.Context, byCluster map[uuid.UUID][]uuid.UUID) {
	for linkingID, removed := range byCluster {
		remaining, err := d.linking.HasRemainingMembers(ctx, linkingID, removed)
		if err != nil {
			d.logger.Error("Failed to recompute linking membership",
				zap.String("linking_id", linkingID.String()),
				zap.Error(err))
			continue
		}

		if remaining {
			d.refreshClusters(ctx, map[uuid.UUID][]uuid.UUID{linkingID: removed})
			continue
		}

		entitySets, err := d.linking.ClusterEntitySets(ctx, linkingID)
		if err != nil {
			d.logger.Error("Failed to resolve linked entity sets",
				zap.String("linking_id", linkingID.String()),
				zap.Error(err))
			continue
		}
		for _, esID := range entitySets {
			event := model.LinkingClusterDeletedEvent{LinkingID: linkingID, EntitySetID: esID}
			if err := d.emitter.LinkingClusterDeleted(ctx, event); err != nil {
				d.logger.Error("Failed to emit cluster deletion signal",
					zap.String("linking_id", linkingID.String()),
					zap.Error(err))
			}
		}
		if d.metrics != nil {
			d.metrics.ClustersDeleted.Inc()
		}
	}
}

// signalUpserted emits the upsert signal inline for small batches. Larger
// batches rely on the background sweep, trading immediacy for bulk-load
// throughput.
func (d *EntityDatastore) signalUpserted(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, authorized map[uuid.UUID]model.PropertyType) {
	if len(entityKeyIDs) >= d.syncThreshold {
		if d.metrics != nil {
			d.metrics.SignalsDeferred.Inc()
		}
		d.logger.Debug("Deferring upsert signal to background sweep",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Int("batch_size", len(entityKeyIDs)))
		return
	}

	entities, err := d.props.GetEntities(ctx, entitySetID, entityKeyIDs, authorized, false)
	if err != nil {
		d.logger.Error("Failed to assemble entities for upsert signal",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Error(err))
		return
	}
	event := model.EntitiesUpsertedEvent{EntitySetID: entitySetID, Entities: entities}
	if err := d.emitter.EntitiesUpserted(ctx, event); err != nil {
		d.logger.Error("Failed to emit upsert signal",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Error(err))
	}
}

func (d *EntityDatastore) signalDeleted(ctx context.Context, entitySetIDs, entityKeyIDs []uuid.UUID) {
	if len(entityKeyIDs) >= d.syncThreshold {
		if d.metrics != nil {
			d.metrics.SignalsDeferred.Inc()
		}
		return
	}

	event := model.EntitiesDeletedEvent{EntitySetIDs: entitySetIDs, EntityKeyIDs: entityKeyIDs}
	if err := d.emitter.EntitiesDeleted(ctx, event); err != nil {
		d.logger.Error("Failed to emit deletion signal", zap.Error(err))
	}
}

// instrument records operation metrics; the returned func finalizes them
// and passes the error through.
func (d *EntityDatastore) instrument(op string) func(error) error {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.WritesTotal.WithLabelValues(op).Inc()
	}
	return func(err error) error {
		if d.metrics == nil {
			return err
		}
		d.metrics.WriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			d.metrics.WriteErrors.WithLabelValues(op, errorCode(err)).Inc()
		}
		return err
	}
}

func errorCode(err error) string {
	switch errs.CodeOf(err) {
	case errs.CodeFormat:
		return "format"
	case errs.CodeUnauthorizedProperty:
		return "unauthorized_property"
	case errs.CodeIdentityCollision:
		return "identity_collision"
	case errs.CodeBackingStore:
		return "backing_store"
	case errs.CodeNotFound:
		return "not_found"
	case errs.CodeInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}
