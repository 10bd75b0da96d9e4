package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fulcrumdata/entitystore/internal/codec"
	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/events"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/store"
)

type mockLinkingRegistry struct {
	mock.Mock
}

func (m *mockLinkingRegistry) LinkingIDs(ctx context.Context, entityKeyIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	args := m.Called(ctx, entityKeyIDs)
	return args.Get(0).(map[uuid.UUID]uuid.UUID), args.Error(1)
}

func (m *mockLinkingRegistry) HasRemainingMembers(ctx context.Context, linkingID uuid.UUID, excluding []uuid.UUID) (bool, error) {
	args := m.Called(ctx, linkingID, excluding)
	return args.Bool(0), args.Error(1)
}

func (m *mockLinkingRegistry) ClusterEntitySets(ctx context.Context, linkingID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, linkingID)
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *mockLinkingRegistry) MarkDirty(ctx context.Context, linkingIDs []uuid.UUID) error {
	args := m.Called(ctx, linkingIDs)
	return args.Error(0)
}

type datastoreFixture struct {
	ds       *EntityDatastore
	emitter  *events.InProcessEmitter
	identity *store.MemoryIdentityBacking
	forward  *store.WriteBehind[model.EntityKey, uuid.UUID]
}

func newDatastoreFixture(t *testing.T, linking LinkingRegistry, opts DatastoreOptions) *datastoreFixture {
	t.Helper()

	identityBacking := store.NewMemoryIdentityBacking()
	forward := store.NewWriteBehind[model.EntityKey, uuid.UUID](identityBacking, nil,
		store.WriteBehindOptions{Name: "entity_key_ids", FlushInterval: time.Hour})
	reverse := store.NewWriteBehind[uuid.UUID, model.EntityKey](
		store.NewMemoryBacking[uuid.UUID, model.EntityKey](), nil,
		store.WriteBehindOptions{Name: "entity_keys", FlushInterval: time.Hour})
	t.Cleanup(func() {
		forward.Close(context.Background())
		reverse.Close(context.Background())
	})

	ids := NewEntityKeyIDService(forward, reverse, IdentityOptions{
		Limiter: rate.NewLimiter(rate.Limit(1000), 1000),
	})
	props := NewPropertyService(store.NewMemoryPropertyBacking(), codec.New(), NewVersionClock(), nil, nil)
	emitter := events.NewInProcessEmitter()

	if linking == nil {
		linking = NoopLinkingRegistry{}
	}
	ds := NewEntityDatastore(ids, props, identityBacking, linking, emitter, opts)
	return &datastoreFixture{ds: ds, emitter: emitter, identity: identityBacking, forward: forward}
}

// flushIdentity pushes cached identity mappings down to the backing store so
// tests exercising backing-store scans see them.
func (f *datastoreFixture) flushIdentity(t *testing.T) {
	t.Helper()
	f.forward.Flush(context.Background())
}

func (f *datastoreFixture) resolve(t *testing.T, entityID string) uuid.UUID {
	t.Helper()
	id, err := f.ds.GetEntityKeyID(context.Background(), model.EntityKey{
		EntitySetID: propEntitySetID,
		EntityID:    entityID,
		SyncID:      propSyncID,
	})
	require.NoError(t, err)
	return id
}

func TestCreateReadReplaceFlow(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()
	authorized := authorizedTypes()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorized))

	ekID := f.resolve(t, "e1")

	entities, err := f.ds.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, authorized, false)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, []any{"alice"}, entities[0].Properties[namePropertyID])

	// Merge-write adds the second value alongside the first.
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"bob"}}}, authorized))
	entities, err = f.ds.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, authorized, false)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.ElementsMatch(t, []any{"alice", "bob"}, entities[0].Properties[namePropertyID])

	// Replace keeps only the new payload.
	require.NoError(t, f.ds.ReplaceEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"carol"}}}, authorized))
	entities, err = f.ds.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, authorized, false)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, []any{"carol"}, entities[0].Properties[namePropertyID])

	// The entity id stayed stable across all three writes.
	assert.Equal(t, ekID, f.resolve(t, "e1"))
}

func TestUpsertEmitsEntitiesUpserted(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	upserts := f.emitter.Upserted()
	require.Len(t, upserts, 1)
	assert.Equal(t, propEntitySetID, upserts[0].EntitySetID)
	require.Len(t, upserts[0].Entities, 1)
	assert.Equal(t, []any{"alice"}, upserts[0].Entities[0].Properties[namePropertyID])
}

func TestLargeBatchDefersUpsertSignal(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{SyncBatchThreshold: 2})
	ctx := context.Background()

	// At or above the threshold the inline signal is skipped.
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{
			"e1": {namePropertyID: {"a"}},
			"e2": {namePropertyID: {"b"}},
			"e3": {namePropertyID: {"c"}},
		}, authorizedTypes()))
	assert.Empty(t, f.emitter.Upserted())

	// A sub-threshold write still signals inline.
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e4": {namePropertyID: {"d"}}}, authorizedTypes()))
	assert.Len(t, f.emitter.Upserted(), 1)
}

func TestClearEntitiesWithRemainingClusterMembers(t *testing.T) {
	linking := &mockLinkingRegistry{}
	f := newDatastoreFixture(t, linking, DatastoreOptions{})
	ctx := context.Background()
	linkingID := uuid.New()

	linking.On("LinkingIDs", mock.Anything, mock.Anything).
		Return(map[uuid.UUID]uuid.UUID{}, nil).Once()
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	linking.ExpectedCalls = nil
	ekID := f.resolve(t, "e1")

	linking.On("LinkingIDs", mock.Anything, []uuid.UUID{ekID}).
		Return(map[uuid.UUID]uuid.UUID{ekID: linkingID}, nil)
	linking.On("HasRemainingMembers", mock.Anything, linkingID, []uuid.UUID{ekID}).
		Return(true, nil)
	linking.On("MarkDirty", mock.Anything, []uuid.UUID{linkingID}).Return(nil)

	require.NoError(t, f.ds.ClearEntities(ctx, propEntitySetID, []uuid.UUID{ekID}))

	// Cluster survives with other members: marked dirty, not torn down.
	linking.AssertCalled(t, "MarkDirty", mock.Anything, []uuid.UUID{linkingID})
	assert.Empty(t, f.emitter.ClustersTornDown())

	deleted := f.emitter.Deleted()
	require.Len(t, deleted, 1)
	assert.Equal(t, []uuid.UUID{ekID}, deleted[0].EntityKeyIDs)
}

func TestClearLastClusterMemberTearsDown(t *testing.T) {
	linking := &mockLinkingRegistry{}
	f := newDatastoreFixture(t, linking, DatastoreOptions{})
	ctx := context.Background()
	linkingID := uuid.New()
	linkedSetA := uuid.New()
	linkedSetB := uuid.New()

	linking.On("LinkingIDs", mock.Anything, mock.Anything).
		Return(map[uuid.UUID]uuid.UUID{}, nil).Once()
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	linking.ExpectedCalls = nil
	ekID := f.resolve(t, "e1")

	linking.On("LinkingIDs", mock.Anything, []uuid.UUID{ekID}).
		Return(map[uuid.UUID]uuid.UUID{ekID: linkingID}, nil)
	linking.On("HasRemainingMembers", mock.Anything, linkingID, []uuid.UUID{ekID}).
		Return(false, nil)
	linking.On("ClusterEntitySets", mock.Anything, linkingID).
		Return([]uuid.UUID{linkedSetA, linkedSetB}, nil)

	require.NoError(t, f.ds.ClearEntities(ctx, propEntitySetID, []uuid.UUID{ekID}))

	torndown := f.emitter.ClustersTornDown()
	require.Len(t, torndown, 2)
	sets := []uuid.UUID{torndown[0].EntitySetID, torndown[1].EntitySetID}
	assert.ElementsMatch(t, []uuid.UUID{linkedSetA, linkedSetB}, sets)
	for _, event := range torndown {
		assert.Equal(t, linkingID, event.LinkingID)
	}
	linking.AssertNotCalled(t, "MarkDirty", mock.Anything, mock.Anything)
}

func TestMutationRefreshesAffectedClusters(t *testing.T) {
	linking := &mockLinkingRegistry{}
	f := newDatastoreFixture(t, linking, DatastoreOptions{})
	ctx := context.Background()
	linkingID := uuid.New()

	linking.On("LinkingIDs", mock.Anything, mock.Anything).
		Return(map[uuid.UUID]uuid.UUID{}, nil).Once()
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	ekID := f.resolve(t, "e1")
	linking.ExpectedCalls = nil
	linking.On("LinkingIDs", mock.Anything, []uuid.UUID{ekID}).
		Return(map[uuid.UUID]uuid.UUID{ekID: linkingID}, nil)
	linking.On("MarkDirty", mock.Anything, []uuid.UUID{linkingID}).Return(nil)

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"bob"}}}, authorizedTypes()))

	linking.AssertCalled(t, "MarkDirty", mock.Anything, []uuid.UUID{linkingID})
}

func TestClearEntitySetEmitsWipe(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))
	ekID := f.resolve(t, "e1")

	require.NoError(t, f.ds.ClearEntitySet(ctx, propEntitySetID))

	wipes := f.emitter.SetWipes()
	require.Len(t, wipes, 1)
	assert.Equal(t, propEntitySetID, wipes[0].EntitySetID)

	entities, err := f.ds.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, authorizedTypes(), false)
	require.NoError(t, err)
	assert.Empty(t, entities)

	// The identity mapping outlives the wipe.
	assert.Equal(t, ekID, f.resolve(t, "e1"))
}

func TestClearEntitySetRetiresLinkedClusters(t *testing.T) {
	linking := &mockLinkingRegistry{}
	f := newDatastoreFixture(t, linking, DatastoreOptions{})
	ctx := context.Background()
	linkingID := uuid.New()
	linkedSet := uuid.New()

	linking.On("LinkingIDs", mock.Anything, mock.Anything).
		Return(map[uuid.UUID]uuid.UUID{}, nil).Once()
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	ekID := f.resolve(t, "e1")
	// The wipe scans the backing store for set members.
	f.flushIdentity(t)

	linking.ExpectedCalls = nil
	linking.On("LinkingIDs", mock.Anything, []uuid.UUID{ekID}).
		Return(map[uuid.UUID]uuid.UUID{ekID: linkingID}, nil)
	linking.On("HasRemainingMembers", mock.Anything, linkingID, []uuid.UUID{ekID}).
		Return(false, nil)
	linking.On("ClusterEntitySets", mock.Anything, linkingID).
		Return([]uuid.UUID{linkedSet}, nil)

	require.NoError(t, f.ds.ClearEntitySet(ctx, propEntitySetID))

	torndown := f.emitter.ClustersTornDown()
	require.Len(t, torndown, 1)
	assert.Equal(t, linkingID, torndown[0].LinkingID)
	assert.Equal(t, linkedSet, torndown[0].EntitySetID)
	assert.Len(t, f.emitter.SetWipes(), 1)
}

func TestDeleteEntitySetDataMarksSurvivingClusters(t *testing.T) {
	linking := &mockLinkingRegistry{}
	f := newDatastoreFixture(t, linking, DatastoreOptions{})
	ctx := context.Background()
	linkingID := uuid.New()

	linking.On("LinkingIDs", mock.Anything, mock.Anything).
		Return(map[uuid.UUID]uuid.UUID{}, nil).Once()
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes()))

	ekID := f.resolve(t, "e1")
	f.flushIdentity(t)

	linking.ExpectedCalls = nil
	linking.On("LinkingIDs", mock.Anything, []uuid.UUID{ekID}).
		Return(map[uuid.UUID]uuid.UUID{ekID: linkingID}, nil)
	linking.On("HasRemainingMembers", mock.Anything, linkingID, []uuid.UUID{ekID}).
		Return(true, nil)
	linking.On("MarkDirty", mock.Anything, []uuid.UUID{linkingID}).Return(nil)

	require.NoError(t, f.ds.DeleteEntitySetData(ctx, propEntitySetID))

	linking.AssertCalled(t, "MarkDirty", mock.Anything, []uuid.UUID{linkingID})
	assert.Empty(t, f.emitter.ClustersTornDown())
}

func TestGetEntitiesByIDSpansEntitySets(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()
	otherSetID := uuid.New()
	authorized := authorizedTypes()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorized))
	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, otherSetID, propSyncID,
		map[string]model.PropertyMap{"e2": {namePropertyID: {"bob"}}}, authorized))

	firstID := f.resolve(t, "e1")
	secondID, err := f.ds.GetEntityKeyID(ctx, model.EntityKey{
		EntitySetID: otherSetID,
		EntityID:    "e2",
		SyncID:      propSyncID,
	})
	require.NoError(t, err)

	entities, err := f.ds.GetEntitiesByID(ctx, []uuid.UUID{firstID, secondID}, authorized, false)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	byID := make(map[uuid.UUID]model.Entity, len(entities))
	for _, e := range entities {
		byID[e.EntityKeyID] = e
	}
	assert.Equal(t, []any{"alice"}, byID[firstID].Properties[namePropertyID])
	assert.Equal(t, []any{"bob"}, byID[secondID].Properties[namePropertyID])
}

func TestGetEntitiesByIDSkipsUnknownIDs(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()
	authorized := authorizedTypes()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorized))
	ekID := f.resolve(t, "e1")

	entities, err := f.ds.GetEntitiesByID(ctx, []uuid.UUID{ekID, uuid.New()}, authorized, false)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, ekID, entities[0].EntityKeyID)
}

func TestMutationsRequireEntitySetID(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()

	err := f.ds.CreateOrUpdateEntities(ctx, uuid.Nil, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"alice"}}}, authorizedTypes())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidArgument))

	assert.True(t, errs.IsCode(f.ds.ClearEntitySet(ctx, uuid.Nil), errs.CodeInvalidArgument))
	assert.True(t, errs.IsCode(f.ds.DeleteEntitySetData(ctx, uuid.Nil), errs.CodeInvalidArgument))
}

func TestGetEntityKeyIDsInEntitySetStream(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})
	ctx := context.Background()

	require.NoError(t, f.ds.CreateOrUpdateEntities(ctx, propEntitySetID, propSyncID,
		map[string]model.PropertyMap{
			"e1": {namePropertyID: {"a"}},
			"e2": {namePropertyID: {"b"}},
			"e3": {namePropertyID: {"c"}},
		}, authorizedTypes()))

	// The stream reads the backing store; push the cached mappings down.
	want := []uuid.UUID{f.resolve(t, "e1"), f.resolve(t, "e2"), f.resolve(t, "e3")}
	f.flushIdentity(t)

	idCh, errCh := f.ds.GetEntityKeyIDsInEntitySet(ctx, propEntitySetID)
	var got []uuid.UUID
	for id := range idCh {
		got = append(got, id)
	}
	require.NoError(t, <-errCh)
	assert.ElementsMatch(t, want, got)
}

func TestGetEntityKeyIDsInEntitySetCancellation(t *testing.T) {
	f := newDatastoreFixture(t, nil, DatastoreOptions{})

	require.NoError(t, f.ds.CreateOrUpdateEntities(context.Background(), propEntitySetID, propSyncID,
		map[string]model.PropertyMap{"e1": {namePropertyID: {"a"}}}, authorizedTypes()))
	f.flushIdentity(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	idCh, errCh := f.ds.GetEntityKeyIDsInEntitySet(ctx, propEntitySetID)
	for range idCh {
	}
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
