package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulcrumdata/entitystore/internal/codec"
	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/store"
)

var (
	propEntitySetID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	propSyncID      = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	namePropertyID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	agePropertyID   = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
)

func newPropertyFixture(t *testing.T) (*PropertyService, *store.MemoryPropertyBacking) {
	t.Helper()
	backing := store.NewMemoryPropertyBacking()
	svc := NewPropertyService(backing, codec.New(), NewVersionClock(), zap.NewNop(), nil)
	return svc, backing
}

func authorizedTypes() map[uuid.UUID]model.PropertyType {
	return map[uuid.UUID]model.PropertyType{
		namePropertyID: {ID: namePropertyID, FQN: "person.name", Datatype: model.PrimitiveString},
		agePropertyID:  {ID: agePropertyID, FQN: "person.age", Datatype: model.PrimitiveInt32},
	}
}

func write(entityID string, entityKeyID uuid.UUID, props model.PropertyMap) EntityWrite {
	return EntityWrite{
		Key: model.EntityKey{
			EntitySetID: propEntitySetID,
			EntityID:    entityID,
			SyncID:      propSyncID,
		},
		EntityKeyID: entityKeyID,
		Properties:  props,
	}
}

func fetchProperties(t *testing.T, svc *PropertyService, entityKeyID uuid.UUID) map[uuid.UUID][]any {
	t.Helper()
	entities, err := svc.GetEntities(context.Background(), propEntitySetID, []uuid.UUID{entityKeyID}, authorizedTypes(), false)
	require.NoError(t, err)
	if len(entities) == 0 {
		return nil
	}
	require.Len(t, entities, 1)
	return entities[0].Properties
}

func TestUpsertAccumulatesDistinctValues(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID,
		[]EntityWrite{write("e1", ekID, model.PropertyMap{namePropertyID: {"alice"}})},
		authorizedTypes()))
	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID,
		[]EntityWrite{write("e1", ekID, model.PropertyMap{namePropertyID: {"bob"}})},
		authorizedTypes()))

	props := fetchProperties(t, svc, ekID)
	assert.ElementsMatch(t, []any{"alice", "bob"}, props[namePropertyID])
}

func TestUpsertSameValueAppendsVersion(t *testing.T) {
	svc, backing := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()
	w := write("e1", ekID, model.PropertyMap{namePropertyID: {"alice"}})

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{w}, authorizedTypes()))
	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{w}, authorizedTypes()))

	// Same value hashes to the same row; the write history accumulates.
	buf, err := codec.New().Serialize("alice", model.PrimitiveString)
	require.NoError(t, err)
	row, ok := backing.Row(model.DataKey{
		ID:             ekID,
		EntitySetID:    propEntitySetID,
		SyncID:         propSyncID,
		EntityID:       "e1",
		PropertyTypeID: namePropertyID,
		ValueHash:      codec.Hash(buf),
	})
	require.True(t, ok)
	assert.Equal(t, 1, backing.RowCount())
	assert.GreaterOrEqual(t, len(row.Versions), 2)

	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"alice"}, props[namePropertyID])
}

func TestUpsertUnauthorizedTypeRefusesWholeEntity(t *testing.T) {
	svc, backing := newPropertyFixture(t)
	ctx := context.Background()
	rogueID := uuid.New()

	err := svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", uuid.New(), model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
			rogueID:        {"smuggled"},
		}),
	}, authorizedTypes())

	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedProperty, errs.CodeOf(err))
	// Nothing from the refused entity was written, authorized values included.
	assert.Equal(t, 0, backing.RowCount())
}

func TestUpsertBadValueIsolatedPerValue(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	err := svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {"not-an-int"},
		}),
	}, authorizedTypes())

	require.Error(t, err)
	assert.Equal(t, errs.CodeFormat, errs.CodeOf(err))

	// The good sibling value was still written.
	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"alice"}, props[namePropertyID])
	assert.Empty(t, props[agePropertyID])
}

func TestReplaceTombstonesAbsentValues(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
		}),
	}, authorizedTypes()))

	require.NoError(t, svc.ReplaceEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{namePropertyID: {"bob"}}),
	}, authorizedTypes()))

	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"bob"}, props[namePropertyID])
	assert.Empty(t, props[agePropertyID])
}

func TestPartialReplaceLeavesOtherTypes(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
		}),
	}, authorizedTypes()))

	require.NoError(t, svc.PartialReplaceEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{namePropertyID: {"bob"}}),
	}, authorizedTypes()))

	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"bob"}, props[namePropertyID])
	assert.Equal(t, []any{int32(30)}, props[agePropertyID])
}

func TestReplaceBadValueFailsClosed(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{namePropertyID: {"alice"}}),
	}, authorizedTypes()))

	err := svc.ReplaceEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"bob"},
			agePropertyID:  {"not-an-int"},
		}),
	}, authorizedTypes())

	require.Error(t, err)
	assert.Equal(t, errs.CodeFormat, errs.CodeOf(err))

	// The failed replace wrote nothing: the prior value is intact.
	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"alice"}, props[namePropertyID])
}

func TestClearEntityDataScopedToTypes(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
		}),
	}, authorizedTypes()))

	require.NoError(t, svc.ClearEntityData(ctx, propEntitySetID, ekID, []uuid.UUID{agePropertyID}, authorizedTypes()))

	props := fetchProperties(t, svc, ekID)
	assert.Equal(t, []any{"alice"}, props[namePropertyID])
	assert.Empty(t, props[agePropertyID])
}

func TestClearEntityDataUnauthorizedType(t *testing.T) {
	svc, _ := newPropertyFixture(t)

	err := svc.ClearEntityData(context.Background(), propEntitySetID, uuid.New(),
		[]uuid.UUID{uuid.New()}, authorizedTypes())

	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedProperty, errs.CodeOf(err))
}

func TestClearAbsentEntityNoop(t *testing.T) {
	svc, backing := newPropertyFixture(t)

	require.NoError(t, svc.ClearEntities(context.Background(), propEntitySetID, []uuid.UUID{uuid.New()}))
	assert.Equal(t, 0, backing.RowCount())
}

func TestClearEntitiesTombstonesAllTypes(t *testing.T) {
	svc, backing := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
		}),
	}, authorizedTypes()))

	require.NoError(t, svc.ClearEntities(ctx, propEntitySetID, []uuid.UUID{ekID}))

	assert.Nil(t, fetchProperties(t, svc, ekID))
	// Tombstoned, not removed: the rows keep their history.
	assert.Equal(t, 2, backing.RowCount())
}

func TestDeleteEntitiesRemovesRows(t *testing.T) {
	svc, backing := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{namePropertyID: {"alice"}}),
	}, authorizedTypes()))

	require.NoError(t, svc.DeleteEntities(ctx, propEntitySetID, []uuid.UUID{ekID}))
	assert.Equal(t, 0, backing.RowCount())
}

func TestGetEntitiesFiltersUnauthorizedTypes(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{
			namePropertyID: {"alice"},
			agePropertyID:  {int32(30)},
		}),
	}, authorizedTypes()))

	// Reading with a narrower authorization hides the other type.
	narrow := map[uuid.UUID]model.PropertyType{
		namePropertyID: {ID: namePropertyID, FQN: "person.name", Datatype: model.PrimitiveString},
	}
	entities, err := svc.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, narrow, false)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, []any{"alice"}, entities[0].Properties[namePropertyID])
	assert.NotContains(t, entities[0].Properties, agePropertyID)
}

func TestGetEntitiesWithLastWrite(t *testing.T) {
	svc, _ := newPropertyFixture(t)
	ctx := context.Background()
	ekID := uuid.New()

	require.NoError(t, svc.UpsertEntities(ctx, propEntitySetID, []EntityWrite{
		write("e1", ekID, model.PropertyMap{namePropertyID: {"alice"}}),
	}, authorizedTypes()))

	entities, err := svc.GetEntities(ctx, propEntitySetID, []uuid.UUID{ekID}, authorizedTypes(), true)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.False(t, entities[0].LastWrite[namePropertyID].IsZero())
}
