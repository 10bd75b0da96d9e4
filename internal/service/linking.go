package service

import (
	"context"

	"github.com/google/uuid"
)

// LinkingRegistry is the boundary to the entity-resolution collaborator.
// The datastore consults it before and after every mutation to decide
// whether a cluster's materialized view needs a refresh or a teardown; the
// resolution algorithm itself lives outside this engine.
type LinkingRegistry interface {
	// LinkingIDs returns the cluster id for each entity key id that
	// currently belongs to one. Ids without a cluster are absent.
	LinkingIDs(ctx context.Context, entityKeyIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)

	// HasRemainingMembers reports whether the cluster still has members
	// outside the excluded set.
	HasRemainingMembers(ctx context.Context, linkingID uuid.UUID, excluding []uuid.UUID) (bool, error)

	// ClusterEntitySets returns the linking-scoped entity sets that expose
	// the cluster's materialized view.
	ClusterEntitySets(ctx context.Context, linkingID uuid.UUID) ([]uuid.UUID, error)

	// MarkDirty queues clusters for asynchronous reindexing.
	MarkDirty(ctx context.Context, linkingIDs []uuid.UUID) error
}

// NoopLinkingRegistry satisfies LinkingRegistry for deployments without a
// linking collaborator.
type NoopLinkingRegistry struct{}

func (NoopLinkingRegistry) LinkingIDs(context.Context, []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	return map[uuid.UUID]uuid.UUID{}, nil
}

func (NoopLinkingRegistry) HasRemainingMembers(context.Context, uuid.UUID, []uuid.UUID) (bool, error) {
	return false, nil
}

func (NoopLinkingRegistry) ClusterEntitySets(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (NoopLinkingRegistry) MarkDirty(context.Context, []uuid.UUID) error {
	return nil
}
