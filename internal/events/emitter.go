// Package events carries change signals from the datastore to its indexing
// and linking consumers. Emitters are fire-and-forget from the write path's
// perspective: a failed emit is logged, never propagated into the mutation
// result.
package events

import (
	"context"
	"sync"

	"github.com/fulcrumdata/entitystore/internal/model"
)

// Emitter publishes change signals to downstream consumers.
type Emitter interface {
	EntitiesUpserted(ctx context.Context, event model.EntitiesUpsertedEvent) error
	EntitiesDeleted(ctx context.Context, event model.EntitiesDeletedEvent) error
	EntitySetDataDeleted(ctx context.Context, event model.EntitySetDataDeletedEvent) error
	LinkingClusterDeleted(ctx context.Context, event model.LinkingClusterDeletedEvent) error
}

// InProcessEmitter records events for embedded deployments and tests.
// Consumers poll the recorded slices or register a notification channel.
type InProcessEmitter struct {
	mu       sync.Mutex
	upserted []model.EntitiesUpsertedEvent
	deleted  []model.EntitiesDeletedEvent
	setWipes []model.EntitySetDataDeletedEvent
	torndown []model.LinkingClusterDeletedEvent
	notifyCh chan struct{}
}

// NewInProcessEmitter creates an empty in-process emitter.
func NewInProcessEmitter() *InProcessEmitter {
	return &InProcessEmitter{notifyCh: make(chan struct{}, 64)}
}

func (e *InProcessEmitter) EntitiesUpserted(_ context.Context, event model.EntitiesUpsertedEvent) error {
	e.mu.Lock()
	e.upserted = append(e.upserted, event)
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *InProcessEmitter) EntitiesDeleted(_ context.Context, event model.EntitiesDeletedEvent) error {
	e.mu.Lock()
	e.deleted = append(e.deleted, event)
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *InProcessEmitter) EntitySetDataDeleted(_ context.Context, event model.EntitySetDataDeletedEvent) error {
	e.mu.Lock()
	e.setWipes = append(e.setWipes, event)
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *InProcessEmitter) LinkingClusterDeleted(_ context.Context, event model.LinkingClusterDeletedEvent) error {
	e.mu.Lock()
	e.torndown = append(e.torndown, event)
	e.mu.Unlock()
	e.notify()
	return nil
}

// Upserted returns a copy of all recorded upsert events.
func (e *InProcessEmitter) Upserted() []model.EntitiesUpsertedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.EntitiesUpsertedEvent(nil), e.upserted...)
}

// Deleted returns a copy of all recorded delete events.
func (e *InProcessEmitter) Deleted() []model.EntitiesDeletedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.EntitiesDeletedEvent(nil), e.deleted...)
}

// SetWipes returns a copy of all recorded entity-set deletion events.
func (e *InProcessEmitter) SetWipes() []model.EntitySetDataDeletedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.EntitySetDataDeletedEvent(nil), e.setWipes...)
}

// ClustersTornDown returns a copy of all recorded cluster deletion events.
func (e *InProcessEmitter) ClustersTornDown() []model.LinkingClusterDeletedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.LinkingClusterDeletedEvent(nil), e.torndown...)
}

// Notify returns a channel signaled after each recorded event.
func (e *InProcessEmitter) Notify() <-chan struct{} {
	return e.notifyCh
}

func (e *InProcessEmitter) notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}
