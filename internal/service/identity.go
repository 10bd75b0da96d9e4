package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/store"
)

// EntityKeyIDService assigns a stable UUID to each distinct entity key,
// exactly once. Ids are only minted here: the forward map is never written
// with a caller-supplied id, and assigned ids are never reused or
// reassigned even after the entity's data is deleted.
type EntityKeyIDService struct {
	forward *store.WriteBehind[model.EntityKey, uuid.UUID]
	reverse *store.WriteBehind[uuid.UUID, model.EntityKey]

	// limiter bounds candidate regeneration under collision pressure. It is
	// the one piece of process-wide shared mutable state in the engine and
	// is injected, not global.
	limiter     *rate.Limiter
	maxAttempts int

	// newID is the candidate generator; uuid.New draws from crypto/rand.
	// Swappable for deterministic collision tests.
	newID func() uuid.UUID

	batchParallelism int
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// IdentityOptions configures the id service.
type IdentityOptions struct {
	Limiter          *rate.Limiter
	MaxAttempts      int
	BatchParallelism int
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// NewEntityKeyIDService builds the id service over its two write-behind
// maps. The limiter is required; construction panics without one so a
// missing limiter fails at wiring time, not under collision load.
func NewEntityKeyIDService(
	forward *store.WriteBehind[model.EntityKey, uuid.UUID],
	reverse *store.WriteBehind[uuid.UUID, model.EntityKey],
	opts IdentityOptions,
) *EntityKeyIDService {
	if opts.Limiter == nil {
		panic("identity service requires a collision rate limiter")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 16
	}
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &EntityKeyIDService{
		forward:          forward,
		reverse:          reverse,
		limiter:          opts.Limiter,
		maxAttempts:      opts.MaxAttempts,
		newID:            uuid.New,
		batchParallelism: opts.BatchParallelism,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
	}
	forward.OnDrop(s.reassignDroppedID)
	return s
}

// reassignDroppedID compensates for a forward mapping the backing store
// refused permanently, such as a unique-index violation on the candidate id.
// Leaving the dropped mapping cache-only would let the key resolve to a
// different id after a restart, so the stale entries are evicted and the key
// is resolved again with a fresh candidate, which re-enters the flush cycle.
func (s *EntityKeyIDService) reassignDroppedID(key model.EntityKey, id uuid.UUID, cause error) {
	s.forward.Evict(key)
	s.reverse.Evict(id)

	newID, err := s.GetEntityKeyID(context.Background(), key)
	if err != nil {
		s.logger.Error("Failed to reassign entity key id after dropped write",
			zap.String("dropped_id", id.String()),
			zap.Error(err))
		return
	}
	s.logger.Warn("Reassigned entity key id after dropped write",
		zap.String("dropped_id", id.String()),
		zap.String("new_id", newID.String()),
		zap.Error(cause))
}

// GetEntityKeyID resolves the id for a key, assigning one on first sight.
// Repeated calls for the same key return the same id; concurrent first-time
// callers all observe the single surviving id.
func (s *EntityKeyIDService) GetEntityKeyID(ctx context.Context, key model.EntityKey) (uuid.UUID, error) {
	if id, ok, err := s.forward.Load(ctx, key); err != nil {
		return uuid.Nil, err
	} else if ok {
		return id, nil
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		candidate := s.newID()

		existing, ok, err := s.reverse.Load(ctx, candidate)
		if err != nil {
			return uuid.Nil, err
		}
		if ok && existing != key {
			// Candidate already names another key. Regenerate, paced by the
			// limiter so sustained collision pressure degrades instead of
			// busy-looping.
			if s.metrics != nil {
				s.metrics.IDCollisions.Inc()
			}
			s.logger.Warn("Entity key id candidate collided",
				zap.String("candidate", candidate.String()),
				zap.Int("attempt", attempt+1))
			if err := s.limiter.Wait(ctx); err != nil {
				return uuid.Nil, err
			}
			continue
		}

		winner, won := s.forward.StoreIfAbsent(ctx, key, candidate)
		if won {
			s.reverse.Prime(candidate, key)
			if s.metrics != nil {
				s.metrics.IDsAllocated.Inc()
			}
			return candidate, nil
		}
		// A concurrent caller resolved the same key first; adopt its id.
		return winner, nil
	}

	return uuid.Nil, errs.IdentityCollision(s.maxAttempts)
}

// GetEntityKeyIDs resolves a batch. Keys are independent, so resolution
// fans out with no shared mutable state beyond the maps themselves.
func (s *EntityKeyIDService) GetEntityKeyIDs(ctx context.Context, keys []model.EntityKey) (map[model.EntityKey]uuid.UUID, error) {
	out := make(map[model.EntityKey]uuid.UUID, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchParallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			id, err := s.GetEntityKeyID(gctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			out[key] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetEntityKey resolves the reverse mapping for an assigned id.
func (s *EntityKeyIDService) GetEntityKey(ctx context.Context, id uuid.UUID) (model.EntityKey, error) {
	key, ok, err := s.reverse.Load(ctx, id)
	if err != nil {
		return model.EntityKey{}, err
	}
	if !ok {
		return model.EntityKey{}, errs.NotFound("entity key id " + id.String())
	}
	return key, nil
}
