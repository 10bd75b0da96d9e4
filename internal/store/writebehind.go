package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/util/workerpool"
)

// WriteBehindOptions configures one write-behind map.
type WriteBehindOptions struct {
	// Name labels logs and metrics for this map.
	Name string
	// FlushInterval is the delay that coalesces writes into batches before
	// they are persisted. Readers through the map see the latest value
	// immediately; readers bypassing it may lag by up to this window.
	FlushInterval time.Duration
	// MaxFlushAttempts bounds per-entry persistence retries. An entry that
	// still fails after this many flush rounds is dropped from the dirty
	// set with an error log; the cached value itself is kept.
	MaxFlushAttempts int
	// MaxBatchSize caps entries per StoreBatch call.
	MaxBatchSize int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Pool         *workerpool.Pool
}

func (o *WriteBehindOptions) withDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.MaxFlushAttempts <= 0 {
		o.MaxFlushAttempts = 5
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1024
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// WriteBehind is a key-value map with immediate in-memory visibility and
// asynchronous batched persistence to a Backing. An optional RemoteCache
// tier is consulted on local miss and populated best-effort on store.
type WriteBehind[K comparable, V any] struct {
	opts    WriteBehindOptions
	backing Backing[K, V]
	remote  RemoteCache[K, V]

	mu      sync.RWMutex
	entries map[K]V
	dirty   map[K]int // key -> flush attempts so far
	onDrop  func(key K, value V, cause error)

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWriteBehind builds the map and starts its flusher. remote may be nil.
func NewWriteBehind[K comparable, V any](backing Backing[K, V], remote RemoteCache[K, V], opts WriteBehindOptions) *WriteBehind[K, V] {
	opts.withDefaults()
	m := &WriteBehind[K, V]{
		opts:     opts,
		backing:  backing,
		remote:   remote,
		entries:  make(map[K]V),
		dirty:    make(map[K]int),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go m.run()
	return m
}

// Load returns the value for key, proxying to the remote tier and then the
// backing store on cache miss and populating the cache on the way back.
func (m *WriteBehind[K, V]) Load(ctx context.Context, key K) (V, bool, error) {
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		m.countHit("local")
		return v, true, nil
	}

	if m.remote != nil {
		rv, rok, err := m.remote.Get(ctx, key)
		if err != nil {
			m.opts.Logger.Warn("Remote cache read failed",
				zap.String("map", m.opts.Name),
				zap.Error(err))
		} else if rok {
			m.prime(key, rv)
			m.countHit("remote")
			return rv, true, nil
		}
	}

	m.countMiss()
	var zero V
	bv, bok, err := m.backing.Load(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !bok {
		return zero, false, nil
	}
	m.prime(key, bv)
	return bv, true, nil
}

// LoadAll returns values for all keys that resolve, batching backing-store
// reads for the misses.
func (m *WriteBehind[K, V]) LoadAll(ctx context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	var misses []K

	m.mu.RLock()
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			out[k] = v
		} else {
			misses = append(misses, k)
		}
	}
	m.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	if m.remote != nil {
		remaining := misses[:0]
		for _, k := range misses {
			rv, rok, err := m.remote.Get(ctx, k)
			if err != nil {
				m.opts.Logger.Warn("Remote cache read failed",
					zap.String("map", m.opts.Name),
					zap.Error(err))
			} else if rok {
				m.prime(k, rv)
				m.countHit("remote")
				out[k] = rv
				continue
			}
			remaining = append(remaining, k)
		}
		misses = remaining
		if len(misses) == 0 {
			return out, nil
		}
	}

	loaded, err := m.backing.LoadAll(ctx, misses)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for k, v := range loaded {
		if _, exists := m.entries[k]; !exists {
			m.entries[k] = v
		}
		out[k] = v
	}
	m.mu.Unlock()
	return out, nil
}

// Store makes the value visible immediately and schedules it for batched
// persistence.
func (m *WriteBehind[K, V]) Store(ctx context.Context, key K, value V) {
	m.mu.Lock()
	m.entries[key] = value
	m.dirty[key] = 0
	dirtyLen := len(m.dirty)
	m.mu.Unlock()

	m.setDirtyGauge(dirtyLen)
	m.remoteSet(ctx, key, value)
}

// StoreAll stores every entry in the map.
func (m *WriteBehind[K, V]) StoreAll(ctx context.Context, entries map[K]V) {
	m.mu.Lock()
	for k, v := range entries {
		m.entries[k] = v
		m.dirty[k] = 0
	}
	dirtyLen := len(m.dirty)
	m.mu.Unlock()

	m.setDirtyGauge(dirtyLen)
	for k, v := range entries {
		m.remoteSet(ctx, k, v)
	}
}

// StoreIfAbsent stores value unless the map already holds an entry for key,
// returning the surviving value and whether the store won. Concurrent
// first-time writers for the same key observe a single winner.
func (m *WriteBehind[K, V]) StoreIfAbsent(ctx context.Context, key K, value V) (V, bool) {
	m.mu.Lock()
	if existing, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return existing, false
	}
	m.entries[key] = value
	m.dirty[key] = 0
	dirtyLen := len(m.dirty)
	m.mu.Unlock()

	m.setDirtyGauge(dirtyLen)
	m.remoteSet(ctx, key, value)
	return value, true
}

// Prime populates the cache without marking the entry dirty. Used for
// read-through results and for derived mappings whose persistence is owned
// elsewhere.
func (m *WriteBehind[K, V]) Prime(key K, value V) {
	m.prime(key, value)
}

// Evict removes an entry from the cache and the dirty set without persisting
// it. The next Load for the key goes back to the remote tier and the backing.
func (m *WriteBehind[K, V]) Evict(key K) {
	m.mu.Lock()
	delete(m.entries, key)
	delete(m.dirty, key)
	m.mu.Unlock()
}

// OnDrop registers a callback invoked after an entry is discarded with its
// flush attempts exhausted. The callback runs outside the map's lock and may
// store into the map again, which is how regenerable key spaces compensate
// for a backing store that permanently refuses a write.
func (m *WriteBehind[K, V]) OnDrop(fn func(key K, value V, cause error)) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

// WarmUp eagerly pulls all persisted entries into the cache. With lazy
// warm-up configured, callers skip this and entries load on first miss.
func (m *WriteBehind[K, V]) WarmUp(ctx context.Context) error {
	var batch []K
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		loaded, err := m.backing.LoadAll(ctx, batch)
		if err != nil {
			return err
		}
		m.mu.Lock()
		for k, v := range loaded {
			if _, exists := m.entries[k]; !exists {
				m.entries[k] = v
			}
		}
		m.mu.Unlock()
		batch = batch[:0]
		return nil
	}

	err := m.backing.LoadAllKeys(ctx, func(k K) error {
		batch = append(batch, k)
		if len(batch) >= m.opts.MaxBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// Flush synchronously persists every dirty entry. Used on shutdown and in
// tests; the background flusher covers normal operation.
func (m *WriteBehind[K, V]) Flush(ctx context.Context) {
	m.flushOnce(ctx)
}

// Size returns the number of cached entries.
func (m *WriteBehind[K, V]) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// DirtyCount returns the number of entries awaiting persistence.
func (m *WriteBehind[K, V]) DirtyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dirty)
}

// Close stops the flusher after a final synchronous flush.
func (m *WriteBehind[K, V]) Close(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		<-m.doneChan
		m.flushOnce(ctx)
	})
}

func (m *WriteBehind[K, V]) run() {
	defer close(m.doneChan)
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.flushOnce(context.Background())
		}
	}
}

// flushOnce drains the dirty set: entries are snapshotted, chunked, and
// persisted in parallel. A failed chunk falls back to per-entry persistence
// so one bad key cannot abort its batch siblings.
func (m *WriteBehind[K, V]) flushOnce(ctx context.Context) {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	pending := make(map[K]V, len(m.dirty))
	attempts := make(map[K]int, len(m.dirty))
	for k, n := range m.dirty {
		pending[k] = m.entries[k]
		attempts[k] = n
	}
	m.dirty = make(map[K]int)
	m.mu.Unlock()

	chunks := chunkEntries(pending, m.opts.MaxBatchSize)

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		wg.Add(1)
		chunk := chunk
		persist := func(taskCtx context.Context) error {
			defer wg.Done()
			m.persistChunk(taskCtx, chunk, attempts)
			return nil
		}
		if m.opts.Pool != nil {
			if err := m.opts.Pool.Submit(ctx, workerpool.Task{ID: m.opts.Name, Fn: persist, Context: ctx}); err != nil {
				// Pool rejected the task; persist inline rather than lose
				// the chunk.
				_ = persist(ctx)
			}
		} else {
			_ = persist(ctx)
		}
	}
	wg.Wait()

	m.mu.RLock()
	dirtyLen := len(m.dirty)
	m.mu.RUnlock()
	m.setDirtyGauge(dirtyLen)
}

func (m *WriteBehind[K, V]) persistChunk(ctx context.Context, chunk map[K]V, attempts map[K]int) {
	start := time.Now()
	err := m.backing.StoreBatch(ctx, chunk)
	if err == nil {
		if m.opts.Metrics != nil {
			m.opts.Metrics.FlushBatches.WithLabelValues(m.opts.Name).Inc()
			m.opts.Metrics.FlushDuration.WithLabelValues(m.opts.Name).Observe(time.Since(start).Seconds())
		}
		return
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.FlushFailures.WithLabelValues(m.opts.Name).Inc()
	}
	m.opts.Logger.Warn("Flush batch failed, retrying entries individually",
		zap.String("map", m.opts.Name),
		zap.Int("batch_size", len(chunk)),
		zap.Error(err))

	for k, v := range chunk {
		if err := m.backing.StoreBatch(ctx, map[K]V{k: v}); err != nil {
			m.requeueOrDrop(k, v, attempts[k]+1, err)
		}
	}
}

// requeueOrDrop re-marks a failed entry dirty for the next flush round, or
// drops it once its attempts are exhausted and hands it to the drop callback.
// A newer write to the same key supersedes the requeue.
func (m *WriteBehind[K, V]) requeueOrDrop(key K, value V, attempts int, cause error) {
	if attempts >= m.opts.MaxFlushAttempts {
		if m.opts.Metrics != nil {
			m.opts.Metrics.FlushDropped.WithLabelValues(m.opts.Name).Inc()
		}
		m.opts.Logger.Error("Dropping write after exhausting flush attempts",
			zap.String("map", m.opts.Name),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		m.mu.RLock()
		fn := m.onDrop
		m.mu.RUnlock()
		if fn != nil {
			fn(key, value, errs.FlushDropped(attempts, cause))
		}
		return
	}

	m.mu.Lock()
	if _, redirtied := m.dirty[key]; !redirtied {
		m.dirty[key] = attempts
	}
	m.mu.Unlock()
}

func (m *WriteBehind[K, V]) prime(key K, value V) {
	m.mu.Lock()
	if _, exists := m.entries[key]; !exists {
		m.entries[key] = value
	}
	m.mu.Unlock()
}

func (m *WriteBehind[K, V]) remoteSet(ctx context.Context, key K, value V) {
	if m.remote == nil {
		return
	}
	if err := m.remote.Set(ctx, key, value); err != nil {
		m.opts.Logger.Warn("Remote cache write failed",
			zap.String("map", m.opts.Name),
			zap.Error(err))
	}
}

func (m *WriteBehind[K, V]) countHit(tier string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.CacheHits.WithLabelValues(m.opts.Name, tier).Inc()
	}
}

func (m *WriteBehind[K, V]) countMiss() {
	if m.opts.Metrics != nil {
		m.opts.Metrics.CacheMisses.WithLabelValues(m.opts.Name).Inc()
	}
}

func (m *WriteBehind[K, V]) setDirtyGauge(n int) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.DirtyEntries.WithLabelValues(m.opts.Name).Set(float64(n))
	}
}

func chunkEntries[K comparable, V any](entries map[K]V, size int) []map[K]V {
	var chunks []map[K]V
	current := make(map[K]V, size)
	for k, v := range entries {
		current[k] = v
		if len(current) >= size {
			chunks = append(chunks, current)
			current = make(map[K]V, size)
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
