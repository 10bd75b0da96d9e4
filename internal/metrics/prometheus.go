package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Mutation metrics
	WritesTotal   *prometheus.CounterVec
	WriteErrors   *prometheus.CounterVec
	WriteDuration *prometheus.HistogramVec

	// Write-behind cache metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	DirtyEntries  *prometheus.GaugeVec
	FlushBatches  *prometheus.CounterVec
	FlushFailures *prometheus.CounterVec
	FlushDropped  *prometheus.CounterVec
	FlushDuration *prometheus.HistogramVec

	// Identity metrics
	IDCollisions prometheus.Counter
	IDsAllocated prometheus.Counter

	// Signal metrics
	EventsEmitted   *prometheus.CounterVec
	SignalsDeferred prometheus.Counter
	ClustersDirtied prometheus.Counter
	ClustersDeleted prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		WritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_writes_total",
				Help: "Total number of entity mutation calls",
			},
			[]string{"operation"},
		),

		WriteErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_write_errors_total",
				Help: "Total number of entity mutation errors",
			},
			[]string{"operation", "error_code"},
		),

		WriteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitystore_write_duration_seconds",
				Help:    "Duration of entity mutation calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_cache_hits_total",
				Help: "Total number of write-behind cache hits",
			},
			[]string{"map", "tier"},
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_cache_misses_total",
				Help: "Total number of write-behind cache misses",
			},
			[]string{"map"},
		),

		DirtyEntries: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "entitystore_writebehind_dirty_entries",
				Help: "Entries awaiting persistence per write-behind map",
			},
			[]string{"map"},
		),

		FlushBatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_writebehind_flush_batches_total",
				Help: "Total number of write-behind flush batches persisted",
			},
			[]string{"map"},
		),

		FlushFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_writebehind_flush_failures_total",
				Help: "Total number of write-behind flush failures",
			},
			[]string{"map"},
		),

		FlushDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_writebehind_dropped_total",
				Help: "Write-behind entries dropped after exhausting flush attempts",
			},
			[]string{"map"},
		),

		FlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitystore_writebehind_flush_duration_seconds",
				Help:    "Duration of write-behind flush batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"map"},
		),

		IDCollisions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_id_collisions_total",
				Help: "Candidate entity key ids discarded due to reverse-mapping collision",
			},
		),

		IDsAllocated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_ids_allocated_total",
				Help: "Entity key ids allocated",
			},
		),

		EventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_events_emitted_total",
				Help: "Change signals emitted to downstream consumers",
			},
			[]string{"event"},
		),

		SignalsDeferred: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_signals_deferred_total",
				Help: "Mutations above the sync batch threshold left to the background sweep",
			},
		),

		ClustersDirtied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_linking_clusters_dirtied_total",
				Help: "Linking clusters marked dirty for asynchronous reindexing",
			},
		),

		ClustersDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "entitystore_linking_clusters_deleted_total",
				Help: "Linking clusters torn down after their last member was removed",
			},
		),
	}
}
