package broker

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skillpod/sandbox-broker/pkg/store"
)

// Registry carries every broker metric; the HTTP adapter serves it on
// /metrics.
var Registry = prometheus.NewRegistry()

var (
	allocateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_allocate_total",
			Help: "Total number of sandbox allocation requests",
		},
		[]string{"outcome"}, // success, idempotent, no_sandboxes, error
	)
	allocateIdempotentHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocate_idempotent_hits_total",
			Help: "Allocation requests answered from an existing allocation",
		},
	)
	allocateConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_allocate_conflicts_total",
			Help: "Conditional allocate writes lost to a concurrent caller",
		},
	)
	allocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_allocation_latency_seconds",
			Help:    "Latency of allocation requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"outcome"},
	)

	releaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deletion_marked_total",
			Help: "Total number of sandboxes marked for deletion by clients",
		},
		[]string{"outcome"}, // success, not_found, not_allocated, not_owner, expired, error
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_sync_total",
			Help: "Total number of upstream sync runs",
		},
		[]string{"outcome"},
	)
	syncSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_sync_sandboxes_synced_total",
			Help: "Sandboxes inserted or refreshed from upstream",
		},
	)
	syncStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_sync_sandboxes_stale_total",
			Help: "Sandboxes marked stale because they vanished upstream",
		},
	)
	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_sync_duration_seconds",
			Help:    "Duration of upstream sync runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	cleanupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cleanup_total",
			Help: "Total number of cleanup runs",
		},
		[]string{"outcome"},
	)
	cleanupDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_cleanup_deleted_total",
			Help: "Sandboxes destroyed upstream and removed from the store",
		},
	)
	cleanupFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_cleanup_failed_total",
			Help: "Sandbox deletions that failed upstream",
		},
	)
	cleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_cleanup_duration_seconds",
			Help:    "Duration of cleanup runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	expiryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_expiry_total",
			Help: "Total number of auto-expiry runs",
		},
		[]string{"outcome"},
	)
	expiryOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_expiry_orphaned_total",
			Help: "Orphaned allocations claimed by the expiry loop",
		},
	)

	circuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_circuit_open_total",
			Help: "Loop ticks skipped or aborted because the breaker was open",
		},
		[]string{"loop"},
	)

	poolGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_pool_sandboxes",
			Help: "Number of sandboxes in the pool by status",
		},
		[]string{"status"},
	)
	poolTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_pool_total",
			Help: "Total number of sandboxes in the pool",
		},
	)
)

func init() {
	Registry.MustRegister(
		allocateTotal, allocateIdempotentHits, allocateConflicts, allocationLatency,
		releaseTotal,
		syncRuns, syncSynced, syncStale, syncDuration,
		cleanupRuns, cleanupDeleted, cleanupFailed, cleanupDuration,
		expiryRuns, expiryOrphaned,
		circuitOpenTotal,
		poolGauge, poolTotal,
	)
}

const poolGaugeCacheKey = "pool_gauges"

// gaugeCache keeps the pool enumeration out of the scrape path; gauges are
// refreshed at most once a minute even under scrape storms.
var gaugeCache = gocache.New(60*time.Second, 5*time.Minute)

// UpdatePoolGauges refreshes the by-status pool gauges from a full
// enumeration unless a fresh value is cached.
func (b *Broker) UpdatePoolGauges(ctx context.Context) error {
	if _, fresh := gaugeCache.Get(poolGaugeCacheKey); fresh {
		return nil
	}
	stats, err := b.Stats(ctx)
	if err != nil {
		return err
	}
	for _, status := range store.AllStatuses {
		poolGauge.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
	poolTotal.Set(float64(stats.Total))
	gaugeCache.SetDefault(poolGaugeCacheKey, time.Now().Unix())
	return nil
}
