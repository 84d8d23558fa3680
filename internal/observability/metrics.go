package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// --- Operations ---
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationsInFlight prometheus.Gauge
	OperationsDeduped  *prometheus.CounterVec

	// --- Account cache ---
	CacheLookups       *prometheus.CounterVec
	CacheFetchDuration *prometheus.HistogramVec
	CacheEvictions     prometheus.Counter
	CacheEntries       prometheus.Gauge
	CacheStaleDiscards *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec

	// --- Ledger RPC ---
	RPCRequests    *prometheus.CounterVec
	RPCDuration    *prometheus.HistogramVec
	RPCRetries     *prometheus.CounterVec
	WatcherUpdates *prometheus.CounterVec

	// --- Broadcast ---
	BroadcastPublished *prometheus.CounterVec
	BroadcastDrops     prometheus.Counter
	BroadcastReceived  *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	SnapshotsWritten      *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_operations_total",
			Help: "Operations settled, by instruction and outcome",
		}, []string{"op", "outcome"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_client_operation_duration_seconds",
			Help:    "Time from build to settlement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),

		OperationsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_client_operations_in_flight",
			Help: "Operations submitted and not yet settled",
		}),

		OperationsDeduped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_operations_deduped_total",
			Help: "Operations rejected before submission as duplicates",
		}, []string{"op", "reason"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_cache_lookups_total",
			Help: "Cache lookups by kind and tier that served them",
		}, []string{"kind", "result"}),

		CacheFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_client_cache_fetch_duration_seconds",
			Help:    "Ledger fetch latency on cache miss",
			Buckets: rpcBuckets,
		}, []string{"kind"}),

		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_client_cache_evictions_total",
			Help: "Entries evicted by the LRU bound",
		}),

		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_client_cache_entries",
			Help: "Entries currently held in memory",
		}),

		CacheStaleDiscards: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_cache_stale_discards_total",
			Help: "Fetch results dropped because an invalidation raced them",
		}, []string{"kind"}),

		CacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_cache_invalidations_total",
			Help: "Invalidations by kind and source",
		}, []string{"kind", "source"}),

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_rpc_requests_total",
			Help: "JSON-RPC requests by method and status",
		}, []string{"method", "status"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_client_rpc_duration_seconds",
			Help:    "JSON-RPC round trip latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		RPCRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_rpc_retries_total",
			Help: "JSON-RPC retries",
		}, []string{"method"}),

		WatcherUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_watcher_updates_total",
			Help: "Account change notifications received",
		}, []string{"kind"}),

		BroadcastPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_broadcast_published_total",
			Help: "Settled operations published",
		}, []string{"op", "outcome"}),

		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_client_broadcast_drops_total",
			Help: "Settled operations dropped because the publish buffer was full",
		}),

		BroadcastReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_broadcast_received_total",
			Help: "Settled operations received from other instances",
		}, []string{"op"}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_client_persist_records_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_client_persist_batch_size",
			Help:    "Records per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_client_persist_batch_duration_seconds",
			Help:    "Time to flush one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_client_persist_retries_total",
			Help: "Batch flush retries",
		}),

		SnapshotsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_snapshots_written_total",
			Help: "Account snapshots stored",
		}, []string{"kind"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_client_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_client_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// ObserveOperation records a settled operation.
func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRPC records one JSON-RPC round trip.
func (m *Metrics) ObserveRPC(method, status string, elapsed time.Duration) {
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
