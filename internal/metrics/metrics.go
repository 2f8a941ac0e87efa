// Package metrics provides Prometheus metrics for the shotsync daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Endpoint operation metrics
	endpointOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotsync_endpoint_operation_duration_seconds",
			Help:    "Endpoint operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	endpointOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_endpoint_operations_total",
			Help: "Total endpoint operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Transfer metrics
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_transfer_bytes_total",
			Help: "Total bytes transferred",
		},
		[]string{"direction"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_transfers_total",
			Help: "Total file transfers",
		},
		[]string{"direction", "status"},
	)

	// Structure scan metrics
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shotsync_structure_scan_duration_seconds",
			Help:    "Full structure scan duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_structure_scans_total",
			Help: "Total structure scans",
		},
		[]string{"result"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_structure_cache_lookups_total",
			Help: "Structure cache validity lookups",
		},
		[]string{"result"},
	)

	cachedShots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shotsync_structure_cache_shots",
			Help: "Number of shots in the structure cache per endpoint",
		},
		[]string{"endpoint"},
	)

	// Comparison metrics
	comparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_shot_comparisons_total",
			Help: "Total shot comparisons by resulting status",
		},
		[]string{"status"},
	)

	// Job metrics
	jobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shotsync_jobs_active",
			Help: "Number of sync jobs currently running",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotsync_jobs_total",
			Help: "Total sync jobs by final state",
		},
		[]string{"state"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotsync_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shotsync_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// RecordEndpointOperation records an endpoint manager operation.
func RecordEndpointOperation(backend, operation string, duration time.Duration, success bool) {
	endpointOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	endpointOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordTransfer records a completed file transfer.
func RecordTransfer(direction string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	transfersTotal.WithLabelValues(direction, status).Inc()
	if bytes > 0 {
		transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordScan records a structure scan.
func RecordScan(duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	scansTotal.WithLabelValues(result).Inc()
	if success {
		scanDuration.Observe(duration.Seconds())
	}
}

// RecordCacheLookup records a cache validity check outcome ("hit" or "miss").
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCachedShots sets the cached shot count for an endpoint.
func SetCachedShots(endpoint string, count int) {
	cachedShots.WithLabelValues(endpoint).Set(float64(count))
}

// RecordComparison records a shot comparison by resulting status.
func RecordComparison(status string) {
	comparisonsTotal.WithLabelValues(status).Inc()
}

// JobStarted increments the active jobs gauge.
func JobStarted() {
	jobsActive.Inc()
}

// JobFinished decrements the active jobs gauge and records the final state.
func JobFinished(state string) {
	jobsActive.Dec()
	jobsTotal.WithLabelValues(state).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the open database connections gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
