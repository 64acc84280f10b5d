// Package metrics provides Prometheus metrics for DocStore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DocStore
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Index metrics
	IndexOpsTotal     *prometheus.CounterVec
	IndexOpDuration   *prometheus.HistogramVec
	IndexEntries      *prometheus.GaugeVec
	IndexFileBytes    *prometheus.GaugeVec
	QueryResultsTotal *prometheus.CounterVec

	// Compaction metrics
	CompactionsTotal     *prometheus.CounterVec
	CompactionBytesSaved prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Index metrics
	m.IndexOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_index_operations_total",
			Help: "Total number of index operations",
		},
		[]string{"index", "operation", "status"},
	)

	m.IndexOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_index_operation_duration_seconds",
			Help:    "Duration of index operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"operation"},
	)

	m.IndexEntries = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docstore_index_entries",
			Help: "Number of keys or points held by an index",
		},
		[]string{"index"},
	)

	m.IndexFileBytes = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docstore_index_file_bytes",
			Help: "Size of an index file in bytes",
		},
		[]string{"index"},
	)

	m.QueryResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_query_results_total",
			Help: "Total number of ids or entries returned by queries",
		},
		[]string{"operation"},
	)

	// Compaction metrics
	m.CompactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_compactions_total",
			Help: "Total number of index compactions",
		},
		[]string{"status"},
	)

	m.CompactionBytesSaved = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_compaction_bytes_saved_total",
			Help: "Bytes reclaimed by compaction",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until stop is closed
func (m *Metrics) RunUptime(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-stop:
			return
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordIndexOperation records an operation against one index
func (m *Metrics) RecordIndexOperation(index, operation, status string, duration time.Duration) {
	m.IndexOpsTotal.WithLabelValues(index, operation, status).Inc()
	m.IndexOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordQueryResults counts the results returned by a query
func (m *Metrics) RecordQueryResults(operation string, n int) {
	m.QueryResultsTotal.WithLabelValues(operation).Add(float64(n))
}

// RecordCompaction records one index compaction
func (m *Metrics) RecordCompaction(status string, bytesSaved int64) {
	m.CompactionsTotal.WithLabelValues(status).Inc()
	if bytesSaved > 0 {
		m.CompactionBytesSaved.Add(float64(bytesSaved))
	}
}

// UpdateIndexStats updates the size gauges of one index
func (m *Metrics) UpdateIndexStats(index string, entries, fileBytes uint64) {
	m.IndexEntries.WithLabelValues(index).Set(float64(entries))
	m.IndexFileBytes.WithLabelValues(index).Set(float64(fileBytes))
}

// ForgetIndex drops the gauges of a removed index
func (m *Metrics) ForgetIndex(index string) {
	m.IndexEntries.DeleteLabelValues(index)
	m.IndexFileBytes.DeleteLabelValues(index)
}
