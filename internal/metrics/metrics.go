// Package metrics defines custom Prometheus metrics for FileVault.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for transfer size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

// Core operation metrics (RED: Rate, Errors, Duration).
var (
	// OperationsTotal counts storage operations by operation name and result.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_operations_total",
			Help: "Storage operations by type and result",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration observes operation latency in seconds by operation.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_operation_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// TransferSize observes upload/download payload sizes in bytes.
	TransferSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_transfer_size_bytes",
			Help:    "Upload and download payload sizes in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"operation"},
	)
)

// Upload and quota metrics.
var (
	// BytesTransferredTotal counts total bytes moved through the backend
	// by direction (upload or download).
	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_bytes_transferred_total",
			Help: "Total bytes transferred by direction",
		},
		[]string{"direction"},
	)

	// ActiveMultipartSessions is a gauge tracking in-flight multipart
	// upload sessions.
	ActiveMultipartSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_active_multipart_sessions",
			Help: "In-flight multipart upload sessions",
		},
	)

	// QuotaRejectionsTotal counts operations rejected by quota enforcement,
	// by exhausted resource.
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_quota_rejections_total",
			Help: "Operations rejected by quota enforcement",
		},
		[]string{"resource"},
	)

	// AccessDecisionsTotal counts authorization decisions by operation
	// and outcome.
	AccessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_access_decisions_total",
			Help: "Authorization decisions by operation and outcome",
		},
		[]string{"operation", "decision"},
	)

	// SessionsReapedTotal counts expired upload sessions cleaned up by
	// the janitor.
	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_sessions_reaped_total",
			Help: "Expired upload sessions reaped",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OperationsTotal,
			OperationDuration,
			TransferSize,
			BytesTransferredTotal,
			ActiveMultipartSessions,
			QuotaRejectionsTotal,
			AccessDecisionsTotal,
			SessionsReapedTotal,
		)
		// Initialize OperationsTotal so it appears in /metrics output
		// even before any operations have been performed.
		OperationsTotal.WithLabelValues("upload", "success")
	})
}
