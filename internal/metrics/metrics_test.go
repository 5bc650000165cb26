package metrics

import (
	"testing"
)

func TestMetricsRegistered(t *testing.T) {
	Register()
	// Registering twice must not panic; registration is guarded.
	Register()

	// Verify that touching every collector does not panic.
	OperationsTotal.WithLabelValues("upload", "success").Inc()
	OperationDuration.WithLabelValues("download").Observe(0.02)
	TransferSize.WithLabelValues("upload").Observe(1024)
	BytesTransferredTotal.WithLabelValues("in").Add(1024)
	ActiveMultipartSessions.Inc()
	ActiveMultipartSessions.Dec()
	QuotaRejectionsTotal.WithLabelValues("storage").Inc()
	AccessDecisionsTotal.WithLabelValues("read", "denied").Inc()
	SessionsReapedTotal.Inc()
}
