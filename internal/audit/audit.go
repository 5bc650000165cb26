// Package audit records access decisions and data-plane operations to the
// append-only audit log.
//
// Audit writes are strictly best-effort: a failed audit insert is logged
// and never propagated, so audit trouble cannot fail user operations.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/metrics"
)

// Entry describes a single auditable event.
type Entry struct {
	UserID           string
	FileID           string
	Operation        string
	Decision         metadata.Decision
	Reason           string
	BytesTransferred int64
	Duration         time.Duration
}

// Recorder appends audit entries to the metadata store and mirrors
// decision counts into Prometheus.
type Recorder struct {
	store metadata.Store
}

// NewRecorder creates a Recorder backed by the given metadata store.
func NewRecorder(store metadata.Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one audit entry. Errors are logged, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	rec := &metadata.AuditRecord{
		Timestamp:        time.Now().UTC(),
		UserID:           e.UserID,
		FileID:           e.FileID,
		Operation:        e.Operation,
		Decision:         e.Decision,
		Reason:           e.Reason,
		BytesTransferred: e.BytesTransferred,
		DurationMs:       e.Duration.Milliseconds(),
	}

	if err := r.store.AppendAudit(ctx, rec); err != nil {
		slog.Error("audit append failed",
			"user_id", e.UserID,
			"file_id", e.FileID,
			"operation", e.Operation,
			"error", err)
	}

	metrics.AccessDecisionsTotal.WithLabelValues(e.Operation, string(e.Decision)).Inc()
}

// Metrics returns aggregate allow/deny counts from the audit log since
// the given time.
func (r *Recorder) Metrics(ctx context.Context, since time.Time) (*metadata.AccessMetrics, error) {
	return r.store.GetAccessMetrics(ctx, since)
}
