// Package engine implements the storage orchestrator, the central
// coordination point for every file operation.
//
// Each operation runs the same layered sequence: authorize via the access
// guard (fail fast, no storage I/O on denial), pre-check the quota ledger,
// perform the storage operation, then durably apply the usage delta and
// persist metadata, and finally emit audit and metrics events. Multipart
// uploads additionally drive a session state machine with bounded-concurrency
// part uploads.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/filevault/filevault/internal/access"
	"github.com/filevault/filevault/internal/audit"
	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/uid"
)

// SizeUnknown is passed as the upload size when the source length is not
// known upfront. Unknown-size uploads always take the multipart path.
const SizeUnknown int64 = -1

// UploadType identifies which upload strategy was used.
type UploadType string

const (
	UploadTypeSingle    UploadType = "single"
	UploadTypeMultipart UploadType = "multipart"
)

// UploadRequest describes one upload operation.
type UploadRequest struct {
	UserID          string
	FileID          string // optional; generated when empty
	Name            string
	ContentType     string
	ContentEncoding string // set when Body is already encoded, e.g. "gzip"
	Visibility      metadata.Visibility // defaults to private
	Size            int64               // SizeUnknown for streams of unknown length
	Body            io.Reader
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	FileID     string
	StorageKey string
	ETag       string
	Size       int64
	UploadType UploadType
}

// ByteRange selects a half-open window [Offset, Offset+Length) of a file.
type ByteRange struct {
	Offset int64
	Length int64
}

// DownloadResult is the outcome of a successful download. The caller owns
// Body and must close it.
type DownloadResult struct {
	Body            io.ReadCloser
	Size            int64 // bytes in the returned stream, not the whole file
	TotalSize       int64 // full file size
	Name            string
	ContentType     string
	ContentEncoding string
	ETag            string
}

// Service is the operation surface the transport layer calls. It assumes
// an already-authenticated user ID on every call.
type Service interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	Download(ctx context.Context, userID, fileID string, rng *ByteRange) (*DownloadResult, error)
	Delete(ctx context.Context, userID, fileID string) error
	ListUserFiles(ctx context.Context, userID string, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error)
	ValidateAccess(ctx context.Context, userID, fileID, operation string) (*access.Decision, error)
	GetAccessMetrics(ctx context.Context, since time.Time) (*metadata.AccessMetrics, error)
	ReapExpiredSessions(ctx context.Context) (int, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	// SingleThresholdBytes is the largest known size uploaded in one put.
	SingleThresholdBytes int64
	// PartSizeBytes is the fixed chunk size for multipart uploads. The
	// final part may be smaller.
	PartSizeBytes int64
	// PartConcurrency bounds concurrent part uploads per operation.
	PartConcurrency int
	// SessionTTL is the multipart session lifetime. Sessions past it are
	// never completed, only aborted and reaped.
	SessionTTL time.Duration
	// OperationTimeout bounds one whole operation, covering policy checks
	// and the storage round-trip. Zero disables the bound.
	OperationTimeout time.Duration
}

// Engine orchestrates uploads, downloads, and deletes across the access
// guard, quota ledger, metadata store, and object-storage backend.
type Engine struct {
	meta     metadata.Store
	backend  storage.ObjectStore
	guard    *access.Guard
	ledger   *quota.Ledger
	recorder *audit.Recorder
	cfg      Config
}

// New creates an Engine wired to its collaborators.
func New(meta metadata.Store, backend storage.ObjectStore, guard *access.Guard, ledger *quota.Ledger, recorder *audit.Recorder, cfg Config) *Engine {
	return &Engine{
		meta:     meta,
		backend:  backend,
		guard:    guard,
		ledger:   ledger,
		recorder: recorder,
		cfg:      cfg,
	}
}

// opContext applies the per-operation timeout when configured.
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// storageKey derives the backend locator for a file.
func storageKey(userID, fileID string) string {
	return fmt.Sprintf("users/%s/%s", userID, fileID)
}

// Download streams a file, or a byte window of it, to the caller.
//
// Authorization runs before the quota check, so a denied read never
// consumes bandwidth. The bandwidth delta equals the bytes in the
// returned window, not the full file size.
func (e *Engine) Download(ctx context.Context, userID, fileID string, rng *ByteRange) (*DownloadResult, error) {
	ctx, cancel := e.opContext(ctx)
	start := time.Now()

	res, err := e.download(ctx, userID, fileID, rng, start)
	if err != nil {
		cancel()
		metrics.OperationsTotal.WithLabelValues("download", "error").Inc()
		return nil, err
	}

	// The stream outlives this call; tie the context to its Close.
	res.Body = &cancelReadCloser{ReadCloser: res.Body, cancel: cancel}
	metrics.OperationsTotal.WithLabelValues("download", "success").Inc()
	metrics.OperationDuration.WithLabelValues("download").Observe(time.Since(start).Seconds())
	metrics.TransferSize.WithLabelValues("download").Observe(float64(res.Size))
	metrics.BytesTransferredTotal.WithLabelValues("download").Add(float64(res.Size))
	return res, nil
}

func (e *Engine) download(ctx context.Context, userID, fileID string, rng *ByteRange, start time.Time) (*DownloadResult, error) {
	decision, err := e.guard.Authorize(ctx, userID, fileID, access.OpRead)
	if err != nil {
		return nil, err
	}
	file := decision.File
	if file.Status != metadata.FileStatusActive {
		return nil, &fverr.NotFoundError{Resource: "file", ID: fileID}
	}

	var window int64 = file.Size
	var backendRange *storage.ByteRange
	if rng != nil {
		if rng.Offset < 0 || rng.Length <= 0 || rng.Offset+rng.Length > file.Size {
			return nil, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length, Size: file.Size}
		}
		window = rng.Length
		backendRange = &storage.ByteRange{Offset: rng.Offset, Length: rng.Length}
	}

	if err := e.ledger.CheckDownload(ctx, userID, window); err != nil {
		e.recorder.Record(ctx, audit.Entry{
			UserID:    userID,
			FileID:    fileID,
			Operation: "download",
			Decision:  metadata.DecisionDenied,
			Reason:    "bandwidth quota exceeded",
			Duration:  time.Since(start),
		})
		return nil, err
	}

	body, size, err := e.backend.Get(ctx, file.StorageKey, backendRange)
	if err != nil {
		return nil, err
	}

	if _, err := e.ledger.Apply(ctx, userID, uid.NewOpID(), metadata.UsageDelta{BandwidthBytes: size}); err != nil {
		body.Close()
		logging.Reconciliation("bandwidth usage not applied after backend read",
			"user_id", userID,
			"file_id", fileID,
			"bytes", size,
			"error", err)
		return nil, err
	}

	e.recorder.Record(ctx, audit.Entry{
		UserID:           userID,
		FileID:           fileID,
		Operation:        "download",
		Decision:         metadata.DecisionAllowed,
		BytesTransferred: size,
		Duration:         time.Since(start),
	})

	return &DownloadResult{
		Body:            body,
		Size:            size,
		TotalSize:       file.Size,
		Name:            file.Name,
		ContentType:     file.ContentType,
		ContentEncoding: file.ContentEncoding,
		ETag:            file.ETag,
	}, nil
}

// Delete removes a file's bytes and record. Owner only.
//
// Ordering is storage first, record second: an orphaned record after a
// successful backend delete is a recoverable state and is logged for
// reconciliation. Ambiguous backend failures are surfaced, never retried,
// so the caller can re-check existence instead of silently losing
// accounting.
func (e *Engine) Delete(ctx context.Context, userID, fileID string) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	start := time.Now()

	decision, err := e.guard.Authorize(ctx, userID, fileID, access.OpDelete)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	file := decision.File

	if err := e.backend.Delete(ctx, file.StorageKey); err != nil {
		metrics.OperationsTotal.WithLabelValues("delete", "error").Inc()
		e.recorder.Record(ctx, audit.Entry{
			UserID:    userID,
			FileID:    fileID,
			Operation: "delete",
			Decision:  metadata.DecisionDenied,
			Reason:    "backend delete failed",
			Duration:  time.Since(start),
		})
		return err
	}

	// Record removal cascades grants, sessions, and parts.
	if err := e.meta.DeleteFile(ctx, fileID); err != nil {
		logging.Reconciliation("file record not deleted after backend delete",
			"file_id", fileID,
			"storage_key", file.StorageKey,
			"error", err)
		metrics.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return fverr.Transient("engine.delete_record", err)
	}

	if _, err := e.ledger.Apply(ctx, userID, uid.NewOpID(), metadata.UsageDelta{
		StorageBytes: -file.Size,
		FileCount:    -1,
	}); err != nil {
		logging.Reconciliation("usage not applied after delete",
			"file_id", fileID,
			"user_id", userID,
			"error", err)
		return err
	}

	e.recorder.Record(ctx, audit.Entry{
		UserID:    userID,
		FileID:    fileID,
		Operation: "delete",
		Decision:  metadata.DecisionAllowed,
		Duration:  time.Since(start),
	})
	metrics.OperationsTotal.WithLabelValues("delete", "success").Inc()
	metrics.OperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	return nil
}

// ListUserFiles returns the caller's own active files, paginated.
func (e *Engine) ListUserFiles(ctx context.Context, userID string, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error) {
	res, err := e.meta.ListUserFiles(ctx, userID, opts)
	if err != nil {
		return nil, fverr.Transient("engine.list_files", err)
	}
	return res, nil
}

// ValidateAccess runs an authorization check without performing any
// storage I/O. The decision is audited like any other check.
func (e *Engine) ValidateAccess(ctx context.Context, userID, fileID, operation string) (*access.Decision, error) {
	return e.guard.Authorize(ctx, userID, fileID, operation)
}

// GetAccessMetrics aggregates allow/deny counts from the audit log.
func (e *Engine) GetAccessMetrics(ctx context.Context, since time.Time) (*metadata.AccessMetrics, error) {
	return e.recorder.Metrics(ctx, since)
}

// ReapExpiredSessions aborts and cleans up multipart sessions past their
// TTL. Expired sessions are never resumed. Backend abort failures are
// logged; the session is still marked expired so storage cost leakage is
// an operational concern, not a correctness one.
func (e *Engine) ReapExpiredSessions(ctx context.Context) (int, error) {
	reaper, ok := e.meta.(metadata.SessionReaper)
	if !ok {
		return 0, nil
	}

	expired, err := reaper.ReapExpiredSessions(time.Now())
	if err != nil {
		return 0, fverr.Transient("engine.reap_sessions", err)
	}

	for _, sess := range expired {
		if err := e.backend.AbortMultipart(ctx, sess.StorageKey, sess.BackendUploadID); err != nil {
			slog.Error("abort of expired session failed",
				"session_id", sess.SessionID,
				"upload_id", sess.BackendUploadID,
				"error", err)
		}
		// Drop the file record only while it is still pending. An
		// expired overwrite session references an active file whose
		// record must survive the reap.
		file, err := e.meta.GetFile(ctx, sess.FileID)
		if err != nil {
			slog.Error("expired session file lookup failed",
				"session_id", sess.SessionID,
				"file_id", sess.FileID,
				"error", err)
		} else if file != nil && file.Status == metadata.FileStatusPending {
			if err := e.meta.DeleteFile(ctx, sess.FileID); err != nil {
				slog.Error("pending file cleanup failed",
					"session_id", sess.SessionID,
					"file_id", sess.FileID,
					"error", err)
			}
		}
		metrics.SessionsReapedTotal.Inc()
		metrics.ActiveMultipartSessions.Dec()
	}

	if len(expired) > 0 {
		slog.Info("reaped expired upload sessions", "count", len(expired))
	}
	return len(expired), nil
}

// cancelReadCloser releases the operation context when the download
// stream is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Ensure Engine implements Service at compile time.
var _ Service = (*Engine)(nil)
