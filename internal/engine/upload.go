package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/filevault/filevault/internal/access"
	"github.com/filevault/filevault/internal/audit"
	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/uid"
)

// Upload stores a file, choosing between a single put and a multipart
// session by size.
//
// Known sizes at or below the single-upload threshold take the single
// path; larger or unknown sizes take the multipart path. Authorization
// and the quota pre-check both run before any backend I/O, so denials
// and quota rejections never cost a transfer.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	start := time.Now()

	res, err := e.upload(ctx, req, start)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("upload", "error").Inc()
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues("upload", "success").Inc()
	metrics.OperationDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	metrics.TransferSize.WithLabelValues("upload").Observe(float64(res.Size))
	metrics.BytesTransferredTotal.WithLabelValues("upload").Add(float64(res.Size))
	return res, nil
}

func (e *Engine) upload(ctx context.Context, req UploadRequest, start time.Time) (*UploadResult, error) {
	if req.FileID == "" {
		req.FileID = uid.NewFileID()
	}
	if req.Visibility == "" {
		req.Visibility = metadata.VisibilityPrivate
	}

	existing, err := e.meta.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, fverr.Transient("engine.get_file", err)
	}

	// Uploading to an existing file ID is an overwrite and must pass the
	// write check. A brand-new file belongs to the uploader; there is
	// nothing to authorize against yet.
	if existing != nil {
		if _, err := e.guard.Authorize(ctx, req.UserID, req.FileID, access.OpWrite); err != nil {
			return nil, err
		}
	}

	sizeKnown := req.Size >= 0

	// Quota pre-check before any backend write. Unknown sizes are checked
	// with zero here and re-checked once the true size is known.
	var preCheckSize int64
	if sizeKnown {
		preCheckSize = req.Size
	}
	if existing != nil {
		if err := e.ledger.CheckGrowth(ctx, req.UserID, preCheckSize-existing.Size); err != nil {
			e.auditUploadDenied(ctx, req, "storage quota exceeded", start)
			return nil, err
		}
	} else {
		if err := e.ledger.CheckUpload(ctx, req.UserID, preCheckSize); err != nil {
			e.auditUploadDenied(ctx, req, "quota exceeded", start)
			return nil, err
		}
	}

	if sizeKnown && req.Size <= e.cfg.SingleThresholdBytes {
		return e.uploadSingle(ctx, req, existing, start)
	}
	return e.uploadMultipart(ctx, req, existing, sizeKnown, start)
}

// uploadSingle performs a one-shot put. No partial storage state exists
// on failure, so cleanup is limited to the pending record.
func (e *Engine) uploadSingle(ctx context.Context, req UploadRequest, existing *metadata.FileRecord, start time.Time) (*UploadResult, error) {
	key := storageKey(req.UserID, req.FileID)

	created, err := e.ensurePending(ctx, req, key, existing)
	if err != nil {
		return nil, err
	}

	size, etag, err := e.backend.Put(ctx, key, req.Body, req.Size, storage.PutHeaders{
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
	})
	if err != nil {
		if created {
			if derr := e.meta.DeleteFile(ctx, req.FileID); derr != nil {
				slog.Error("pending record cleanup failed", "file_id", req.FileID, "error", derr)
			}
		}
		e.auditUploadDenied(ctx, req, "backend write failed", start)
		return nil, err
	}

	return e.finishUpload(ctx, req, existing, size, etag, UploadTypeSingle, start)
}

// uploadMultipart drives the session state machine:
// created -> uploading -> completed, or aborted on any failure.
func (e *Engine) uploadMultipart(ctx context.Context, req UploadRequest, existing *metadata.FileRecord, sizeKnown bool, start time.Time) (*UploadResult, error) {
	key := storageKey(req.UserID, req.FileID)

	if _, err := e.ensurePending(ctx, req, key, existing); err != nil {
		return nil, err
	}

	uploadID, err := e.backend.InitMultipart(ctx, key, storage.PutHeaders{
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
	})
	if err != nil {
		e.auditUploadDenied(ctx, req, "multipart init failed", start)
		return nil, err
	}

	totalParts := 0
	if sizeKnown {
		totalParts = int((req.Size + e.cfg.PartSizeBytes - 1) / e.cfg.PartSizeBytes)
	}

	now := time.Now().UTC()
	sess := &metadata.SessionRecord{
		ID:              uid.NewOpID(),
		FileID:          req.FileID,
		OwnerID:         req.UserID,
		StorageKey:      key,
		BackendUploadID: uploadID,
		State:           metadata.SessionCreated,
		PartSize:        e.cfg.PartSizeBytes,
		TotalParts:      totalParts,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(e.cfg.SessionTTL),
	}

	// Persist before uploading anything so a crash here is recoverable:
	// the janitor can find and abort the session.
	if err := e.meta.CreateSession(ctx, sess); err != nil {
		e.abortBackend(ctx, sess)
		return nil, fverr.Transient("engine.create_session", err)
	}
	metrics.ActiveMultipartSessions.Inc()

	if _, err := e.meta.UpdateSessionState(ctx, sess.ID, []metadata.SessionState{metadata.SessionCreated}, metadata.SessionUploading); err != nil {
		e.abortSession(ctx, sess)
		return nil, fverr.Transient("engine.session_state", err)
	}

	parts, totalSize, err := e.uploadParts(ctx, sess, req.Body)
	if err != nil {
		e.abortSession(ctx, sess)
		e.auditUploadDenied(ctx, req, "part upload failed", start)
		return nil, err
	}

	// Unknown-size streams are re-checked now that the true size is known.
	if !sizeKnown {
		var checkErr error
		if existing != nil {
			checkErr = e.ledger.CheckGrowth(ctx, req.UserID, totalSize-existing.Size)
		} else {
			checkErr = e.ledger.CheckGrowth(ctx, req.UserID, totalSize)
		}
		if checkErr != nil {
			e.abortSession(ctx, sess)
			e.auditUploadDenied(ctx, req, "storage quota exceeded mid-upload", start)
			return nil, checkErr
		}
	}

	// A session past its TTL is abandoned, never completed.
	if time.Now().After(sess.ExpiresAt) {
		e.abortSession(ctx, sess)
		e.auditUploadDenied(ctx, req, "session expired", start)
		return nil, fverr.Transient("engine.complete_multipart", fmt.Errorf("session %s expired before completion", sess.ID))
	}

	// Total order by part number, duplicates collapsed, before completion.
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	deduped := parts[:0]
	for i, p := range parts {
		if i > 0 && p.PartNumber == parts[i-1].PartNumber {
			continue
		}
		deduped = append(deduped, p)
	}

	result, err := e.backend.CompleteMultipart(ctx, key, uploadID, deduped)
	if err != nil {
		e.abortSession(ctx, sess)
		e.auditUploadDenied(ctx, req, "multipart completion failed", start)
		return nil, err
	}

	// Storage has the assembled object now; a metadata failure past this
	// point is a reconciliation case, not a rollback.
	// Either way the session is no longer active; the gauge must not
	// drift on the failure path.
	err = e.meta.CompleteSession(ctx, sess.ID, result.Size, result.ETag)
	metrics.ActiveMultipartSessions.Dec()
	if err != nil {
		logging.Reconciliation("session not finalized after multipart completion",
			"session_id", sess.ID,
			"file_id", req.FileID,
			"storage_key", key,
			"error", err)
		return nil, fverr.Transient("engine.complete_session", err)
	}

	return e.finishUploadApplied(ctx, req, existing, result.Size, result.ETag, UploadTypeMultipart, start)
}

// uploadParts reads the body in fixed-size chunks and uploads them with
// bounded concurrency. Part numbers are assigned in read order before
// dispatch, so a retried part reuses its number; completion order is
// arbitrary. The first failure cancels all remaining work.
func (e *Engine) uploadParts(ctx context.Context, sess *metadata.SessionRecord, body io.Reader) ([]storage.CompletedPart, int64, error) {
	concurrency := e.cfg.PartConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		parts    []storage.CompletedPart
		firstErr error
	)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	// The semaphore bounds in-flight parts and, since each holds its own
	// buffer, memory as well.
	sem := make(chan struct{}, concurrency)

	partNumber := 0
readLoop:
	for {
		if ctx.Err() != nil {
			break
		}

		buf := make([]byte, e.cfg.PartSizeBytes)
		n, readErr := io.ReadFull(body, buf)
		if readErr == io.EOF {
			break // clean end on a part boundary
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			fail(fverr.Transient("engine.read_part", readErr))
			break
		}

		partNumber++
		num := partNumber
		chunk := buf[:n]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break readLoop
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			etag, err := e.backend.PutPart(ctx, sess.StorageKey, sess.BackendUploadID, num, bytes.NewReader(chunk), int64(len(chunk)))
			if err != nil {
				fail(err)
				return
			}

			// Per-part metadata makes progress observable and recoverable.
			if err := e.meta.PutPart(ctx, &metadata.PartRecord{
				SessionID:  sess.ID,
				PartNumber: num,
				Size:       int64(len(chunk)),
				ETag:       etag,
				UploadedAt: time.Now().UTC(),
			}); err != nil {
				fail(fverr.Transient("engine.record_part", err))
				return
			}

			mu.Lock()
			parts = append(parts, storage.CompletedPart{
				PartNumber: num,
				ETag:       etag,
				Size:       int64(len(chunk)),
			})
			mu.Unlock()
		}()

		if readErr == io.ErrUnexpectedEOF {
			break // final short part
		}
	}

	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, fverr.Transient("engine.upload_parts", err)
	}

	// An empty stream still needs one part for the backend to assemble.
	if partNumber == 0 {
		etag, err := e.backend.PutPart(ctx, sess.StorageKey, sess.BackendUploadID, 1, bytes.NewReader(nil), 0)
		if err != nil {
			return nil, 0, err
		}
		parts = append(parts, storage.CompletedPart{PartNumber: 1, ETag: etag})
	}

	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return parts, total, nil
}

// ensurePending creates the pending file record for a new upload.
// Returns whether a record was created.
func (e *Engine) ensurePending(ctx context.Context, req UploadRequest, key string, existing *metadata.FileRecord) (bool, error) {
	if existing != nil {
		return false, nil
	}

	now := time.Now().UTC()
	err := e.meta.CreateFile(ctx, &metadata.FileRecord{
		ID:              req.FileID,
		OwnerID:         req.UserID,
		Name:            req.Name,
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
		StorageKey:      key,
		Status:          metadata.FileStatusPending,
		Visibility:      req.Visibility,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return false, fverr.Transient("engine.create_file", err)
	}
	return true, nil
}

// finishUpload finalizes the file record, applies usage, and audits.
func (e *Engine) finishUpload(ctx context.Context, req UploadRequest, existing *metadata.FileRecord, size int64, etag string, uploadType UploadType, start time.Time) (*UploadResult, error) {
	fin := metadata.FileFinal{
		Size:            size,
		ETag:            etag,
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
	}
	if err := e.meta.FinalizeFile(ctx, req.FileID, fin); err != nil {
		logging.Reconciliation("file record not finalized after backend write",
			"file_id", req.FileID,
			"storage_key", storageKey(req.UserID, req.FileID),
			"error", err)
		return nil, fverr.Transient("engine.finalize_file", err)
	}
	return e.finishUploadApplied(ctx, req, existing, size, etag, uploadType, start)
}

// finishUploadApplied applies the usage delta and emits the success audit
// entry. The file record is already finalized.
func (e *Engine) finishUploadApplied(ctx context.Context, req UploadRequest, existing *metadata.FileRecord, size int64, etag string, uploadType UploadType, start time.Time) (*UploadResult, error) {
	delta := metadata.UsageDelta{StorageBytes: size, FileCount: 1}
	if existing != nil {
		delta = metadata.UsageDelta{StorageBytes: size - existing.Size}
	}

	if _, err := e.ledger.Apply(ctx, req.UserID, uid.NewOpID(), delta); err != nil {
		logging.Reconciliation("usage not applied after upload",
			"file_id", req.FileID,
			"user_id", req.UserID,
			"bytes", size,
			"error", err)
		return nil, err
	}

	e.recorder.Record(ctx, audit.Entry{
		UserID:           req.UserID,
		FileID:           req.FileID,
		Operation:        "upload",
		Decision:         metadata.DecisionAllowed,
		BytesTransferred: size,
		Duration:         time.Since(start),
	})

	return &UploadResult{
		FileID:     req.FileID,
		StorageKey: storageKey(req.UserID, req.FileID),
		ETag:       etag,
		Size:       size,
		UploadType: uploadType,
	}, nil
}

// abortBackend releases backend bytes for an in-progress upload.
// Best-effort: failures are logged, never propagated. The context is
// detached so aborts still run after caller cancellation or timeout.
func (e *Engine) abortBackend(ctx context.Context, sess *metadata.SessionRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := e.backend.AbortMultipart(ctx, sess.StorageKey, sess.BackendUploadID); err != nil {
		slog.Error("multipart abort failed",
			"session_id", sess.ID,
			"upload_id", sess.BackendUploadID,
			"error", err)
	}
}

// abortSession aborts the backend upload and marks the session aborted.
// The pending file record is left in place; it never becomes visible and
// documents the failed attempt alongside the aborted session.
func (e *Engine) abortSession(ctx context.Context, sess *metadata.SessionRecord) {
	e.abortBackend(ctx, sess)

	ctx = context.WithoutCancel(ctx)
	ok, err := e.meta.UpdateSessionState(ctx, sess.ID,
		[]metadata.SessionState{metadata.SessionCreated, metadata.SessionUploading},
		metadata.SessionAborted)
	if err != nil {
		slog.Error("session abort state update failed", "session_id", sess.ID, "error", err)
	} else if !ok {
		slog.Warn("session not in abortable state", "session_id", sess.ID)
	}
	metrics.ActiveMultipartSessions.Dec()
}

func (e *Engine) auditUploadDenied(ctx context.Context, req UploadRequest, reason string, start time.Time) {
	e.recorder.Record(ctx, audit.Entry{
		UserID:    req.UserID,
		FileID:    req.FileID,
		Operation: "upload",
		Decision:  metadata.DecisionDenied,
		Reason:    reason,
		Duration:  time.Since(start),
	})
}
