// Package errors defines the typed outcome and fault taxonomy used throughout
// FileVault. Recoverable policy outcomes (permission denial, quota exceeded,
// not found) are distinct error types the caller can branch on with errors.As;
// only genuine faults (backend unreachable, integrity violations) represent
// system errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is a stable machine-readable error classification.
type Kind string

const (
	// KindInsufficientPermission marks a denied operation; recoverable,
	// user-facing.
	KindInsufficientPermission Kind = "InsufficientPermission"
	// KindQuotaExceeded marks an operation rejected by the quota ledger;
	// recoverable, user-facing.
	KindQuotaExceeded Kind = "QuotaExceeded"
	// KindNotFound marks a file or session that is absent or unauthorized.
	// Deliberately indistinguishable from read-permission denial so callers
	// cannot probe for file existence.
	KindNotFound Kind = "NotFound"
	// KindInvalidRange marks a malformed byte-range request.
	KindInvalidRange Kind = "InvalidRange"
	// KindBackendTransient marks an object-store or network failure. The
	// whole operation is safe to retry from scratch; a partially-aborted
	// multipart session is never resumed.
	KindBackendTransient Kind = "BackendTransient"
	// KindIntegrity marks a part-count or etag mismatch discovered at
	// multipart completion. Always aborts the session.
	KindIntegrity Kind = "IntegrityViolation"
)

// PermissionError is returned when the caller's effective role does not
// permit the requested operation. It carries the required and current roles
// so callers can render a precise message.
type PermissionError struct {
	Operation    string
	RequiredRole string
	CurrentRole  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("insufficient permission for %s: requires %s, have %s",
		e.Operation, e.RequiredRole, e.CurrentRole)
}

// ErrorKind returns KindInsufficientPermission.
func (e *PermissionError) ErrorKind() Kind { return KindInsufficientPermission }

// QuotaError is returned when an operation would exceed one of the user's
// tier limits. QuotaType is one of "storage", "file_count", "bandwidth".
type QuotaError struct {
	QuotaType    string
	CurrentUsage int64
	Limit        int64
	ResetAt      time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d of %d used", e.QuotaType, e.CurrentUsage, e.Limit)
}

// ErrorKind returns KindQuotaExceeded.
func (e *QuotaError) ErrorKind() Kind { return KindQuotaExceeded }

// NotFoundError is returned when a record or object is absent, or when a
// read is denied for a caller with no relationship to the file.
type NotFoundError struct {
	Resource string // "file", "session", "object"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorKind returns KindNotFound.
func (e *NotFoundError) ErrorKind() Kind { return KindNotFound }

// RangeError is returned for malformed or unsatisfiable byte ranges.
type RangeError struct {
	Offset int64
	Length int64
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range [%d,+%d) for size %d", e.Offset, e.Length, e.Size)
}

// ErrorKind returns KindInvalidRange.
func (e *RangeError) ErrorKind() Kind { return KindInvalidRange }

// TransientError wraps an object-store or network failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrorKind returns KindBackendTransient.
func (e *TransientError) ErrorKind() Kind { return KindBackendTransient }

// IntegrityError marks an inconsistency between recorded and observed
// multipart state (missing part, etag mismatch, duplicate part number).
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Reason
}

// ErrorKind returns KindIntegrity.
func (e *IntegrityError) ErrorKind() Kind { return KindIntegrity }

// Transient wraps err as a TransientError for the named backend operation.
// Returns nil if err is nil. A NotFoundError is passed through unchanged so
// backends can report missing objects precisely.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if stderrors.As(err, &nf) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// KindOf classifies err, returning the Kind of the outermost recognized
// error type, or "" for unclassified errors.
func KindOf(err error) Kind {
	var k interface{ ErrorKind() Kind }
	if stderrors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

// IsQuotaExceeded reports whether err is a QuotaError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return stderrors.As(err, &qe)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return stderrors.As(err, &pe)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return stderrors.As(err, &te)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return stderrors.As(err, &ie)
}
