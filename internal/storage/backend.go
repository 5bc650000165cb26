// Package storage defines the interface and implementations for FileVault's
// object data storage layer.
package storage

import (
	"context"
	"io"
)

// PutHeaders carries the content headers stored alongside object data.
type PutHeaders struct {
	ContentType     string
	ContentEncoding string
}

// ByteRange selects a half-open window [Offset, Offset+Length) of an object.
type ByteRange struct {
	Offset int64
	Length int64
}

// CompletedPart identifies one uploaded part when completing a multipart
// upload. The ETag must match the value returned by PutPart.
type CompletedPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// CompleteResult holds the final object attributes after multipart assembly.
type CompleteResult struct {
	Size int64
	ETag string
}

// ObjectStore defines the interface for reading and writing raw object data.
// Implementations provide the underlying storage mechanism (local filesystem,
// cloud provider, etc.). All methods must be safe for concurrent use.
//
// Missing objects are reported as *errors.NotFoundError; other backend
// failures are wrapped as *errors.TransientError.
type ObjectStore interface {
	// Put writes the data from the reader to the backend at the given key.
	// It returns the number of bytes written and the computed ETag
	// (typically an MD5 hex digest).
	Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (bytesWritten int64, etag string, err error)

	// Get retrieves object data. A nil rng returns the whole object; a
	// non-nil rng returns exactly the requested window. The caller is
	// responsible for closing the returned ReadCloser. The returned size
	// is the number of bytes the stream will yield.
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error)

	// Delete removes the object data. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists checks whether an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// InitMultipart starts a multipart upload for the given key and
	// returns the backend upload ID.
	InitMultipart(ctx context.Context, key string, headers PutHeaders) (uploadID string, err error)

	// PutPart writes a single part of a multipart upload. Part numbers
	// start at 1.
	PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (etag string, err error)

	// CompleteMultipart assembles the given parts, in part-number order,
	// into the final object and discards the per-part state.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error)

	// AbortMultipart discards all parts of an in-progress multipart
	// upload. Aborting an unknown upload is not an error.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// HealthCheck verifies that the storage backend is operational.
	HealthCheck(ctx context.Context) error
}
