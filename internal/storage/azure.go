// Package storage provides the Azure Blob Storage backend for FileVault.
//
// The Azure backend proxies all data operations to an upstream Azure Blob
// Storage container via the official Azure SDK for Go.
//
// Multipart strategy uses Azure Block Blob primitives:
//
//	PutPart           → StageBlock() on the final blob (no temp objects)
//	CompleteMultipart → CommitBlockList() to finalize
//	AbortMultipart    → no-op (uncommitted blocks auto-expire in 7 days)
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	fverr "github.com/filevault/filevault/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DownloadBlobRange downloads a byte window of a blob's contents.
	DownloadBlobRange(ctx context.Context, containerName, blobName string, offset, length int64) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// GetBlobProperties retrieves the size of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error)
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
}

// AzureStore implements the ObjectStore interface against an upstream Azure
// Blob Storage container.
type AzureStore struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the key prefix for all blobs in the upstream container.
	Prefix string
	// client is the Azure Blob client (satisfying the AzureBlobAPI interface).
	client AzureBlobAPI
}

// NewAzureStore creates a new AzureStore configured against the specified
// Azure Blob container. It initializes the Azure SDK client using
// DefaultAzureCredential.
func NewAzureStore(ctx context.Context, container, accountURL, prefix string) (*AzureStore, error) {
	client, err := newRealAzureClient(accountURL)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	s := &AzureStore{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}

	// Verify the upstream container is accessible by probing a blob name
	// that cannot exist.
	_, err = s.client.BlobExists(ctx, container, "\x00nonexistent\x00")
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return s, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured Azure
// client. This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// blobName maps a FileVault storage key to an upstream Azure blob name.
func (s *AzureStore) blobName(key string) string {
	return s.Prefix + key
}

// blockID generates a block ID for Azure staged blocks.
// Block IDs must be base64-encoded and the same length for all blocks
// in a blob. Includes uploadID to avoid collisions between concurrent
// multipart uploads to the same key.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)),
	)
}

// Put uploads object data to the upstream Azure Blob container. It reads
// all data, computes MD5 locally for a consistent ETag, then uploads.
func (s *AzureStore) Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (int64, string, error) {
	blobKey := s.blobName(key)

	// Read all data to compute MD5 locally. Azure may return different
	// ETags, so we compute our own for consistency.
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fverr.Transient("azure.put", fmt.Errorf("reading object data: %w", err))
	}

	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf("%x", h.Sum(nil))

	if err := s.client.UploadBlob(ctx, s.Container, blobKey, data); err != nil {
		return 0, "", fverr.Transient("azure.put", err)
	}

	return int64(len(data)), etag, nil
}

// Get retrieves object data from the upstream Azure Blob container. A
// non-nil rng downloads only the requested window.
func (s *AzureStore) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	blobKey := s.blobName(key)

	if rng != nil {
		data, err := s.client.DownloadBlobRange(ctx, s.Container, blobKey, rng.Offset, rng.Length)
		if err != nil {
			if isAzureNotFound(err) {
				return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
			}
			return nil, 0, fverr.Transient("azure.get", err)
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}

	blobSize, err := s.client.GetBlobProperties(ctx, s.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("azure.properties", err)
	}

	data, err := s.client.DownloadBlob(ctx, s.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("azure.get", err)
	}

	return io.NopCloser(bytes.NewReader(data)), blobSize, nil
}

// Delete removes an object from the upstream Azure Blob container.
// Idempotent: catches not-found silently.
func (s *AzureStore) Delete(ctx context.Context, key string) error {
	blobKey := s.blobName(key)

	err := s.client.DeleteBlob(ctx, s.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fverr.Transient("azure.delete", err)
	}
	return nil
}

// Exists checks whether an object exists in the upstream Azure Blob container.
func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	blobKey := s.blobName(key)

	exists, err := s.client.BlobExists(ctx, s.Container, blobKey)
	if err != nil {
		return false, fverr.Transient("azure.exists", err)
	}
	return exists, nil
}

// InitMultipart starts a multipart upload. Azure needs no server-side
// session for staged blocks, so the upload ID is generated locally and
// embedded in the block IDs.
func (s *AzureStore) InitMultipart(ctx context.Context, key string, headers PutHeaders) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// PutPart stages a block on the final blob (Azure Block Blob multipart).
// Unlike S3/GCS, parts are staged directly on the final blob using
// StageBlock(); no temporary objects are created. Computes MD5 locally for
// a consistent ETag.
func (s *AzureStore) PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	blobKey := s.blobName(key)
	blkID := blockID(uploadID, partNumber)

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fverr.Transient("azure.stage_block", fmt.Errorf("reading part data: %w", err))
	}

	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf("%x", h.Sum(nil))

	if err := s.client.StageBlock(ctx, s.Container, blobKey, blkID, data); err != nil {
		return "", fverr.Transient("azure.stage_block", err)
	}

	return etag, nil
}

// CompleteMultipart commits staged blocks into the final blob. Builds a
// block list from the upload ID and part numbers, then calls
// CommitBlockList() to finalize.
func (s *AzureStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	blobKey := s.blobName(key)

	blockIDs := make([]string, len(parts))
	var totalSize int64
	for i, p := range parts {
		blockIDs[i] = blockID(uploadID, p.PartNumber)
		totalSize = totalSize + p.Size
	}

	if err := s.client.CommitBlockList(ctx, s.Container, blobKey, blockIDs); err != nil {
		return nil, fverr.Transient("azure.commit_block_list", err)
	}

	size, err := s.client.GetBlobProperties(ctx, s.Container, blobKey)
	if err != nil {
		// The commit succeeded; fall back to the summed part sizes.
		size = totalSize
	}

	// Derive the composite ETag from the part ETags the way S3 builds
	// composite ETags.
	h := md5.New()
	for _, p := range parts {
		raw, decErr := hex.DecodeString(p.ETag)
		if decErr != nil {
			raw = []byte(p.ETag)
		}
		h.Write(raw)
	}
	etag := fmt.Sprintf("%x-%d", h.Sum(nil), len(parts))

	return &CompleteResult{
		Size: size,
		ETag: etag,
	}, nil
}

// AbortMultipart is a no-op for Azure. Uncommitted blocks auto-expire in
// 7 days; there are no temporary part objects to clean up.
func (s *AzureStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BlobExists(ctx, s.Container, "\x00nonexistent\x00")
	return err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

// Ensure AzureStore implements ObjectStore at compile time.
var _ ObjectStore = (*AzureStore)(nil)
