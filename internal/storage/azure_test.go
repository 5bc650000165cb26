package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	fverr "github.com/filevault/filevault/internal/errors"
)

// mockAzureClient is an in-memory AzureBlobAPI for backend tests.
type mockAzureClient struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// staged holds uncommitted blocks per blob, keyed by block ID.
	staged map[string]map[string][]byte
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs:  make(map[string][]byte),
		staged: make(map[string]map[string][]byte),
	}
}

func (c *mockAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[blobName] = append([]byte(nil), data...)
	return nil
}

func (c *mockAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[blobName]
	if !ok {
		return nil, errors.New("BlobNotFound: the specified blob does not exist")
	}
	return append([]byte(nil), data...), nil
}

func (c *mockAzureClient) DownloadBlobRange(ctx context.Context, containerName, blobName string, offset, length int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[blobName]
	if !ok {
		return nil, errors.New("BlobNotFound: the specified blob does not exist")
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (c *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[blobName]; !ok {
		return errors.New("BlobNotFound: the specified blob does not exist")
	}
	delete(c.blobs, blobName)
	return nil
}

func (c *mockAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blobs[blobName]
	return ok, nil
}

func (c *mockAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[blobName]
	if !ok {
		return 0, errors.New("BlobNotFound: the specified blob does not exist")
	}
	return int64(len(data)), nil
}

func (c *mockAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged[blobName] == nil {
		c.staged[blobName] = make(map[string][]byte)
	}
	c.staged[blobName][blockID] = append([]byte(nil), data...)
	return nil
}

func (c *mockAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var combined []byte
	for _, id := range blockIDs {
		data, ok := c.staged[blobName][id]
		if !ok {
			return fmt.Errorf("InvalidBlockList: block %s was not staged", id)
		}
		combined = append(combined, data...)
	}
	c.blobs[blobName] = combined
	delete(c.staged, blobName)
	return nil
}

func newTestAzureStore() (*AzureStore, *mockAzureClient) {
	client := newMockAzureClient()
	store := NewAzureStoreWithClient("test-container", "https://test.blob.core.windows.net", "fv/", client)
	return store, client
}

func TestAzurePutAndGet(t *testing.T) {
	store, client := newTestAzureStore()
	ctx := context.Background()

	content := []byte("azure blob data")
	size, etag, err := store.Put(ctx, "docs/a.txt", bytes.NewReader(content), int64(len(content)), PutHeaders{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	want := fmt.Sprintf("%x", md5.Sum(content))
	if etag != want {
		t.Errorf("etag = %q, want %q", etag, want)
	}
	if _, ok := client.blobs["fv/docs/a.txt"]; !ok {
		t.Error("blob not stored under the prefixed name")
	}

	reader, total, err := store.Get(ctx, "docs/a.txt", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if !bytes.Equal(data, content) {
		t.Error("retrieved data does not match")
	}
	if total != int64(len(content)) {
		t.Errorf("total = %d, want %d", total, len(content))
	}
}

func TestAzureGetRange(t *testing.T) {
	store, _ := newTestAzureStore()
	ctx := context.Background()

	content := []byte("0123456789abcdef")
	if _, _, err := store.Put(ctx, "r.bin", bytes.NewReader(content), int64(len(content)), PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reader, size, err := store.Get(ctx, "r.bin", &ByteRange{Offset: 4, Length: 6})
	if err != nil {
		t.Fatalf("Get (ranged) failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "456789" {
		t.Errorf("window = %q, want %q", data, "456789")
	}
	if size != 6 {
		t.Errorf("size = %d, want 6", size)
	}
}

func TestAzureGetNotFound(t *testing.T) {
	store, _ := newTestAzureStore()

	_, _, err := store.Get(context.Background(), "missing.bin", nil)
	var notFound *fverr.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Get error = %v, want NotFoundError", err)
	}
}

func TestAzureDeleteIdempotent(t *testing.T) {
	store, _ := newTestAzureStore()
	ctx := context.Background()

	if _, _, err := store.Put(ctx, "d.bin", strings.NewReader("x"), 1, PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, "d.bin"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// The second delete's BlobNotFound is swallowed.
	if err := store.Delete(ctx, "d.bin"); err != nil {
		t.Errorf("repeat Delete failed: %v", err)
	}
	exists, err := store.Exists(ctx, "d.bin")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("blob should be gone")
	}
}

func TestAzureMultipartBlockFlow(t *testing.T) {
	store, client := newTestAzureStore()
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "big.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	var parts []CompletedPart
	var full []byte
	for i := 1; i <= 3; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 8)
		full = append(full, chunk...)
		etag, err := store.PutPart(ctx, "big.bin", uploadID, i, bytes.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("PutPart %d failed: %v", i, err)
		}
		parts = append(parts, CompletedPart{PartNumber: i, ETag: etag, Size: int64(len(chunk))})
	}

	// Blocks are staged on the final blob; nothing visible before commit.
	if _, ok := client.blobs["fv/big.bin"]; ok {
		t.Error("blob exists before CommitBlockList")
	}

	result, err := store.CompleteMultipart(ctx, "big.bin", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}
	if result.Size != int64(len(full)) {
		t.Errorf("size = %d, want %d", result.Size, len(full))
	}
	if !strings.HasSuffix(result.ETag, "-3") {
		t.Errorf("composite etag %q should end with -3", result.ETag)
	}

	reader, _, err := store.Get(ctx, "big.bin", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if !bytes.Equal(data, full) {
		t.Error("committed blob does not match staged blocks")
	}
}

func TestAzureConcurrentUploadsDoNotCollide(t *testing.T) {
	store, _ := newTestAzureStore()
	ctx := context.Background()

	// Two uploads to the same key stage blocks with distinct IDs; the
	// committed blob contains only the winning upload's blocks.
	uploadA, _ := store.InitMultipart(ctx, "same.bin", PutHeaders{})
	uploadB, _ := store.InitMultipart(ctx, "same.bin", PutHeaders{})
	if uploadA == uploadB {
		t.Fatal("upload IDs should differ")
	}

	etagA, err := store.PutPart(ctx, "same.bin", uploadA, 1, strings.NewReader("AAAA"), 4)
	if err != nil {
		t.Fatalf("PutPart (A) failed: %v", err)
	}
	if _, err := store.PutPart(ctx, "same.bin", uploadB, 1, strings.NewReader("BBBB"), 4); err != nil {
		t.Fatalf("PutPart (B) failed: %v", err)
	}

	if _, err := store.CompleteMultipart(ctx, "same.bin", uploadA, []CompletedPart{
		{PartNumber: 1, ETag: etagA, Size: 4},
	}); err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}

	reader, _, err := store.Get(ctx, "same.bin", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "AAAA" {
		t.Errorf("committed blob = %q, want %q", data, "AAAA")
	}
}

func TestAzureAbortMultipartNoOp(t *testing.T) {
	store, _ := newTestAzureStore()
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "gone.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}
	if _, err := store.PutPart(ctx, "gone.bin", uploadID, 1, strings.NewReader("abc"), 3); err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}

	// Abort is a no-op; staged blocks expire server-side.
	if err := store.AbortMultipart(ctx, "gone.bin", uploadID); err != nil {
		t.Errorf("AbortMultipart failed: %v", err)
	}
	exists, err := store.Exists(ctx, "gone.bin")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("aborted upload must not produce a committed blob")
	}
}
