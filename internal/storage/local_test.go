package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	fverr "github.com/filevault/filevault/internal/errors"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	rootDir := t.TempDir()
	store, err := NewLocalStore(rootDir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return store
}

func TestLocalPutAndGet(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "Hello, FileVault!"
	bytesWritten, etag, err := store.Put(ctx, "users/alice/hello.txt", strings.NewReader(content), int64(len(content)), PutHeaders{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if bytesWritten != int64(len(content)) {
		t.Errorf("bytesWritten = %d, want %d", bytesWritten, len(content))
	}
	if etag == "" {
		t.Error("Put: etag is empty")
	}

	reader, size, err := store.Get(ctx, "users/alice/hello.txt", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()

	if size != int64(len(content)) {
		t.Errorf("Get size = %d, want %d", size, len(content))
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("Get data = %q, want %q", string(data), content)
	}
}

func TestLocalPutAtomicWrite(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "atomic write test"
	_, _, err := store.Put(ctx, "atomic.txt", strings.NewReader(content), int64(len(content)), PutHeaders{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Check the .tmp directory is clean.
	tmpDir := filepath.Join(store.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir .tmp failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf(".tmp directory should be empty after Put, has %d entries", len(entries))
	}

	// Verify the object file exists at the expected path.
	objPath := filepath.Join(store.RootDir, "objects", "atomic.txt")
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		t.Error("Object file does not exist at expected path")
	}
}

func TestLocalGetRange(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "0123456789abcdef"
	if _, _, err := store.Put(ctx, "ranged.bin", strings.NewReader(content), int64(len(content)), PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reader, size, err := store.Get(ctx, "ranged.bin", &ByteRange{Offset: 4, Length: 6})
	if err != nil {
		t.Fatalf("Get (ranged) failed: %v", err)
	}
	defer reader.Close()

	if size != 6 {
		t.Errorf("ranged size = %d, want 6", size)
	}

	data, _ := io.ReadAll(reader)
	if string(data) != "456789" {
		t.Errorf("ranged data = %q, want %q", string(data), "456789")
	}
}

func TestLocalGetRangeInvalid(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "short"
	if _, _, err := store.Put(ctx, "small.txt", strings.NewReader(content), int64(len(content)), PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cases := []ByteRange{
		{Offset: -1, Length: 2},
		{Offset: 0, Length: 0},
		{Offset: 3, Length: 10},
	}
	for _, rng := range cases {
		_, _, err := store.Get(ctx, "small.txt", &rng)
		var rangeErr *fverr.RangeError
		if !errors.As(err, &rangeErr) {
			t.Errorf("Get(offset=%d, length=%d) error = %v, want RangeError", rng.Offset, rng.Length, err)
		}
	}
}

func TestLocalGetNotFound(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	_, _, err := store.Get(ctx, "nonexistent.txt", nil)
	var notFound *fverr.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Get error = %v, want NotFoundError", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "delete me"
	if _, _, err := store.Put(ctx, "delete.txt", strings.NewReader(content), int64(len(content)), PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, "delete.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err := store.Exists(ctx, "delete.txt")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Object should not exist after deletion")
	}

	// Delete again: should not error.
	if err := store.Delete(ctx, "delete.txt"); err != nil {
		t.Errorf("Delete (non-existent) should not error, got: %v", err)
	}
}

func TestLocalDeleteCleansEmptyDirs(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	content := "nested delete"
	if _, _, err := store.Put(ctx, "a/b/c/file.txt", strings.NewReader(content), int64(len(content)), PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, "a/b/c/file.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Empty parent directories a/b/c, a/b, a should be cleaned up.
	aDir := filepath.Join(store.RootDir, "objects", "a")
	if _, err := os.Stat(aDir); !os.IsNotExist(err) {
		t.Errorf("Expected empty parent dir %q to be removed", aDir)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	store := newTestLocalStore(t)

	tmpDir := filepath.Join(store.RootDir, ".tmp")
	for _, name := range []string{"tmp-abc123", "tmp-def456"} {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte("orphan"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	if err := store.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}

	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Errorf("Expected 0 temp files after cleanup, got %d", len(entries))
	}
}

func TestLocalMultipartAssembly(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "big.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}
	if uploadID == "" {
		t.Fatal("InitMultipart: empty upload ID")
	}

	chunks := []string{"first-part-", "second-part-", "third-part"}
	var parts []CompletedPart
	for i, chunk := range chunks {
		etag, err := store.PutPart(ctx, "big.bin", uploadID, i+1, strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("PutPart %d failed: %v", i+1, err)
		}
		parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: etag, Size: int64(len(chunk))})
	}

	result, err := store.CompleteMultipart(ctx, "big.bin", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}

	want := strings.Join(chunks, "")
	if result.Size != int64(len(want)) {
		t.Errorf("result.Size = %d, want %d", result.Size, len(want))
	}
	if !strings.HasSuffix(result.ETag, "-3") {
		t.Errorf("composite ETag %q should end with part count suffix -3", result.ETag)
	}

	reader, _, err := store.Get(ctx, "big.bin", nil)
	if err != nil {
		t.Fatalf("Get (assembled) failed: %v", err)
	}
	defer reader.Close()

	data, _ := io.ReadAll(reader)
	if string(data) != want {
		t.Errorf("assembled data = %q, want %q", string(data), want)
	}

	// Staging directory should be gone.
	if _, err := os.Stat(store.partDir(uploadID)); !os.IsNotExist(err) {
		t.Error("part directory should be removed after completion")
	}
}

func TestLocalCompleteMultipartETagMismatch(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "corrupt.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	if _, err := store.PutPart(ctx, "corrupt.bin", uploadID, 1, strings.NewReader("part data"), 9); err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}

	_, err = store.CompleteMultipart(ctx, "corrupt.bin", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: "deadbeefdeadbeefdeadbeefdeadbeef", Size: 9},
	})
	var integrityErr *fverr.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Errorf("CompleteMultipart error = %v, want IntegrityError", err)
	}
}

func TestLocalCompleteMultipartMissingPart(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "gap.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	etag, err := store.PutPart(ctx, "gap.bin", uploadID, 1, strings.NewReader("only part"), 9)
	if err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}

	_, err = store.CompleteMultipart(ctx, "gap.bin", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag, Size: 9},
		{PartNumber: 2, ETag: "", Size: 9},
	})
	var integrityErr *fverr.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Errorf("CompleteMultipart error = %v, want IntegrityError", err)
	}
}

func TestLocalAbortMultipart(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "aborted.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	if _, err := store.PutPart(ctx, "aborted.bin", uploadID, 1, strings.NewReader("staged"), 6); err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}

	if err := store.AbortMultipart(ctx, "aborted.bin", uploadID); err != nil {
		t.Fatalf("AbortMultipart failed: %v", err)
	}

	if _, err := os.Stat(store.partDir(uploadID)); !os.IsNotExist(err) {
		t.Error("part directory should be removed after abort")
	}

	// Aborting again is not an error.
	if err := store.AbortMultipart(ctx, "aborted.bin", uploadID); err != nil {
		t.Errorf("AbortMultipart (repeat) should not error, got: %v", err)
	}

	// Final object was never created.
	exists, err := store.Exists(ctx, "aborted.bin")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("object should not exist after abort")
	}
}
