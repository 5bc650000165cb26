package compress

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/access"
	"github.com/filevault/filevault/internal/audit"
	"github.com/filevault/filevault/internal/engine"
	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/storage"
)

func newTestService(t *testing.T, cfg Config) (*Service, *metadata.MemoryStore) {
	t.Helper()

	meta := metadata.NewMemoryStore()
	t.Cleanup(func() { meta.Close() })

	tier := &metadata.TierRecord{Name: "test"}
	if err := meta.PutTier(context.Background(), tier); err != nil {
		t.Fatalf("PutTier failed: %v", err)
	}

	recorder := audit.NewRecorder(meta)
	inner := engine.New(
		meta,
		storage.NewMemoryStore(),
		access.NewGuard(meta, recorder),
		quota.NewLedger(meta, tier.Name),
		recorder,
		engine.Config{
			SingleThresholdBytes: 1 << 20,
			PartSizeBytes:        64 * 1024,
			PartConcurrency:      2,
			SessionTTL:           time.Hour,
		},
	)
	return New(inner, meta, cfg), meta
}

func uploadText(t *testing.T, svc *Service, fileID, contentType, content string) *engine.UploadResult {
	t.Helper()
	res, err := svc.Upload(context.Background(), engine.UploadRequest{
		UserID:      "alice",
		FileID:      fileID,
		Name:        fileID + ".txt",
		ContentType: contentType,
		Size:        int64(len(content)),
		Body:        strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	return res
}

func TestCompressible(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/plain", true},
		{"text/html; charset=utf-8", true},
		{"application/json", true},
		{"Application/JSON", true},
		{"image/svg+xml", true},
		{"application/octet-stream", false},
		{"image/png", false},
		{"video/mp4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Compressible(tt.contentType); got != tt.want {
			t.Errorf("Compressible(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestUploadCompressesText(t *testing.T) {
	svc, meta := newTestService(t, Config{})
	ctx := context.Background()

	content := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500)
	uploadText(t, svc, "file-1", "text/plain", content)

	file, err := meta.GetFile(ctx, "file-1")
	if err != nil || file == nil {
		t.Fatalf("GetFile failed: file=%v err=%v", file, err)
	}
	if file.ContentEncoding != "gzip" {
		t.Fatalf("ContentEncoding = %q, want gzip", file.ContentEncoding)
	}
	if file.Size >= int64(len(content)) {
		t.Errorf("stored size %d not smaller than original %d", file.Size, len(content))
	}

	// The stored bytes round-trip transparently.
	res, err := svc.Download(ctx, "alice", "file-1", nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading inflated body: %v", err)
	}
	if string(data) != content {
		t.Error("inflated content does not match the original")
	}
	if res.ContentEncoding != "" {
		t.Errorf("ContentEncoding after inflate = %q, want empty", res.ContentEncoding)
	}
	if res.Size != engine.SizeUnknown {
		t.Errorf("Size = %d, want SizeUnknown for inflated reads", res.Size)
	}
}

func TestUploadIncompressibleTypePassesThrough(t *testing.T) {
	svc, meta := newTestService(t, Config{})
	ctx := context.Background()

	content := strings.Repeat("x", 4096)
	res, err := svc.Upload(ctx, engine.UploadRequest{
		UserID:      "alice",
		FileID:      "file-1",
		Name:        "blob.bin",
		ContentType: "application/octet-stream",
		Size:        int64(len(content)),
		Body:        strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", res.Size, len(content))
	}

	file, _ := meta.GetFile(ctx, "file-1")
	if file.ContentEncoding != "" {
		t.Errorf("ContentEncoding = %q, want empty", file.ContentEncoding)
	}
}

func TestUploadIncompressibleDataStoredPlain(t *testing.T) {
	svc, meta := newTestService(t, Config{})
	ctx := context.Background()

	// Random bytes do not deflate; the original must be stored even
	// though the content type is eligible.
	content := make([]byte, 2048)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	res, err := svc.Upload(ctx, engine.UploadRequest{
		UserID:      "alice",
		FileID:      "file-1",
		Name:        "noise.txt",
		ContentType: "text/plain",
		Size:        int64(len(content)),
		Body:        strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", res.Size, len(content))
	}

	file, _ := meta.GetFile(ctx, "file-1")
	if file.ContentEncoding != "" {
		t.Errorf("ContentEncoding = %q, want empty", file.ContentEncoding)
	}

	dl, err := svc.Download(ctx, "alice", "file-1", nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer dl.Body.Close()
	data, _ := io.ReadAll(dl.Body)
	if string(data) != string(content) {
		t.Error("downloaded content does not match the original")
	}
}

func TestUploadAboveCapPassesThrough(t *testing.T) {
	svc, meta := newTestService(t, Config{MaxSizeBytes: 100})

	content := strings.Repeat("compress me\n", 50)
	uploadText(t, svc, "file-1", "text/plain", content)

	file, _ := meta.GetFile(context.Background(), "file-1")
	if file.ContentEncoding != "" {
		t.Errorf("ContentEncoding = %q, want empty above the size cap", file.ContentEncoding)
	}
	if file.Size != int64(len(content)) {
		t.Errorf("stored size = %d, want %d", file.Size, len(content))
	}
}

func TestUploadUnknownSizePassesThrough(t *testing.T) {
	svc, meta := newTestService(t, Config{})

	_, err := svc.Upload(context.Background(), engine.UploadRequest{
		UserID:      "alice",
		FileID:      "file-1",
		Name:        "stream.txt",
		ContentType: "text/plain",
		Size:        engine.SizeUnknown,
		Body:        strings.NewReader(strings.Repeat("s", 300)),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	file, _ := meta.GetFile(context.Background(), "file-1")
	if file.ContentEncoding != "" {
		t.Errorf("ContentEncoding = %q, want empty for unknown-size uploads", file.ContentEncoding)
	}
}

func TestDownloadRangeOfCompressedFile(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	content := strings.Repeat("0123456789", 200) // 2000 inflated bytes
	uploadText(t, svc, "file-1", "text/plain", content)

	// Ranges address the inflated bytes, not the stored gzip stream.
	res, err := svc.Download(ctx, "alice", "file-1", &engine.ByteRange{Offset: 995, Length: 10})
	if err != nil {
		t.Fatalf("Download (ranged) failed: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if string(data) != "5678901234" {
		t.Errorf("window = %q, want %q", data, "5678901234")
	}
	if res.Size != 10 {
		t.Errorf("Size = %d, want 10", res.Size)
	}

	// A window that starts inside the content but runs past its end is
	// truncated, matching a read of the final bytes.
	res, err = svc.Download(ctx, "alice", "file-1", &engine.ByteRange{Offset: 1995, Length: 50})
	if err != nil {
		t.Fatalf("Download (tail range) failed: %v", err)
	}
	defer res.Body.Close()
	data, _ = io.ReadAll(res.Body)
	if string(data) != "56789" {
		t.Errorf("tail window = %q, want %q", data, "56789")
	}

	// An offset past the end is a range error.
	_, err = svc.Download(ctx, "alice", "file-1", &engine.ByteRange{Offset: 5000, Length: 10})
	var rangeErr *fverr.RangeError
	if !errors.As(err, &rangeErr) {
		t.Errorf("Download past end error = %v, want RangeError", err)
	}
}

func TestDownloadRangeOfPlainFileDelegates(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	content := strings.Repeat("9876543210", 10)
	_, err := svc.Upload(ctx, engine.UploadRequest{
		UserID:      "alice",
		FileID:      "file-1",
		Name:        "plain.bin",
		ContentType: "application/octet-stream",
		Size:        int64(len(content)),
		Body:        strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	res, err := svc.Download(ctx, "alice", "file-1", &engine.ByteRange{Offset: 10, Length: 5})
	if err != nil {
		t.Fatalf("Download (ranged) failed: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if string(data) != "98765" {
		t.Errorf("window = %q, want %q", data, "98765")
	}
}
