package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"

	fverr "github.com/filevault/filevault/internal/errors"
)

func TestMemoryPutAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	content := "in-memory object"
	bytesWritten, etag, err := store.Put(ctx, "mem.txt", strings.NewReader(content), int64(len(content)), PutHeaders{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if bytesWritten != int64(len(content)) {
		t.Errorf("bytesWritten = %d, want %d", bytesWritten, len(content))
	}
	if etag == "" {
		t.Error("ETag should not be empty")
	}

	reader, size, err := store.Get(ctx, "mem.txt", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()

	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	data, _ := io.ReadAll(reader)
	if string(data) != content {
		t.Errorf("data = %q, want %q", string(data), content)
	}
}

func TestMemoryGetRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	content := "0123456789"
	if _, _, err := store.Put(ctx, "ranged.bin", strings.NewReader(content), 10, PutHeaders{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reader, size, err := store.Get(ctx, "ranged.bin", &ByteRange{Offset: 2, Length: 5})
	if err != nil {
		t.Fatalf("Get (ranged) failed: %v", err)
	}
	defer reader.Close()

	if size != 5 {
		t.Errorf("ranged size = %d, want 5", size)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "23456" {
		t.Errorf("ranged data = %q, want %q", string(data), "23456")
	}

	// Out of bounds window.
	_, _, err = store.Get(ctx, "ranged.bin", &ByteRange{Offset: 8, Length: 5})
	var rangeErr *fverr.RangeError
	if !stderrors.As(err, &rangeErr) {
		t.Errorf("Get error = %v, want RangeError", err)
	}
}

func TestMemoryMultipart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	uploadID, err := store.InitMultipart(ctx, "big.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	chunks := []string{"aaa", "bbb", "ccc"}
	var parts []CompletedPart
	for i, chunk := range chunks {
		etag, err := store.PutPart(ctx, "big.bin", uploadID, i+1, strings.NewReader(chunk), 3)
		if err != nil {
			t.Fatalf("PutPart %d failed: %v", i+1, err)
		}
		parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: etag, Size: 3})
	}

	result, err := store.CompleteMultipart(ctx, "big.bin", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}
	if result.Size != 9 {
		t.Errorf("result.Size = %d, want 9", result.Size)
	}
	if !strings.HasSuffix(result.ETag, "-3") {
		t.Errorf("composite ETag %q should end with -3", result.ETag)
	}

	reader, _, err := store.Get(ctx, "big.bin", nil)
	if err != nil {
		t.Fatalf("Get (assembled) failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "aaabbbccc" {
		t.Errorf("assembled data = %q, want %q", string(data), "aaabbbccc")
	}
}

func TestMemoryCompleteMultipartETagMismatch(t *testing.T) {
	store := NewMemoryStore()
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
	if !stderrors.As(err, &integrityErr) {
		t.Errorf("CompleteMultipart error = %v, want IntegrityError", err)
	}
}

func TestMemoryAbortMultipart(t *testing.T) {
	store := NewMemoryStore()
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
	if !store.Aborted(uploadID) {
		t.Error("Aborted should report true after AbortMultipart")
	}

	// Parts are gone; further part uploads fail.
	_, err = store.PutPart(ctx, "aborted.bin", uploadID, 2, strings.NewReader("late"), 4)
	var notFound *fverr.NotFoundError
	if !stderrors.As(err, &notFound) {
		t.Errorf("PutPart after abort error = %v, want NotFoundError", err)
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.FailPuts(func(key string) error {
		return fmt.Errorf("injected put failure for %s", key)
	})
	_, _, err := store.Put(ctx, "doomed.txt", strings.NewReader("data"), 4, PutHeaders{})
	if !fverr.IsTransient(err) {
		t.Errorf("Put error = %v, want TransientError", err)
	}
	store.FailPuts(nil)

	uploadID, err := store.InitMultipart(ctx, "flaky.bin", PutHeaders{})
	if err != nil {
		t.Fatalf("InitMultipart failed: %v", err)
	}

	// Fail parts 3 and above.
	store.FailParts(func(partNumber int) error {
		if partNumber >= 3 {
			return fmt.Errorf("injected part failure for part %d", partNumber)
		}
		return nil
	})

	for n := 1; n <= 2; n++ {
		if _, err := store.PutPart(ctx, "flaky.bin", uploadID, n, strings.NewReader("ok"), 2); err != nil {
			t.Fatalf("PutPart %d failed: %v", n, err)
		}
	}
	_, err = store.PutPart(ctx, "flaky.bin", uploadID, 3, strings.NewReader("no"), 2)
	if !fverr.IsTransient(err) {
		t.Errorf("PutPart 3 error = %v, want TransientError", err)
	}
}
