package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	fverr "github.com/filevault/filevault/internal/errors"
)

// memObject holds the raw data and precomputed ETag for an in-memory object.
type memObject struct {
	Data []byte
	ETag string
}

// memPart holds the raw data and precomputed ETag for a single staged part.
type memPart struct {
	Data []byte
	ETag string
}

// MemoryStore implements the ObjectStore interface using in-memory maps.
// It is intended for tests and ephemeral deployments. Fault hooks allow
// tests to inject backend failures at specific points.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]map[int]memPart
	aborted map[string]bool

	// putFault, when set, is consulted before every Put.
	putFault func(key string) error
	// partFault, when set, is consulted before every PutPart.
	partFault func(partNumber int) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]map[int]memPart),
		aborted: make(map[string]bool),
	}
}

// FailPuts installs a fault hook consulted before every Put. A nil hook
// clears it.
func (s *MemoryStore) FailPuts(hook func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFault = hook
}

// FailParts installs a fault hook consulted before every PutPart. A nil
// hook clears it.
func (s *MemoryStore) FailParts(hook func(partNumber int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partFault = hook
}

// Aborted reports whether AbortMultipart was called for the given upload.
func (s *MemoryStore) Aborted(uploadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted[uploadID]
}

// ObjectCount returns the number of stored objects.
func (s *MemoryStore) ObjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (int64, string, error) {
	s.mu.Lock()
	fault := s.putFault
	s.mu.Unlock()
	if fault != nil {
		if err := fault(key); err != nil {
			return 0, "", fverr.Transient("memory.put", err)
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fverr.Transient("memory.put", err)
	}

	h := md5.New()
	h.Write(data)
	etag := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	s.objects[key] = memObject{Data: data, ETag: etag}
	s.mu.Unlock()

	return int64(len(data)), etag, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	s.mu.RLock()
	obj, exists := s.objects[key]
	s.mu.RUnlock()

	if !exists {
		return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
	}

	if rng == nil {
		return io.NopCloser(bytes.NewReader(obj.Data)), int64(len(obj.Data)), nil
	}

	size := int64(len(obj.Data))
	if rng.Offset < 0 || rng.Length <= 0 || rng.Offset+rng.Length > size {
		return nil, 0, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length, Size: size}
	}

	window := obj.Data[rng.Offset : rng.Offset+rng.Length]
	return io.NopCloser(bytes.NewReader(window)), rng.Length, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.objects[key]
	return exists, nil
}

func (s *MemoryStore) InitMultipart(ctx context.Context, key string, headers PutHeaders) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	uploadID := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadID] = make(map[int]memPart)
	return uploadID, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	s.mu.Lock()
	fault := s.partFault
	s.mu.Unlock()
	if fault != nil {
		if err := fault(partNumber); err != nil {
			return "", fverr.Transient("memory.put_part", err)
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fverr.Transient("memory.put_part", err)
	}

	h := md5.New()
	h.Write(data)
	etag := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()
	parts, exists := s.uploads[uploadID]
	if !exists {
		return "", &fverr.NotFoundError{Resource: "upload", ID: uploadID}
	}
	parts[partNumber] = memPart{Data: data, ETag: etag}
	return etag, nil
}

func (s *MemoryStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, exists := s.uploads[uploadID]
	if !exists {
		return nil, &fverr.NotFoundError{Resource: "upload", ID: uploadID}
	}

	var assembled []byte
	compositeMD5 := md5.New()
	for _, p := range parts {
		part, ok := staged[p.PartNumber]
		if !ok {
			return nil, &fverr.IntegrityError{Reason: fmt.Sprintf("part %d missing from staging area", p.PartNumber)}
		}
		if p.ETag != "" && p.ETag != part.ETag {
			return nil, &fverr.IntegrityError{Reason: fmt.Sprintf("part %d etag mismatch: have %s, recorded %s", p.PartNumber, part.ETag, p.ETag)}
		}
		assembled = append(assembled, part.Data...)
		raw, err := hex.DecodeString(part.ETag)
		if err != nil {
			raw = []byte(part.ETag)
		}
		compositeMD5.Write(raw)
	}

	etag := fmt.Sprintf("%x-%d", compositeMD5.Sum(nil), len(parts))
	s.objects[key] = memObject{Data: assembled, ETag: etag}
	delete(s.uploads, uploadID)

	return &CompleteResult{
		Size: int64(len(assembled)),
		ETag: etag,
	}, nil
}

func (s *MemoryStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	s.aborted[uploadID] = true
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Ensure MemoryStore implements ObjectStore at compile time.
var _ ObjectStore = (*MemoryStore)(nil)
