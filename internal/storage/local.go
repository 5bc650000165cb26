package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/uid"
)

// LocalStore implements the ObjectStore interface using the local
// filesystem. Objects are stored as files within a configurable root
// directory, keyed by storage key path.
type LocalStore struct {
	// RootDir is the base directory under which all object data is stored.
	RootDir string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	// Create the .tmp directory for atomic writes.
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery. Any temp files left behind indicate
// incomplete writes from a previous crash.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the full filesystem path for a storage key.
func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.RootDir, "objects", key)
}

// partDir returns the directory holding staged parts for an upload.
func (s *LocalStore) partDir(uploadID string) string {
	return filepath.Join(s.RootDir, ".multipart", uploadID)
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (s *LocalStore) tempPath() string {
	return filepath.Join(s.RootDir, ".tmp", "tmp-"+uid.NewOpID())
}

// Put writes object data to a file using the crash-only atomic write
// pattern: write to a temp file, fsync, rename. Returns the number of
// bytes written and the ETag (MD5 hex digest).
func (s *LocalStore) Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (int64, string, error) {
	objPath := s.objectPath(key)

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return 0, "", fverr.Transient("local.put", fmt.Errorf("creating parent directories for %q: %w", key, err))
	}

	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fverr.Transient("local.put", fmt.Errorf("creating temp file: %w", err))
	}

	// Hash while writing via TeeReader.
	h := md5.New()
	tee := io.TeeReader(reader, h)

	bytesWritten, err := io.Copy(tmpFile, tee)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, "", fverr.Transient("local.put", fmt.Errorf("writing object data: %w", err))
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, "", fverr.Transient("local.put", fmt.Errorf("syncing temp file: %w", err))
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fverr.Transient("local.put", fmt.Errorf("closing temp file: %w", err))
	}

	// Atomic rename: temp -> final path.
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return 0, "", fverr.Transient("local.put", fmt.Errorf("renaming temp file to final path: %w", err))
	}

	etag := hex.EncodeToString(h.Sum(nil))
	return bytesWritten, etag, nil
}

// rangeReadCloser limits reads to a byte window while owning the file handle.
type rangeReadCloser struct {
	io.Reader
	file *os.File
}

func (r *rangeReadCloser) Close() error {
	return r.file.Close()
}

// Get opens the object file for reading. A non-nil rng seeks to the window
// offset and limits the stream to the window length. The caller is
// responsible for closing the returned ReadCloser.
func (s *LocalStore) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	objPath := s.objectPath(key)

	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("local.get", fmt.Errorf("opening object file %q: %w", key, err))
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fverr.Transient("local.get", fmt.Errorf("stat object file %q: %w", key, err))
	}

	if rng == nil {
		return file, info.Size(), nil
	}

	if rng.Offset < 0 || rng.Length <= 0 || rng.Offset+rng.Length > info.Size() {
		file.Close()
		return nil, 0, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length, Size: info.Size()}
	}

	if _, err := file.Seek(rng.Offset, io.SeekStart); err != nil {
		file.Close()
		return nil, 0, fverr.Transient("local.get", fmt.Errorf("seeking object file %q: %w", key, err))
	}

	return &rangeReadCloser{
		Reader: io.LimitReader(file, rng.Length),
		file:   file,
	}, rng.Length, nil
}

// Delete removes the object file from the local filesystem.
// Idempotent: deleting a non-existent file is not an error.
// Also cleans up empty parent directories up to the objects root.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	objPath := s.objectPath(key)

	err := os.Remove(objPath)
	if err != nil && !os.IsNotExist(err) {
		return fverr.Transient("local.delete", fmt.Errorf("removing object file %q: %w", key, err))
	}

	// Clean up empty parent directories up to the objects root.
	objectsRoot := filepath.Join(s.RootDir, "objects")
	dir := filepath.Dir(objPath)
	for dir != objectsRoot && dir != s.RootDir {
		if err := os.Remove(dir); err != nil {
			// Directory not empty or other error: stop climbing.
			break
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

// Exists checks whether an object exists on the local filesystem.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(s.objectPath(key))
	if err == nil {
		// Make sure it's a file, not a directory.
		if info.IsDir() {
			return false, nil
		}
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fverr.Transient("local.exists", fmt.Errorf("checking object existence %q: %w", key, err))
}

// InitMultipart creates the staging directory for a new multipart upload
// and returns the generated upload ID.
func (s *LocalStore) InitMultipart(ctx context.Context, key string, headers PutHeaders) (string, error) {
	uploadID := uid.NewOpID()
	if err := os.MkdirAll(s.partDir(uploadID), 0o755); err != nil {
		return "", fverr.Transient("local.init_multipart", fmt.Errorf("creating part directory: %w", err))
	}
	return uploadID, nil
}

// PutPart writes a single multipart upload part using the atomic write
// pattern. Returns the part's MD5 hex digest.
func (s *LocalStore) PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	partDir := s.partDir(uploadID)
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return "", fverr.Transient("local.put_part", fmt.Errorf("creating part directory: %w", err))
	}

	partPath := filepath.Join(partDir, fmt.Sprintf("%05d", partNumber))

	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fverr.Transient("local.put_part", fmt.Errorf("creating temp file for part: %w", err))
	}

	h := md5.New()
	tee := io.TeeReader(reader, h)

	if _, err := io.Copy(tmpFile, tee); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fverr.Transient("local.put_part", fmt.Errorf("writing part data: %w", err))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fverr.Transient("local.put_part", fmt.Errorf("syncing part file: %w", err))
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fverr.Transient("local.put_part", fmt.Errorf("closing part temp file: %w", err))
	}

	if err := os.Rename(tmpPath, partPath); err != nil {
		os.Remove(tmpPath)
		return "", fverr.Transient("local.put_part", fmt.Errorf("renaming part temp file: %w", err))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompleteMultipart concatenates the staged parts, in part-number order,
// into the final object file using the atomic write pattern, then removes
// the staging directory. Returns the final size and composite ETag.
func (s *LocalStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	objPath := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("creating parent directories: %w", err))
	}

	partDir := s.partDir(uploadID)
	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("creating temp file for assembly: %w", err))
	}

	// Concatenate parts and compute the composite ETag from the individual
	// part MD5s, verifying each part against its recorded ETag.
	compositeMD5 := md5.New()
	var totalSize int64
	for _, p := range parts {
		partPath := filepath.Join(partDir, fmt.Sprintf("%05d", p.PartNumber))
		partFile, err := os.Open(partPath)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			if os.IsNotExist(err) {
				return nil, &fverr.IntegrityError{Reason: fmt.Sprintf("part %d missing from staging area", p.PartNumber)}
			}
			return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("opening part %d: %w", p.PartNumber, err))
		}

		partHash := md5.New()
		tee := io.TeeReader(partFile, partHash)
		n, err := io.Copy(tmpFile, tee)
		partFile.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("copying part %d: %w", p.PartNumber, err))
		}

		partETag := hex.EncodeToString(partHash.Sum(nil))
		if p.ETag != "" && p.ETag != partETag {
			tmpFile.Close()
			os.Remove(tmpPath)
			return nil, &fverr.IntegrityError{Reason: fmt.Sprintf("part %d etag mismatch: have %s, recorded %s", p.PartNumber, partETag, p.ETag)}
		}

		totalSize += n
		compositeMD5.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("syncing assembled file: %w", err))
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("closing assembled temp file: %w", err))
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return nil, fverr.Transient("local.complete_multipart", fmt.Errorf("renaming assembled file: %w", err))
	}

	// Composite ETag format: md5-of-concatenated-part-md5s with part count.
	etag := fmt.Sprintf("%x-%d", compositeMD5.Sum(nil), len(parts))

	// Clean up part files.
	os.RemoveAll(partDir)

	return &CompleteResult{
		Size: totalSize,
		ETag: etag,
	}, nil
}

// AbortMultipart removes all staged part files for the given upload.
// Aborting an unknown upload is not an error.
func (s *LocalStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	partDir := s.partDir(uploadID)
	err := os.RemoveAll(partDir)
	if err != nil && !os.IsNotExist(err) {
		return fverr.Transient("local.abort_multipart", fmt.Errorf("removing part directory %q: %w", partDir, err))
	}

	// Best-effort cleanup: remove .multipart dir if empty.
	os.Remove(filepath.Join(s.RootDir, ".multipart")) // Fails silently if not empty.

	return nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}

// Ensure LocalStore implements ObjectStore at compile time.
var _ ObjectStore = (*LocalStore)(nil)
