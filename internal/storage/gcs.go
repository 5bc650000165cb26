// Package storage provides the Google Cloud Storage backend for FileVault.
//
// The GCS backend proxies all data operations to an upstream GCS bucket via
// the official Go Cloud Storage client library. GCS has no native multipart
// upload API, so parts are staged as temporary objects and assembled with
// Compose at completion:
//
//	Objects:  {prefix}{key}
//	Parts:    {prefix}{key}.parts/{upload_id}/{part_number}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	fverr "github.com/filevault/filevault/internal/errors"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// NewRangeReader returns a reader for a byte window of the given object.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes multiple GCS source objects into a single destination object.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte // raw MD5 hash bytes
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size: attrs.Size,
		MD5:  attrs.MD5,
	}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size: attrs.Size,
		MD5:  attrs.MD5,
	}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if stderrors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSStore implements the ObjectStore interface against an upstream Google
// Cloud Storage bucket.
type GCSStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	// client is the GCS client (satisfying the GCSAPI interface).
	client GCSAPI
}

// NewGCSStore creates a new GCSStore configured against the specified GCS
// bucket. It initializes the GCS client using Application Default
// Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &GCSStore{
		Bucket: bucket,
		Prefix: prefix,
		client: &realGCSClient{client: client},
	}

	// Verify the upstream bucket is accessible by listing with a prefix
	// that cannot match anything.
	_, err = s.client.ListObjects(ctx, bucket, "\x00nonexistent\x00")
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS backend initialized", "bucket", bucket, "prefix", prefix)
	return s, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured GCS client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, prefix string, client GCSAPI) *GCSStore {
	return &GCSStore{
		Bucket: bucket,
		Prefix: prefix,
		client: client,
	}
}

// gcsKey maps a FileVault storage key to an upstream GCS object name.
func (s *GCSStore) gcsKey(key string) string {
	return s.Prefix + key
}

// partObject maps a multipart part to an upstream GCS object name.
func (s *GCSStore) partObject(key, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s%s.parts/%s/%05d", s.Prefix, key, uploadID, partNumber)
}

// partPrefix is the object name prefix under which all parts of an upload
// are staged.
func (s *GCSStore) partPrefix(key, uploadID string) string {
	return fmt.Sprintf("%s%s.parts/%s/", s.Prefix, key, uploadID)
}

// Put uploads object data to the upstream GCS bucket. It reads all data,
// computes MD5 locally for a consistent ETag, then uploads to GCS.
func (s *GCSStore) Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (int64, string, error) {
	gcsName := s.gcsKey(key)

	// Read all data to compute MD5 locally. GCS returns no MD5 for
	// composite objects, so we compute our own everywhere.
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fverr.Transient("gcs.put", fmt.Errorf("reading object data: %w", err))
	}

	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf("%x", h.Sum(nil))

	w := s.client.NewWriter(ctx, s.Bucket, gcsName)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return 0, "", fverr.Transient("gcs.put", err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fverr.Transient("gcs.put", err)
	}

	return int64(len(data)), etag, nil
}

// Get retrieves object data from the upstream GCS bucket. A non-nil rng
// uses a range reader so only the window is transferred.
func (s *GCSStore) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	gcsName := s.gcsKey(key)

	if rng != nil {
		reader, err := s.client.NewRangeReader(ctx, s.Bucket, gcsName, rng.Offset, rng.Length)
		if err != nil {
			if isGCSNotFound(err) {
				return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
			}
			return nil, 0, fverr.Transient("gcs.get", err)
		}
		return reader, rng.Length, nil
	}

	attrs, err := s.client.Attrs(ctx, s.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("gcs.attrs", err)
	}

	reader, err := s.client.NewReader(ctx, s.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("gcs.get", err)
	}

	return reader, attrs.Size, nil
}

// Delete removes an object from the upstream GCS bucket. Idempotent:
// catches 404 silently (GCS errors on delete of non-existent objects
// unlike S3).
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	gcsName := s.gcsKey(key)

	err := s.client.Delete(ctx, s.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil
		}
		return fverr.Transient("gcs.delete", err)
	}
	return nil
}

// Exists checks whether an object exists in the upstream GCS bucket.
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	gcsName := s.gcsKey(key)

	_, err := s.client.Attrs(ctx, s.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fverr.Transient("gcs.attrs", err)
	}
	return true, nil
}

// InitMultipart starts a multipart upload. GCS has no server-side session,
// so the upload ID is generated locally; parts staged under it are the only
// backend state.
func (s *GCSStore) InitMultipart(ctx context.Context, key string, headers PutHeaders) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// PutPart stages a multipart upload part as a temporary GCS object.
// Computes MD5 locally for a consistent ETag.
func (s *GCSStore) PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	pk := s.partObject(key, uploadID, partNumber)

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fverr.Transient("gcs.put_part", fmt.Errorf("reading part data: %w", err))
	}

	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf("%x", h.Sum(nil))

	w := s.client.NewWriter(ctx, s.Bucket, pk)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fverr.Transient("gcs.put_part", err)
	}
	if err := w.Close(); err != nil {
		return "", fverr.Transient("gcs.put_part", err)
	}

	return etag, nil
}

// CompleteMultipart composes the staged parts into the final object using
// GCS Compose, chaining in batches of 32 when there are more sources than
// a single Compose call allows, then deletes the staged parts.
func (s *GCSStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	finalName := s.gcsKey(key)
	sourceNames := make([]string, len(parts))
	for i, p := range parts {
		sourceNames[i] = s.partObject(key, uploadID, p.PartNumber)
	}

	if len(sourceNames) <= maxComposeSources {
		if _, err := s.client.Compose(ctx, s.Bucket, finalName, sourceNames); err != nil {
			return nil, fverr.Transient("gcs.compose", err)
		}
	} else {
		intermediates, err := s.chainCompose(ctx, sourceNames, finalName)
		if err != nil {
			return nil, fverr.Transient("gcs.compose", err)
		}
		for _, name := range intermediates {
			if delErr := s.client.Delete(ctx, s.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
				slog.Warn("Failed to clean up intermediate composite", "object", name, "error", delErr)
			}
		}
	}

	attrs, err := s.client.Attrs(ctx, s.Bucket, finalName)
	if err != nil {
		return nil, fverr.Transient("gcs.attrs", err)
	}

	if err := s.deleteParts(ctx, key, uploadID); err != nil {
		slog.Warn("Failed to clean up staged parts", "key", key, "upload_id", uploadID, "error", err)
	}

	// Composite objects carry no MD5; derive the ETag from the part ETags
	// the way S3 builds composite ETags.
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
		Size: attrs.Size,
		ETag: etag,
	}, nil
}

// chainCompose chains GCS compose calls for >32 sources.
// Returns a list of intermediate object names that should be cleaned up.
func (s *GCSStore) chainCompose(ctx context.Context, sourceNames []string, finalName string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(currentSources) {
				end = len(currentSources)
			}
			batch := currentSources[i:end]
			if len(batch) == 1 {
				// Single source: no compose needed, just pass through.
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := s.client.Compose(ctx, s.Bucket, intermediateName, batch); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if _, err := s.client.Compose(ctx, s.Bucket, finalName, currentSources); err != nil {
		return allIntermediates, fmt.Errorf("final compose: %w", err)
	}
	return allIntermediates, nil
}

// AbortMultipart removes all staged part objects for an upload. Aborting
// an unknown upload is not an error.
func (s *GCSStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := s.deleteParts(ctx, key, uploadID); err != nil {
		return fverr.Transient("gcs.abort_multipart", err)
	}
	return nil
}

// deleteParts removes every staged part object under the upload's prefix.
func (s *GCSStore) deleteParts(ctx context.Context, key, uploadID string) error {
	prefix := s.partPrefix(key, uploadID)

	names, err := s.client.ListObjects(ctx, s.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing parts for upload %s: %w", uploadID, err)
	}

	for _, name := range names {
		if delErr := s.client.Delete(ctx, s.Bucket, name); delErr != nil {
			if !isGCSNotFound(delErr) {
				return fmt.Errorf("deleting part %s: %w", name, delErr)
			}
		}
	}
	return nil
}

// HealthCheck verifies that the upstream GCS bucket is accessible.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.ListObjects(ctx, s.Bucket, "\x00nonexistent\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if stderrors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if stderrors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	// Check error message as fallback.
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCSStore implements ObjectStore at compile time.
var _ ObjectStore = (*GCSStore)(nil)
