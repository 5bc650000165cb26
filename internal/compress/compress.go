// Package compress wraps the upload/download service with transparent
// gzip compression. Compressible content below a size cap is stored
// gzip-encoded and inflated again on download; everything else passes
// through untouched. Compression is strictly an optimization: any
// failure while compressing falls back to storing the original bytes.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/filevault/filevault/internal/engine"
	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/metadata"
)

const encodingGzip = "gzip"

// DefaultMaxSizeBytes caps how much data is buffered for compression.
// Larger uploads stream straight through to the inner service.
const DefaultMaxSizeBytes int64 = 32 * 1024 * 1024

// compressibleTypes lists non-text content types that still deflate well.
var compressibleTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"application/x-ndjson":   true,
	"application/yaml":       true,
	"image/svg+xml":          true,
}

// Config carries the decorator's tunables.
type Config struct {
	// MaxSizeBytes is the largest upload considered for compression.
	// Zero selects DefaultMaxSizeBytes.
	MaxSizeBytes int64
	// Level is the gzip compression level. Zero selects the library
	// default.
	Level int
}

// Service decorates an engine.Service with gzip handling. Only Upload
// and Download change behavior; everything else is forwarded as-is.
type Service struct {
	engine.Service
	meta metadata.Store
	cfg  Config
}

var _ engine.Service = (*Service)(nil)

// New wraps inner with gzip compression. The metadata store is consulted
// on ranged downloads to learn the stored encoding before fetching.
func New(inner engine.Service, meta metadata.Store, cfg Config) *Service {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	return &Service{Service: inner, meta: meta, cfg: cfg}
}

// Upload compresses eligible request bodies before handing off. An
// upload is eligible when its size is known and within the cap, its
// content type is known to deflate, and the body is not already encoded.
// Incompressible payloads (compressed output no smaller than the input)
// are stored as-is.
func (s *Service) Upload(ctx context.Context, req engine.UploadRequest) (*engine.UploadResult, error) {
	if req.ContentEncoding != "" || req.Size < 0 || req.Size > s.cfg.MaxSizeBytes || !Compressible(req.ContentType) {
		return s.Service.Upload(ctx, req)
	}

	original, err := readExact(req.Body, req.Size)
	if err != nil {
		return nil, fverr.Transient("compress.read_body", err)
	}

	compressed, err := s.deflate(original)
	if err == nil && int64(len(compressed)) < req.Size {
		req.Body = bytes.NewReader(compressed)
		req.Size = int64(len(compressed))
		req.ContentEncoding = encodingGzip
		return s.Service.Upload(ctx, req)
	}

	// Compression failed or gained nothing; store the original bytes.
	req.Body = bytes.NewReader(original)
	return s.Service.Upload(ctx, req)
}

// Download inflates gzip-encoded files transparently. For plain files the
// inner service handles the request, ranges included. For encoded files
// the full stored stream is fetched, inflated, and the requested window
// sliced out of the inflated bytes; Size reports the window length where
// it is known and engine.SizeUnknown for full reads of encoded files.
func (s *Service) Download(ctx context.Context, userID, fileID string, rng *engine.ByteRange) (*engine.DownloadResult, error) {
	if rng != nil {
		// The stored encoding decides whether the range addresses raw or
		// inflated bytes. Access control stays with the inner service; a
		// missing file falls through and is masked there.
		file, err := s.meta.GetFile(ctx, fileID)
		if err != nil {
			return nil, fverr.Transient("compress.get_file", err)
		}
		if file != nil && file.ContentEncoding == encodingGzip {
			return s.downloadRangeInflated(ctx, userID, fileID, rng)
		}
		return s.Service.Download(ctx, userID, fileID, rng)
	}

	res, err := s.Service.Download(ctx, userID, fileID, nil)
	if err != nil {
		return nil, err
	}
	if res.ContentEncoding != encodingGzip {
		return res, nil
	}

	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		res.Body.Close()
		return nil, fverr.Transient("compress.inflate", err)
	}
	res.Body = &inflateReadCloser{reader: zr, underlying: res.Body}
	res.ContentEncoding = ""
	res.Size = engine.SizeUnknown
	return res, nil
}

// downloadRangeInflated serves a byte range of a gzip-encoded file by
// inflating the whole stored stream and discarding up to the window.
func (s *Service) downloadRangeInflated(ctx context.Context, userID, fileID string, rng *engine.ByteRange) (*engine.DownloadResult, error) {
	if rng.Offset < 0 || rng.Length <= 0 {
		return nil, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length}
	}

	res, err := s.Service.Download(ctx, userID, fileID, nil)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		res.Body.Close()
		return nil, fverr.Transient("compress.inflate", err)
	}

	if _, err := io.CopyN(io.Discard, zr, rng.Offset); err != nil {
		res.Body.Close()
		if err == io.EOF {
			return nil, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length, Size: rng.Offset}
		}
		return nil, fverr.Transient("compress.inflate", err)
	}

	window := make([]byte, rng.Length)
	n, err := io.ReadFull(zr, window)
	res.Body.Close()
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fverr.Transient("compress.inflate", err)
	}
	if n == 0 {
		return nil, &fverr.RangeError{Offset: rng.Offset, Length: rng.Length, Size: rng.Offset}
	}

	res.Body = io.NopCloser(bytes.NewReader(window[:n]))
	res.ContentEncoding = ""
	res.Size = int64(n)
	return res, nil
}

func (s *Service) deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.cfg.Level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compressible reports whether content of the given type is worth
// deflating. Parameters after a semicolon are ignored.
func Compressible(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	return compressibleTypes[contentType]
}

// readExact reads exactly size bytes and verifies the source ends there.
func readExact(r io.Reader, size int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading %d declared bytes: %w", size, err)
	}
	var probe [1]byte
	if n, _ := r.Read(probe[:]); n != 0 {
		return nil, fmt.Errorf("body longer than declared size %d", size)
	}
	return data, nil
}

// inflateReadCloser closes both the gzip reader and the stored stream.
type inflateReadCloser struct {
	reader     *gzip.Reader
	underlying io.ReadCloser
}

func (r *inflateReadCloser) Read(p []byte) (int, error) { return r.reader.Read(p) }

func (r *inflateReadCloser) Close() error {
	err := r.reader.Close()
	if cerr := r.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}
