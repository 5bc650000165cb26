// Package storage provides the Amazon S3 backend for FileVault.
//
// The S3 backend proxies all data operations to an upstream S3 bucket via
// the AWS SDK for Go v2. Metadata stays in the local store; this backend
// handles raw bytes only. Multipart uploads map directly onto S3's native
// multipart API, so parts never exist as separate objects.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fverr "github.com/filevault/filevault/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Store implements the ObjectStore interface against an upstream Amazon
// S3 bucket (or any S3-compatible endpoint such as R2 or MinIO).
type S3Store struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	// client is the AWS S3 client (satisfying the S3API interface).
	client S3API
}

// NewS3Store creates a new S3Store configured against the specified bucket
// in the given region. It initializes the AWS SDK client using the default
// credential chain, with optional overrides for custom endpoint, path-style
// addressing, and static credentials.
func NewS3Store(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	s := &S3Store{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}

	// Verify the upstream bucket is accessible.
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return s, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured S3 client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, region, prefix string, client S3API) *S3Store {
	return &S3Store{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

// s3Key maps a FileVault storage key to an upstream S3 key.
func (s *S3Store) s3Key(key string) string {
	return s.Prefix + key
}

// Put uploads object data to the upstream S3 bucket. It reads all data,
// computes MD5 locally for a consistent ETag, then uploads to S3.
func (s *S3Store) Put(ctx context.Context, key string, reader io.Reader, size int64, headers PutHeaders) (int64, string, error) {
	s3key := s.s3Key(key)

	// Read all data to compute MD5 locally. AWS may return different ETags
	// when server-side encryption is enabled, so we compute our own.
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fverr.Transient("s3.put", fmt.Errorf("reading object data: %w", err))
	}

	h := md5.New()
	h.Write(data)
	etag := fmt.Sprintf("%x", h.Sum(nil))

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s3key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if headers.ContentType != "" {
		input.ContentType = aws.String(headers.ContentType)
	}
	if headers.ContentEncoding != "" {
		input.ContentEncoding = aws.String(headers.ContentEncoding)
	}

	if _, err = s.client.PutObject(ctx, input); err != nil {
		return 0, "", fverr.Transient("s3.put", err)
	}

	return int64(len(data)), etag, nil
}

// Get retrieves object data from the upstream S3 bucket. A non-nil rng is
// translated to an HTTP Range header so only the window is transferred.
func (s *S3Store) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	s3key := s.s3Key(key)

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s3key),
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1))
	}

	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, &fverr.NotFoundError{Resource: "object", ID: key}
		}
		return nil, 0, fverr.Transient("s3.get", err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}

	return resp.Body, size, nil
}

// Delete removes an object from the upstream S3 bucket.
// Idempotent: S3 DeleteObject does not error on missing keys.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	s3key := s.s3Key(key)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s3key),
	})
	if err != nil {
		return fverr.Transient("s3.delete", err)
	}
	return nil
}

// Exists checks whether an object exists in the upstream S3 bucket.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	s3key := s.s3Key(key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s3key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fverr.Transient("s3.head", err)
	}
	return true, nil
}

// InitMultipart starts a native S3 multipart upload for the given key.
func (s *S3Store) InitMultipart(ctx context.Context, key string, headers PutHeaders) (string, error) {
	s3key := s.s3Key(key)

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s3key),
	}
	if headers.ContentType != "" {
		input.ContentType = aws.String(headers.ContentType)
	}
	if headers.ContentEncoding != "" {
		input.ContentEncoding = aws.String(headers.ContentEncoding)
	}

	resp, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fverr.Transient("s3.create_multipart", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// PutPart uploads a single part via the native S3 multipart API. It reads
// the part fully to compute a local MD5, which S3 echoes back as the part
// ETag for unencrypted buckets.
func (s *S3Store) PutPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	s3key := s.s3Key(key)

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fverr.Transient("s3.upload_part", fmt.Errorf("reading part data: %w", err))
	}

	resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s3key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fverr.Transient("s3.upload_part", err)
	}

	return strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// CompleteMultipart finalizes a native S3 multipart upload and reads back
// the assembled object's size via HeadObject.
func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*CompleteResult, error) {
	s3key := s.s3Key(key)

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	resp, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s3key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return nil, fverr.Transient("s3.complete_multipart", err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s3key),
	})
	if err != nil {
		return nil, fverr.Transient("s3.head", err)
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}

	return &CompleteResult{
		Size: size,
		ETag: strings.Trim(aws.ToString(resp.ETag), `"`),
	}, nil
}

// AbortMultipart discards an in-progress native S3 multipart upload.
// Aborting an unknown upload is not an error.
func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s3key := s.s3Key(key)

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s3key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isAWSNoSuchUpload(err) {
			return nil
		}
		return fverr.Transient("s3.abort_multipart", err)
	}
	return nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if stderrors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// isAWSNoSuchUpload checks if an AWS error is a NoSuchUpload error.
func isAWSNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	var noSuchUpload *types.NoSuchUpload
	return stderrors.As(err, &noSuchUpload)
}

// Ensure S3Store implements ObjectStore at compile time.
var _ ObjectStore = (*S3Store)(nil)
