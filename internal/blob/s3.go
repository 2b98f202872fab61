package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/retry"
)

// keyPrefix is the object key namespace for document blobs.
const keyPrefix = "documents"

// opsPerSecond caps blob store operations against the bucket.
const opsPerSecond = 50

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
}

// S3Config configures the S3 blob store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxRetries      int
}

// S3Store stores document blobs in a versioned S3 bucket.
type S3Store struct {
	client  s3API
	bucket  string
	prefix  string
	retry   retry.Config
	breaker *retry.Breaker
	limiter *retry.Limiter
}

var _ Store = (*S3Store)(nil)

// NewS3 creates an S3-backed blob store.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, memerr.New(memerr.KindValidation, "s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindUpstream, "load aws config")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, cfg), nil
}

func newS3WithClient(client s3API, cfg S3Config) *S3Store {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	return &S3Store{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(cfg.Prefix, "/"),
		retry: retry.Config{
			MaxAttempts:  attempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Factor:       2.0,
			Jitter:       true,
			RetryIf:      retryableS3Error,
		},
		breaker: retry.NewBreaker(5, time.Minute),
		limiter: retry.NewLimiter(opsPerSecond, opsPerSecond),
	}
}

// acquire gates one bucket operation on the circuit breaker and the
// operation rate cap.
func (s *S3Store) acquire(ctx context.Context) error {
	if err := s.breaker.Allow(); err != nil {
		return memerr.Wrap(err, memerr.KindUpstream, "blob store unavailable")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "wait for blob rate cap")
	}
	return nil
}

// breakerOutcome filters errors that say nothing about bucket health
// before they reach the breaker.
func breakerOutcome(err error) error {
	if err == nil || isS3NotFound(err) {
		return nil
	}
	return err
}

// Put writes a document blob and returns its object version.
func (s *S3Store) Put(ctx context.Context, id string, data []byte) (string, error) {
	if id == "" {
		return "", memerr.New(memerr.KindValidation, "blob id is required")
	}
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	key := s.objectKey(id)

	out, err := retry.DoWithValue(ctx, s.retry, func() (*s3.PutObjectOutput, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
	})
	s.breaker.Record(breakerOutcome(err))
	if err != nil {
		return "", translateS3Error(err, "put blob")
	}
	return aws.ToString(out.VersionId), nil
}

// Get reads a document blob, optionally pinned to a version.
func (s *S3Store) Get(ctx context.Context, id, version string) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	key := s.objectKey(id)
	input := &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}
	if version != "" {
		input.VersionId = &version
	}

	out, err := retry.DoWithValue(ctx, s.retry, func() (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, input)
	})
	s.breaker.Record(breakerOutcome(err))
	if err != nil {
		return nil, translateS3Error(err, "get blob")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "read blob body")
	}
	return data, nil
}

// Delete writes a delete marker for the blob. In a versioned bucket
// prior versions survive for recovery; deleting a missing or already
// tombstoned blob succeeds without stacking another marker.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	key := s.objectKey(id)

	_, err := retry.DoWithValue(ctx, s.retry, func() (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
		})
	})
	s.breaker.Record(breakerOutcome(err))
	if isS3NotFound(err) {
		return nil
	}
	if err != nil {
		return translateS3Error(err, "head blob")
	}

	err = retry.Do(ctx, s.retry, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
		})
		return err
	})
	s.breaker.Record(breakerOutcome(err))
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return translateS3Error(err, "delete blob")
	}
	return nil
}

// Verify checks the bucket has versioning and default encryption
// enabled. Running against a bucket without either risks silent data
// loss or plaintext at rest, so startup fails instead.
func (s *S3Store) Verify(ctx context.Context) error {
	versioning, err := s.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: &s.bucket,
	})
	if err != nil {
		return translateS3Error(err, "get bucket versioning")
	}
	if versioning.Status != types.BucketVersioningStatusEnabled {
		return memerr.Newf(memerr.KindValidation,
			"bucket %s is misconfigured: versioning is not enabled", s.bucket)
	}

	if _, err := s.client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: &s.bucket,
	}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ServerSideEncryptionConfigurationNotFoundError" {
			return memerr.Newf(memerr.KindValidation,
				"bucket %s is misconfigured: server-side encryption is not enabled", s.bucket)
		}
		return translateS3Error(err, "get bucket encryption")
	}
	return nil
}

// Close releases resources.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) objectKey(id string) string {
	key := fmt.Sprintf("%s/%s", keyPrefix, id)
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		(strings.EqualFold(apiErr.ErrorCode(), "NotFound") || strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey"))
}

// retryableS3Error reports whether an S3 failure is transient:
// throttling, internal errors, and timeouts. Not-found and access
// errors are terminal.
func retryableS3Error(err error) bool {
	if isS3NotFound(err) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func translateS3Error(err error, op string) error {
	if isS3NotFound(err) {
		return memerr.Wrap(err, memerr.KindNotFound, op)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		return memerr.Wrap(err, memerr.KindAuthorization, op)
	}
	return memerr.Wrap(err, memerr.KindStorage, op)
}
