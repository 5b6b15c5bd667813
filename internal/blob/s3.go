package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the subset of the S3 client used by S3Store, extracted so tests
// can substitute a fake without a live endpoint.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is a Store backed by an S3 bucket. Create-if-absent is implemented
// with a conditional PutObject (If-None-Match: *), which S3 rejects with a
// 412 when the key already exists.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// S3Option configures an S3Store.
type S3Option func(*s3Config)

type s3Config struct {
	region   string
	endpoint string
	prefix   string
}

// WithRegion sets the AWS region.
func WithRegion(region string) S3Option {
	return func(c *s3Config) {
		c.region = region
	}
}

// WithEndpoint points the client at a custom S3-compatible endpoint
// (MinIO, localstack). Path-style addressing is enabled alongside it.
func WithEndpoint(endpoint string) S3Option {
	return func(c *s3Config) {
		c.endpoint = endpoint
	}
}

// WithPrefix prepends a key prefix to every object, allowing several
// deployments to share one bucket.
func WithPrefix(prefix string) S3Option {
	return func(c *s3Config) {
		c.prefix = prefix
	}
}

// NewS3Store creates an S3-backed Store using the default AWS credential
// chain.
func NewS3Store(ctx context.Context, bucket string, opts ...S3Option) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	cfg := &s3Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: cfg.prefix,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// CreateExclusive implements Store.
func (s *S3Store) CreateExclusive(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("failed to create object %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body %s: %w", key, err)
	}
	return data, nil
}

// GetVersioned implements Store. The version tag is the object's ETag.
func (s *S3Store) GetVersioned(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object body %s: %w", key, err)
	}
	return data, aws.ToString(out.ETag), nil
}

// ReplaceIfMatch implements Store with a conditional PutObject (If-Match on
// the ETag). S3 rejects the write when the object changed or was deleted
// since the tag was read.
func (s *S3Store) ReplaceIfMatch(ctx context.Context, key string, data []byte, version string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.objectKey(key)),
		Body:    bytes.NewReader(data),
		IfMatch: aws.String(version),
	})
	if err != nil {
		if isPreconditionFailed(err) || isNoSuchKey(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("failed to replace object %s: %w", key, err)
	}
	return nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// isPreconditionFailed reports whether the error is S3's rejection of a
// conditional write against an existing object.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}

// isNoSuchKey reports whether the error is S3's 404 for a conditional write
// against an object that no longer exists.
func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
