package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/and161185/backup-keeper/internal/errs"
)

// S3Config describes an S3-compatible bucket used as artifact storage.
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	ForcePathStyle bool
}

// s3API is the subset of *s3.Client used by the store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores artifacts as objects keyed by "<prefix>/<address>".
type S3 struct {
	api    s3API
	bucket string
	prefix string
}

// NewS3 builds an SDK client for the configured endpoint and bucket.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Trailing checksums would force aws-chunked encoding on streamed bodies.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return newS3WithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3WithAPI(api s3API, bucket, prefix string) *S3 {
	return &S3{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3) key(address string) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return address, nil
	}
	return s.prefix + "/" + address, nil
}

// Put uploads r with If-None-Match so an existing object is never replaced.
func (s *S3) Put(ctx context.Context, address string, r io.Reader, expectedSize int64) (int64, error) {
	if expectedSize < 0 {
		return 0, fmt.Errorf("negative size %d: %w", expectedSize, errs.ErrInvalidRequest)
	}
	key, err := s.key(address)
	if err != nil {
		return 0, err
	}

	body := &countingReader{r: io.LimitReader(ctxReader{ctx: ctx, r: r}, expectedSize+1)}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(expectedSize),
		ContentType:   aws.String("application/octet-stream"),
		IfNoneMatch:   aws.String("*"),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))

	if err != nil {
		if isAPIError(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return 0, fmt.Errorf("%s: %w", address, errs.ErrAddressCollision)
		}
		s.cleanup(key)
		if ctx.Err() != nil || body.n != expectedSize {
			return body.n, fmt.Errorf("%w: upload aborted after %d bytes: %v", errs.ErrSizeMismatch, body.n, err)
		}
		return body.n, fmt.Errorf("put object: %w", err)
	}
	if body.n != expectedSize {
		s.cleanup(key)
		return body.n, sizeMismatch(body.n, expectedSize)
	}
	return body.n, nil
}

// cleanup removes a partially written object. It uses its own context because the
// request context is usually already cancelled at this point.
func (s *S3) cleanup(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
}

// Open streams the object body.
func (s *S3) Open(ctx context.Context, address string) (io.ReadCloser, error) {
	key, err := s.key(address)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || isAPIError(err, "NoSuchKey", "NotFound") {
			return nil, fmt.Errorf("%s: %w", address, errs.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object; S3 deletes are idempotent.
func (s *S3) Delete(ctx context.Context, address string) error {
	key, err := s.key(address)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		if isAPIError(err, "NoSuchKey", "NotFound") {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
