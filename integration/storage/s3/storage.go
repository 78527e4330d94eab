package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Compile-time check that Backend implements remote.Backend.
var _ remote.Backend = (*Backend)(nil)

// expiresAtKey is the object metadata entry holding the expiry in unix milliseconds.
const expiresAtKey = "expires-at"

// S3Client defines the S3 operations used by Backend.
type S3Client interface {
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3aws.HeadObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error)
}

// Backend stores each bucket as one object and uses S3 conditional writes
// for compare-and-swap. The stamp is the object's ETag.
// Thread-safe; S3 enforces the preconditions.
type Backend struct {
	client         S3Client
	bucket         string
	prefix         string
	requestTimeout time.Duration
	now            func() time.Time
}

// Config contains configuration for the S3 backend.
type Config struct {
	Bucket         string `env:"S3_BUCKET,required"`
	Region         string `env:"S3_REGION,required"`
	AccessKeyID    string `env:"S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Endpoint       string `env:"S3_ENDPOINT"`                      // For S3-compatible services like MinIO
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE"`              // Required for MinIO and some S3-compatible services
	Prefix         string `env:"S3_PREFIX" envDefault:"buckets/"` // Prepended to every bucket key
}

// Option configures the Backend.
type Option func(*options)

type options struct {
	httpClient      *http.Client
	s3Client        S3Client
	s3ConfigOptions []func(*config.LoadOptions) error
	s3ClientOptions []func(*s3aws.Options)
	requestTimeout  time.Duration
	now             func() time.Time
}

// WithS3Client sets a pre-configured S3 client.
// Primarily used for testing with fakes.
func WithS3Client(client S3Client) Option {
	return func(o *options) {
		o.s3Client = client
	}
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithS3ConfigOption(option func(*config.LoadOptions) error) Option {
	return func(o *options) {
		o.s3ConfigOptions = append(o.s3ConfigOptions, option)
	}
}

func WithS3ClientOption(option func(*s3aws.Options)) Option {
	return func(o *options) {
		o.s3ClientOptions = append(o.s3ClientOptions, option)
	}
}

// WithRequestTimeout bounds every S3 call. Without it the caller's context
// deadline applies.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = timeout
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an S3 backend. Credentials fall back to the default AWS chain
// when no static keys are configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	client := o.s3Client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}
		if o.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(o.httpClient))
		}
		awsOptions = append(awsOptions, o.s3ConfigOptions...)

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = s3aws.NewFromConfig(awsConfig, func(so *s3aws.Options) {
			if cfg.Endpoint != "" {
				so.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			so.UsePathStyle = cfg.ForcePathStyle
			for _, opt := range o.s3ClientOptions {
				opt(so)
			}
		})
	}

	return &Backend{
		client:         client,
		bucket:         cfg.Bucket,
		prefix:         cfg.Prefix,
		requestTimeout: o.requestTimeout,
		now:            o.now,
	}, nil
}

func (b *Backend) objectKey(key string) string {
	return b.prefix + key
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.requestTimeout > 0 {
		return context.WithTimeout(ctx, b.requestTimeout)
	}
	return ctx, func() {}
}

func (b *Backend) expired(metadata map[string]string) bool {
	raw, ok := metadata[expiresAtKey]
	if !ok {
		return false
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	return err == nil && at <= b.now().UnixMilli()
}

func (b *Backend) Load(ctx context.Context, key string) (remote.Blob, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if isNotFound(err) {
		return remote.Blob{}, false, nil
	}
	if err != nil {
		return remote.Blob{}, false, classifyS3Error(err, "load")
	}
	defer out.Body.Close()

	if b.expired(out.Metadata) {
		return remote.Blob{}, false, nil
	}
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return remote.Blob{}, false, classifyS3Error(err, "load")
	}
	return remote.Blob{Data: data, Stamp: aws.ToString(out.ETag)}, true, nil
}

// CompareAndSwap writes with If-Match on the expected ETag, or with
// If-None-Match: * when nothing is expected. An expired object is replaced
// conditionally on its own ETag.
func (b *Backend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	in := &s3aws.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        bytes.NewReader(next),
		ContentType: aws.String("application/octet-stream"),
	}
	if ttl > 0 {
		in.Metadata = map[string]string{
			expiresAtKey: strconv.FormatInt(b.now().Add(ttl).UnixMilli(), 10),
		}
	}

	if expected != nil {
		in.IfMatch = aws.String(expected.Stamp)
	} else {
		head, err := b.client.HeadObject(ctx, &s3aws.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		switch {
		case isNotFound(err):
			in.IfNoneMatch = aws.String("*")
		case err != nil:
			return false, classifyS3Error(err, "head")
		case !b.expired(head.Metadata):
			return false, nil
		default:
			in.IfMatch = head.ETag
		}
	}

	if _, err := b.client.PutObject(ctx, in); err != nil {
		if isConditionFailed(err) || (expected != nil && isNotFound(err)) {
			return false, nil
		}
		return false, classifyS3Error(err, "put")
	}
	return true, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return classifyS3Error(err, "delete")
	}
	return nil
}
