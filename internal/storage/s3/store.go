package s3

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
)

const component = "s3-store"

// maxSinglePut is the largest object S3 accepts in one PutObject. The
// cargoship multipart threshold sits above it, so every commit is one request.
const maxSinglePut = 5 << 30

// Store implements storage.ObjectStore on the AWS SDK. One Store serves any
// number of buckets on the same endpoint.
type Store struct {
	client *s3.Client
	config *Config
	logger *slog.Logger

	anonymous bool

	mu           sync.Mutex
	transporters map[string]*cargoships3.Transporter
}

var _ storage.ObjectStore = (*Store)(nil)

// New builds a client. Credentials come from cfg when set, otherwise from the
// SDK default chain; when the chain yields nothing the client falls back to
// anonymous access instead of failing.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", component)

	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.MaxIdleConns = cfg.PoolSize
		tr.MaxIdleConnsPerHost = cfg.PoolSize
		tr.ResponseHeaderTimeout = cfg.RequestTimeout
	})

	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Region),
		awscfg.WithRetryMaxAttempts(cfg.MaxRetries),
		awscfg.WithHTTPClient(httpClient),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent(component)
	}

	anonymous := false
	if cfg.AccessKeyID == "" && !hasCredentials(ctx, awsCfg) {
		awsCfg.Credentials = aws.AnonymousCredentials{}
		anonymous = true
		logger.Info("no AWS credentials found, using anonymous access")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	logger.Debug("s3 client ready",
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.ForcePathStyle,
		"pool_size", cfg.PoolSize,
		"cargoship", cfg.EnableCargoShip)

	return &Store{
		client:       client,
		config:       cfg,
		logger:       logger,
		anonymous:    anonymous,
		transporters: make(map[string]*cargoships3.Transporter),
	}, nil
}

func hasCredentials(ctx context.Context, cfg aws.Config) bool {
	if cfg.Credentials == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	creds, err := cfg.Credentials.Retrieve(ctx)
	return err == nil && creds.HasKeys()
}

// Anonymous reports whether requests are sent unsigned.
func (s *Store) Anonymous() bool { return s.anonymous }

// GetObject implements storage.ObjectStore. The body is streamed, not
// buffered; RequestTimeout bounds only the wait for response headers.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, storage.ObjectInfo{}, translateError(err, "GetObject", bucket, key)
	}

	info := storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}
	return out.Body, info, nil
}

// PutObject implements storage.ObjectStore with a single request carrying an
// explicit content length.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta storage.ObjectMetadata) error {
	if meta.ContentLength > maxSinglePut {
		return errors.NewError(errors.ErrCodeStorageWrite, "object exceeds the single-put limit").
			WithComponent(component).
			WithOperation("PutObject").
			WithContext("bucket", bucket).
			WithContext("key", key).
			WithDetail("size", meta.ContentLength).
			WithDetail("limit", int64(maxSinglePut))
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(key)
	}

	if s.config.EnableCargoShip {
		return s.upload(ctx, bucket, key, body, contentType, meta)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(meta.ContentLength),
		ContentType:   aws.String(contentType),
		StorageClass:  storageClass(s.config.StorageClass),
		Metadata:      meta.AllUserMetadata(),
	})
	if err != nil {
		return translateError(err, "PutObject", bucket, key)
	}
	return nil
}

// upload sends the body through the bucket's cargoship transporter. A failed
// upload is reported, never repeated through the plain client.
func (s *Store) upload(ctx context.Context, bucket, key string, body io.Reader, contentType string, meta storage.ObjectMetadata) error {
	metadata := meta.AllUserMetadata()
	metadata["content-type"] = contentType

	result, err := s.transporter(bucket).Upload(ctx, cargoships3.Archive{
		Key:          key,
		Reader:       body,
		Size:         meta.ContentLength,
		StorageClass: cargoStorageClass(s.config.StorageClass),
		Metadata:     metadata,
	})
	if err != nil {
		return translateError(err, "Upload", bucket, key)
	}

	s.logger.Debug("cargoship upload completed",
		"bucket", bucket,
		"key", key,
		"size", meta.ContentLength,
		"throughput", result.Throughput,
		"duration", result.Duration)
	return nil
}

func (s *Store) transporter(bucket string) *cargoships3.Transporter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transporters[bucket]; ok {
		return t
	}
	t := cargoships3.NewTransporter(s.client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       cargoStorageClass(s.config.StorageClass),
		MultipartThreshold: maxSinglePut + 1,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        s.config.CargoShipWorkers,
	})
	s.transporters[bucket] = t
	return t
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.ObjectInfo{}, translateError(err, "HeadObject", bucket, key)
	}

	return storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func translateError(err error, operation, bucket, key string) error {
	code := errors.ErrCodeStorageRead
	if operation == "PutObject" || operation == "Upload" {
		code = errors.ErrCodeStorageWrite
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code = errors.ErrCodeObjectNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeBucketNotFound
	case stderr.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	case stderr.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeOperationTimeout
	default:
		var apiErr smithy.APIError
		if stderr.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchKey", "NotFound":
				code = errors.ErrCodeObjectNotFound
			case "NoSuchBucket":
				code = errors.ErrCodeBucketNotFound
			case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
				code = errors.ErrCodeAccessDenied
			}
		}
	}

	return errors.Wrap(err, code, fmt.Sprintf("%s failed", operation)).
		WithComponent(component).
		WithOperation(operation).
		WithContext("bucket", bucket).
		WithContext("key", key)
}

func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

func storageClass(class string) s3types.StorageClass {
	switch class {
	case ClassStandardIA:
		return s3types.StorageClassStandardIa
	case ClassOneZoneIA:
		return s3types.StorageClassOnezoneIa
	case ClassGlacier:
		return s3types.StorageClassGlacier
	case ClassDeepArchive:
		return s3types.StorageClassDeepArchive
	case ClassIntelligent:
		return s3types.StorageClassIntelligentTiering
	default:
		return s3types.StorageClassStandard
	}
}

func cargoStorageClass(class string) awsconfig.StorageClass {
	switch class {
	case ClassStandardIA:
		return awsconfig.StorageClassStandardIA
	case ClassOneZoneIA:
		return awsconfig.StorageClassOneZoneIA
	case ClassGlacier:
		return awsconfig.StorageClassGlacier
	case ClassDeepArchive:
		return awsconfig.StorageClassDeepArchive
	case ClassIntelligent:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}
