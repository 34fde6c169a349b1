// Package minio implements storage.ObjectStore on minio-go.
package minio

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/n5stream/n5stream/internal/config"
	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
)

const component = "minio-store"

// Config configures the client.
type Config struct {
	// Endpoint is host[:port] or a full http(s) URL.
	Endpoint        string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PoolSize        int
	RequestTimeout  time.Duration
	StorageClass    string
}

// FromStorageConfig maps the application storage section onto a client config.
func FromStorageConfig(sc config.StorageConfig) Config {
	return Config{
		Endpoint:        sc.Endpoint,
		Region:          sc.Region,
		UseSSL:          sc.UseSSL,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		SessionToken:    sc.SessionToken,
		PoolSize:        sc.PoolSize,
		RequestTimeout:  sc.RequestTimeout,
		StorageClass:    sc.Cargoship.StorageClass,
	}
}

// Store is a storage.ObjectStore backed by a minio client.
type Store struct {
	client    *minio.Client
	config    Config
	logger    *slog.Logger
	anonymous bool
}

var _ storage.ObjectStore = (*Store)(nil)

// New creates the client. Without static keys the usual AWS and MinIO
// environment variables and credential files are consulted; if none yield a
// key the client sends anonymous requests.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", component)

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 32
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}

	anonymous := false
	if v, err := creds.Get(); err != nil || v.AccessKeyID == "" {
		creds = credentials.NewStaticV4("", "", "")
		anonymous = true
		logger.Info("no credentials found, using anonymous access")
	}

	transport, err := minio.DefaultTransport(secure)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to build transport").
			WithComponent(component)
	}
	transport.MaxIdleConns = cfg.PoolSize
	transport.MaxIdleConnsPerHost = cfg.PoolSize
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	client, err := minio.New(host, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       cfg.Region,
		Transport:    transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create minio client").
			WithComponent(component).
			WithContext("endpoint", cfg.Endpoint)
	}

	logger.Debug("minio client ready", "endpoint", host, "secure", secure, "pool_size", cfg.PoolSize)
	return &Store{client: client, config: cfg, logger: logger, anonymous: anonymous}, nil
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, errors.NewError(errors.ErrCodeMissingConfig, "minio endpoint is required").
			WithComponent(component)
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, errors.NewError(errors.ErrCodeInvalidConfig, "invalid minio endpoint").
			WithComponent(component).
			WithContext("endpoint", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

// Anonymous reports whether requests are sent unsigned.
func (s *Store) Anonymous() bool { return s.anonymous }

// GetObject implements storage.ObjectStore.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.ObjectInfo{}, translateError(err, "GetObject", bucket, key)
	}
	// The request is lazy; Stat forces it so a missing key fails here.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, storage.ObjectInfo{}, translateError(err, "GetObject", bucket, key)
	}
	return obj, toInfo(st), nil
}

// PutObject implements storage.ObjectStore. Multipart is disabled so every
// commit is one request.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta storage.ObjectMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(key)
	}

	_, err := s.client.PutObject(ctx, bucket, key, body, meta.ContentLength, minio.PutObjectOptions{
		ContentType:      contentType,
		UserMetadata:     meta.AllUserMetadata(),
		StorageClass:     s.config.StorageClass,
		DisableMultipart: true,
	})
	if err != nil {
		return translateError(err, "PutObject", bucket, key)
	}
	return nil
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	st, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translateError(err, "HeadObject", bucket, key)
	}
	return toInfo(st), nil
}

func toInfo(st minio.ObjectInfo) storage.ObjectInfo {
	meta := make(map[string]string, len(st.UserMetadata))
	for k, v := range st.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return storage.ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		ContentType:  st.ContentType,
		ETag:         st.ETag,
		LastModified: st.LastModified,
		Metadata:     meta,
	}
}

func translateError(err error, operation, bucket, key string) error {
	code := errors.ErrCodeStorageRead
	if operation == "PutObject" {
		code = errors.ErrCodeStorageWrite
	}

	switch {
	case stderr.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	case stderr.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeOperationTimeout
	default:
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NotFound":
			code = errors.ErrCodeObjectNotFound
		case "NoSuchBucket":
			code = errors.ErrCodeBucketNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			code = errors.ErrCodeAccessDenied
		}
	}

	return errors.Wrap(err, code, fmt.Sprintf("%s failed", operation)).
		WithComponent(component).
		WithOperation(operation).
		WithContext("bucket", bucket).
		WithContext("key", key)
}
