// Package storage defines the object store contract shared by the AWS and
// MinIO clients, plus the decorators and helpers layered on top of it.
package storage

import (
	"context"
	stderr "errors"
	"io"
	"strings"
	"time"

	"github.com/n5stream/n5stream/pkg/errors"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ObjectMetadata accompanies a put. ContentLength is always explicit; the
// store never has to buffer or chunk the body to learn it.
type ObjectMetadata struct {
	ContentLength int64
	ContentType   string
	// Checksum is a hex BLAKE3 digest of the body, stored as user metadata.
	Checksum     string
	UserMetadata map[string]string
}

// ChecksumMetadataKey is the user metadata key carrying ObjectMetadata.Checksum.
const ChecksumMetadataKey = "blake3"

// ObjectStore is the narrow client surface the channel needs. Implementations
// must be safe for concurrent use.
type ObjectStore interface {
	// GetObject opens the object body. The caller owns the returned reader
	// and must close it.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)

	// PutObject uploads exactly meta.ContentLength bytes from body in a
	// single request.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta ObjectMetadata) error

	// HeadObject returns object metadata without the body.
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// AllUserMetadata merges the checksum into the user metadata map sent with a put.
func (m ObjectMetadata) AllUserMetadata() map[string]string {
	out := make(map[string]string, len(m.UserMetadata)+1)
	for k, v := range m.UserMetadata {
		out[k] = v
	}
	if m.Checksum != "" {
		out[ChecksumMetadataKey] = m.Checksum
	}
	return out
}

// IsNotFound reports whether err means the object or bucket does not exist.
func IsNotFound(err error) bool {
	var nerr *errors.N5Error
	if stderr.As(err, &nerr) {
		return nerr.Code == errors.ErrCodeObjectNotFound || nerr.Code == errors.ErrCodeBucketNotFound
	}
	return false
}

// NotFound builds the OBJECT_NOT_FOUND error stores return for a missing key.
func NotFound(component, bucket, key string) *errors.N5Error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
		WithComponent(component).
		WithContext("bucket", bucket).
		WithContext("key", key)
}

// ContentTypeFor guesses a content type from the key suffix.
func ContentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
