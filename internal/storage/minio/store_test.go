package minio

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// fakeServer is a single-bucket, path-style object server.
type fakeServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		f.puts++
		w.Header().Set("ETag", `"put"`)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	data, ok := f.objects[r.URL.Path]
	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", "7")
	w.Header().Set("ETag", `"abc"`)
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("X-Amz-Meta-Blake3", "feed")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeServer) {
	t.Helper()

	fake := &fakeServer{objects: map[string][]byte{
		"/imaging/exp.n5/metadata.txt": []byte(`{"a":1}`),
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	}, utils.DiscardLogger())
	require.NoError(t, err)
	return s, fake
}

func TestStore_GetObject(t *testing.T) {
	s, _ := newTestStore(t)

	body, info, err := s.GetObject(context.Background(), "imaging", "exp.n5/metadata.txt")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "feed", info.Metadata[storage.ChecksumMetadataKey])
}

func TestStore_HeadObject(t *testing.T) {
	s, _ := newTestStore(t)

	info, err := s.HeadObject(context.Background(), "imaging", "exp.n5/metadata.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "text/plain", info.ContentType)

	_, err = s.HeadObject(context.Background(), "imaging", "missing")
	assert.True(t, storage.IsNotFound(err), "%v", err)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.GetObject(context.Background(), "imaging", "missing")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err), "%v", err)
}

func TestStore_PutObjectSingleRequest(t *testing.T) {
	s, fake := newTestStore(t)

	payload := []byte("ABC")
	err := s.PutObject(context.Background(), "imaging", "exp.n5/out.txt", bytes.NewReader(payload), storage.ObjectMetadata{
		ContentLength: 3,
		Checksum:      "feed",
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, string(fake.objects["/imaging/exp.n5/out.txt"]), string(payload))
}

func TestSplitEndpoint(t *testing.T) {
	t.Parallel()

	host, secure, err := splitEndpoint("https://minio.local:9000", false)
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", host)
	assert.True(t, secure)

	host, secure, err = splitEndpoint("minio.local:9000", false)
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", host)
	assert.False(t, secure)

	_, _, err = splitEndpoint("", false)
	assert.True(t, stderr.Is(err, errors.NewError(errors.ErrCodeMissingConfig, "")))
}

func TestTranslateError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		op   string
		want errors.ErrorCode
	}{
		{minio.ErrorResponse{Code: "NoSuchKey"}, "GetObject", errors.ErrCodeObjectNotFound},
		{minio.ErrorResponse{Code: "NoSuchBucket"}, "HeadObject", errors.ErrCodeBucketNotFound},
		{minio.ErrorResponse{Code: "AccessDenied"}, "GetObject", errors.ErrCodeAccessDenied},
		{minio.ErrorResponse{Code: "SlowDown"}, "PutObject", errors.ErrCodeStorageWrite},
		{context.Canceled, "GetObject", errors.ErrCodeOperationCanceled},
	}

	for _, tt := range tests {
		var nerr *errors.N5Error
		require.True(t, stderr.As(translateError(tt.err, tt.op, "b", "k"), &nerr))
		assert.Equal(t, tt.want, nerr.Code, "%v", tt.err)
	}
}
