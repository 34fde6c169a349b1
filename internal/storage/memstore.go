package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n5stream/n5stream/pkg/errors"
)

// MemStore is an in-memory ObjectStore. It counts calls so tests can assert
// exactly how many requests reached the store.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	gets  atomic.Int64
	puts  atomic.Int64
	heads atomic.Int64

	// FailPut, when set, is returned by every PutObject after the body is read.
	FailPut error
}

type memObject struct {
	data []byte
	info ObjectInfo
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

// Seed stores data without counting a put.
func (m *MemStore) Seed(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memKey(bucket, key)] = memObject{
		data: append([]byte(nil), data...),
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  ContentTypeFor(key),
			LastModified: time.Now(),
		},
	}
}

// Object returns a copy of a stored object.
func (m *MemStore) Object(bucket, key string) ([]byte, ObjectInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, ObjectInfo{}, false
	}
	return append([]byte(nil), obj.data...), obj.info, true
}

// Gets, Puts and Heads report call counts.
func (m *MemStore) Gets() int64  { return m.gets.Load() }
func (m *MemStore) Puts() int64  { return m.puts.Load() }
func (m *MemStore) Heads() int64 { return m.heads.Load() }

// Calls is the total number of store calls.
func (m *MemStore) Calls() int64 { return m.Gets() + m.Puts() + m.Heads() }

// GetObject implements ObjectStore.
func (m *MemStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	m.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	data, info, ok := m.Object(bucket, key)
	if !ok {
		return nil, ObjectInfo{}, NotFound("memstore", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// PutObject implements ObjectStore.
func (m *MemStore) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta ObjectMetadata) error {
	m.puts.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to read put body").WithComponent("memstore")
	}
	if int64(len(data)) != meta.ContentLength {
		return errors.NewError(errors.ErrCodeStorageWrite, "content length mismatch").
			WithComponent("memstore").
			WithDetail("declared", meta.ContentLength).
			WithDetail("actual", len(data))
	}
	if m.FailPut != nil {
		return m.FailPut
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memKey(bucket, key)] = memObject{
		data: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			LastModified: time.Now(),
			Metadata:     meta.AllUserMetadata(),
		},
	}
	return nil
}

// HeadObject implements ObjectStore.
func (m *MemStore) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	m.heads.Add(1)
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	_, info, ok := m.Object(bucket, key)
	if !ok {
		return ObjectInfo{}, NotFound("memstore", bucket, key)
	}
	return info, nil
}
