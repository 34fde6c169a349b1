package channel

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/n5stream/n5stream/internal/storage"
)

// WriteBackStream buffers an object in memory and uploads it with a single
// put on Close. Object stores have no append, and a put needs its length up
// front, so nothing reaches the store before Close.
type WriteBackStream struct {
	ctx         context.Context
	store       storage.ObjectStore
	bucket      string
	key         string
	contentType string
	logger      *slog.Logger

	mu     sync.Mutex
	buf    *bytes.Buffer
	closed bool
}

func newWriteBackStream(ctx context.Context, store storage.ObjectStore, bucket, key, contentType string, logger *slog.Logger) *WriteBackStream {
	return &WriteBackStream{
		ctx:         ctx,
		store:       store,
		bucket:      bucket,
		key:         key,
		contentType: contentType,
		logger:      logger,
		buf:         new(bytes.Buffer),
	}
}

// Write implements io.Writer.
func (w *WriteBackStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errStreamClosed("write")
	}
	return w.buf.Write(p)
}

// WriteByte implements io.ByteWriter.
func (w *WriteBackStream) WriteByte(b byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errStreamClosed("write")
	}
	return w.buf.WriteByte(b)
}

// Len reports the number of buffered bytes.
func (w *WriteBackStream) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return 0
	}
	return w.buf.Len()
}

// abort discards the buffer without committing. Close is then a no-op.
func (w *WriteBackStream) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.buf = nil
}

// Close commits the buffered bytes with exactly one PutObject. Later calls
// are no-ops and return nil, even when the commit failed.
func (w *WriteBackStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	data := w.buf.Bytes()
	w.buf = nil

	sum := blake3.Sum256(data)
	meta := storage.ObjectMetadata{
		ContentLength: int64(len(data)),
		ContentType:   w.contentType,
		Checksum:      hex.EncodeToString(sum[:]),
	}

	if err := w.store.PutObject(w.ctx, w.bucket, w.key, bytes.NewReader(data), meta); err != nil {
		w.logger.Warn("write-back commit failed", "bucket", w.bucket, "key", w.key, "size", len(data), "error", err)
		return err
	}
	w.logger.Debug("write-back committed", "bucket", w.bucket, "key", w.key, "size", len(data))
	return nil
}
