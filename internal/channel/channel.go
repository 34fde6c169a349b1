// Package channel turns one logical open of a remote object into a session
// that tracks every stream it hands out. Closing the session closes all of
// them: read streams are drained first so pooled connections stay reusable,
// and write streams commit their buffered bytes with a single put.
package channel

import (
	"bufio"
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"sync"

	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
)

// ErrReadOnly is returned when a writer is requested from a read-only session.
var ErrReadOnly = errors.NewError(errors.ErrCodeReadOnlyChannel, "channel is read-only").
	WithComponent("channel").
	WithRetryable(false)

// ErrChannelClosed is returned by session operations after Close.
var ErrChannelClosed = errors.NewError(errors.ErrCodeChannelClosed, "channel is closed").
	WithComponent("channel").
	WithRetryable(false)

// ErrStreamClosed matches errors from reads and writes on a closed stream.
var ErrStreamClosed = errors.NewError(errors.ErrCodeStreamClosed, "stream is closed").
	WithComponent("channel")

// Options configures a Channel.
type Options struct {
	Drain DrainOptions
	// ContentType is sent with puts; empty means guess from the key.
	ContentType string
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Channel opens sessions against an object store.
type Channel struct {
	store  storage.ObjectStore
	opts   Options
	logger *slog.Logger
}

// New creates a channel over store.
func New(store storage.ObjectStore, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel")
	if opts.Drain.Logger == nil {
		opts.Drain.Logger = logger
	}
	if opts.Drain.Metrics == nil {
		opts.Drain.Metrics = opts.Metrics
	}
	return &Channel{store: store, opts: opts, logger: logger}
}

// Open starts a session on bucket/key. Nothing is fetched until a stream is
// requested.
func (c *Channel) Open(ctx context.Context, bucket, key string, readOnly bool) *Session {
	c.logger.DebugContext(ctx, "session opened", "bucket", bucket, "key", key, "read_only", readOnly)
	return &Session{
		ch:       c,
		bucket:   bucket,
		key:      key,
		readOnly: readOnly,
		children: make(map[io.Closer]struct{}),
	}
}

// Session is one open of a remote object. Each New* call opens an
// independent child stream; Close closes every child that is still
// registered.
type Session struct {
	ch       *Channel
	bucket   string
	key      string
	readOnly bool

	mu       sync.Mutex
	children map[io.Closer]struct{}
	closed   bool
}

// Bucket returns the session's bucket.
func (s *Session) Bucket() string { return s.bucket }

// Key returns the session's object key.
func (s *Session) Key() string { return s.key }

// ReadOnly reports whether writers are refused.
func (s *Session) ReadOnly() bool { return s.readOnly }

func (s *Session) register(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	s.children[c] = struct{}{}
	return nil
}

func (s *Session) release(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, c)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	return nil
}

// NewInputStream fetches the object and returns its body wrapped so that
// closing it drains the connection.
func (s *Session) NewInputStream(ctx context.Context) (*DrainReader, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	body, _, err := s.ch.store.GetObject(ctx, s.bucket, s.key)
	if err != nil {
		return nil, err
	}
	r := NewDrainReader(body, s.ch.opts.Drain)
	if err := s.register(r); err != nil {
		// Closed while the request was in flight.
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Reader is a buffered reader over a drained input stream.
type Reader struct {
	*bufio.Reader
	stream *DrainReader
}

// Close closes the underlying input stream.
func (r *Reader) Close() error { return r.stream.Close() }

// NewReader is NewInputStream behind a bufio.Reader.
func (s *Session) NewReader(ctx context.Context) (*Reader, error) {
	stream, err := s.NewInputStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Reader{Reader: bufio.NewReader(stream), stream: stream}, nil
}

// NewOutputStream returns a stream that uploads its bytes when closed. It
// fails with ErrReadOnly, without touching the store, on a read-only session.
// ctx governs the put issued by Close.
func (s *Session) NewOutputStream(ctx context.Context) (*WriteBackStream, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}

	w := s.newStream(ctx)
	if err := s.register(w); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (s *Session) newStream(ctx context.Context) *WriteBackStream {
	contentType := s.ch.opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(s.key)
	}
	return newWriteBackStream(ctx, s.ch.store, s.bucket, s.key, contentType, s.ch.logger)
}

// Writer is a buffered writer over a write-back stream.
type Writer struct {
	*bufio.Writer
	stream *WriteBackStream

	once sync.Once
}

// Close flushes buffered bytes and commits the stream. Later calls return nil.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		err = stderr.Join(w.Flush(), w.stream.Close())
	})
	return err
}

// NewWriter is NewOutputStream behind a bufio.Writer.
func (s *Session) NewWriter(ctx context.Context) (*Writer, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}

	// Only the writer is registered: it flushes before the stream commits.
	stream := s.newStream(ctx)
	w := &Writer{Writer: bufio.NewWriter(stream), stream: stream}
	if err := s.register(w); err != nil {
		stream.abort()
		return nil, err
	}
	return w, nil
}

// ReadAll reads the whole object through a short-lived input stream.
func (s *Session) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := s.NewInputStream(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(r)

	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read object").
			WithComponent("channel").
			WithContext("bucket", s.bucket).
			WithContext("key", s.key)
	}
	return data, nil
}

// Close closes every registered child once, in no particular order, and
// returns all failures joined. A second Close is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	children := make([]io.Closer, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	clear(s.children)
	s.mu.Unlock()

	var errs []error
	for _, c := range children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.ch.logger.Warn("session closed with errors", "bucket", s.bucket, "key", s.key, "failures", len(errs))
	}
	return stderr.Join(errs...)
}
