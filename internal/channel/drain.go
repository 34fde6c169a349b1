package channel

import (
	stderr "errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/n5stream/n5stream/internal/buffer"
	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/pkg/errors"
)

const drainScratchSize = 4 << 10

// DrainOptions bound the work Close does to return a body to its pool.
type DrainOptions struct {
	// Timeout caps how long Close may spend draining. Zero means no limit.
	Timeout time.Duration
	// MaxBytes caps how many unread bytes Close will discard. Zero means no limit.
	MaxBytes int64

	Pool    *buffer.BytePool
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// DrainReader wraps a pooled response body. Close reads the body to EOF
// before closing it so the underlying connection can be reused.
//
// A DrainReader is meant for a single goroutine; only Close is safe to call
// concurrently with itself.
type DrainReader struct {
	body io.ReadCloser
	opts DrainOptions

	closeOnce sync.Once
	closed    bool
}

// NewDrainReader wraps body.
func NewDrainReader(body io.ReadCloser, opts DrainOptions) *DrainReader {
	if opts.Pool == nil {
		opts.Pool = buffer.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DrainReader{body: body, opts: opts}
}

// Read implements io.Reader.
func (d *DrainReader) Read(p []byte) (int, error) {
	if d.closed {
		return 0, errStreamClosed("read")
	}
	return d.body.Read(p)
}

// Skip discards up to n bytes and reports how many were skipped. It returns
// io.EOF if the body ended first.
func (d *DrainReader) Skip(n int64) (int64, error) {
	if d.closed {
		return 0, errStreamClosed("skip")
	}
	if n <= 0 {
		return 0, nil
	}
	return io.CopyN(io.Discard, d.body, n)
}

// Close drains the rest of the body and closes it. Only the first call does
// any work; later calls return nil.
func (d *DrainReader) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed = true
		err = d.drainAndClose()
	})
	return err
}

type drainResult struct {
	n   int64
	err error
}

func (d *DrainReader) drainAndClose() error {
	done := make(chan drainResult, 1)
	go func() {
		n, err := d.drain()
		done <- drainResult{n: n, err: err}
	}()

	var timeout <-chan time.Time
	if d.opts.Timeout > 0 {
		timer := time.NewTimer(d.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res drainResult
	select {
	case res = <-done:
	case <-timeout:
		// Closing the body unblocks the pending read; the drain goroutine
		// then exits on its own.
		d.opts.Metrics.RecordDrain(metrics.DrainAbandoned, 0)
		d.opts.Logger.Debug("drain timed out, connection discarded", "timeout", d.opts.Timeout)
		return d.body.Close()
	}

	switch {
	case res.err == nil:
		d.opts.Metrics.RecordDrain(metrics.DrainComplete, res.n)
	case stderr.Is(res.err, errDrainLimit):
		d.opts.Metrics.RecordDrain(metrics.DrainAbandoned, res.n)
		d.opts.Logger.Debug("drain limit reached, connection discarded",
			"drained", res.n, "limit", d.opts.MaxBytes)
	default:
		d.opts.Metrics.RecordDrain(metrics.DrainError, res.n)
		d.opts.Logger.Debug("drain failed", "drained", res.n, "error", res.err)
	}
	return d.body.Close()
}

var errDrainLimit = stderr.New("drain limit reached")

// drain discards the body until EOF, returning a nil error on EOF.
func (d *DrainReader) drain() (int64, error) {
	scratch := d.opts.Pool.Get(drainScratchSize)
	defer d.opts.Pool.Put(scratch)

	var total int64
	for {
		if d.opts.MaxBytes > 0 && total >= d.opts.MaxBytes {
			// One more byte tells a body of exactly MaxBytes from a longer one.
			n, err := d.body.Read(scratch[:1])
			total += int64(n)
			if n == 0 && err == io.EOF {
				return total, nil
			}
			return total, errDrainLimit
		}

		buf := scratch
		if d.opts.MaxBytes > 0 {
			if rem := d.opts.MaxBytes - total; rem < int64(len(buf)) {
				buf = buf[:rem]
			}
		}

		n, err := d.body.Read(buf)
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func errStreamClosed(op string) error {
	return errors.NewError(errors.ErrCodeStreamClosed, "stream is closed").
		WithComponent("channel").
		WithOperation(op)
}
