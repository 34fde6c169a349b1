package channel

import (
	"bytes"
	stderr "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/pkg/utils"
)

// trackedBody records whether it was read to EOF and how often it was closed.
type trackedBody struct {
	r      io.Reader
	mu     sync.Mutex
	atEOF  bool
	closes int
}

func newTrackedBody(size int) *trackedBody {
	return &trackedBody{r: bytes.NewReader(bytes.Repeat([]byte{0x7f}, size))}
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.mu.Lock()
		b.atEOF = true
		b.mu.Unlock()
	}
	return n, err
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *trackedBody) state() (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.atEOF, b.closes
}

// stuckBody blocks reads until closed.
type stuckBody struct {
	once   sync.Once
	closed chan struct{}
}

func (b *stuckBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, stderr.New("read on closed body")
}

func (b *stuckBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func testDrainOptions(t *testing.T) (DrainOptions, *metrics.Collector) {
	t.Helper()
	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)
	return DrainOptions{Metrics: collector, Logger: utils.DiscardLogger()}, collector
}

// assertDrains checks that exactly one drain was recorded, with outcome.
func assertDrains(t *testing.T, collector *metrics.Collector, outcome string) {
	t.Helper()
	expected := `
# HELP n5stream_drains_total Read streams finished on close
# TYPE n5stream_drains_total counter
n5stream_drains_total{outcome="` + outcome + `"} 1
`
	err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "n5stream_drains_total")
	assert.NoError(t, err)
}

func TestDrainReader_PartialReadReachesEOF(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(1000)
	opts, _ := testDrainOptions(t)
	r := NewDrainReader(body, opts)

	buf := make([]byte, 10)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, r.Close())
	eof, closes := body.state()
	assert.True(t, eof, "body should be drained to EOF before close")
	assert.Equal(t, 1, closes)
}

func TestDrainReader_UnreadBodyReachesEOF(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(64 << 10)
	opts, collector := testDrainOptions(t)
	r := NewDrainReader(body, opts)

	require.NoError(t, r.Close())
	eof, _ := body.state()
	assert.True(t, eof)

	assertDrains(t, collector, metrics.DrainComplete)
}

func TestDrainReader_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(100)
	opts, _ := testDrainOptions(t)
	r := NewDrainReader(body, opts)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, closes := body.state()
	assert.Equal(t, 1, closes)

	_, err := r.Read(make([]byte, 1))
	assert.True(t, stderr.Is(err, ErrStreamClosed))
}

func TestDrainReader_Skip(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(100)
	r := NewDrainReader(body, DrainOptions{Logger: utils.DiscardLogger()})

	n, err := r.Skip(40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	n, err = r.Skip(100)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(60), n)

	require.NoError(t, r.Close())
}

func TestDrainReader_MaxBytesAbandons(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(10000)
	opts, collector := testDrainOptions(t)
	opts.MaxBytes = 100
	r := NewDrainReader(body, opts)

	require.NoError(t, r.Close())
	eof, closes := body.state()
	assert.False(t, eof)
	assert.Equal(t, 1, closes)

	assertDrains(t, collector, metrics.DrainAbandoned)
}

func TestDrainReader_MaxBytesExactFit(t *testing.T) {
	t.Parallel()

	body := newTrackedBody(100)
	opts, collector := testDrainOptions(t)
	opts.MaxBytes = 100
	r := NewDrainReader(body, opts)

	require.NoError(t, r.Close())
	eof, _ := body.state()
	assert.True(t, eof)
	assertDrains(t, collector, metrics.DrainComplete)
}

func TestDrainReader_TimeoutIsNotAnError(t *testing.T) {
	t.Parallel()

	body := &stuckBody{closed: make(chan struct{})}
	opts, collector := testDrainOptions(t)
	opts.Timeout = 20 * time.Millisecond
	r := NewDrainReader(body, opts)

	start := time.Now()
	require.NoError(t, r.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
	assertDrains(t, collector, metrics.DrainAbandoned)
}
