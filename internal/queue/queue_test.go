package queue

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/pkg/utils"
)

// blockWorker occupies the single worker of q until the returned func is called.
func blockWorker(t *testing.T, q *SharedQueue) func() {
	t.Helper()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	return func() { close(release) }
}

func TestSharedQueue_Ordering(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1}, nil, utils.DiscardLogger())
	defer q.Shutdown()

	release := blockWorker(t, q)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	add := func(name string, priority int, front bool) {
		wg.Add(1)
		require.NoError(t, q.Enqueue(Task{Priority: priority, Front: front, Run: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}))
	}

	add("p0", 0, false)
	add("p1-back-a", 1, false)
	add("p1-front-a", 1, true)
	add("p2", 2, false)
	add("p1-back-b", 1, false)
	add("p1-front-b", 1, true)
	assert.Equal(t, 6, q.Len())

	release()
	wg.Wait()

	assert.Equal(t, []string{"p2", "p1-front-b", "p1-front-a", "p1-back-a", "p1-back-b", "p0"}, order)
}

func TestSharedQueue_DeduplicatesPendingKeys(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1}, nil, utils.DiscardLogger())
	defer q.Shutdown()

	release := blockWorker(t, q)

	var runs sync.WaitGroup
	runs.Add(1)
	count := 0
	task := Task{Key: "t0/l1/7", Run: func(context.Context) error {
		count++
		runs.Done()
		return nil
	}}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(task))
	}
	assert.Equal(t, 1, q.Len())

	release()
	runs.Wait()
	assert.Equal(t, 1, count)

	// Once run, the key may be queued again.
	runs.Add(1)
	require.NoError(t, q.Enqueue(task))
	runs.Wait()
	assert.Equal(t, 2, count)
}

func TestSharedQueue_CloseDropsPending(t *testing.T) {
	t.Parallel()

	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)
	q := New(Config{Workers: 1}, collector, utils.DiscardLogger())

	started := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ran := false
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
			ran = true
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	require.NoError(t, q.Close(ctx))

	assert.False(t, ran)
	assert.Equal(t, uint64(4), q.Stats().Dropped)
	assert.Zero(t, q.Len())

	err = q.Enqueue(Task{Run: func(context.Context) error { return nil }})
	assert.True(t, stderr.Is(err, ErrQueueClosed))
}

func TestSharedQueue_CountsFailures(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 2, Rate: 1000}, nil, utils.DiscardLogger())
	defer q.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		fail := i%2 == 0
		require.NoError(t, q.Enqueue(Task{Run: func(context.Context) error {
			defer wg.Done()
			if fail {
				return stderr.New("fetch failed")
			}
			return nil
		}}))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.Completed == 2 && s.Failed == 2 && s.Running == 0
	}, time.Second, 5*time.Millisecond)
}
