// Package queue runs block fetches on a fixed pool of workers fed from a
// priority heap.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/pkg/errors"
)

// Task results recorded in metrics.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

// Task is one unit of background work.
type Task struct {
	// Key deduplicates pending tasks. Enqueueing a key that is already
	// waiting is a no-op. Empty keys are never deduplicated.
	Key string
	// Priority orders tasks; higher runs first.
	Priority int
	// Front puts the task ahead of queued tasks of the same priority.
	Front bool
	Run   func(ctx context.Context) error
}

// Config sizes the queue.
type Config struct {
	Workers int
	// Rate caps task starts per second. Zero means unlimited.
	Rate  float64
	Burst int
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.NewError(errors.ErrCodeQueueClosed, "queue is closed").
	WithComponent("queue").
	WithRetryable(false)

// SharedQueue is a priority work queue shared by every volatile view of a
// source. Ordering between tasks is a scheduling hint only.
type SharedQueue struct {
	config  Config
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	pending map[string]struct{}
	front   int64
	back    int64
	closed  bool
	stats   Stats
}

// New starts a queue with config.Workers workers (at least one).
func New(config Config, collector *metrics.Collector, logger *slog.Logger) *SharedQueue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SharedQueue{
		config:  config,
		metrics: collector,
		logger:  logger.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	if config.Rate > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = max(1, int(config.Rate))
		}
		q.limiter = rate.NewLimiter(rate.Limit(config.Rate), burst)
	}

	q.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue schedules task. It never blocks on task execution.
func (q *SharedQueue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if task.Key != "" {
		if _, ok := q.pending[task.Key]; ok {
			return nil
		}
		q.pending[task.Key] = struct{}{}
	}

	var seq int64
	if task.Front {
		q.front--
		seq = q.front
	} else {
		q.back++
		seq = q.back
	}
	heap.Push(&q.heap, item{task: task, seq: seq})
	q.stats.Pending = q.heap.Len()
	q.metrics.SetQueueDepth(q.heap.Len())
	q.cond.Signal()
	return nil
}

// Len returns the number of tasks waiting to run.
func (q *SharedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Stats returns current counters.
func (q *SharedQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *SharedQueue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Task{}, false
	}

	it := heap.Pop(&q.heap).(item)
	if it.task.Key != "" {
		delete(q.pending, it.task.Key)
	}
	q.stats.Pending = q.heap.Len()
	q.stats.Running++
	q.metrics.SetQueueDepth(q.heap.Len())
	return it.task, true
}

func (q *SharedQueue) worker() {
	defer q.wg.Done()

	for {
		task, ok := q.next()
		if !ok {
			return
		}
		q.run(task)
	}
}

func (q *SharedQueue) run(task Task) {
	err := q.wait()
	if err == nil {
		err = task.Run(q.ctx)
	}

	result := ResultOK
	q.mu.Lock()
	q.stats.Running--
	switch {
	case err == nil:
		q.stats.Completed++
	case q.ctx.Err() != nil:
		result = ResultDropped
		q.stats.Dropped++
	default:
		result = ResultError
		q.stats.Failed++
	}
	q.mu.Unlock()

	if result == ResultError {
		q.logger.Debug("task failed", "key", task.Key, "priority", task.Priority, "error", err)
	}
	q.metrics.RecordTask(result)
}

func (q *SharedQueue) wait() error {
	if q.limiter == nil {
		return nil
	}
	return q.limiter.Wait(q.ctx)
}

// Close stops accepting tasks, drops everything still pending and cancels
// running tasks. It waits for workers to exit or for ctx to end.
func (q *SharedQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.heap.Len()
	q.heap = nil
	clear(q.pending)
	q.stats.Pending = 0
	q.stats.Dropped += uint64(dropped)
	q.cond.Broadcast()
	q.mu.Unlock()

	for i := 0; i < dropped; i++ {
		q.metrics.RecordTask(ResultDropped)
	}
	q.metrics.SetQueueDepth(0)
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Debug("queue closed", "dropped", dropped)
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "timed out waiting for queue workers").
			WithComponent("queue")
	}
}

// closeTimeout bounds Shutdown.
const closeTimeout = 5 * time.Second

// Shutdown is Close with a default timeout.
func (q *SharedQueue) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return q.Close(ctx)
}
