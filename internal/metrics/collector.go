package metrics

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n5stream/n5stream/pkg/errors"
)

// Drain outcomes recorded by RecordDrain.
const (
	DrainComplete  = "complete"
	DrainAbandoned = "abandoned"
	DrainError     = "error"
)

// Collector exports n5stream metrics to Prometheus. A nil *Collector is valid
// and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec
	cacheElements prometheus.Gauge

	queueDepth prometheus.Gauge
	queueTasks *prometheus.CounterVec

	viewCounter  *prometheus.CounterVec
	drainCounter *prometheus.CounterVec
	drainedBytes prometheus.Counter
	breakerState *prometheus.GaugeVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	health http.Handler
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "n5stream",
		}
	}

	c := &Collector{
		config: config,
		logger: slog.Default().With("component", "metrics"),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetHealthHandler replaces the static /health response. Call it before Start.
func (c *Collector) SetHealthHandler(h http.Handler) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	c.mu.RLock()
	health := c.health
	c.mu.RUnlock()
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy","service":"n5stream-metrics"}`))
		})
	}
	mux.Handle("/health", health)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records a store operation (get, put, head) with its size.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	op, ok := c.operations[operation]
	if !ok {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += duration
	op.TotalSize += size
	if err != nil {
		op.Errors++
	}
	op.LastOperation = time.Now()
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.With(prometheus.Labels{
			"operation": operation,
			"type":      classifyError(err),
		}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit records a block cache hit
func (c *Collector) RecordCacheHit() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "hit"}).Inc()
}

// RecordCacheMiss records a block cache miss
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "miss"}).Inc()
}

// SetCacheElements reports the current weight of the block cache.
func (c *Collector) SetCacheElements(n int64) {
	if !c.enabled() {
		return
	}
	c.cacheElements.Set(float64(n))
}

// SetQueueDepth reports the number of pending fetch tasks.
func (c *Collector) SetQueueDepth(n int) {
	if !c.enabled() {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordTask records a finished queue task. result is "ok", "error" or "dropped".
func (c *Collector) RecordTask(result string) {
	if !c.enabled() {
		return
	}
	c.queueTasks.With(prometheus.Labels{"result": result}).Inc()
}

// RecordView counts a view handed out by the volatile source, by kind
// ("placeholder" or "volatile").
func (c *Collector) RecordView(kind string) {
	if !c.enabled() {
		return
	}
	c.viewCounter.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordDrain records how a read stream was finished on close.
func (c *Collector) RecordDrain(outcome string, drained int64) {
	if !c.enabled() {
		return
	}
	c.drainCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
	if drained > 0 {
		c.drainedBytes.Add(float64(drained))
	}
}

// SetBreakerOpen reports whether the named circuit breaker is open.
func (c *Collector) SetBreakerOpen(name string, open bool) {
	if !c.enabled() {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.breakerState.With(prometheus.Labels{"name": name}).Set(v)
}

// Operations returns a snapshot of per-operation totals.
func (c *Collector) Operations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	counterVec := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
		})
	}

	c.operationCounter = counterVec("operations_total", "Total number of object store operations", "operation", "status")
	c.errorCounter = counterVec("errors_total", "Total number of failed operations by category", "operation", "type")

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of object store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Size of object store transfers in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 20),
	}, []string{"operation"})

	c.cacheRequests = counterVec("cache_requests_total", "Block cache lookups", "type")
	c.cacheElements = gauge("cache_elements", "Elements resident in the block cache")

	c.queueDepth = gauge("queue_depth", "Fetch tasks waiting in the shared queue")
	c.queueTasks = counterVec("queue_tasks_total", "Fetch tasks finished by the shared queue", "result")

	c.viewCounter = counterVec("views_total", "Views handed out by the volatile source", "kind")
	c.drainCounter = counterVec("drains_total", "Read streams finished on close", "outcome")
	c.drainedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "drained_bytes_total",
		Help: "Unread bytes discarded when closing read streams",
	})
	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "circuit_breaker_open",
		Help: "1 while the named circuit breaker is open",
	}, []string{"name"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.cacheRequests,
		c.cacheElements,
		c.queueDepth,
		c.queueTasks,
		c.viewCounter,
		c.drainCounter,
		c.drainedBytes,
		c.breakerState,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	var nerr *errors.N5Error
	if stderr.As(err, &nerr) {
		return string(nerr.Category)
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if stderr.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}
