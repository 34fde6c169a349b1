package storage

import (
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"time"

	"github.com/n5stream/n5stream/internal/circuit"
	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/pkg/health"
	"github.com/n5stream/n5stream/pkg/retry"
)

// HealthComponent is the name Guarded reports under to a health.Tracker.
const HealthComponent = "object-store"

// Guarded decorates an ObjectStore with a per-bucket circuit breaker, read
// retries and operation metrics. Puts go through the breaker but are never
// retried, so one commit is always one request.
type Guarded struct {
	store    ObjectStore
	breakers *circuit.Manager
	retryer  *retry.Retryer
	metrics  *metrics.Collector
	health   *health.Tracker
	logger   *slog.Logger
}

// GuardOptions configures NewGuarded. Zero values use package defaults.
type GuardOptions struct {
	Retry   retry.Config
	Breaker circuit.Config
	Metrics *metrics.Collector
	Health  *health.Tracker
	Logger  *slog.Logger
}

// NewGuarded wraps store.
func NewGuarded(store ObjectStore, opts GuardOptions) *Guarded {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "guarded-store")

	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("retrying read", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	breakerCfg := opts.Breaker
	collector := opts.Metrics
	tracker := opts.Health
	tracker.Register(HealthComponent)
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state change", "bucket", name, "from", from.String(), "to", to.String())
		collector.SetBreakerOpen(name, to == circuit.StateOpen)
		switch to {
		case circuit.StateOpen:
			tracker.Set(HealthComponent, health.StateUnavailable, circuit.ErrOpenState)
		case circuit.StateHalfOpen:
			tracker.Set(HealthComponent, health.StateDegraded, nil)
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	return &Guarded{
		store:    store,
		breakers: circuit.NewManager(breakerCfg),
		retryer:  retry.New(retryCfg),
		metrics:  collector,
		health:   tracker,
		logger:   logger,
	}
}

// Unwrap returns the decorated store.
func (g *Guarded) Unwrap() ObjectStore { return g.store }

// Breakers exposes the per-bucket breakers.
func (g *Guarded) Breakers() *circuit.Manager { return g.breakers }

// GetObject implements ObjectStore.
func (g *Guarded) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	var (
		body io.ReadCloser
		info ObjectInfo
	)
	start := time.Now()
	err := g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return g.breakers.Get(bucket).Execute(ctx, func(ctx context.Context) error {
			var err error
			body, info, err = g.store.GetObject(ctx, bucket, key)
			return err
		})
	})
	g.metrics.RecordOperation("get", time.Since(start), info.Size, err)
	g.observe(err)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return body, info, nil
}

// PutObject implements ObjectStore.
func (g *Guarded) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta ObjectMetadata) error {
	start := time.Now()
	err := g.breakers.Get(bucket).Execute(ctx, func(ctx context.Context) error {
		return g.store.PutObject(ctx, bucket, key, body, meta)
	})
	g.metrics.RecordOperation("put", time.Since(start), meta.ContentLength, err)
	g.observe(err)
	return err
}

// HeadObject implements ObjectStore.
func (g *Guarded) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	start := time.Now()
	err := g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return g.breakers.Get(bucket).Execute(ctx, func(ctx context.Context) error {
			var err error
			info, err = g.store.HeadObject(ctx, bucket, key)
			return err
		})
	})
	g.metrics.RecordOperation("head", time.Since(start), 0, err)
	g.observe(err)
	return info, err
}

// observe reports err to the health tracker. Outcomes the breaker does not
// count against the endpoint count as successes here too.
func (g *Guarded) observe(err error) {
	if circuit.IsSuccessful(err) {
		g.health.RecordSuccess(HealthComponent)
		return
	}
	if stderr.Is(err, circuit.ErrOpenState) || stderr.Is(err, circuit.ErrTooManyRequests) {
		return
	}
	g.health.RecordError(HealthComponent, err)
}
