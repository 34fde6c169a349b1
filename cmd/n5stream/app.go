package main

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/n5stream/n5stream/internal/cache"
	"github.com/n5stream/n5stream/internal/channel"
	"github.com/n5stream/n5stream/internal/config"
	"github.com/n5stream/n5stream/internal/metadata"
	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/internal/n5"
	"github.com/n5stream/n5stream/internal/queue"
	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/internal/storage/minio"
	"github.com/n5stream/n5stream/internal/storage/s3"
	"github.com/n5stream/n5stream/internal/volume"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/health"
	"github.com/n5stream/n5stream/pkg/utils"
)

// loadWait bounds how long inspect waits for sampled blocks.
const loadWait = 30 * time.Second

type app struct {
	config  *config.Configuration
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
	loc     storage.Location
	channel *channel.Channel
	reader  *n5.Reader
	queue   *queue.SharedQueue
	closers []io.Closer
}

func loadConfig(file string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if file != "" {
		if err := cfg.LoadFromFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *options) (*app, error) {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := utils.NewLogger(utils.LoggerOptions{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "logger setup failed")
	}
	a := &app{config: cfg, logger: logger, closers: []io.Closer{logCloser}}
	a.health = health.NewTracker(health.DefaultConfig())
	a.health.OnChange(func(component string, from, to health.State, err error) {
		logger.Warn("health state change", "component", component, "from", from.String(), "to", to.String(), "error", err)
	})

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics.SetHealthHandler(a.health.Handler("n5stream"))
	if opts.metrics {
		if err := a.metrics.Start(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.loc, err = storage.ParseLocation(opts.root)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.loc.Remote {
		if err := a.connect(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.reader, err = n5.Open(ctx, opts.root, n5.Options{Channel: a.channel, Logger: logger})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.queue = queue.New(queue.Config{
		Workers: cfg.Queue.Workers,
		Rate:    cfg.Queue.FetchRate,
		Burst:   cfg.Queue.Burst,
	}, a.metrics, logger)
	return a, nil
}

// connect builds the object store client for the root's endpoint and wraps
// it in retries, a circuit breaker and the channel.
func (a *app) connect(ctx context.Context) error {
	sc := a.config.Storage
	if a.loc.Endpoint != "" {
		sc.Endpoint = a.loc.Endpoint
	}

	var (
		store storage.ObjectStore
		err   error
	)
	switch sc.Provider {
	case "minio":
		store, err = minio.New(minio.FromStorageConfig(sc), a.logger)
	default:
		store, err = s3.New(ctx, s3.FromStorageConfig(sc), a.logger)
	}
	if err != nil {
		return err
	}

	guarded := storage.NewGuarded(store, storage.GuardOptions{
		Retry:   a.config.Network.RetryPolicy(),
		Breaker: a.config.Network.BreakerPolicy(),
		Metrics: a.metrics,
		Health:  a.health,
		Logger:  a.logger,
	})

	maxDrain, err := a.config.Channel.MaxDrainBytesValue()
	if err != nil {
		return err
	}
	a.channel = channel.New(guarded, channel.Options{
		Drain: channel.DrainOptions{
			Timeout:  a.config.Channel.DrainTimeout,
			MaxBytes: maxDrain,
		},
		ContentType: a.config.Channel.ContentType,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	return nil
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Shutdown(); err != nil {
			a.logger.Warn("queue shutdown", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func (a *app) readSidecar(ctx context.Context, dataset string) ([]byte, error) {
	if a.loc.Remote {
		return channel.ReadSidecar(ctx, a.channel, a.loc, dataset)
	}
	p, err := utils.SecureJoin(a.loc.Path, filepath.FromSlash(dataset), "metadata.txt")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePathInvalid, "invalid dataset path")
	}
	return os.ReadFile(p)
}

func (a *app) printSidecar(ctx context.Context, out io.Writer, dataset string) error {
	raw, err := a.readSidecar(ctx, dataset)
	if err != nil {
		return err
	}
	acq, err := metadata.ParseWith(raw, metadata.DefaultParsers()...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(acq)
}

func (a *app) putSidecar(ctx context.Context, dataset, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := metadata.ParseWith(data, metadata.DefaultParsers()...); err != nil {
		return err
	}
	if !a.loc.Remote {
		p, err := utils.SecureJoin(a.loc.Path, filepath.FromSlash(dataset), "metadata.txt")
		if err != nil {
			return errors.Wrap(err, errors.ErrCodePathInvalid, "invalid dataset path")
		}
		return os.WriteFile(p, data, 0o644)
	}
	return channel.WriteSidecar(ctx, a.channel, a.loc, dataset, data)
}

func parseStrategy(s string) (volume.LoadingStrategy, error) {
	for _, st := range []volume.LoadingStrategy{volume.StrategyVolatile, volume.StrategyBlocking, volume.StrategyDontLoad} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown loading strategy %q", s)
}

func (a *app) inspect(ctx context.Context, out io.Writer, opts *options) error {
	switch opts.elementType {
	case "uint8":
		return inspect[uint8](ctx, a, out, opts)
	case "uint16":
		return inspect[uint16](ctx, a, out, opts)
	case "uint32":
		return inspect[uint32](ctx, a, out, opts)
	case "int8":
		return inspect[int8](ctx, a, out, opts)
	case "int16":
		return inspect[int16](ctx, a, out, opts)
	case "int32":
		return inspect[int32](ctx, a, out, opts)
	case "float32":
		return inspect[float32](ctx, a, out, opts)
	case "float64":
		return inspect[float64](ctx, a, out, opts)
	default:
		return fmt.Errorf("unsupported element type %q", opts.elementType)
	}
}

func inspect[T volume.Numeric](ctx context.Context, a *app, out io.Writer, opts *options) error {
	strategy, err := parseStrategy(opts.strategy)
	if err != nil {
		return err
	}

	src, err := n5.NewSource[T](ctx, a.reader, opts.dataset, n5.SourceOptions{
		Channel: opts.channel,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	vs := volume.NewVolatileSource[T](src, volume.VolatileOptions{
		Queue: a.queue,
		Cache: cache.Config{
			MaxWeight:  a.config.Cache.MaxElements,
			MaxEntries: a.config.Cache.MaxBlocks,
		},
		Strategy: strategy,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})

	vox := vs.VoxelDimensions()
	fmt.Fprintf(out, "dataset:   %s\n", vs.Name())
	fmt.Fprintf(out, "levels:    %d\n", vs.NumMipmapLevels())
	fmt.Fprintf(out, "voxel:     %g x %g x %g %s\n", vox.Size[0], vox.Size[1], vox.Size[2], vox.Unit)
	fmt.Fprintf(out, "transform: %v\n", vs.SourceTransform(opts.t, opts.level))
	if n, err := src.TimePoints(ctx); err == nil {
		fmt.Fprintf(out, "time:      %d points\n", n)
	}

	view, err := vs.View(opts.t, opts.level)
	if err != nil {
		return err
	}
	shape := view.Shape()
	center := make([]int64, len(shape))
	for d := range shape {
		center[d] = shape[d] / 2
	}
	fmt.Fprintf(out, "shape:     %v\n", shape)

	switch v := view.(type) {
	case *volume.ConstantView[volume.Volatile[T]]:
		fmt.Fprintf(out, "view:      placeholder (t=%d not written yet)\n", opts.t)
		fmt.Fprintf(out, "center:    %v\n", v.Value().Value)
	case *volume.VolatileView[T]:
		first := v.At(center)
		if !first.Valid && strategy == volume.StrategyVolatile {
			wctx, cancel := context.WithTimeout(ctx, loadWait)
			defer cancel()
			if err := v.Loaded(wctx); err != nil {
				return err
			}
		}
		got := v.At(center)
		if !got.Valid {
			fmt.Fprintf(out, "view:      volatile, center not loaded\n")
			return nil
		}
		fmt.Fprintf(out, "view:      loaded\n")
		fmt.Fprintf(out, "center:    %v\n", got.Value)
	default:
		return stderr.New("unexpected view type")
	}

	stats := vs.CacheStats()
	fmt.Fprintf(out, "cache:     %d blocks, %d hits, %d misses\n", stats.Entries, stats.Hits, stats.Misses)
	return nil
}
