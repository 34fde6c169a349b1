package volume

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/n5stream/n5stream/internal/cache"
	"github.com/n5stream/n5stream/internal/metrics"
	"github.com/n5stream/n5stream/internal/queue"
)

// LoadingStrategy decides what a volatile view does on a cache miss.
type LoadingStrategy int

const (
	// StrategyVolatile enqueues the block and answers "not loaded" at once.
	StrategyVolatile LoadingStrategy = iota
	// StrategyBlocking loads the block on the calling goroutine.
	StrategyBlocking
	// StrategyDontLoad answers "not loaded" without fetching anything.
	StrategyDontLoad
)

func (s LoadingStrategy) String() string {
	switch s {
	case StrategyVolatile:
		return "volatile"
	case StrategyBlocking:
		return "blocking"
	case StrategyDontLoad:
		return "dont-load"
	default:
		return "unknown"
	}
}

// CacheHints steer how a volatile view schedules its loads.
type CacheHints struct {
	Strategy LoadingStrategy
	// Priority orders queued loads; higher runs first.
	Priority int
	// EnqueueToFront places loads ahead of queued work of equal priority.
	EnqueueToFront bool
}

// BlockKey identifies a loaded block within one source.
type BlockKey struct {
	T     int
	Level int
	Index int64
}

// VolatileOptions configures a VolatileSource.
type VolatileOptions struct {
	Queue *queue.SharedQueue
	// Cache bounds loaded blocks; weight is the element count.
	Cache    cache.Config
	Strategy LoadingStrategy
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// VolatileSource adapts a Source for a viewer that must never block.
// Missing time points become zero placeholders; present ones become volatile
// views that fill in as their blocks arrive.
type VolatileSource[T Numeric] struct {
	id       uint64
	backing  Source[T]
	queue    *queue.SharedQueue
	strategy LoadingStrategy
	metrics  *metrics.Collector
	logger   *slog.Logger

	placeholder PlaceholderCache[T]
	blocks      *cache.LRU[BlockKey, Block[T]]

	transformMu sync.Mutex

	loadsMu sync.Mutex
	loads   map[timeLevel]*loadState
}

type timeLevel struct{ t, level int }

// sourceIDs keeps queue keys of different adapters apart even when their
// backing sources share a name.
var sourceIDs atomic.Uint64

// loadState tracks block loads for one (t, level).
type loadState struct {
	mu       sync.Mutex
	inflight *roaring64.Bitmap
	failed   map[uint64]error
}

// NewVolatileSource wraps backing. opts.Queue is required unless the
// strategy never enqueues.
func NewVolatileSource[T Numeric](backing Source[T], opts VolatileOptions) *VolatileSource[T] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &VolatileSource[T]{
		id:       sourceIDs.Add(1),
		backing:  backing,
		queue:    opts.Queue,
		strategy: opts.Strategy,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "volatile-source", "source", backing.Name()),
		blocks: cache.NewLRU[BlockKey, Block[T]](opts.Cache, func(b Block[T]) int64 {
			return int64(len(b.Data))
		}),
		loads: make(map[timeLevel]*loadState),
	}
	return s
}

// Name implements Source.
func (s *VolatileSource[T]) Name() string { return s.backing.Name() }

// View returns the view for (t, level). Errors from the backing source are
// returned unchanged; a time point that does not exist is not an error.
func (s *VolatileSource[T]) View(t, level int) (View[Volatile[T]], error) {
	raw, err := s.backing.View(t, level)
	if err != nil {
		return nil, err
	}

	exists, err := s.backing.Exists(t, level)
	if err != nil {
		return nil, err
	}
	if !exists {
		s.metrics.RecordView("placeholder")
		return s.placeholder.View(nil, raw.Shape()), nil
	}

	s.metrics.RecordView("volatile")
	return s.WrapAsVolatile(raw, t, level, CacheHints{
		Strategy:       s.strategy,
		Priority:       level,
		EnqueueToFront: true,
	}), nil
}

// SourceTransform implements Source. Calls are serialized because the
// backing transform may be replaced on a configuration reload.
func (s *VolatileSource[T]) SourceTransform(t, level int) Transform {
	s.transformMu.Lock()
	defer s.transformMu.Unlock()
	return s.backing.SourceTransform(t, level)
}

// VoxelDimensions implements Source.
func (s *VolatileSource[T]) VoxelDimensions() VoxelDimensions { return s.backing.VoxelDimensions() }

// NumMipmapLevels implements Source.
func (s *VolatileSource[T]) NumMipmapLevels() int { return s.backing.NumMipmapLevels() }

// CacheStats reports block cache counters.
func (s *VolatileSource[T]) CacheStats() cache.Stats { return s.blocks.Stats() }

func (s *VolatileSource[T]) loadState(t, level int) *loadState {
	key := timeLevel{t, level}

	s.loadsMu.Lock()
	defer s.loadsMu.Unlock()
	st, ok := s.loads[key]
	if !ok {
		st = &loadState{inflight: roaring64.New(), failed: make(map[uint64]error)}
		s.loads[key] = st
	}
	return st
}
