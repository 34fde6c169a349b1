package volume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/n5stream/n5stream/internal/queue"
	"github.com/n5stream/n5stream/pkg/errors"
)

const loadedPollInterval = 2 * time.Millisecond

// VolatileView answers At from the block cache. A miss schedules the block
// according to the view's CacheHints and, unless the strategy is blocking,
// returns an invalid element straight away. Callers poll by asking again.
type VolatileView[T Numeric] struct {
	src   *VolatileSource[T]
	raw   BlockedView[T]
	grid  Shape
	t     int
	level int
	hints CacheHints
	state *loadState

	touchedMu sync.Mutex
	touched   *roaring64.Bitmap
}

// WrapAsVolatile binds raw, the backing view at (t, level), to the source's
// block cache and queue.
func (s *VolatileSource[T]) WrapAsVolatile(raw BlockedView[T], t, level int, hints CacheHints) *VolatileView[T] {
	return &VolatileView[T]{
		src:     s,
		raw:     raw,
		grid:    GridShape(raw.Shape(), raw.BlockSize()),
		t:       t,
		level:   level,
		hints:   hints,
		state:   s.loadState(t, level),
		touched: roaring64.New(),
	}
}

// Shape implements View.
func (v *VolatileView[T]) Shape() Shape { return v.raw.Shape() }

// Hints returns the hints the view was built with.
func (v *VolatileView[T]) Hints() CacheHints { return v.hints }

// At implements View.
func (v *VolatileView[T]) At(pos []int64) Volatile[T] {
	if !v.raw.Shape().Contains(pos) {
		return Volatile[T]{}
	}
	gridPos, offset, index := Locate(pos, v.raw.BlockSize(), v.grid)

	if blk, ok := v.src.blocks.Get(v.key(index)); ok {
		v.src.metrics.RecordCacheHit()
		return Volatile[T]{Value: blk.At(offset), Valid: true}
	}
	v.src.metrics.RecordCacheMiss()
	v.touch(index)

	switch v.hints.Strategy {
	case StrategyBlocking:
		blk, err := v.load(context.Background(), gridPos, index)
		if err != nil {
			return Volatile[T]{}
		}
		return Volatile[T]{Value: blk.At(offset), Valid: true}
	case StrategyDontLoad:
		return Volatile[T]{}
	default:
		v.request(gridPos, index)
		return Volatile[T]{}
	}
}

func (v *VolatileView[T]) key(index int64) BlockKey {
	return BlockKey{T: v.t, Level: v.level, Index: index}
}

func (v *VolatileView[T]) touch(index int64) {
	v.touchedMu.Lock()
	v.touched.Add(uint64(index))
	v.touchedMu.Unlock()
}

// taskKey names a block load on the shared queue. The source id keeps two
// adapters over same-named sources from deduplicating each other's loads.
func (v *VolatileView[T]) taskKey(index int64) string {
	return fmt.Sprintf("%s#%d/%d/%d/%d", v.src.Name(), v.src.id, v.t, v.level, index)
}

// request enqueues a load unless one is already in flight for the block.
func (v *VolatileView[T]) request(gridPos []int64, index int64) {
	if v.src.queue == nil {
		return
	}

	v.state.mu.Lock()
	if !v.state.inflight.CheckedAdd(uint64(index)) {
		v.state.mu.Unlock()
		return
	}
	v.state.mu.Unlock()

	err := v.src.queue.Enqueue(queue.Task{
		Key:      v.taskKey(index),
		Priority: v.hints.Priority,
		Front:    v.hints.EnqueueToFront,
		Run: func(ctx context.Context) error {
			_, err := v.load(ctx, gridPos, index)
			return err
		},
	})
	if err != nil {
		v.state.mu.Lock()
		v.state.inflight.Remove(uint64(index))
		v.state.mu.Unlock()
	}
}

func (v *VolatileView[T]) load(ctx context.Context, gridPos []int64, index int64) (Block[T], error) {
	blk, err := v.raw.LoadBlock(ctx, gridPos)

	v.state.mu.Lock()
	v.state.inflight.Remove(uint64(index))
	if err != nil {
		v.state.failed[uint64(index)] = err
	} else {
		delete(v.state.failed, uint64(index))
	}
	v.state.mu.Unlock()

	if err != nil {
		v.src.logger.Debug("block load failed",
			"t", v.t, "level", v.level, "block", index, "error", err)
		return Block[T]{}, err
	}

	v.src.blocks.Put(v.key(index), blk)
	v.src.metrics.SetCacheElements(v.src.blocks.Weight())
	return blk, nil
}

// Loaded blocks until every block touched through At is resident, a load
// fails, or ctx ends. Blocks that dropped out of the cache are requested
// again.
func (v *VolatileView[T]) Loaded(ctx context.Context) error {
	ticker := time.NewTicker(loadedPollInterval)
	defer ticker.Stop()

	for {
		v.touchedMu.Lock()
		indices := v.touched.ToArray()
		v.touchedMu.Unlock()

		missing := 0
		for _, idx := range indices {
			if v.src.blocks.Contains(v.key(int64(idx))) {
				continue
			}
			missing++

			v.state.mu.Lock()
			err, failed := v.state.failed[idx]
			inflight := v.state.inflight.Contains(idx)
			v.state.mu.Unlock()

			if failed {
				return errors.Wrap(err, errors.ErrCodeStorageRead, "block load failed").
					WithComponent("volume").
					WithDetail("t", v.t).
					WithDetail("level", v.level).
					WithDetail("block", idx)
			}
			if !inflight {
				v.request(gridFromIndex(int64(idx), v.grid), int64(idx))
			}
		}
		if missing == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "blocks still loading").
				WithComponent("volume").
				WithDetail("missing", missing)
		case <-ticker.C:
		}
	}
}

// Touched reports how many distinct blocks At has missed on.
func (v *VolatileView[T]) Touched() int {
	v.touchedMu.Lock()
	defer v.touchedMu.Unlock()
	return int(v.touched.GetCardinality())
}

func gridFromIndex(index int64, grid Shape) []int64 {
	pos := make([]int64, len(grid))
	for d := range grid {
		pos[d] = index % grid[d]
		index /= grid[d]
	}
	return pos
}
