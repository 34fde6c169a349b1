package volume

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5stream/n5stream/internal/cache"
	"github.com/n5stream/n5stream/internal/queue"
	"github.com/n5stream/n5stream/pkg/utils"
)

// genView computes each element from its position, so large shapes cost
// nothing until a block is loaded.
type genView struct {
	shape     Shape
	blockSize Shape
	loads     atomic.Int64
	fail      error
}

func (g *genView) Shape() Shape     { return g.shape }
func (g *genView) BlockSize() Shape { return g.blockSize }

func valueAt(pos []int64) uint16 {
	return uint16(pos[0] + 7*pos[1] + 13*pos[2])
}

func (g *genView) LoadBlock(ctx context.Context, gridPos []int64) (Block[uint16], error) {
	g.loads.Add(1)
	if g.fail != nil {
		return Block[uint16]{}, g.fail
	}
	if err := ctx.Err(); err != nil {
		return Block[uint16]{}, err
	}

	lo := make([]int64, len(g.shape))
	size := make(Shape, len(g.shape))
	for d := range g.shape {
		lo[d] = gridPos[d] * g.blockSize[d]
		size[d] = min(g.blockSize[d], g.shape[d]-lo[d])
	}
	data := make([]uint16, size.Size())
	pos := make([]int64, len(g.shape))
	for i := range data {
		rem := int64(i)
		for d := range size {
			pos[d] = lo[d] + rem%size[d]
			rem /= size[d]
		}
		data[i] = valueAt(pos)
	}
	return Block[uint16]{Size: size, Data: data}, nil
}

type fakeSource struct {
	mu      sync.Mutex
	shapes  []Shape
	missing map[[2]int]bool
	views   map[[2]int]*genView
	fail    error

	viewErr   error
	existsErr error
}

func newFakeSource(shapes ...Shape) *fakeSource {
	return &fakeSource{
		shapes:  shapes,
		missing: make(map[[2]int]bool),
		views:   make(map[[2]int]*genView),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) View(t, level int) (BlockedView[uint16], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	key := [2]int{t, level}
	v, ok := f.views[key]
	if !ok {
		v = &genView{shape: f.shapes[level], blockSize: Shape{64, 64, 8}, fail: f.fail}
		f.views[key] = v
	}
	return v, nil
}

func (f *fakeSource) Exists(t, level int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return !f.missing[[2]int{t, level}], nil
}

func (f *fakeSource) SourceTransform(_, level int) Transform {
	s := float64(int(1) << level)
	return ScaleTransform([3]float64{s, s, s})
}

func (f *fakeSource) VoxelDimensions() VoxelDimensions {
	return VoxelDimensions{Unit: "um", Size: [3]float64{0.5, 0.5, 2}}
}

func (f *fakeSource) NumMipmapLevels() int { return len(f.shapes) }

func (f *fakeSource) loads(t, level int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.views[[2]int{t, level}]; ok {
		return v.loads.Load()
	}
	return 0
}

func threeLevels() *fakeSource {
	return newFakeSource(Shape{512, 512, 10}, Shape{256, 256, 10}, Shape{128, 128, 5})
}

func newTestVolatile(t *testing.T, src Source[uint16], strategy LoadingStrategy) (*VolatileSource[uint16], *queue.SharedQueue) {
	t.Helper()
	q := queue.New(queue.Config{Workers: 2}, nil, utils.DiscardLogger())
	t.Cleanup(func() { _ = q.Shutdown() })
	return NewVolatileSource(src, VolatileOptions{
		Queue:    q,
		Cache:    cache.Config{MaxWeight: 1 << 22},
		Strategy: strategy,
		Logger:   utils.DiscardLogger(),
	}), q
}

func TestPlaceholderCache_ReusesInstanceForSameShape(t *testing.T) {
	t.Parallel()

	var c PlaceholderCache[uint8]
	a := c.Placeholder(Shape{4, 4, 2})
	b := c.Placeholder(Shape{4, 4, 2})
	assert.Same(t, a, b)

	other := c.Placeholder(Shape{8, 4, 2})
	assert.NotSame(t, a, other)
	assert.True(t, other.Shape().Equal(Shape{8, 4, 2}))

	again := c.Placeholder(Shape{4, 4, 2})
	assert.NotSame(t, a, again, "a different shape replaces the memoized view")
}

func TestPlaceholderCache_ZeroValid(t *testing.T) {
	t.Parallel()

	var c PlaceholderCache[float32]
	v := c.View(nil, Shape{3, 3, 3})
	assert.Equal(t, Volatile[float32]{Value: 0, Valid: true}, v.At([]int64{2, 1, 0}))
}

func TestPlaceholderCache_ShapeIsCopied(t *testing.T) {
	t.Parallel()

	var c PlaceholderCache[uint8]
	shape := Shape{4, 4}
	v := c.Placeholder(shape)
	shape[0] = 99
	assert.True(t, v.Shape().Equal(Shape{4, 4}))
}

func TestPlaceholderCache_SourceIsReadSynchronously(t *testing.T) {
	t.Parallel()

	var c PlaceholderCache[uint16]
	g := &genView{shape: Shape{10, 10, 3}, blockSize: Shape{4, 4, 2}}
	v := c.View(g, Shape{10, 10, 3})

	_, isConst := v.(*ConstantView[Volatile[uint16]])
	assert.False(t, isConst)

	pos := []int64{9, 5, 2}
	assert.Equal(t, Volatile[uint16]{Value: valueAt(pos), Valid: true}, v.At(pos))
}

func TestVolatileSource_MissingTimePointIsZeroPlaceholder(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	src.missing[[2]int{5, 0}] = true
	vs, q := newTestVolatile(t, src, StrategyVolatile)

	v, err := vs.View(5, 0)
	require.NoError(t, err)
	assert.True(t, v.Shape().Equal(Shape{512, 512, 10}))

	for _, pos := range [][]int64{{0, 0, 0}, {511, 511, 9}, {100, 3, 4}} {
		assert.Equal(t, Volatile[uint16]{Value: 0, Valid: true}, v.At(pos))
	}

	again, err := vs.View(5, 0)
	require.NoError(t, err)
	assert.Same(t, v, again)

	assert.Zero(t, q.Stats().Completed)
	assert.Zero(t, q.Len())
	assert.Zero(t, src.loads(5, 0))
}

func TestVolatileSource_PresentTimePointIsNeverPlaceholder(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	src.missing[[2]int{5, 0}] = true
	vs, _ := newTestVolatile(t, src, StrategyVolatile)

	v, err := vs.View(4, 0)
	require.NoError(t, err)

	_, isConst := v.(*ConstantView[Volatile[uint16]])
	assert.False(t, isConst)

	vv, ok := v.(*VolatileView[uint16])
	require.True(t, ok)
	assert.Equal(t, CacheHints{Strategy: StrategyVolatile, Priority: 0, EnqueueToFront: true}, vv.Hints())

	v2, err := vs.View(4, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.(*VolatileView[uint16]).Hints().Priority)
}

func TestVolatileSource_TimePointAppearsLater(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	src.missing[[2]int{1, 1}] = true
	vs, _ := newTestVolatile(t, src, StrategyBlocking)

	v, err := vs.View(1, 1)
	require.NoError(t, err)
	assert.Equal(t, Volatile[uint16]{Valid: true}, v.At([]int64{10, 10, 1}))

	src.mu.Lock()
	delete(src.missing, [2]int{1, 1})
	src.mu.Unlock()

	v, err = vs.View(1, 1)
	require.NoError(t, err)
	pos := []int64{10, 10, 1}
	assert.Equal(t, Volatile[uint16]{Value: valueAt(pos), Valid: true}, v.At(pos))
}

func TestVolatileView_LoadsInBackground(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	vs, _ := newTestVolatile(t, src, StrategyVolatile)

	v, err := vs.View(0, 1)
	require.NoError(t, err)
	vv := v.(*VolatileView[uint16])

	positions := [][]int64{{0, 0, 0}, {70, 3, 1}, {255, 255, 9}}
	for _, pos := range positions {
		vv.At(pos)
	}
	assert.Equal(t, 3, vv.Touched())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, vv.Loaded(ctx))

	for _, pos := range positions {
		assert.Equal(t, Volatile[uint16]{Value: valueAt(pos), Valid: true}, vv.At(pos))
	}
	assert.Equal(t, int64(3), src.loads(0, 1))

	stats := vs.CacheStats()
	assert.Equal(t, uint64(3), stats.Hits)
}

func TestVolatileView_DeduplicatesInflightLoads(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	q := queue.New(queue.Config{Workers: 1}, nil, utils.DiscardLogger())
	t.Cleanup(func() { _ = q.Shutdown() })

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(queue.Task{Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	vs := NewVolatileSource[uint16](src, VolatileOptions{
		Queue:  q,
		Cache:  cache.Config{MaxWeight: 1 << 22},
		Logger: utils.DiscardLogger(),
	})
	v, err := vs.View(0, 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.False(t, v.At([]int64{1, 2, int64(i % 8)}).Valid)
	}
	assert.Equal(t, 1, q.Len())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, v.(*VolatileView[uint16]).Loaded(ctx))
	assert.Equal(t, int64(1), src.loads(0, 0))
}

func TestVolatileView_Blocking(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	vs := NewVolatileSource[uint16](src, VolatileOptions{
		Cache:    cache.Config{MaxWeight: 1 << 22},
		Strategy: StrategyBlocking,
		Logger:   utils.DiscardLogger(),
	})

	v, err := vs.View(2, 2)
	require.NoError(t, err)
	pos := []int64{127, 64, 4}
	assert.Equal(t, Volatile[uint16]{Value: valueAt(pos), Valid: true}, v.At(pos))
	assert.Equal(t, Volatile[uint16]{Value: valueAt(pos), Valid: true}, v.At(pos))
	assert.Equal(t, int64(1), src.loads(2, 2))
}

func TestVolatileView_DontLoad(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	vs, q := newTestVolatile(t, src, StrategyDontLoad)

	v, err := vs.View(0, 0)
	require.NoError(t, err)
	assert.False(t, v.At([]int64{0, 0, 0}).Valid)
	assert.Zero(t, q.Len())
	assert.Zero(t, src.loads(0, 0))
}

func TestVolatileView_OutOfBoundsIsInvalid(t *testing.T) {
	t.Parallel()

	vs, _ := newTestVolatile(t, threeLevels(), StrategyBlocking)
	v, err := vs.View(0, 2)
	require.NoError(t, err)
	assert.False(t, v.At([]int64{128, 0, 0}).Valid)
	assert.False(t, v.At([]int64{0, 0}).Valid)
}

func TestVolatileView_LoadFailureSurfacesFromLoaded(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	boom := stderr.New("connection reset")
	src.fail = boom
	vs, _ := newTestVolatile(t, src, StrategyVolatile)

	v, err := vs.View(0, 0)
	require.NoError(t, err)
	vv := v.(*VolatileView[uint16])
	assert.False(t, vv.At([]int64{0, 0, 0}).Valid)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = vv.Loaded(ctx)
	require.Error(t, err)
	assert.True(t, stderr.Is(err, boom))
}

func TestVolatileView_LoadedRespectsContext(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	vs := NewVolatileSource[uint16](src, VolatileOptions{
		Cache:  cache.Config{MaxWeight: 1 << 22},
		Logger: utils.DiscardLogger(),
	})
	v, err := vs.View(0, 0)
	require.NoError(t, err)
	vv := v.(*VolatileView[uint16])
	vv.At([]int64{0, 0, 0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, vv.Loaded(ctx), "without a queue nothing ever loads")
}

func TestVolatileSource_Passthrough(t *testing.T) {
	t.Parallel()

	src := threeLevels()
	vs, _ := newTestVolatile(t, src, StrategyVolatile)

	assert.Equal(t, "fake", vs.Name())
	assert.Equal(t, 3, vs.NumMipmapLevels())
	assert.Equal(t, src.VoxelDimensions(), vs.VoxelDimensions())
	assert.Equal(t, src.SourceTransform(0, 2), vs.SourceTransform(0, 2))
}

func TestTransform(t *testing.T) {
	t.Parallel()

	s := ScaleTransform([3]float64{2, 2, 2})
	assert.Equal(t, [3]float64{0.5, 0.5, 0.5}, s.Apply([3]float64{0, 0, 0}))
	assert.Equal(t, [3]float64{2.5, 4.5, 0.5}, s.Apply([3]float64{1, 2, 0}))

	assert.Equal(t, s, Identity.Concatenate(s))
	assert.Equal(t, s, s.Concatenate(Identity))

	both := s.Concatenate(s)
	p := [3]float64{3, 1, 2}
	assert.Equal(t, s.Apply(s.Apply(p)), both.Apply(p))
}

func TestLocate(t *testing.T) {
	t.Parallel()

	grid := GridShape(Shape{100, 50, 3}, Shape{32, 32, 2})
	assert.Equal(t, Shape{4, 2, 2}, grid)

	gridPos, offset, index := Locate([]int64{70, 40, 2}, Shape{32, 32, 2}, grid)
	assert.Equal(t, []int64{2, 1, 1}, gridPos)
	assert.Equal(t, []int64{6, 8, 0}, offset)
	assert.Equal(t, int64(2+1*4+1*8), index)
	assert.Equal(t, gridPos, gridFromIndex(index, grid))
}

func TestVolatileSource_BackingErrorsPropagate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fakeSource, err error)
	}{
		{"view fails", func(f *fakeSource, err error) { f.viewErr = err }},
		{"exists fails", func(f *fakeSource, err error) { f.existsErr = err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := threeLevels()
			boom := stderr.New("attributes unreadable")
			tt.setup(src, boom)
			vs, q := newTestVolatile(t, src, StrategyVolatile)

			v, err := vs.View(1, 0)
			assert.Same(t, boom, err)
			assert.Nil(t, v)
			assert.Zero(t, q.Len())
			assert.Zero(t, q.Stats().Completed)
		})
	}
}

func TestVolatileView_SameNamedSourcesShareQueue(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Workers: 1}, nil, utils.DiscardLogger())
	t.Cleanup(func() { _ = q.Shutdown() })

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(queue.Task{Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	srcA, srcB := threeLevels(), threeLevels()
	require.Equal(t, srcA.Name(), srcB.Name())

	var views []*VolatileView[uint16]
	for _, src := range []*fakeSource{srcA, srcB} {
		vs := NewVolatileSource[uint16](src, VolatileOptions{
			Queue:  q,
			Cache:  cache.Config{MaxWeight: 1 << 22},
			Logger: utils.DiscardLogger(),
		})
		v, err := vs.View(0, 0)
		require.NoError(t, err)
		vv := v.(*VolatileView[uint16])
		assert.False(t, vv.At([]int64{0, 0, 0}).Valid)
		views = append(views, vv)
	}
	assert.Equal(t, 2, q.Len())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, vv := range views {
		require.NoError(t, vv.Loaded(ctx))
		assert.True(t, vv.At([]int64{0, 0, 0}).Valid)
	}
	assert.Equal(t, int64(1), srcA.loads(0, 0))
	assert.Equal(t, int64(1), srcB.loads(0, 0))
}

func TestVolatileView_BlockIndicesBeyond32Bits(t *testing.T) {
	t.Parallel()

	src := newFakeSource(Shape{64 << 20, 64 << 20, 8})
	vs, q := newTestVolatile(t, src, StrategyDontLoad)

	v, err := vs.View(0, 0)
	require.NoError(t, err)
	vv := v.(*VolatileView[uint16])

	_, _, index := Locate([]int64{0, 4096 * 64, 0}, vv.raw.BlockSize(), vv.grid)
	require.Equal(t, int64(1)<<32, index)

	vv.At([]int64{0, 0, 0})
	vv.At([]int64{0, 4096 * 64, 0})
	assert.Equal(t, 2, vv.Touched())
	assert.Zero(t, q.Len())
}
