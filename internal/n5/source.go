package n5

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/internal/volume"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// SourceOptions configures NewSource.
type SourceOptions struct {
	// Channel picks one channel of 5-D (x, y, z, c, t) data. It is ignored
	// for lower ranks.
	Channel int
	// ExistsTimeout bounds the attribute read behind Exists.
	ExistsTimeout time.Duration
	Logger        *slog.Logger
}

type level struct {
	path    string
	attrs   *DatasetAttributes
	factors [3]float64
}

// Source is a multiscale dataset: either a group holding s0..sN arrays or a
// single array. The first three dimensions are x, y and z. For rank 4 and
// above the last dimension is time, and rank 5 has channels in dimension 3.
type Source[T volume.Numeric] struct {
	reader     *Reader
	dataset    string
	channel    int
	timeout    time.Duration
	levels     []level
	resolution volume.VoxelDimensions
	logger     *slog.Logger
}

// NewSource opens dataset. Levels are read concurrently.
func NewSource[T volume.Numeric](ctx context.Context, r *Reader, dataset string, opts SourceOptions) (*Source[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ExistsTimeout <= 0 {
		opts.ExistsTimeout = 30 * time.Second
	}

	group, err := r.Attributes(ctx, dataset)
	if storage.IsNotFound(err) {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetNotFound, "dataset not found").
			WithComponent("n5").
			WithContext("dataset", dataset)
	}
	if err != nil {
		return nil, err
	}

	s := &Source[T]{
		reader:  r,
		dataset: dataset,
		channel: opts.Channel,
		timeout: opts.ExistsTimeout,
		logger:  logger.With("component", "n5-source", "dataset", dataset),
	}

	res, ok, err := decodePixelResolution(group)
	if err != nil {
		return nil, err
	}
	s.resolution = volume.VoxelDimensions{Unit: "pixel", Size: [3]float64{1, 1, 1}}
	if ok {
		if res.Unit != "" {
			s.resolution.Unit = res.Unit
		}
		copy(s.resolution.Size[:], res.Dimensions)
	}

	if err := s.loadLevels(ctx, group); err != nil {
		return nil, err
	}
	for i, l := range s.levels {
		if err := s.checkLevel(l); err != nil {
			return nil, err
		}
		s.logger.Debug("level loaded", "level", i, "dimensions", l.attrs.Dimensions, "factors", l.factors)
	}
	return s, nil
}

func (s *Source[T]) loadLevels(ctx context.Context, group Attributes) error {
	if group.Has("dimensions") {
		attrs, err := datasetAttributes(group, s.dataset)
		if err != nil {
			return err
		}
		s.levels = []level{{path: s.dataset, attrs: attrs, factors: [3]float64{1, 1, 1}}}
		return nil
	}

	var scales [][]float64
	if _, err := group.Decode("scales", &scales); err != nil {
		return err
	}
	if len(scales) == 0 {
		return s.probeLevels(ctx)
	}

	s.levels = make([]level, len(scales))
	g, gctx := errgroup.WithContext(ctx)
	for i := range scales {
		g.Go(func() error {
			l, err := s.readLevel(gctx, i)
			if err != nil {
				return err
			}
			copy(l.factors[:], scales[i])
			s.levels[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.fillFactors()
	return nil
}

// probeLevels reads s0, s1, ... until one is missing.
func (s *Source[T]) probeLevels(ctx context.Context) error {
	for i := 0; ; i++ {
		l, err := s.readLevel(ctx, i)
		var nerr *errors.N5Error
		if stderr.As(err, &nerr) && nerr.Code == errors.ErrCodeDatasetNotFound {
			if i == 0 {
				return err
			}
			break
		}
		if err != nil {
			return err
		}
		s.levels = append(s.levels, l)
	}
	s.fillFactors()
	return nil
}

func (s *Source[T]) readLevel(ctx context.Context, i int) (level, error) {
	path := utils.JoinKey(s.dataset, fmt.Sprintf("s%d", i))
	raw, err := s.reader.Attributes(ctx, path)
	if storage.IsNotFound(err) {
		return level{}, errors.Wrap(err, errors.ErrCodeDatasetNotFound, "scale level not found").
			WithComponent("n5").
			WithContext("dataset", path)
	}
	if err != nil {
		return level{}, err
	}
	attrs, err := datasetAttributes(raw, path)
	if err != nil {
		return level{}, err
	}

	l := level{path: path, attrs: attrs}
	var factors []float64
	if _, err := raw.Decode("downsamplingFactors", &factors); err != nil {
		return level{}, err
	}
	copy(l.factors[:], factors)
	return l, nil
}

// fillFactors derives missing downsampling factors from the level extents.
func (s *Source[T]) fillFactors() {
	base := s.levels[0].attrs.Dimensions
	for i := range s.levels {
		l := &s.levels[i]
		for d := 0; d < 3; d++ {
			if l.factors[d] > 0 {
				continue
			}
			if i == 0 || l.attrs.Dimensions[d] == 0 {
				l.factors[d] = 1
				continue
			}
			l.factors[d] = math.Round(float64(base[d]) / float64(l.attrs.Dimensions[d]))
		}
	}
}

func (s *Source[T]) checkLevel(l level) error {
	n := l.attrs.NumDimensions()
	if n < 3 || n > 5 {
		return errors.NewError(errors.ErrCodeFormatUnsupported, "expected 3 to 5 dimensions").
			WithComponent("n5").
			WithContext("dataset", l.path).
			WithDetail("dimensions", l.attrs.Dimensions)
	}
	if n == 5 && (s.channel < 0 || int64(s.channel) >= l.attrs.Dimensions[3]) {
		return errors.NewError(errors.ErrCodeInvalidConfig, "channel out of range").
			WithComponent("n5").
			WithContext("dataset", l.path).
			WithDetail("channel", s.channel).
			WithDetail("channels", l.attrs.Dimensions[3])
	}
	return nil
}

// Name implements volume.Source.
func (s *Source[T]) Name() string { return s.dataset }

// NumMipmapLevels implements volume.Source.
func (s *Source[T]) NumMipmapLevels() int { return len(s.levels) }

// VoxelDimensions implements volume.Source.
func (s *Source[T]) VoxelDimensions() volume.VoxelDimensions { return s.resolution }

// SourceTransform implements volume.Source. It scales by the voxel size
// after the level's downsampling transform.
func (s *Source[T]) SourceTransform(_, lvl int) volume.Transform {
	if lvl < 0 || lvl >= len(s.levels) {
		return volume.Identity
	}
	r := s.resolution.Size
	voxel := volume.Transform{r[0], 0, 0, 0, 0, r[1], 0, 0, 0, 0, r[2], 0}
	return voxel.Concatenate(volume.ScaleTransform(s.levels[lvl].factors))
}

// Exists implements volume.Source. It re-reads the level attributes on every
// call because the time axis grows while an acquisition is running.
func (s *Source[T]) Exists(t, lvl int) (bool, error) {
	l, err := s.level(lvl)
	if err != nil {
		return false, err
	}
	if t < 0 {
		return false, nil
	}
	if l.attrs.NumDimensions() == 3 {
		return t == 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	attrs, err := s.reader.DatasetAttributes(ctx, l.path)
	if err != nil {
		return false, err
	}
	return int64(t) < attrs.Dimensions[attrs.NumDimensions()-1], nil
}

// TimePoints returns the current length of the time axis at level 0.
func (s *Source[T]) TimePoints(ctx context.Context) (int64, error) {
	l := s.levels[0]
	if l.attrs.NumDimensions() == 3 {
		return 1, nil
	}
	attrs, err := s.reader.DatasetAttributes(ctx, l.path)
	if err != nil {
		return 0, err
	}
	return attrs.Dimensions[attrs.NumDimensions()-1], nil
}

// View implements volume.Source. The view covers x, y and z of time point t.
func (s *Source[T]) View(t, lvl int) (volume.BlockedView[T], error) {
	l, err := s.level(lvl)
	if err != nil {
		return nil, err
	}
	return &levelView[T]{
		reader:  s.reader,
		level:   l,
		t:       int64(t),
		channel: int64(s.channel),
		shape:   volume.Shape(l.attrs.Dimensions[:3]).Clone(),
		block:   volume.Shape(l.attrs.BlockSize[:3]).Clone(),
	}, nil
}

func (s *Source[T]) level(lvl int) (level, error) {
	if lvl < 0 || lvl >= len(s.levels) {
		return level{}, errors.NewError(errors.ErrCodeDatasetNotFound, "no such resolution level").
			WithComponent("n5").
			WithContext("dataset", s.dataset).
			WithDetail("level", lvl).
			WithDetail("levels", len(s.levels))
	}
	return s.levels[lvl], nil
}

// levelView is one (t, level) of a Source.
type levelView[T volume.Numeric] struct {
	reader  *Reader
	level   level
	t       int64
	channel int64
	shape   volume.Shape
	block   volume.Shape
}

func (v *levelView[T]) Shape() volume.Shape     { return v.shape }
func (v *levelView[T]) BlockSize() volume.Shape { return v.block }

// LoadBlock reads the N5 block holding gridPos at this view's time point
// and channel and returns its x/y/z slab. Unwritten blocks are zero.
func (v *levelView[T]) LoadBlock(ctx context.Context, gridPos []int64) (volume.Block[T], error) {
	attrs := v.level.attrs
	n := attrs.NumDimensions()

	full := make([]int64, n)
	copy(full, gridPos[:3])
	// offset of the slab inside the N5 block along the dimensions past z
	var extra []int64
	switch n {
	case 4:
		full[3] = v.t / attrs.BlockSize[3]
		extra = []int64{v.t % attrs.BlockSize[3]}
	case 5:
		full[3] = v.channel / attrs.BlockSize[3]
		full[4] = v.t / attrs.BlockSize[4]
		extra = []int64{v.channel % attrs.BlockSize[3], v.t % attrs.BlockSize[4]}
	}

	blk, err := v.reader.ReadBlock(ctx, v.level.path, attrs, full)
	if err != nil {
		return volume.Block[T]{}, err
	}
	if blk == nil || len(blk.Size) != n {
		return v.zeroBlock(gridPos), nil
	}

	size := volume.Shape(blk.Size[:3]).Clone()
	slab := size.Size()
	start, stride := int64(0), slab
	for i, e := range extra {
		if e >= blk.Size[3+i] {
			return v.zeroBlock(gridPos), nil
		}
		start += e * stride
		stride *= blk.Size[3+i]
	}

	data := Decode[T](blk)
	return volume.Block[T]{Size: size, Data: data[start : start+slab]}, nil
}

func (v *levelView[T]) zeroBlock(gridPos []int64) volume.Block[T] {
	size := make(volume.Shape, 3)
	for d := 0; d < 3; d++ {
		size[d] = min(v.block[d], v.shape[d]-gridPos[d]*v.block[d])
	}
	return volume.Block[T]{Size: size, Data: make([]T, size.Size())}
}
