// Package volume exposes chunked multi-resolution arrays to a viewer. A
// VolatileSource wraps a backing Source: time points that do not exist yet
// are answered with a constant zero view, and present ones with views whose
// blocks load in the background.
package volume

import (
	"context"
	"fmt"
	"strings"
)

// Numeric is the set of element types a source can hold.
type Numeric interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// Volatile is an element that may not be loaded yet. Valid is false while
// the block holding it is still being fetched.
type Volatile[T any] struct {
	Value T
	Valid bool
}

// Shape is the extent of an array, one entry per dimension, fastest first.
type Shape []int64

// Equal compares shapes dimension by dimension.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Size is the number of elements.
func (s Shape) Size() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Contains reports whether pos lies inside the shape.
func (s Shape) Contains(pos []int64) bool {
	if len(pos) != len(s) {
		return false
	}
	for i, p := range pos {
		if p < 0 || p >= s[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// View is a read-only N-dimensional array.
type View[T any] interface {
	Shape() Shape
	// At returns the element at pos. pos must have one entry per dimension.
	At(pos []int64) T
}

// Block is one chunk of an array. Size may be smaller than the nominal block
// size at the upper edges of the array.
type Block[T Numeric] struct {
	Size Shape
	Data []T
}

// At returns the element at an offset inside the block.
func (b Block[T]) At(offset []int64) T {
	idx, stride := int64(0), int64(1)
	for d, o := range offset {
		idx += o * stride
		stride *= b.Size[d]
	}
	return b.Data[idx]
}

// BlockedView is a view whose data is stored in independently loadable
// blocks.
type BlockedView[T Numeric] interface {
	Shape() Shape
	BlockSize() Shape
	// LoadBlock fetches the block at gridPos. Blocks that were never written
	// come back zero-filled.
	LoadBlock(ctx context.Context, gridPos []int64) (Block[T], error)
}

// Transform is a 3x4 row-major affine transform from voxel to world space.
type Transform [12]float64

// Identity is the identity transform.
var Identity = Transform{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}

// ScaleTransform scales each axis and shifts by half a coarse voxel minus
// half a fine one, so downsampled voxel centres stay aligned with level 0.
func ScaleTransform(scale [3]float64) Transform {
	t := Transform{}
	for d := 0; d < 3; d++ {
		t[d*4+d] = scale[d]
		t[d*4+3] = 0.5*scale[d] - 0.5
	}
	return t
}

// Concatenate returns a applied after b.
func (a Transform) Concatenate(b Transform) Transform {
	var out Transform
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			v := 0.0
			for k := 0; k < 3; k++ {
				v += a[r*4+k] * b[k*4+c]
			}
			if c == 3 {
				v += a[r*4+3]
			}
			out[r*4+c] = v
		}
	}
	return out
}

// Apply maps a voxel position to world space.
func (a Transform) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = a[r*4]*p[0] + a[r*4+1]*p[1] + a[r*4+2]*p[2] + a[r*4+3]
	}
	return out
}

// VoxelDimensions is the physical size of a level-0 voxel.
type VoxelDimensions struct {
	Unit string
	Size [3]float64
}

// Source is a multi-resolution, time-indexed array. The number of levels and
// the voxel dimensions never change for the life of a source, and the shape
// of a level is the same for every time point that has data.
type Source[T Numeric] interface {
	Name() string
	View(t, level int) (BlockedView[T], error)
	// Exists reports whether time point t has been written at level. It must
	// reflect the store as it is now; sources may grow while in use.
	Exists(t, level int) (bool, error)
	SourceTransform(t, level int) Transform
	VoxelDimensions() VoxelDimensions
	NumMipmapLevels() int
}

// GridShape is the number of blocks along each dimension.
func GridShape(shape, blockSize Shape) Shape {
	grid := make(Shape, len(shape))
	for d := range shape {
		grid[d] = (shape[d] + blockSize[d] - 1) / blockSize[d]
	}
	return grid
}

// Locate splits pos into the grid position of its block, the offset inside
// that block, and the block's linear index in the grid.
func Locate(pos []int64, blockSize, grid Shape) (gridPos, offset []int64, index int64) {
	gridPos = make([]int64, len(pos))
	offset = make([]int64, len(pos))
	stride := int64(1)
	for d, p := range pos {
		gridPos[d] = p / blockSize[d]
		offset[d] = p % blockSize[d]
		index += gridPos[d] * stride
		stride *= grid[d]
	}
	return gridPos, offset, index
}
