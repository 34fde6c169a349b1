package n5

import (
	"bufio"
	"context"
	stderr "errors"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/internal/volume"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// Block modes from the block header. Only the default mode is read.
const (
	modeDefault   = 0
	modeVarLength = 1
	modeObject    = 2
)

// DataBlock is one decompressed block. Data holds big-endian elements,
// fastest dimension first.
type DataBlock struct {
	Size []int64
	Type DataType
	Data []byte
}

// NumElements returns the element count implied by Size.
func (b *DataBlock) NumElements() int64 {
	n := int64(1)
	for _, s := range b.Size {
		n *= s
	}
	return n
}

// BlockKey returns the key of the block at gridPos in dataset path.
func BlockKey(path string, gridPos []int64) string {
	segs := make([]string, 0, len(gridPos)+1)
	segs = append(segs, path)
	for _, g := range gridPos {
		segs = append(segs, strconv.FormatInt(g, 10))
	}
	return utils.JoinKey(segs...)
}

// ReadBlock fetches and decompresses the block at gridPos. A block that was
// never written yields (nil, nil).
func (r *Reader) ReadBlock(ctx context.Context, path string, attrs *DatasetAttributes, gridPos []int64) (blk *DataBlock, err error) {
	if len(gridPos) != attrs.NumDimensions() {
		return nil, errors.NewError(errors.ErrCodeFormatInvalid, "grid position rank mismatch").
			WithComponent("n5").
			WithContext("dataset", path).
			WithDetail("grid_position", gridPos)
	}

	key := BlockKey(path, gridPos)
	rc, err := r.kv.Open(ctx, key)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		err = stderr.Join(err, rc.Close())
	}()

	br := bufio.NewReader(rc)
	size, err := readHeader(br)
	var nerr *errors.N5Error
	if stderr.As(err, &nerr) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFormatInvalid, "bad block header").
			WithComponent("n5").
			WithContext("key", key)
	}

	blk = &DataBlock{Size: size, Type: attrs.DataType}
	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "block read failed").
			WithComponent("n5").
			WithContext("key", key)
	}
	blk.Data, err = decompress(attrs.Compression, payload, int(blk.NumElements())*attrs.DataType.Size())
	if err != nil {
		return nil, err
	}
	return blk, nil
}

func readHeader(r io.Reader) ([]int64, error) {
	var head struct {
		Mode uint16
		NDim uint16
	}
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, err
	}
	switch head.Mode {
	case modeDefault:
	case modeVarLength, modeObject:
		return nil, errors.NewError(errors.ErrCodeFormatUnsupported, "only default block mode is supported").
			WithComponent("n5").
			WithDetail("mode", head.Mode)
	default:
		return nil, fmt.Errorf("unknown block mode %d", head.Mode)
	}

	dims := make([]int32, head.NDim)
	if err := binary.Read(r, binary.BigEndian, dims); err != nil {
		return nil, err
	}
	size := make([]int64, len(dims))
	for i, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("negative block extent %d", d)
		}
		size[i] = int64(d)
	}
	return size, nil
}

// Decode converts the block's elements to T.
func Decode[T volume.Numeric](b *DataBlock) []T {
	n := int(b.NumElements())
	out := make([]T, n)
	be := binary.BigEndian
	d := b.Data

	switch b.Type {
	case Uint8:
		for i := range out {
			out[i] = T(d[i])
		}
	case Int8:
		for i := range out {
			out[i] = T(int8(d[i]))
		}
	case Uint16:
		for i := range out {
			out[i] = T(be.Uint16(d[2*i:]))
		}
	case Int16:
		for i := range out {
			out[i] = T(int16(be.Uint16(d[2*i:])))
		}
	case Uint32:
		for i := range out {
			out[i] = T(be.Uint32(d[4*i:]))
		}
	case Int32:
		for i := range out {
			out[i] = T(int32(be.Uint32(d[4*i:])))
		}
	case Float32:
		for i := range out {
			out[i] = T(math.Float32frombits(be.Uint32(d[4*i:])))
		}
	case Uint64:
		for i := range out {
			out[i] = T(be.Uint64(d[8*i:]))
		}
	case Int64:
		for i := range out {
			out[i] = T(int64(be.Uint64(d[8*i:])))
		}
	case Float64:
		for i := range out {
			out[i] = T(math.Float64frombits(be.Uint64(d[8*i:])))
		}
	}
	return out
}
