package n5

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/n5stream/n5stream/pkg/errors"
)

// AttributesFile is the per-group attribute key.
const AttributesFile = "attributes.json"

// DataType is an element type as written in attributes.json.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

// Size returns the element width in bytes, or 0 for an unknown type.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Compression names a block codec plus its options.
type Compression struct {
	Type string `json:"type"`
	// UseZlib selects a zlib rather than gzip stream for "gzip".
	UseZlib bool `json:"useZlib,omitempty"`
	Level   int  `json:"level,omitempty"`
}

// Attributes is the raw content of an attributes.json.
type Attributes map[string]json.RawMessage

// Decode unmarshals key into v. It reports false if the key is absent.
func (a Attributes) Decode(key string, v any) (bool, error) {
	raw, ok := a[key]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, errors.Wrap(err, errors.ErrCodeFormatInvalid, "invalid attribute").
			WithComponent("n5").
			WithContext("attribute", key)
	}
	return true, nil
}

// Has reports whether key is set.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func parseAttributes(data []byte, key string) (Attributes, error) {
	attrs := Attributes{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &attrs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFormatInvalid, "malformed attributes").
			WithComponent("n5").
			WithContext("key", key)
	}
	return attrs, nil
}

// DatasetAttributes describes an array.
type DatasetAttributes struct {
	Dimensions  []int64
	BlockSize   []int64
	DataType    DataType
	Compression Compression
}

// NumDimensions returns the array rank.
func (d *DatasetAttributes) NumDimensions() int { return len(d.Dimensions) }

// GridSize returns the number of blocks along each dimension.
func (d *DatasetAttributes) GridSize() []int64 {
	grid := make([]int64, len(d.Dimensions))
	for i := range d.Dimensions {
		grid[i] = (d.Dimensions[i] + d.BlockSize[i] - 1) / d.BlockSize[i]
	}
	return grid
}

func datasetAttributes(attrs Attributes, path string) (*DatasetAttributes, error) {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeFormatInvalid, msg).
			WithComponent("n5").
			WithContext("dataset", path)
	}

	if !attrs.Has("dimensions") || !attrs.Has("dataType") {
		return nil, errors.NewError(errors.ErrCodeDatasetNotFound, "not a dataset").
			WithComponent("n5").
			WithContext("dataset", path)
	}

	var out DatasetAttributes
	if _, err := attrs.Decode("dimensions", &out.Dimensions); err != nil {
		return nil, err
	}
	if _, err := attrs.Decode("blockSize", &out.BlockSize); err != nil {
		return nil, err
	}
	if _, err := attrs.Decode("dataType", &out.DataType); err != nil {
		return nil, err
	}

	if len(out.Dimensions) == 0 || len(out.BlockSize) != len(out.Dimensions) {
		return nil, invalid(fmt.Sprintf("dimensions %v and blockSize %v do not match", out.Dimensions, out.BlockSize))
	}
	for i := range out.Dimensions {
		if out.Dimensions[i] < 0 || out.BlockSize[i] <= 0 {
			return nil, invalid(fmt.Sprintf("invalid extent in dimension %d", i))
		}
	}
	out.DataType = DataType(strings.ToLower(string(out.DataType)))
	if out.DataType.Size() == 0 {
		return nil, errors.NewError(errors.ErrCodeFormatUnsupported, "unsupported data type").
			WithComponent("n5").
			WithContext("dataset", path).
			WithContext("dataType", string(out.DataType))
	}

	// Containers written before format 1.0 carry a bare "compressionType".
	ok, err := attrs.Decode("compression", &out.Compression)
	if err != nil {
		return nil, err
	}
	if !ok {
		var legacy string
		if _, err := attrs.Decode("compressionType", &legacy); err != nil {
			return nil, err
		}
		out.Compression.Type = legacy
	}
	if out.Compression.Type == "" {
		out.Compression.Type = "raw"
	}
	return &out, nil
}

// PixelResolution is the physical voxel size stored on a dataset group.
type PixelResolution struct {
	Unit       string    `json:"unit"`
	Dimensions []float64 `json:"dimensions"`
}

// decodePixelResolution accepts both the object form and a bare array.
func decodePixelResolution(attrs Attributes) (PixelResolution, bool, error) {
	raw, ok := attrs["pixelResolution"]
	if !ok {
		return PixelResolution{}, false, nil
	}
	var res PixelResolution
	if err := json.Unmarshal(raw, &res); err == nil {
		return res, true, nil
	}
	if err := json.Unmarshal(raw, &res.Dimensions); err != nil {
		return PixelResolution{}, true, errors.Wrap(err, errors.ErrCodeFormatInvalid, "invalid pixelResolution").
			WithComponent("n5")
	}
	return res, true, nil
}
