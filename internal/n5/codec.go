package n5

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/n5stream/n5stream/pkg/errors"
)

// zstd.Decoder is safe for concurrent DecodeAll calls.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// decompress inflates a block payload to exactly size bytes.
func decompress(c Compression, payload []byte, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c.Type {
	case "raw", "":
		out = payload
	case "gzip":
		out, err = inflateGzip(c, payload, size)
	case "zstd":
		out, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
	case "lz4":
		out, err = inflateLZ4(payload, size)
	case "bzip2":
		out, err = readExactly(bzip2.NewReader(bytes.NewReader(payload)), size)
	default:
		return nil, errors.NewError(errors.ErrCodeFormatUnsupported, "unsupported compression").
			WithComponent("n5").
			WithContext("compression", c.Type)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFormatInvalid, "block does not decompress").
			WithComponent("n5").
			WithContext("compression", c.Type)
	}
	if len(out) < size {
		return nil, errors.NewError(errors.ErrCodeFormatInvalid, "block payload is short").
			WithComponent("n5").
			WithContext("compression", c.Type).
			WithDetail("want", size).
			WithDetail("got", len(out))
	}
	return out[:size], nil
}

func inflateGzip(c Compression, payload []byte, size int) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if c.UseZlib {
		r, err = zlib.NewReader(bytes.NewReader(payload))
	} else {
		r, err = gzip.NewReader(bytes.NewReader(payload))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readExactly(r, size)
}

func readExactly(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// lz4 payloads are usually a sequence of "LZ4Block" frames as written by the
// Java lz4 block stream. A standard LZ4 frame is accepted too.
const (
	lz4BlockMagic   = "LZ4Block"
	lz4HeaderLen    = len(lz4BlockMagic) + 13
	lz4MethodRaw    = 0x10
	lz4MethodLZ4    = 0x20
	lz4FrameMagicLE = 0x184D2204
)

func inflateLZ4(payload []byte, size int) ([]byte, error) {
	if len(payload) >= 4 && binary.LittleEndian.Uint32(payload) == lz4FrameMagicLE {
		return readExactly(lz4.NewReader(bytes.NewReader(payload)), size)
	}

	out := make([]byte, 0, size)
	for len(payload) > 0 {
		if len(payload) < lz4HeaderLen || string(payload[:len(lz4BlockMagic)]) != lz4BlockMagic {
			return nil, fmt.Errorf("bad lz4 block header")
		}
		h := payload[len(lz4BlockMagic):]
		method := h[0] & 0xF0
		compressedLen := int(binary.LittleEndian.Uint32(h[1:5]))
		rawLen := int(binary.LittleEndian.Uint32(h[5:9]))
		payload = payload[lz4HeaderLen:]

		if rawLen == 0 {
			break
		}
		if compressedLen > len(payload) {
			return nil, fmt.Errorf("lz4 block truncated")
		}
		chunk := payload[:compressedLen]
		payload = payload[compressedLen:]

		switch method {
		case lz4MethodRaw:
			out = append(out, chunk...)
		case lz4MethodLZ4:
			dst := make([]byte, rawLen)
			n, err := lz4.UncompressBlock(chunk, dst)
			if err != nil {
				return nil, err
			}
			out = append(out, dst[:n]...)
		default:
			return nil, fmt.Errorf("unknown lz4 block method %#x", method)
		}
	}
	return out, nil
}
