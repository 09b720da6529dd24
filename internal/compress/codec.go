// Package compress implements the encodings used by the pool compression pass.
//
// Payload encodings (LZ4, ZSTD) wrap data in an 8-byte block header and fall
// back to raw storage when compression does not pay off. Embedding encodings
// (F16, Int8) trade precision for size and are selected by the level of detail.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies how an item is stored.
type Encoding uint8

const (
	// None stores data as is.
	None Encoding = iota
	// LZ4 is fast block compression for hot data.
	LZ4
	// ZSTD is denser block compression for cold data.
	ZSTD
	// F16 stores embeddings as IEEE-754 half precision.
	F16
	// Int8 stores embeddings as min/max scalar-quantized bytes.
	Int8
)

func (e Encoding) String() string {
	switch e {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	case F16:
		return "f16"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("Encoding(%d)", e)
	}
}

// ErrCorrupt is returned when encoded data cannot be decoded.
var ErrCorrupt = errors.New("compress: corrupt block")

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// blockHeaderSize is [UncompressedSize uint32][CompressedSize uint32].
// CompressedSize == 0 means the block is stored uncompressed.
const blockHeaderSize = 8

// Compress compresses data with a payload encoding.
// The result always carries a block header; incompressible data is stored raw.
func Compress(data []byte, enc Encoding) ([]byte, error) {
	var compressed []byte
	var err error

	switch enc {
	case LZ4:
		compressed, err = compressLZ4(data)
	case ZSTD:
		compressed = compressZSTD(data)
	default:
		return nil, fmt.Errorf("compress: %s is not a payload encoding", enc)
	}
	if err != nil {
		return nil, err
	}

	// If compression doesn't help (ratio > 0.9), store uncompressed
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[blockHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(len(compressed)))
	copy(result[blockHeaderSize:], compressed)
	return result, nil
}

// Decompress reverses Compress.
func Decompress(block []byte, enc Encoding) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, ErrCorrupt
	}
	rawSize := binary.LittleEndian.Uint32(block[0:])
	compSize := binary.LittleEndian.Uint32(block[4:])
	body := block[blockHeaderSize:]

	if compSize == 0 {
		if uint32(len(body)) != rawSize {
			return nil, ErrCorrupt
		}
		out := make([]byte, rawSize)
		copy(out, body)
		return out, nil
	}
	if uint32(len(body)) != compSize {
		return nil, ErrCorrupt
	}

	switch enc {
	case LZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return out[:n], nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compress: %s is not a payload encoding", enc)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // Incompressible
	}
	return compressed[:n], nil
}

func compressZSTD(data []byte) []byte {
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// EstimateBenefit returns the fraction of bytes LZ4 saves on a sample of data,
// in [0,1]. At most sampleLimit bytes are inspected.
func EstimateBenefit(data []byte, sampleLimit int) float64 {
	if len(data) == 0 {
		return 0
	}
	if sampleLimit > 0 && len(data) > sampleLimit {
		data = data[:sampleLimit]
	}
	compressed, err := compressLZ4(data)
	if err != nil || len(compressed) == 0 {
		return 0
	}
	saved := 1 - float64(len(compressed))/float64(len(data))
	if saved < 0 {
		return 0
	}
	return saved
}
