// Package compression provides the pluggable, stateless-per-chunk codecs the
// session pipeline uses between chunk assembly and encryption.
//
// Each codec is a closed tagged variant, mirroring the teacher's gzip-only
// CompressLedger/DecompressLedger pairing in
// core/blockchain_compression.go but generalized to the algorithm set the
// spec requires: zstd, lz4, brotli, and an identity pass-through. A given
// (algorithm, level, input) tuple is deterministic and holds no state across
// calls, so chunks may be compressed in parallel.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm tags a compression codec.
type Algorithm string

const (
	Zstd     Algorithm = "zstd"
	LZ4      Algorithm = "lz4"
	Brotli   Algorithm = "brotli"
	Identity Algorithm = "none"
)

// Level bounds per algorithm, as declared in the spec's compressor table.
const (
	ZstdMinLevel   = 1
	ZstdMaxLevel   = 22
	ZstdDefault    = 3
	BrotliMinLevel = 0
	BrotliMaxLevel = 11
	BrotliDefault  = BrotliMinLevel
)

// ErrUnknownAlgorithm is returned for any algorithm tag outside the closed set above.
var ErrUnknownAlgorithm = fmt.Errorf("compression: unknown algorithm")

// ErrLevelOutOfRange is returned when a level falls outside the algorithm's declared range.
var ErrLevelOutOfRange = fmt.Errorf("compression: level out of range")

// Compressor compresses and decompresses chunk bytes under one fixed
// algorithm and level. It is safe for concurrent use: every method call is
// self-contained and shares no mutable state with any other call.
type Compressor struct {
	Algorithm Algorithm
	Level     int
}

// New returns a Compressor for algo at level, validating the level against
// the algorithm's declared range. LZ4 and Identity ignore level.
func New(algo Algorithm, level int) (*Compressor, error) {
	switch algo {
	case Zstd:
		if level < ZstdMinLevel || level > ZstdMaxLevel {
			return nil, fmt.Errorf("%w: zstd level %d", ErrLevelOutOfRange, level)
		}
	case Brotli:
		if level < BrotliMinLevel || level > BrotliMaxLevel {
			return nil, fmt.Errorf("%w: brotli quality %d", ErrLevelOutOfRange, level)
		}
	case LZ4, Identity:
		// level is not meaningful for these codecs.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return &Compressor{Algorithm: algo, Level: level}, nil
}

// Compress returns the compressed form of data under the codec's algorithm
// and level.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case Identity:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case Zstd:
		return compressZstd(data, c.Level)
	case LZ4:
		return compressLZ4(data)
	case Brotli:
		return compressBrotli(data, c.Level)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, c.Algorithm)
	}
}

// Decompress reverses Compress. The algorithm/level recorded on the
// Compressor must match the one used to produce data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case Identity:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case Zstd:
		return decompressZstd(data)
	case LZ4:
		return decompressLZ4(data)
	case Brotli:
		return decompressBrotli(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, c.Algorithm)
	}
}

func compressZstd(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func compressBrotli(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBrotli(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
