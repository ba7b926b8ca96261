package pebble

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects how document bodies are compressed at rest.
type CompressionType uint8

const (
	// CompressionNone stores bodies as-is.
	CompressionNone CompressionType = 0
	// CompressionLZ4 uses LZ4 block compression.
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD uses ZSTD block compression.
	CompressionZSTD CompressionType = 2
)

// String returns the algorithm name.
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

var errCorruptBody = errors.New("corrupt document body")

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

// Body format: [Type uint8][UncompressedSize uint32][Data...]
// Type is the algorithm actually applied, so reading never depends on the
// options the store was opened with.
const bodyHeaderSize = 5

// Bodies smaller than this are never compressed.
const minCompressSize = 64

func compressBody(data []byte, t CompressionType) []byte {
	applied := CompressionNone
	var compressed []byte

	if len(data) >= minCompressSize {
		switch t {
		case CompressionLZ4:
			buf := make([]byte, lz4.CompressBlockBound(len(data)))
			if n, err := lz4.CompressBlock(data, buf, nil); err == nil && n > 0 {
				compressed, applied = buf[:n], CompressionLZ4
			}
		case CompressionZSTD:
			enc := getZstdEncoder()
			compressed, applied = enc.EncodeAll(data, nil), CompressionZSTD
			zstdEncoderPool.Put(enc)
		}
	}

	// Not worth it below a 10% saving.
	if applied == CompressionNone || float64(len(compressed)) > float64(len(data))*0.9 {
		applied, compressed = CompressionNone, data
	}

	out := make([]byte, bodyHeaderSize+len(compressed))
	out[0] = byte(applied)
	binary.BigEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[bodyHeaderSize:], compressed)
	return out
}

func decompressBody(buf []byte) ([]byte, error) {
	if len(buf) < bodyHeaderSize {
		return nil, errCorruptBody
	}
	size := binary.BigEndian.Uint32(buf[1:])
	payload := buf[bodyHeaderSize:]

	switch CompressionType(buf[0]) {
	case CompressionNone:
		if uint32(len(payload)) != size {
			return nil, errCorruptBody
		}
		return append([]byte(nil), payload...), nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, errCorruptBody
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != size {
			return nil, errCorruptBody
		}
		return out, nil
	default:
		return nil, errCorruptBody
	}
}
