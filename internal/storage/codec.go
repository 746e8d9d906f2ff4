package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Leaf payloads are the logical frames packed eight pixels per byte, least
// significant bit first, then zstd compressed. Sparse noise packs to a few
// percent of its boolean size.
var (
	leafEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	leafDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func packBits(px []bool) []byte {
	out := make([]byte, (len(px)+7)/8)
	for i, on := range px {
		if on {
			out[i>>3] |= 1 << (i & 7)
		}
	}
	return out
}

func unpackBits(data []byte, n int) ([]bool, error) {
	if len(data) != (n+7)/8 {
		return nil, fmt.Errorf("packed frames: %d bytes for %d pixels", len(data), n)
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i>>3]&(1<<(i&7)) != 0
	}
	return out, nil
}

func encodeFrames(px []bool) []byte {
	return leafEncoder.EncodeAll(packBits(px), nil)
}

func decodeFrames(data []byte, n int) ([]bool, error) {
	packed, err := leafDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress frames: %w", err)
	}
	return unpackBits(packed, n)
}
