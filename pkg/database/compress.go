package database

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
)

const (
	// CompressionThreshold is the minimum payload size worth compressing (4 KB).
	CompressionThreshold = 4 * 1024

	// MaxSnapshotSize bounds the decompressed size of one snapshot (512 MB).
	MaxSnapshotSize = 512 * 1024 * 1024
)

var (
	ErrSnapshotTooLarge     = errors.New("snapshot exceeds maximum size")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// compressPayload compresses data with LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func compressPayload(data []byte) ([]byte, bool) {
	if len(data) < CompressionThreshold || len(data) > MaxSnapshotSize {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// decompressPayload reverses compressPayload.
func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxSnapshotSize {
		return nil, ErrSnapshotTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
