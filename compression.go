// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// CompressionMethod represents the compression algorithm used for a ZIP entry.
type CompressionMethod uint16

// Supported compression methods according to ZIP specification
const (
	Stored    CompressionMethod = 0  // No compression - data stored as-is
	Deflated  CompressionMethod = 8  // DEFLATE compression (most common)
	ZStandard CompressionMethod = 93 // Zstandard compression
)

// Compression levels for DEFLATE algorithm
const (
	DeflateNormal    = 6 // Default compression level (good balance between speed and ratio)
	DeflateMaximum   = 9 // Maximum compression (best ratio, slowest speed)
	DeflateFast      = 3 // Fast compression (lower ratio, faster speed)
	DeflateSuperFast = 1 // Super fast compression (lowest ratio, fastest speed)
)

// Compressor is a push-style codec: uncompressed bytes are fed in, compressed
// bytes are drained out whenever convenient, and Finish flushes the tail of
// the stream.
type Compressor interface {
	// Feed hands uncompressed bytes to the codec.
	Feed(p []byte) error

	// Drain returns the compressed bytes produced so far. Ownership of the
	// returned slice passes to the caller.
	Drain() []byte

	// Finish ends the stream. Output produced by Finish is returned by the
	// next Drain. A non-nil error means the codec did not reach the end of
	// its stream and the output is unusable.
	Finish() error
}

// CompressorFactory creates a Compressor for a specific compression level.
// The level parameter is typically 0-9, but interpretations vary by algorithm.
// Implementations should normalize invalid levels to defaults.
type CompressorFactory func(level int) (Compressor, error)

type compressorsMap map[CompressionMethod]CompressorFactory

// defaultCompressors returns the factories every ZIP container starts with.
func defaultCompressors() compressorsMap {
	return compressorsMap{
		Deflated:  NewDeflateCompressor,
		ZStandard: NewZstdCompressor,
	}
}

// writerCompressor adapts any io.WriteCloser codec writing into an internal
// buffer to the Compressor interface.
type writerCompressor struct {
	w        io.WriteCloser
	out      *bytes.Buffer
	finished bool
}

func (c *writerCompressor) Feed(p []byte) error {
	if c.finished {
		return fmt.Errorf("%w: feed after finish", ErrCodecFailure)
	}
	if _, err := c.w.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrCodecFailure, err)
	}
	return nil
}

func (c *writerCompressor) Drain() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	b := c.out.Bytes()
	// The codec keeps writing into c.out; give it fresh storage so b is ours.
	*c.out = bytes.Buffer{}
	return b
}

func (c *writerCompressor) Finish() error {
	if c.finished {
		return fmt.Errorf("%w: finish called twice", ErrCodecFailure)
	}
	c.finished = true
	if err := c.w.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCodecFailure, err)
	}
	return nil
}

// NewDeflateCompressor creates a raw DEFLATE compressor (ZIP method 8).
// Level 0 selects DeflateNormal.
func NewDeflateCompressor(level int) (Compressor, error) {
	if level == 0 {
		level = DeflateNormal
	}
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = DeflateNormal
	}

	out := new(bytes.Buffer)
	w, err := flate.NewWriter(out, level)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodecFailure, err)
	}
	return &writerCompressor{w: w, out: out}, nil
}

// NewZstdCompressor creates a Zstandard compressor (ZIP method 93). The level
// follows the zstd command line scale; 0 selects the library default.
func NewZstdCompressor(level int) (Compressor, error) {
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}

	out := new(bytes.Buffer)
	w, err := zstd.NewWriter(out, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodecFailure, err)
	}
	return &writerCompressor{w: w, out: out}, nil
}
