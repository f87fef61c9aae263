package rasterdb

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// Compressor interface
// -----------------------------------------------------------------------------

// Compressor handles compression and decompression of chunk streams.
//
// Compressors are pluggable and orthogonal to the object store backend.
// The header records the compressor name so a store can only be opened
// with the compressor it was written with.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip",
	// "zstd", "none").
	Name() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string {
	return "gzip"
}

func (g *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor. Zstd provides higher
// compression ratios and faster decompression than gzip and is the
// default chunk compressor.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string {
	return "zstd"
}

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

type noopCompressor struct{}

// NewNoOpCompressor creates a compressor that passes data through
// unchanged.
func NewNoOpCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string {
	return "none"
}

func (n *noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}

// compressorByName maps a header's compressor name back to an instance.
func compressorByName(name string) (Compressor, error) {
	switch name {
	case "gzip":
		return NewGzipCompressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	case "none":
		return NewNoOpCompressor(), nil
	default:
		return nil, fmt.Errorf("rasterdb: unknown compressor %q", name)
	}
}

// -----------------------------------------------------------------------------
// Chunk encoding
// -----------------------------------------------------------------------------

// encodeChunk serializes a batch of equal-width rows as little-endian
// float64 cells and compresses the result.
func encodeChunk(comp Compressor, rows [][]float64, cols int) ([]byte, error) {
	raw := make([]byte, 0, len(rows)*cols*8)
	var cell [8]byte
	for _, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("rasterdb: row has %d cols, want %d", len(row), cols)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint64(cell[:], math.Float64bits(v))
			raw = append(raw, cell[:]...)
		}
	}

	var buf bytes.Buffer
	cw, err := comp.Compress(&buf)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: compress chunk: %w", err)
	}
	if _, err := cw.Write(raw); err != nil {
		_ = cw.Close()
		return nil, fmt.Errorf("rasterdb: compress chunk: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("rasterdb: compress chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeChunk decompresses one chunk and splits it back into rows.
func decodeChunk(comp Compressor, data []byte, rows, cols int) ([][]float64, error) {
	dr, err := comp.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rasterdb: decompress chunk: %w", err)
	}
	defer func() { _ = dr.Close() }()

	raw, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("rasterdb: decompress chunk: %w", err)
	}
	if len(raw) != rows*cols*8 {
		return nil, fmt.Errorf("rasterdb: chunk holds %d bytes, want %d", len(raw), rows*cols*8)
	}

	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		row := make([]float64, cols)
		for c := 0; c < cols; c++ {
			bits := binary.LittleEndian.Uint64(raw[(r*cols+c)*8:])
			row[c] = math.Float64frombits(bits)
		}
		out[r] = row
	}
	return out, nil
}
