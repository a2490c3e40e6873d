package carto

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compressor handles the compression wrapper of streamable raw sources.
// Raw sources are read-only; compressors only decompress.
type Compressor interface {
	// Name returns the compressor identifier ("gzip", "zstd", "noop").
	Name() string

	// Extension returns the file extension (".gz", ".zst", "").
	Extension() string

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// Compressor names.
const (
	CompressionNone = "noop"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

var compressors = []Compressor{
	&gzipCompressor{},
	&zstdCompressor{},
	&noopCompressor{},
}

// compressorByName returns the compressor registered under name. An empty
// name selects the noop compressor.
func compressorByName(name string) (Compressor, error) {
	if name == "" {
		name = CompressionNone
	}
	for _, c := range compressors {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("carto: unknown compression %q", name)
}

// compressorByExtension returns the compressor owning the (lowercase)
// extension, or nil.
func compressorByExtension(ext string) Compressor {
	if ext == "" {
		return nil
	}
	for _, c := range compressors {
		if c.Extension() == ext {
			return c
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Gzip Compressor
// -----------------------------------------------------------------------------

type gzipCompressor struct{}

func (g *gzipCompressor) Name() string      { return CompressionGzip }
func (g *gzipCompressor) Extension() string { return ".gz" }

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd Compressor
// -----------------------------------------------------------------------------

type zstdCompressor struct{}

func (z *zstdCompressor) Name() string      { return CompressionZstd }
func (z *zstdCompressor) Extension() string { return ".zst" }

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// -----------------------------------------------------------------------------
// NoOp Compressor
// -----------------------------------------------------------------------------

type noopCompressor struct{}

func (n *noopCompressor) Name() string      { return CompressionNone }
func (n *noopCompressor) Extension() string { return "" }

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// openSource opens path and wraps it with the named decompressor. Closing the
// returned reader closes both layers.
func openSource(path, compression string) (io.ReadCloser, error) {
	c, err := compressorByName(compression)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dr, err := c.Decompress(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &stackedReadCloser{Reader: dr, closers: []io.Closer{dr, f}}, nil
}

type stackedReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReadCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
