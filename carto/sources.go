package carto

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// DefaultReaders returns the built-in reader for every supported format.
func DefaultReaders() map[FormatTag]SourceReader {
	readers := []SourceReader{
		NewGeoPackageReader(),
		NewShapePackageReader(),
		NewFeatureCollectionReader(),
		NewDelimitedTextReader(),
		NewGeoParquetReader(),
	}
	m := make(map[FormatTag]SourceReader, len(readers))
	for _, r := range readers {
		m[r.Format()] = r
	}
	return m
}

// failed is a sequence yielding a single terminal error.
func failed(err error) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		yield(Feature{}, err)
	}
}

// canceled reports a terminal context error, if any.
func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("carto: read canceled: %w", err)
	}
	return nil
}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r io.Reader) *bufio.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}
