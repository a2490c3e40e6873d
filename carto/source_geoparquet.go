package carto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/parquet-go/parquet-go"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// DefaultGeometryColumn is the WKB column read from GeoParquet sources.
const DefaultGeometryColumn = "geometry"

const parquetReadBatch = 256

// geoParquetReader reads flat GeoParquet files whose geometry column holds
// WKB. Top-level leaf columns become attributes; nested columns are skipped.
type geoParquetReader struct{}

// NewGeoParquetReader creates the reader for GeoParquet sources.
func NewGeoParquetReader() SourceReader {
	return &geoParquetReader{}
}

func (r *geoParquetReader) Format() FormatTag {
	return FormatGeoParquet
}

func (r *geoParquetReader) Features(ctx context.Context, path string, opts SourceOptions) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(f)()

		info, err := f.Stat()
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		file, err := parquet.OpenFile(f, info.Size())
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}

		geomName := opts.GeometryColumn
		if geomName == "" {
			geomName = DefaultGeometryColumn
		}
		names := make(map[int]string)
		geomIdx := -1
		for i, colPath := range file.Schema().Columns() {
			if len(colPath) != 1 {
				continue
			}
			if colPath[0] == geomName {
				geomIdx = i
				continue
			}
			names[i] = colPath[0]
		}
		if geomIdx < 0 {
			yield(Feature{}, containerErr(path, fmt.Errorf("no %q column", geomName)))
			return
		}

		reader := parquet.NewReader(file)
		defer closer(reader)()

		rows := make([]parquet.Row, parquetReadBatch)
		var index int64
		for {
			if err := canceled(ctx); err != nil {
				yield(Feature{}, err)
				return
			}

			n, err := reader.ReadRows(rows)
			for _, row := range rows[:n] {
				feat, ferr := parquetFeature(row, geomIdx, names)
				if ferr != nil {
					if !yield(Feature{}, malformed(index, geomName, ferr)) {
						return
					}
				} else if !yield(feat, nil) {
					return
				}
				index++
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Feature{}, containerErr(path, err))
				return
			}
		}
	}
}

func parquetFeature(row parquet.Row, geomIdx int, names map[int]string) (Feature, error) {
	f := Feature{Attributes: make(map[string]any, len(names))}
	seen := make(map[int]bool, len(row))
	for _, val := range row {
		col := val.Column()
		if seen[col] {
			continue
		}
		seen[col] = true

		if col == geomIdx {
			if val.IsNull() {
				continue
			}
			g, err := wkb.Unmarshal(val.ByteArray())
			if err != nil {
				return Feature{}, fmt.Errorf("decode WKB: %w", err)
			}
			f.Geometry = g
			continue
		}
		if name, ok := names[col]; ok {
			f.Attributes[name] = parquetValue(val)
		}
	}
	return f, nil
}

func parquetValue(val parquet.Value) any {
	if val.IsNull() {
		return nil
	}
	switch val.Kind() {
	case parquet.Boolean:
		return val.Boolean()
	case parquet.Int32:
		return val.Int32()
	case parquet.Int64:
		return val.Int64()
	case parquet.Float:
		return val.Float()
	case parquet.Double:
		return val.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		b := val.ByteArray()
		if utf8.Valid(b) {
			return string(b)
		}
		return append([]byte(nil), b...)
	default:
		return val.String()
	}
}
