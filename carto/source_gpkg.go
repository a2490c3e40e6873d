package carto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	_ "modernc.org/sqlite"
)

// geoPackageReader reads one feature table of an OGC GeoPackage.
type geoPackageReader struct{}

// NewGeoPackageReader creates the reader for GeoPackage sources.
func NewGeoPackageReader() SourceReader {
	return &geoPackageReader{}
}

func (r *geoPackageReader) Format() FormatTag {
	return FormatGeoPackage
}

func (r *geoPackageReader) Features(ctx context.Context, path string, opts SourceOptions) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(db)()

		table, geomCol, err := featureTable(ctx, db, opts.Layer)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}

		rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(rows)()

		cols, err := rows.Columns()
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}

		for index := int64(0); rows.Next(); index++ {
			if err := canceled(ctx); err != nil {
				yield(Feature{}, err)
				return
			}

			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				if !yield(Feature{}, malformed(index, table, err)) {
					return
				}
				continue
			}

			f := Feature{Attributes: make(map[string]any, len(cols))}
			var geomErr error
			for i, col := range cols {
				switch {
				case strings.EqualFold(col, geomCol):
					blob, _ := values[i].([]byte)
					if values[i] != nil && blob == nil {
						geomErr = fmt.Errorf("geometry column holds %T", values[i])
						break
					}
					if blob != nil {
						f.Geometry, geomErr = gpkgGeometry(blob)
					}
				case strings.EqualFold(col, "fid"):
					// feature id, not an attribute
				default:
					f.Attributes[col] = values[i]
				}
			}
			if geomErr != nil {
				if !yield(Feature{}, malformed(index, table, geomErr)) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Feature{}, containerErr(path, err))
		}
	}
}

// featureTable resolves the feature table and its geometry column. An empty
// layer selects the first features table listed in gpkg_contents.
func featureTable(ctx context.Context, db *sql.DB, layer string) (string, string, error) {
	table := layer
	if table == "" {
		err := db.QueryRowContext(ctx,
			`SELECT table_name FROM gpkg_contents WHERE data_type = 'features' ORDER BY table_name LIMIT 1`,
		).Scan(&table)
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", errors.New("no features table in gpkg_contents")
		}
		if err != nil {
			return "", "", fmt.Errorf("read gpkg_contents: %w", err)
		}
	}

	var column string
	err := db.QueryRowContext(ctx,
		`SELECT column_name FROM gpkg_geometry_columns WHERE table_name = ?`, table,
	).Scan(&column)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("table %q has no geometry column", table)
	}
	if err != nil {
		return "", "", fmt.Errorf("read gpkg_geometry_columns: %w", err)
	}
	return table, column, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// envelope sizes in bytes, indexed by the header's envelope indicator.
var gpkgEnvelopeSizes = [...]int{0, 32, 48, 48, 64}

// gpkgGeometry decodes a GeoPackage geometry blob: the "GP" header, an
// optional envelope, then standard WKB.
func gpkgGeometry(b []byte) (geom.T, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, errors.New("missing GeoPackage geometry header")
	}
	flags := b[3]
	if flags&0x20 != 0 {
		return nil, errors.New("extended GeoPackage geometry not supported")
	}
	code := int(flags>>1) & 0x07
	if code >= len(gpkgEnvelopeSizes) {
		return nil, fmt.Errorf("invalid envelope indicator %d", code)
	}
	offset := 8 + gpkgEnvelopeSizes[code]
	if len(b) < offset {
		return nil, errors.New("truncated GeoPackage geometry header")
	}
	if flags&0x10 != 0 {
		return nil, nil
	}
	return wkb.Unmarshal(b[offset:])
}
