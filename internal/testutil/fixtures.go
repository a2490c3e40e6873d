// Package testutil builds raw dataset fixtures for tests.
package testutil

import (
	"database/sql"
	"encoding/binary"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"
	_ "modernc.org/sqlite"
)

// Point is a point feature with string attributes. A nil Props entry is
// written as a null (or empty) value.
type Point struct {
	Lon, Lat float64
	Props    map[string]any
}

// P is shorthand for a point carrying a single departement attribute.
func P(lon, lat float64, departement string) Point {
	return Point{Lon: lon, Lat: lat, Props: map[string]any{"departement": departement}}
}

func (p Point) geometry() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat})
}

// columns returns the sorted union of attribute names.
func columns(points []Point) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, p := range points {
		for k := range p.Props {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(x)
		return string(b)
	}
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// -----------------------------------------------------------------------------
// Feature collections
// -----------------------------------------------------------------------------

// FeatureCollection renders points as a GeoJSON FeatureCollection.
func FeatureCollection(t testing.TB, points []Point) []byte {
	t.Helper()
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(points))}
	for _, p := range points {
		props := p.Props
		if props == nil {
			props = map[string]any{}
		}
		fc.Features = append(fc.Features, &geojson.Feature{Geometry: p.geometry(), Properties: props})
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(&fc)
	if err != nil {
		t.Fatalf("marshal feature collection: %v", err)
	}
	return b
}

// WriteFeatureCollection writes points as a GeoJSON file.
func WriteFeatureCollection(t testing.TB, path string, points []Point) string {
	t.Helper()
	return WriteFile(t, path, FeatureCollection(t, points))
}

// -----------------------------------------------------------------------------
// Compression
// -----------------------------------------------------------------------------

// Gzip writes data gzip-compressed to path.
func Gzip(t testing.TB, path string, data []byte) string {
	t.Helper()
	return writeCompressed(t, path, data, func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriter(w), nil
	})
}

// Zstd writes data zstd-compressed to path.
func Zstd(t testing.TB, path string, data []byte) string {
	t.Helper()
	return writeCompressed(t, path, data, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
}

func writeCompressed(t testing.TB, path string, data []byte, wrap func(io.Writer) (io.WriteCloser, error)) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	zw, err := wrap(f)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	return path
}

// -----------------------------------------------------------------------------
// Delimited text
// -----------------------------------------------------------------------------

// WriteCSV writes points as delimited text with "lon" and "lat" columns
// followed by the attribute columns.
func WriteCSV(t testing.TB, path string, points []Point, delim rune) string {
	t.Helper()
	cols := columns(points)
	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Comma = delim
	_ = w.Write(append([]string{"lon", "lat"}, cols...))
	for _, p := range points {
		rec := []string{jsonFloat(p.Lon), jsonFloat(p.Lat)}
		for _, c := range cols {
			rec = append(rec, str(p.Props[c]))
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return WriteFile(t, path, []byte(b.String()))
}

func jsonFloat(f float64) string {
	b, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(f)
	return string(b)
}

// -----------------------------------------------------------------------------
// Shapefiles
// -----------------------------------------------------------------------------

// WriteShapefile writes points as a point shapefile with .shx and .dbf
// sidecars. Attributes are stored as character fields.
func WriteShapefile(t testing.TB, path string, points []Point) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		t.Fatalf("create shapefile: %v", err)
	}
	cols := columns(points)
	fields := make([]shp.Field, len(cols))
	for i, c := range cols {
		fields[i] = shp.StringField(c, 64)
	}
	if err := w.SetFields(fields); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	for _, p := range points {
		row := w.Write(&shp.Point{X: p.Lon, Y: p.Lat})
		for i, c := range cols {
			if err := w.WriteAttribute(int(row), i, str(p.Props[c])); err != nil {
				t.Fatalf("write attribute: %v", err)
			}
		}
	}
	w.Close()
	return path
}

// -----------------------------------------------------------------------------
// GeoPackage
// -----------------------------------------------------------------------------

const gpkgSchema = `
CREATE TABLE gpkg_contents (
	table_name TEXT NOT NULL PRIMARY KEY,
	data_type TEXT NOT NULL,
	identifier TEXT,
	srs_id INTEGER
);
CREATE TABLE gpkg_geometry_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL,
	z TINYINT NOT NULL,
	m TINYINT NOT NULL
);`

// WriteGeoPackage writes points into the feature table of a GeoPackage,
// creating the file when needed. A nil point geometry slot is not supported;
// use RawGeoPackageRow for malformed blobs.
func WriteGeoPackage(t testing.TB, path, table string, points []Point) string {
	t.Helper()
	db := openGeoPackage(t, path)
	defer func() { _ = db.Close() }()

	cols := columns(points)
	ddl := `CREATE TABLE ` + quote(table) + ` (fid INTEGER PRIMARY KEY AUTOINCREMENT, geom BLOB`
	for _, c := range cols {
		ddl += ", " + quote(c) + " TEXT"
	}
	ddl += ")"
	mustExec(t, db, ddl)
	mustExec(t, db, `INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES (?, 'features', ?, 4326)`, table, table)
	mustExec(t, db, `INSERT INTO gpkg_geometry_columns VALUES (?, 'geom', 'POINT', 4326, 0, 0)`, table)

	insert := `INSERT INTO ` + quote(table) + ` (geom`
	marks := "?"
	for _, c := range cols {
		insert += ", " + quote(c)
		marks += ", ?"
	}
	insert += ") VALUES (" + marks + ")"
	for _, p := range points {
		args := []any{GeoPackageBlob(t, p.geometry())}
		for _, c := range cols {
			args = append(args, p.Props[c])
		}
		mustExec(t, db, insert, args...)
	}
	return path
}

// RawGeoPackageRow inserts a raw geometry blob into an existing table.
func RawGeoPackageRow(t testing.TB, path, table string, blob []byte) {
	t.Helper()
	db := openGeoPackage(t, path)
	defer func() { _ = db.Close() }()
	mustExec(t, db, `INSERT INTO `+quote(table)+` (geom) VALUES (?)`, blob)
}

// GeoPackageBlob encodes g with a little-endian GeoPackage header and no
// envelope.
func GeoPackageBlob(t testing.TB, g geom.T) []byte {
	t.Helper()
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		t.Fatalf("marshal wkb: %v", err)
	}
	header := []byte{'G', 'P', 0, 0x01, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[4:], 4326)
	return append(header, body...)
}

func openGeoPackage(t testing.TB, path string) *sql.DB {
	t.Helper()
	_, statErr := os.Stat(path)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open geopackage: %v", err)
	}
	if os.IsNotExist(statErr) {
		mustExec(t, db, gpkgSchema)
	}
	return db
}

func mustExec(t testing.TB, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// -----------------------------------------------------------------------------
// GeoParquet
// -----------------------------------------------------------------------------

// WriteGeoParquet writes points as a flat GeoParquet file with a WKB
// "geometry" column and optional string attribute columns.
func WriteGeoParquet(t testing.TB, path string, points []Point) string {
	t.Helper()
	cols := columns(points)
	group := parquet.Group{"geometry": parquet.Optional(parquet.Leaf(parquet.ByteArrayType))}
	for _, c := range cols {
		group[c] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("feature", group)

	var order []string
	for _, f := range schema.Fields() {
		order = append(order, f.Name())
	}

	buf := parquet.NewBuffer(schema)
	for _, p := range points {
		row := make(parquet.Row, len(order))
		for i, name := range order {
			var raw []byte
			if name == "geometry" {
				b, err := wkb.Marshal(p.geometry(), binary.LittleEndian)
				if err != nil {
					t.Fatalf("marshal wkb: %v", err)
				}
				raw = b
			} else if v, ok := p.Props[name]; ok && v != nil {
				raw = []byte(str(v))
			}
			if raw == nil {
				row[i] = parquet.NullValue().Level(0, 0, i)
				continue
			}
			row[i] = parquet.ByteArrayValue(raw).Level(0, 1, i)
		}
		if _, err := buf.WriteRows([]parquet.Row{row}); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	w := parquet.NewWriter(f, schema)
	if _, err := w.WriteRowGroup(buf); err != nil {
		t.Fatalf("write row group: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	return path
}
