package carto

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Detection is the outcome of format detection for one raw file.
type Detection struct {
	Format      FormatTag
	Compression string
}

var formatsByExtension = map[string]FormatTag{
	".gpkg":       FormatGeoPackage,
	".shp":        FormatShapePackage,
	".zip":        FormatShapePackage,
	".geojson":    FormatFeatureCollection,
	".json":       FormatFeatureCollection,
	".csv":        FormatDelimitedText,
	".tsv":        FormatDelimitedText,
	".txt":        FormatDelimitedText,
	".parquet":    FormatGeoParquet,
	".geoparquet": FormatGeoParquet,
}

// shapefile sidecars travel with a .shp and are never datasets themselves.
var sidecarExtensions = map[string]bool{
	".dbf": true,
	".shx": true,
	".prj": true,
	".cpg": true,
	".qix": true,
	".sbn": true,
	".sbx": true,
	".fix": true,
}

// DetectFormat classifies the raw file at path. The extension is the primary
// signal; the ambiguous .json and .zip extensions are confirmed by sniffing
// the file. Unknown or unconfirmed files fail with ErrUnsupportedFormat.
func DetectFormat(path string) (Detection, error) {
	lower := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(lower)

	det := Detection{Compression: CompressionNone}
	if c := compressorByExtension(ext); c != nil {
		det.Compression = c.Name()
		lower = strings.TrimSuffix(lower, ext)
		ext = filepath.Ext(lower)
	}

	format, ok := formatsByExtension[ext]
	if !ok {
		return Detection{}, fmt.Errorf("%w: %s: unknown extension %q", ErrUnsupportedFormat, filepath.Base(path), ext)
	}
	if det.Compression != CompressionNone && !format.Streamable() {
		return Detection{}, fmt.Errorf("%w: %s: %s sources cannot be read compressed", ErrUnsupportedFormat, filepath.Base(path), format)
	}
	det.Format = format

	switch ext {
	case ".json":
		if err := sniffJSONObject(path, det.Compression); err != nil {
			return Detection{}, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, filepath.Base(path), err)
		}
	case ".zip":
		if err := sniffShapeZip(path); err != nil {
			return Detection{}, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, filepath.Base(path), err)
		}
	case ".gpkg":
		if err := sniffSQLite(path); err != nil {
			return Detection{}, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, filepath.Base(path), err)
		}
	}

	return det, nil
}

// sniffJSONObject checks that the document starts with an object, which
// every GeoJSON FeatureCollection or Feature does.
func sniffJSONObject(path, compression string) error {
	rc, err := openSource(path, compression)
	if err != nil {
		return err
	}
	defer closer(rc)()

	head := make([]byte, 512)
	n, _ := io.ReadFull(rc, head)
	content := bytes.TrimPrefix(head[:n], utf8BOM)
	content = bytes.TrimLeft(content, " \t\r\n")
	if len(content) == 0 || content[0] != '{' {
		return fmt.Errorf("not a JSON object document")
	}
	return nil
}

// sniffShapeZip checks that the archive carries a shapefile.
func sniffShapeZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}
	defer closer(zr)()

	for _, f := range zr.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".shp") {
			return nil
		}
	}
	return fmt.Errorf("archive contains no .shp member")
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var sqliteMagic = []byte("SQLite format 3\x00")

// sniffSQLite checks the SQLite database header of a GeoPackage.
func sniffSQLite(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer closer(f)()

	head := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, sqliteMagic) {
		return fmt.Errorf("missing SQLite header")
	}
	return nil
}

// datasetName derives the dataset name from a raw file name by stripping any
// compression extension and the format extension.
func datasetName(fileName string) string {
	name := filepath.Base(fileName)
	ext := filepath.Ext(name)
	if compressorByExtension(strings.ToLower(ext)) != nil {
		name = strings.TrimSuffix(name, ext)
		ext = filepath.Ext(name)
	}
	return strings.TrimSuffix(name, ext)
}

// isDatasetCandidate reports whether a raw directory entry can be a dataset.
// Hidden files, shapefile sidecars and SQLite journals are skipped.
func isDatasetCandidate(fileName string) bool {
	if strings.HasPrefix(fileName, ".") {
		return false
	}
	lower := strings.ToLower(fileName)
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	ext := filepath.Ext(lower)
	if sidecarExtensions[ext] {
		return false
	}
	if ext == ".xml" && strings.HasSuffix(strings.TrimSuffix(lower, ext), ".shp") {
		return false
	}
	return true
}
