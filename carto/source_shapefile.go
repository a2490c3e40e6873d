package carto

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// shapePackageReader reads ESRI shapefiles, either as a .shp with sidecars
// or as a zipped package. Z and M ordinates are dropped.
type shapePackageReader struct{}

// NewShapePackageReader creates the reader for shapefile sources.
func NewShapePackageReader() SourceReader {
	return &shapePackageReader{}
}

func (r *shapePackageReader) Format() FormatTag {
	return FormatShapePackage
}

// shapeScanner is the iteration surface shared by shp.Reader and
// shp.ZipReader.
type shapeScanner interface {
	Next() bool
	Shape() (int, shp.Shape)
	Fields() []shp.Field
	Err() error
	Close() error
}

func (r *shapePackageReader) Features(ctx context.Context, path string, _ SourceOptions) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		scanner, attribute, dec, err := openShapes(path)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(scanner)()

		fields := scanner.Fields()
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.String()
		}

		for scanner.Next() {
			if err := canceled(ctx); err != nil {
				yield(Feature{}, err)
				return
			}

			row, shape := scanner.Shape()
			g, err := shapeGeometry(shape)
			if err != nil {
				if !yield(Feature{}, malformed(int64(row), fmt.Sprintf("%T", shape), err)) {
					return
				}
				continue
			}

			attrs := make(map[string]any, len(names))
			for i, name := range names {
				attrs[name] = dec.decode(attribute(row, i))
			}
			if !yield(Feature{Geometry: g, Attributes: attrs}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			yield(Feature{}, containerErr(path, err))
		}
	}
}

// openShapes opens a .shp (with sidecars) or a zipped package.
func openShapes(path string) (shapeScanner, func(row, field int) string, attrDecoder, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		dec, err := zipCodePage(path)
		if err != nil {
			return nil, nil, attrDecoder{}, err
		}
		zr, err := shp.OpenZip(path)
		if err != nil {
			return nil, nil, attrDecoder{}, err
		}
		return zr, func(_, field int) string { return zr.Attribute(field) }, dec, nil
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	if sidecar(base, ".dbf") == "" {
		return nil, nil, attrDecoder{}, errors.New("missing .dbf sidecar")
	}
	var dec attrDecoder
	if cpg := sidecar(base, ".cpg"); cpg != "" {
		b, err := os.ReadFile(cpg)
		if err != nil {
			return nil, nil, attrDecoder{}, err
		}
		dec = codePage(string(b))
	}
	sr, err := shp.Open(path)
	if err != nil {
		return nil, nil, attrDecoder{}, err
	}
	return sr, sr.ReadAttribute, dec, nil
}

// sidecar returns the existing sidecar path for base and ext in either case.
func sidecar(base, ext string) string {
	for _, cand := range []string{base + ext, base + strings.ToUpper(ext)} {
		if _, err := os.Stat(cand); err == nil {
			return cand
		}
	}
	return ""
}

func zipCodePage(path string) (attrDecoder, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return attrDecoder{}, err
	}
	defer closer(zr)()

	for _, f := range zr.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".cpg") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return attrDecoder{}, err
		}
		b, err := io.ReadAll(io.LimitReader(rc, 256))
		_ = rc.Close()
		if err != nil {
			return attrDecoder{}, err
		}
		return codePage(string(b)), nil
	}
	return attrDecoder{}, nil
}

// -----------------------------------------------------------------------------
// Attribute decoding
// -----------------------------------------------------------------------------

// attrDecoder turns raw DBF bytes into UTF-8. Without a declared code page,
// invalid UTF-8 is read as Windows-1252.
type attrDecoder struct {
	enc encoding.Encoding
}

func codePage(cpg string) attrDecoder {
	name := strings.ToUpper(strings.TrimSpace(cpg))
	switch {
	case strings.Contains(name, "UTF"):
		return attrDecoder{}
	case strings.Contains(name, "1252"):
		return attrDecoder{enc: charmap.Windows1252}
	case strings.Contains(name, "8859"), strings.Contains(name, "LATIN"):
		return attrDecoder{enc: charmap.ISO8859_1}
	}
	return attrDecoder{}
}

func (d attrDecoder) decode(raw string) string {
	raw = strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	enc := d.enc
	if enc == nil {
		if utf8.ValidString(raw) {
			return raw
		}
		enc = charmap.Windows1252
	}
	s, err := enc.NewDecoder().String(raw)
	if err != nil {
		return raw
	}
	return s
}

// -----------------------------------------------------------------------------
// Geometry conversion
// -----------------------------------------------------------------------------

func shapeGeometry(s shp.Shape) (geom.T, error) {
	switch v := s.(type) {
	case nil, *shp.Null:
		return nil, nil
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{v.X, v.Y}), nil
	case *shp.PointZ:
		return geom.NewPointFlat(geom.XY, []float64{v.X, v.Y}), nil
	case *shp.PointM:
		return geom.NewPointFlat(geom.XY, []float64{v.X, v.Y}), nil
	case *shp.MultiPoint:
		return multiPoint(v.Points), nil
	case *shp.MultiPointZ:
		return multiPoint(v.Points), nil
	case *shp.MultiPointM:
		return multiPoint(v.Points), nil
	case *shp.PolyLine:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineM:
		return lines(v.Parts, v.Points)
	case *shp.Polygon:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonM:
		return polygons(v.Parts, v.Points)
	default:
		return nil, fmt.Errorf("unsupported shape type %T", s)
	}
}

func flatten(points []shp.Point) []float64 {
	flat := make([]float64, 0, 2*len(points))
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}

func multiPoint(points []shp.Point) geom.T {
	return geom.NewMultiPointFlat(geom.XY, flatten(points))
}

// splitParts slices points by the part start offsets.
func splitParts(parts []int32, points []shp.Point) ([][]shp.Point, error) {
	out := make([][]shp.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			return nil, fmt.Errorf("part %d spans [%d,%d) of %d points", i, start, end, len(points))
		}
		out = append(out, points[start:end])
	}
	return out, nil
}

func lines(parts []int32, points []shp.Point) (geom.T, error) {
	split, err := splitParts(parts, points)
	if err != nil {
		return nil, err
	}
	switch len(split) {
	case 0:
		return nil, nil
	case 1:
		return geom.NewLineStringFlat(geom.XY, flatten(split[0])), nil
	}
	var flat []float64
	ends := make([]int, 0, len(split))
	for _, part := range split {
		flat = append(flat, flatten(part)...)
		ends = append(ends, len(flat))
	}
	return geom.NewMultiLineStringFlat(geom.XY, flat, ends), nil
}

// polygons groups rings into polygons. Shapefile outer rings are clockwise;
// each counter-clockwise ring is a hole of the preceding outer ring.
func polygons(parts []int32, points []shp.Point) (geom.T, error) {
	split, err := splitParts(parts, points)
	if err != nil {
		return nil, err
	}
	if len(split) == 0 {
		return nil, nil
	}

	var groups [][][]shp.Point
	for _, ring := range split {
		if len(groups) == 0 || signedArea(ring) <= 0 {
			groups = append(groups, [][]shp.Point{ring})
			continue
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], ring)
	}

	var flat []float64
	endss := make([][]int, 0, len(groups))
	for _, rings := range groups {
		ends := make([]int, 0, len(rings))
		for _, ring := range rings {
			flat = append(flat, flatten(ring)...)
			ends = append(ends, len(flat))
		}
		endss = append(endss, ends)
	}

	if len(endss) == 1 {
		return geom.NewPolygonFlat(geom.XY, flat, endss[0]), nil
	}
	return geom.NewMultiPolygonFlat(geom.XY, flat, endss), nil
}

// signedArea is positive for counter-clockwise rings.
func signedArea(ring []shp.Point) float64 {
	var a float64
	for i := range ring {
		j := (i + 1) % len(ring)
		a += ring[i].X*ring[j].Y - ring[j].X*ring[i].Y
	}
	return a / 2
}
