package carto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
)

// Coordinate column names recognised in delimited text headers.
var (
	lonColumns      = []string{"lon", "lng", "long", "longitude", "x"}
	latColumns      = []string{"lat", "latitude", "y"}
	combinedColumns = []string{"geo_point_2d", "geo_point", "coordonnees"}
	delimiters      = []rune{',', ';', '\t', '|'}
)

// delimitedTextReader reads point features from delimited text with
// coordinate columns. Every column is kept as a string attribute.
type delimitedTextReader struct{}

// NewDelimitedTextReader creates the reader for CSV, TSV and TXT sources.
func NewDelimitedTextReader() SourceReader {
	return &delimitedTextReader{}
}

func (r *delimitedTextReader) Format() FormatTag {
	return FormatDelimitedText
}

func (r *delimitedTextReader) Features(ctx context.Context, path string, opts SourceOptions) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		rc, err := openSource(path, opts.Compression)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(rc)()

		br := skipBOM(rc)
		delim := opts.Delimiter
		if delim == 0 {
			delim = sniffDelimiter(br)
		}

		cr := csv.NewReader(br)
		cr.Comma = delim
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true

		header, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("missing header row")
			}
			yield(Feature{}, containerErr(path, err))
			return
		}
		header = normalizeHeader(header)

		coords, err := locateCoordinates(header, opts)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}

		for index := int64(0); ; index++ {
			if err := canceled(ctx); err != nil {
				yield(Feature{}, err)
				return
			}

			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(Feature{}, malformed(index, strings.Join(record, string(delim)), err)) {
						return
					}
					continue
				}
				yield(Feature{}, containerErr(path, err))
				return
			}

			if len(record) != len(header) {
				err := fmt.Errorf("expected %d fields, got %d", len(header), len(record))
				if !yield(Feature{}, malformed(index, strings.Join(record, string(delim)), err)) {
					return
				}
				continue
			}

			f, err := coords.feature(header, record)
			if err != nil {
				if !yield(Feature{}, malformed(index, strings.Join(record, string(delim)), err)) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// sniffDelimiter picks the candidate delimiter occurring most often in the
// header line, defaulting to a comma.
func sniffDelimiter(br *bufio.Reader) rune {
	head, _ := br.Peek(64 * 1024)
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := bytes.Count(head, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		out[i] = h
	}
	return out
}

// coordinateColumns locates the geometry of a delimited text row: either a
// lon/lat pair or one combined "lat, lon" column.
type coordinateColumns struct {
	lon, lat int
	combined int
}

func locateCoordinates(header []string, opts SourceOptions) (coordinateColumns, error) {
	c := coordinateColumns{lon: -1, lat: -1, combined: -1}
	if opts.LonColumn != "" || opts.LatColumn != "" {
		c.lon = columnIndex(header, opts.LonColumn)
		c.lat = columnIndex(header, opts.LatColumn)
		if c.lon < 0 || c.lat < 0 {
			return c, fmt.Errorf("coordinate columns %q/%q not found", opts.LonColumn, opts.LatColumn)
		}
		return c, nil
	}

	for _, name := range lonColumns {
		if c.lon = columnIndex(header, name); c.lon >= 0 {
			break
		}
	}
	for _, name := range latColumns {
		if c.lat = columnIndex(header, name); c.lat >= 0 {
			break
		}
	}
	if c.lon >= 0 && c.lat >= 0 {
		return c, nil
	}

	c.lon, c.lat = -1, -1
	for _, name := range combinedColumns {
		if c.combined = columnIndex(header, name); c.combined >= 0 {
			return c, nil
		}
	}
	return c, errors.New("no coordinate columns")
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func (c coordinateColumns) feature(header, record []string) (Feature, error) {
	attrs := make(map[string]any, len(header))
	for i, h := range header {
		attrs[h] = record[i]
	}

	var lonText, latText string
	if c.combined >= 0 {
		v := strings.TrimSpace(record[c.combined])
		if v != "" {
			parts := strings.Split(v, ",")
			if len(parts) != 2 {
				parts = strings.Split(v, ";")
			}
			if len(parts) != 2 {
				return Feature{}, fmt.Errorf("cannot split coordinates %q", v)
			}
			latText, lonText = parts[0], parts[1]
		}
	} else {
		lonText, latText = record[c.lon], record[c.lat]
	}

	lonText, latText = strings.TrimSpace(lonText), strings.TrimSpace(latText)
	if lonText == "" && latText == "" {
		return Feature{Attributes: attrs}, nil
	}

	lon, err := parseCoordinate(lonText, 180)
	if err != nil {
		return Feature{}, fmt.Errorf("longitude: %w", err)
	}
	lat, err := parseCoordinate(latText, 90)
	if err != nil {
		return Feature{}, fmt.Errorf("latitude: %w", err)
	}
	return Feature{
		Geometry:   geom.NewPointFlat(geom.XY, []float64{lon, lat}),
		Attributes: attrs,
	}, nil
}

// parseCoordinate parses a decimal degree, accepting a decimal comma.
func parseCoordinate(s string, limit float64) (float64, error) {
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || v < -limit || v > limit {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}
