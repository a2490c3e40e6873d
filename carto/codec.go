package carto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// jsonCodec encodes manifests and output features.
var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// decodeCodec decodes GeoJSON sources. Numbers stay json.Number so that
// attribute values keep their literal text ("01" stays "01", 75.0 stays 75.0).
var decodeCodec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// -----------------------------------------------------------------------------
// Feature collection output
// -----------------------------------------------------------------------------

var (
	collectionHeader = []byte(`{"type":"FeatureCollection","features":[` + "\n")
	collectionSep    = []byte(",\n")
	collectionFooter = []byte("\n]}\n")
	nullGeometry     = json.RawMessage("null")
)

type featureDoc struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// encodeFeature renders f as a GeoJSON Feature object.
func encodeFeature(f Feature) ([]byte, error) {
	doc := featureDoc{Type: "Feature", Geometry: nullGeometry, Properties: f.Attributes}
	if doc.Properties == nil {
		doc.Properties = map[string]any{}
	}
	if f.Geometry != nil {
		g, err := geojson.Marshal(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encode geometry: %w", err)
		}
		doc.Geometry = g
	}
	return jsonCodec.Marshal(doc)
}

// decodeFeature parses one GeoJSON Feature object.
func decodeFeature(raw []byte) (Feature, error) {
	var doc featureDoc
	if err := decodeCodec.Unmarshal(raw, &doc); err != nil {
		return Feature{}, err
	}
	if doc.Type != "Feature" {
		return Feature{}, fmt.Errorf("expected Feature, got %q", doc.Type)
	}
	f := Feature{Attributes: doc.Properties}
	if f.Attributes == nil {
		f.Attributes = map[string]any{}
	}
	g := bytes.TrimSpace(doc.Geometry)
	if len(g) > 0 && !bytes.Equal(g, nullGeometry) {
		if err := geojson.Unmarshal(g, &f.Geometry); err != nil {
			return Feature{}, fmt.Errorf("decode geometry: %w", err)
		}
	}
	return f, nil
}

// -----------------------------------------------------------------------------
// Partition keys
// -----------------------------------------------------------------------------

// keyString renders a partition attribute value as its key. It reports false
// when the value is absent, null or the empty string.
func keyString(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case json.Number:
		s = x.String()
	case []byte:
		s = string(x)
	case bool:
		s = strconv.FormatBool(x)
	case int:
		s = strconv.Itoa(x)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case int64:
		s = strconv.FormatInt(x, 10)
	case uint32:
		s = strconv.FormatUint(uint64(x), 10)
	case uint64:
		s = strconv.FormatUint(x, 10)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		s = x.String()
	default:
		b, err := jsonCodec.Marshal(x)
		if err != nil {
			return "", false
		}
		s = string(b)
	}
	if s == "" {
		return "", false
	}
	return s, true
}
