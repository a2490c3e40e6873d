package carto

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const jsonStreamBuffer = 64 * 1024

// featureCollectionReader streams GeoJSON FeatureCollection documents one
// feature at a time. A single top-level Feature is also accepted.
type featureCollectionReader struct{}

// NewFeatureCollectionReader creates the reader for GeoJSON sources.
func NewFeatureCollectionReader() SourceReader {
	return &featureCollectionReader{}
}

func (r *featureCollectionReader) Format() FormatTag {
	return FormatFeatureCollection
}

func (r *featureCollectionReader) Features(ctx context.Context, path string, opts SourceOptions) FeatureSeq {
	return func(yield func(Feature, error) bool) {
		rc, err := openSource(path, opts.Compression)
		if err != nil {
			yield(Feature{}, containerErr(path, err))
			return
		}
		defer closer(rc)()

		it := jsoniter.Parse(decodeCodec, skipBOM(rc), jsonStreamBuffer)
		if it.WhatIsNext() != jsoniter.ObjectValue {
			yield(Feature{}, containerErr(path, errors.New("document is not a JSON object")))
			return
		}

		var (
			docType    string
			sawFeature bool
			single     = map[string][]byte{}
			index      int64
		)
		for field := it.ReadObject(); field != ""; field = it.ReadObject() {
			switch field {
			case "type":
				docType = it.ReadString()
			case "features":
				sawFeature = true
				if it.WhatIsNext() != jsoniter.ArrayValue {
					yield(Feature{}, containerErr(path, errors.New(`"features" is not an array`)))
					return
				}
				for it.ReadArray() {
					if err := canceled(ctx); err != nil {
						yield(Feature{}, err)
						return
					}
					raw := append([]byte(nil), it.SkipAndReturnBytes()...)
					if it.Error != nil {
						break
					}
					f, err := decodeFeature(raw)
					if err != nil {
						if !yield(Feature{}, malformed(index, string(raw), err)) {
							return
						}
					} else if !yield(f, nil) {
						return
					}
					index++
				}
			case "geometry", "properties":
				single[field] = append([]byte(nil), it.SkipAndReturnBytes()...)
			default:
				it.Skip()
			}
			if it.Error != nil {
				break
			}
		}
		// A truncated document surfaces as io.EOF.
		if it.Error != nil {
			yield(Feature{}, containerErr(path, it.Error))
			return
		}

		switch {
		case docType == "Feature" && !sawFeature:
			f, err := decodeFeature(singleFeature(single))
			if err != nil {
				yield(Feature{}, malformed(0, "", err))
				return
			}
			yield(f, nil)
		case docType != "FeatureCollection" && !sawFeature:
			yield(Feature{}, containerErr(path, fmt.Errorf("unexpected GeoJSON type %q", docType)))
		}
	}
}

// singleFeature reassembles a top-level Feature from its captured members.
func singleFeature(members map[string][]byte) []byte {
	buf := []byte(`{"type":"Feature"`)
	for _, k := range []string{"geometry", "properties"} {
		if v, ok := members[k]; ok {
			buf = append(buf, `,"`+k+`":`...)
			buf = append(buf, v...)
		}
	}
	return append(buf, '}')
}
