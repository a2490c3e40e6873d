// Package carto preprocesses raw geospatial datasets into per-area feature
// collections and keeps them up to date.
//
// Carto focuses on the preprocessing cache: format detection, attribute
// partitioning, staleness detection and crash-safe manifest bookkeeping. It
// does not serve queries and performs no spatial operations.
package carto

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/twpayne/go-geom"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// FormatTag identifies a supported raw source format.
type FormatTag string

// Supported source formats.
const (
	FormatGeoPackage        FormatTag = "geo-package"
	FormatShapePackage      FormatTag = "shape-package"
	FormatFeatureCollection FormatTag = "feature-collection-file"
	FormatDelimitedText     FormatTag = "delimited-text"
	FormatGeoParquet        FormatTag = "geo-parquet"
)

// Streamable reports whether the format can be read through a decompressing
// stream (no random access required).
func (f FormatTag) Streamable() bool {
	return f == FormatFeatureCollection || f == FormatDelimitedText
}

// RawDataset describes one raw source file found in the raw directory.
// It is discovered on every invocation and never persisted.
type RawDataset struct {
	// Name is the dataset name (file name without recognised extensions).
	Name string

	// FilePath is the absolute or raw-dir-relative path of the source file.
	FilePath string

	// Format is the detected format. Empty when DetectErr is set.
	Format FormatTag

	// Compression is the compressor wrapping the file ("noop", "gzip", "zstd").
	Compression string

	// DetectErr holds the detection failure for unsupported files.
	DetectErr error
}

// Feature is a single geometry with its attributes.
type Feature struct {
	// Geometry is nil for features with a null geometry.
	Geometry geom.T

	// Attributes holds the feature's properties verbatim.
	Attributes map[string]any
}

// FeatureSeq is a lazy, single-pass sequence of features. Each call to the
// sequence re-opens the underlying source.
//
// A yielded error wrapping ErrMalformedRecord concerns one record only and
// the sequence continues. Any other error is terminal.
type FeatureSeq = iter.Seq2[Feature, error]

// SourceReader produces features from a raw source of one format.
type SourceReader interface {
	// Format returns the format handled by this reader.
	Format() FormatTag

	// Features returns the feature sequence for the file at path.
	Features(ctx context.Context, path string, opts SourceOptions) FeatureSeq
}

// SourceOptions carries per-dataset reading hints.
type SourceOptions struct {
	// Compression names the compressor wrapping streamable files.
	Compression string

	// Layer selects the GeoPackage feature table. Empty selects the first.
	Layer string

	// GeometryColumn names the WKB column for GeoParquet sources.
	GeometryColumn string

	// Delimiter overrides delimiter sniffing for delimited text.
	Delimiter rune

	// LatColumn and LonColumn override coordinate column detection.
	LatColumn string
	LonColumn string
}

// -----------------------------------------------------------------------------
// Processed datasets
// -----------------------------------------------------------------------------

// Partition describes one materialized partition file.
type Partition struct {
	// Key is the exact partition attribute value.
	Key string `json:"key"`

	// File is the partition file name, relative to the dataset directory.
	File string `json:"file"`

	// FeatureCount is the number of features in the file. Always >= 1.
	FeatureCount int64 `json:"feature_count"`

	// SizeBytes is the file size in bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// ProcessedDataset is the result of a successful processing run.
type ProcessedDataset struct {
	Name               string      `json:"dataset"`
	Partitions         []Partition `json:"partitions"`
	FeatureCount       int64       `json:"feature_count"`
	ProcessedAt        time.Time   `json:"processed_at"`
	SourceFingerprint  string      `json:"source_fingerprint"`
	SourceFile         string      `json:"source_file"`
	SourceFormat       FormatTag   `json:"source_format"`
	PartitionAttribute string      `json:"partition_attribute"`
	SkippedRecords     int64       `json:"skipped_records"`
	RejectedRecords    int64       `json:"rejected_records"`
	UnassignedCount    int64       `json:"unassigned_count"`
}

// Keys returns the partition keys in sorted order.
func (d *ProcessedDataset) Keys() []string {
	keys := make([]string, 0, len(d.Partitions))
	for _, p := range d.Partitions {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys
}

// Files maps each partition key to its file name.
func (d *ProcessedDataset) Files() map[string]string {
	files := make(map[string]string, len(d.Partitions))
	for _, p := range d.Partitions {
		files[p.Key] = p.File
	}
	return files
}

// Publisher mirrors committed datasets to a secondary location.
// Implementations must write partition files before the manifest.
type Publisher interface {
	// Publish mirrors the dataset whose files live in dir.
	Publish(ctx context.Context, dataset *ProcessedDataset, dir string) error

	// Unpublish removes every mirrored object of the dataset.
	Unpublish(ctx context.Context, name string) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values, matched with errors.Is.
var (
	// ErrDatasetNotFound indicates the raw source is missing.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrUnsupportedFormat indicates an unrecognized source type.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrMalformedRecord indicates a single unparsable record.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrContainerParse indicates the source file itself is unreadable.
	ErrContainerParse = errors.New("container parse failure")

	// ErrWriteFailure indicates a staging or promotion I/O error.
	ErrWriteFailure = errors.New("write failure")

	// ErrManifestCorrupt indicates an unreadable manifest.
	ErrManifestCorrupt = errors.New("manifest corrupt")

	// ErrPublish indicates a mirror failure after a successful local commit.
	ErrPublish = errors.New("publish failure")

	// ErrInvalidName indicates a dataset name that cannot be used as a directory.
	ErrInvalidName = errors.New("invalid dataset name")
)

// MalformedRecordError reports one record that could not be turned into a
// feature. It unwraps to ErrMalformedRecord and the underlying cause.
type MalformedRecordError struct {
	// Index is the zero-based record index within the source.
	Index int64

	// Value is a short excerpt of the raw record.
	Value string

	// Err is the underlying cause.
	Err error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %d (%s): %v", e.Index, e.Value, e.Err)
}

func (e *MalformedRecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

func malformed(index int64, value string, err error) *MalformedRecordError {
	const maxExcerpt = 120
	if len(value) > maxExcerpt {
		value = value[:maxExcerpt] + "…"
	}
	return &MalformedRecordError{Index: index, Value: value, Err: err}
}

func containerErr(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrContainerParse, path, err)
}

// Error kinds reported in batch results.
const (
	KindDatasetNotFound   = "DatasetNotFound"
	KindUnsupportedFormat = "UnsupportedFormat"
	KindMalformedRecord   = "MalformedRecord"
	KindContainerParse    = "ContainerParseFailure"
	KindWriteFailure      = "WriteFailure"
	KindManifestCorrupt   = "ManifestCorrupt"
	KindPublish           = "PublishFailure"
	KindInvalidName       = "InvalidName"
	KindCanceled          = "Canceled"
	KindUnknown           = "Unknown"
)

// ErrorKind maps an error to its kind name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDatasetNotFound):
		return KindDatasetNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, ErrMalformedRecord):
		return KindMalformedRecord
	case errors.Is(err, ErrContainerParse):
		return KindContainerParse
	case errors.Is(err, ErrWriteFailure):
		return KindWriteFailure
	case errors.Is(err, ErrManifestCorrupt):
		return KindManifestCorrupt
	case errors.Is(err, ErrPublish):
		return KindPublish
	case errors.Is(err, ErrInvalidName):
		return KindInvalidName
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
