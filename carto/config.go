package carto

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// UnassignedPolicy decides what happens to features lacking the partition
// attribute.
type UnassignedPolicy string

const (
	// UnassignedBucket routes them to the unassigned partition.
	UnassignedBucket UnassignedPolicy = "bucket"

	// UnassignedReject drops them and counts them as rejected.
	UnassignedReject UnassignedPolicy = "reject"
)

// MalformedPolicy decides what happens to malformed source records.
type MalformedPolicy string

const (
	// MalformedSkip skips and counts malformed records.
	MalformedSkip MalformedPolicy = "skip"

	// MalformedFail fails the dataset on the first malformed record.
	MalformedFail MalformedPolicy = "fail"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPartitionKey  = "departement"
	DefaultUnassignedKey = "non_renseigne"
	DefaultMaxOpenFiles  = 64
)

// DatasetConfig overrides settings for one dataset.
type DatasetConfig struct {
	// PartitionKey overrides Config.PartitionKey.
	PartitionKey string

	// Source carries reader hints (layer, columns, delimiter).
	Source SourceOptions
}

// Config is the explicit configuration injected into the Preprocessor and
// the DatasetService.
type Config struct {
	// RawDir holds one raw source file per dataset.
	RawDir string

	// ProcessedDir holds one directory per processed dataset.
	ProcessedDir string

	// PartitionKey is the attribute used to split features.
	PartitionKey string

	// Unassigned selects the missing-attribute policy. Default: bucket.
	Unassigned UnassignedPolicy

	// UnassignedKey names the bucket for features lacking the attribute.
	UnassignedKey string

	// Malformed selects the malformed-record policy. Default: skip.
	Malformed MalformedPolicy

	// MaxMalformed fails the dataset once more than this many records were
	// skipped. Zero means unlimited.
	MaxMalformed int64

	// Fingerprint selects the fingerprint mode. Default: stat.
	Fingerprint FingerprintMode

	// Workers bounds PreprocessAll parallelism. Values below 2 run serially.
	Workers int

	// MaxOpenFiles bounds the partition files held open while writing.
	MaxOpenFiles int

	// Datasets holds per-dataset overrides keyed by dataset name.
	Datasets map[string]DatasetConfig
}

func (c Config) withDefaults() Config {
	if c.PartitionKey == "" {
		c.PartitionKey = DefaultPartitionKey
	}
	if c.Unassigned == "" {
		c.Unassigned = UnassignedBucket
	}
	if c.UnassignedKey == "" {
		c.UnassignedKey = DefaultUnassignedKey
	}
	if c.Malformed == "" {
		c.Malformed = MalformedSkip
	}
	if c.Fingerprint == "" {
		c.Fingerprint = FingerprintStat
	}
	if c.MaxOpenFiles <= 0 {
		c.MaxOpenFiles = DefaultMaxOpenFiles
	}
	return c
}

func (c Config) validate() error {
	if c.RawDir == "" {
		return errors.New("carto: raw dir is required")
	}
	if c.ProcessedDir == "" {
		return errors.New("carto: processed dir is required")
	}
	switch c.Unassigned {
	case UnassignedBucket, UnassignedReject:
	default:
		return fmt.Errorf("carto: unknown unassigned policy %q", c.Unassigned)
	}
	switch c.Malformed {
	case MalformedSkip, MalformedFail:
	default:
		return fmt.Errorf("carto: unknown malformed policy %q", c.Malformed)
	}
	switch c.Fingerprint {
	case FingerprintStat, FingerprintContent:
	default:
		return fmt.Errorf("carto: unknown fingerprint mode %q", c.Fingerprint)
	}
	if c.MaxMalformed < 0 {
		return errors.New("carto: max malformed must not be negative")
	}
	return nil
}

func (c Config) partitionKeyFor(name string) string {
	if ds, ok := c.Datasets[name]; ok && ds.PartitionKey != "" {
		return ds.PartitionKey
	}
	return c.PartitionKey
}

func (c Config) sourceOptionsFor(name string) SourceOptions {
	return c.Datasets[name].Source
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// options holds the resolved collaborators of a Preprocessor.
type options struct {
	logger    *slog.Logger
	now       func() time.Time
	publisher Publisher
	readers   map[FormatTag]SourceReader
	fs        fileSystem
}

// Option configures Preprocessor or DatasetService construction.
type Option func(*options)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for processed_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPublisher mirrors every committed dataset through p.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithSourceReader registers r for its format, replacing the built-in reader.
func WithSourceReader(r SourceReader) Option {
	return func(o *options) {
		if r != nil {
			o.readers[r.Format()] = r
		}
	}
}

// withFileSystem swaps the filesystem; used for fault injection in tests.
func withFileSystem(fs fileSystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

func resolveOptions(opts []Option) *options {
	o := &options{
		logger:  slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Now().UTC() },
		readers: DefaultReaders(),
		fs:      osFS{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
