// Package config loads carto configuration.
// Priority: defaults < YAML file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/justapithecus/carto/carto"
)

// Config holds all carto configuration.
type Config struct {
	RawDir       string `yaml:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	PartitionKey string `yaml:"partition_key"`

	UnassignedPolicy string `yaml:"unassigned_policy"` // bucket | reject
	UnassignedKey    string `yaml:"unassigned_key"`
	MalformedPolicy  string `yaml:"malformed_policy"` // skip | fail
	MaxMalformed     int64  `yaml:"max_malformed"`    // 0 = unlimited
	Fingerprint      string `yaml:"fingerprint"`      // stat | content
	Workers          int    `yaml:"workers"`
	MaxOpenFiles     int    `yaml:"max_open_files"`

	Datasets map[string]DatasetConfig `yaml:"datasets"`
	S3       S3Config                 `yaml:"s3"`
}

// DatasetConfig overrides settings for one dataset.
type DatasetConfig struct {
	PartitionKey   string `yaml:"partition_key"`
	Layer          string `yaml:"layer"`
	GeometryColumn string `yaml:"geometry_column"`
	Delimiter      string `yaml:"delimiter"` // single character or "tab"
	LatColumn      string `yaml:"lat_column"`
	LonColumn      string `yaml:"lon_column"`
}

// S3Config configures the optional S3 mirror. An empty bucket disables it.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Enabled reports whether a bucket is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		RawDir:           "data/raw",
		ProcessedDir:     "data/processed",
		PartitionKey:     carto.DefaultPartitionKey,
		UnassignedPolicy: string(carto.UnassignedBucket),
		UnassignedKey:    carto.DefaultUnassignedKey,
		MalformedPolicy:  string(carto.MalformedSkip),
		Fingerprint:      string(carto.FingerprintStat),
		Workers:          1,
		MaxOpenFiles:     carto.DefaultMaxOpenFiles,
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// LoadDotEnv loads the given .env files into the environment. Missing files
// are ignored; existing variables are never overridden.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies CARTO_* environment overrides.
func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"CARTO_RAW_DIR":              &c.RawDir,
		"CARTO_PROCESSED_DIR":        &c.ProcessedDir,
		"CARTO_PARTITION_KEY":        &c.PartitionKey,
		"CARTO_UNASSIGNED_POLICY":    &c.UnassignedPolicy,
		"CARTO_UNASSIGNED_KEY":       &c.UnassignedKey,
		"CARTO_MALFORMED_POLICY":     &c.MalformedPolicy,
		"CARTO_FINGERPRINT":          &c.Fingerprint,
		"CARTO_S3_BUCKET":            &c.S3.Bucket,
		"CARTO_S3_PREFIX":            &c.S3.Prefix,
		"CARTO_S3_REGION":            &c.S3.Region,
		"CARTO_S3_ENDPOINT":          &c.S3.Endpoint,
		"CARTO_S3_ACCESS_KEY_ID":     &c.S3.AccessKeyID,
		"CARTO_S3_SECRET_ACCESS_KEY": &c.S3.SecretAccessKey,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CARTO_WORKERS":        &c.Workers,
		"CARTO_MAX_OPEN_FILES": &c.MaxOpenFiles,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("CARTO_MAX_MALFORMED"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: CARTO_MAX_MALFORMED: %w", err)
		}
		c.MaxMalformed = n
	}
	if v, ok := os.LookupEnv("CARTO_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: CARTO_S3_PATH_STYLE: %w", err)
		}
		c.S3.UsePathStyle = b
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.RawDir == "" {
		errs = append(errs, errors.New("raw_dir is required"))
	}
	if c.ProcessedDir == "" {
		errs = append(errs, errors.New("processed_dir is required"))
	}
	switch carto.UnassignedPolicy(c.UnassignedPolicy) {
	case carto.UnassignedBucket, carto.UnassignedReject:
	default:
		errs = append(errs, fmt.Errorf("unassigned_policy %q must be bucket or reject", c.UnassignedPolicy))
	}
	switch carto.MalformedPolicy(c.MalformedPolicy) {
	case carto.MalformedSkip, carto.MalformedFail:
	default:
		errs = append(errs, fmt.Errorf("malformed_policy %q must be skip or fail", c.MalformedPolicy))
	}
	switch carto.FingerprintMode(c.Fingerprint) {
	case carto.FingerprintStat, carto.FingerprintContent:
	default:
		errs = append(errs, fmt.Errorf("fingerprint %q must be stat or content", c.Fingerprint))
	}
	if c.MaxMalformed < 0 {
		errs = append(errs, errors.New("max_malformed must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.MaxOpenFiles < 0 {
		errs = append(errs, errors.New("max_open_files must not be negative"))
	}
	for name, ds := range c.Datasets {
		if _, err := parseDelimiter(ds.Delimiter); err != nil {
			errs = append(errs, fmt.Errorf("datasets.%s.delimiter: %w", name, err))
		}
		if (ds.LatColumn == "") != (ds.LonColumn == "") {
			errs = append(errs, fmt.Errorf("datasets.%s: lat_column and lon_column must be set together", name))
		}
	}
	if c.S3.Enabled() && c.S3.Region == "" {
		errs = append(errs, errors.New("s3.region is required when s3.bucket is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func parseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "tab", `\t`:
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError {
		return 0, fmt.Errorf("%q is not a single character", s)
	}
	return r, nil
}

// ToCarto converts to the core configuration.
func (c *Config) ToCarto() carto.Config {
	out := carto.Config{
		RawDir:        c.RawDir,
		ProcessedDir:  c.ProcessedDir,
		PartitionKey:  c.PartitionKey,
		Unassigned:    carto.UnassignedPolicy(c.UnassignedPolicy),
		UnassignedKey: c.UnassignedKey,
		Malformed:     carto.MalformedPolicy(c.MalformedPolicy),
		MaxMalformed:  c.MaxMalformed,
		Fingerprint:   carto.FingerprintMode(c.Fingerprint),
		Workers:       c.Workers,
		MaxOpenFiles:  c.MaxOpenFiles,
	}
	if len(c.Datasets) > 0 {
		out.Datasets = make(map[string]carto.DatasetConfig, len(c.Datasets))
		for name, ds := range c.Datasets {
			delim, _ := parseDelimiter(ds.Delimiter)
			out.Datasets[name] = carto.DatasetConfig{
				PartitionKey: ds.PartitionKey,
				Source: carto.SourceOptions{
					Layer:          ds.Layer,
					GeometryColumn: ds.GeometryColumn,
					Delimiter:      delim,
					LatColumn:      ds.LatColumn,
					LonColumn:      ds.LonColumn,
				},
			}
		}
	}
	return out
}
