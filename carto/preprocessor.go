package carto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Preprocessor turns raw datasets into partitioned feature collections and
// keeps their manifests.
type Preprocessor struct {
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	fs        fileSystem
	readers   map[FormatTag]SourceReader
	publisher Publisher
	layout    layout
	manifests *ManifestStore
}

// NewPreprocessor creates a Preprocessor with documented defaults:
//   - partition key "departement", unassigned bucket "non_renseigne"
//   - malformed records skipped, stat fingerprints
//   - built-in readers for every supported format, no publisher
func NewPreprocessor(cfg Config, opts ...Option) (*Preprocessor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	l := newLayout(cfg.ProcessedDir)
	return &Preprocessor{
		cfg:       cfg,
		logger:    o.logger,
		now:       o.now,
		fs:        o.fs,
		readers:   o.readers,
		publisher: o.publisher,
		layout:    l,
		manifests: newManifestStore(o.fs, l),
	}, nil
}

// Manifests returns the manifest store of the processed directory.
func (p *Preprocessor) Manifests() *ManifestStore {
	return p.manifests
}

// -----------------------------------------------------------------------------
// Discovery
// -----------------------------------------------------------------------------

// DiscoverRawDatasets scans the raw directory. Files whose format cannot be
// detected are returned with DetectErr set. A missing raw directory yields
// no datasets.
func (p *Preprocessor) DiscoverRawDatasets() ([]RawDataset, error) {
	entries, err := os.ReadDir(p.cfg.RawDir)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Warn("raw_dir_missing", "dir", p.cfg.RawDir)
			return nil, nil
		}
		return nil, fmt.Errorf("carto: scan raw dir: %w", err)
	}

	// os.ReadDir sorts by file name, so the first file wins a name collision.
	seen := make(map[string]string)
	var out []RawDataset
	for _, e := range entries {
		if e.IsDir() || !isDatasetCandidate(e.Name()) {
			continue
		}
		name := datasetName(e.Name())
		if err := validateName(name); err != nil {
			p.logger.Warn("raw_file_ignored", "file", e.Name(), "error", err)
			continue
		}
		if first, dup := seen[name]; dup {
			p.logger.Warn("raw_dataset_name_collision", "dataset", name, "kept", first, "ignored", e.Name())
			continue
		}
		seen[name] = e.Name()

		raw := RawDataset{Name: name, FilePath: filepath.Join(p.cfg.RawDir, e.Name())}
		det, err := DetectFormat(raw.FilePath)
		if err != nil {
			raw.DetectErr = err
		} else {
			raw.Format, raw.Compression = det.Format, det.Compression
		}
		out = append(out, raw)
	}
	return out, nil
}

// resolve finds the raw dataset called name.
func (p *Preprocessor) resolve(name string) (RawDataset, error) {
	if err := validateName(name); err != nil {
		return RawDataset{}, err
	}
	raws, err := p.DiscoverRawDatasets()
	if err != nil {
		return RawDataset{}, err
	}
	for _, raw := range raws {
		if raw.Name == name {
			return raw, nil
		}
	}
	return RawDataset{}, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
}

// -----------------------------------------------------------------------------
// Staleness
// -----------------------------------------------------------------------------

// IsStale reports whether the dataset called name must be rebuilt from the
// raw source at rawPath: no manifest, a corrupt manifest, or a fingerprint
// that differs from the recorded one. A missing raw source is stale.
func (p *Preprocessor) IsStale(name, rawPath string) (bool, error) {
	stale, _, _, err := p.staleness(name, rawPath)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	return stale, err
}

func (p *Preprocessor) staleness(name, rawPath string) (bool, *ProcessedDataset, string, error) {
	fp, err := Fingerprint(memberFiles(rawPath), p.cfg.Fingerprint)
	if err != nil {
		return true, nil, "", err
	}
	existing, found, err := p.manifests.Get(name)
	if err != nil {
		if errors.Is(err, ErrManifestCorrupt) {
			p.logger.Warn("manifest_corrupt", "dataset", name, "error", err)
			return true, nil, fp, nil
		}
		return true, nil, fp, err
	}
	if !found || existing.SourceFingerprint != fp {
		return true, existing, fp, nil
	}
	return false, existing, fp, nil
}

// NeedsPreprocessing reports whether the named raw dataset is stale.
// Datasets without a raw source report true; unsupported ones report false
// since no run could process them.
func (p *Preprocessor) NeedsPreprocessing(name string) (bool, error) {
	raw, err := p.resolve(name)
	if errors.Is(err, ErrDatasetNotFound) || errors.Is(err, ErrInvalidName) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if raw.DetectErr != nil {
		return false, nil
	}
	return p.IsStale(name, raw.FilePath)
}

// Info returns the committed manifest of name, if any.
func (p *Preprocessor) Info(name string) (*ProcessedDataset, bool, error) {
	return p.manifests.Get(name)
}

// -----------------------------------------------------------------------------
// Preprocess
// -----------------------------------------------------------------------------

// Preprocess brings the named dataset up to date. An up-to-date dataset is
// returned as recorded without touching the source.
//
// A publish failure after a successful local commit returns the committed
// dataset together with an error wrapping ErrPublish.
func (p *Preprocessor) Preprocess(ctx context.Context, name string) (*ProcessedDataset, error) {
	raw, err := p.resolve(name)
	if err != nil {
		return nil, err
	}
	d, _, err := p.preprocessRaw(ctx, raw)
	return d, err
}

// preprocessRaw runs one discovered dataset. skipped is true when the
// committed dataset was already up to date.
func (p *Preprocessor) preprocessRaw(ctx context.Context, raw RawDataset) (*ProcessedDataset, bool, error) {
	name := raw.Name
	if raw.DetectErr != nil {
		return nil, false, raw.DetectErr
	}
	if err := p.Recover(name); err != nil {
		return nil, false, err
	}

	stale, existing, fp, err := p.staleness(name, raw.FilePath)
	if err != nil {
		return nil, false, err
	}
	if !stale {
		p.logger.Info("preprocess_skip_up_to_date", "dataset", name, "fingerprint", fp)
		return existing, true, nil
	}

	p.logger.Info("preprocess_start", "dataset", name, "format", raw.Format, "file", raw.FilePath)
	runID := newRunID()
	result, err := p.build(ctx, raw, fp, runID)
	if err != nil {
		p.logger.Error("preprocess_failed", "dataset", name, "error", err)
		return nil, false, err
	}
	if err := p.promote(ctx, result, runID); err != nil {
		p.logger.Error("preprocess_failed", "dataset", name, "error", err)
		return nil, false, err
	}
	p.logger.Info("preprocess_committed",
		"dataset", name,
		"partitions", len(result.Partitions),
		"features", result.FeatureCount,
		"skipped", result.SkippedRecords,
		"rejected", result.RejectedRecords,
		"unassigned", result.UnassignedCount,
	)

	if err := p.publish(ctx, result); err != nil {
		return result, false, err
	}
	return result, false, nil
}

// build reads the source and writes its partitions into a fresh staging
// directory. The staging directory is removed on failure.
func (p *Preprocessor) build(ctx context.Context, raw RawDataset, fp, runID string) (result *ProcessedDataset, err error) {
	reader, ok := p.readers[raw.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no reader for %s", ErrUnsupportedFormat, raw.Name, raw.Format)
	}

	staging := p.layout.stagingPath(raw.Name, runID)
	if err := p.fs.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging %s: %w", ErrWriteFailure, staging, err)
	}
	w := newPartitionWriter(p.fs, staging, raw.Name, p.cfg.MaxOpenFiles)
	defer func() {
		if err != nil {
			w.Abort()
			_ = p.fs.RemoveAll(staging)
		}
	}()

	attr := p.cfg.partitionKeyFor(raw.Name)
	part := attributePartitioner{attribute: attr, policy: p.cfg.Unassigned, unassigned: p.cfg.UnassignedKey}
	opts := p.cfg.sourceOptionsFor(raw.Name)
	opts.Compression = raw.Compression

	result = &ProcessedDataset{
		Name:               raw.Name,
		SourceFingerprint:  fp,
		SourceFile:         filepath.Base(raw.FilePath),
		SourceFormat:       raw.Format,
		PartitionAttribute: attr,
	}

	var index int64
	for f, ferr := range reader.Features(ctx, raw.FilePath, opts) {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("carto: preprocess %s: %w", raw.Name, cerr)
		}
		record := index
		index++

		if ferr == nil {
			var data []byte
			if data, ferr = encodeFeature(f); ferr == nil {
				ferr = p.route(w, part, f, data, result)
				if ferr != nil {
					return nil, ferr
				}
				continue
			}
			ferr = malformed(record, "", ferr)
		}

		if !errors.Is(ferr, ErrMalformedRecord) {
			return nil, fmt.Errorf("carto: preprocess %s: %w", raw.Name, ferr)
		}
		if p.cfg.Malformed == MalformedFail {
			return nil, fmt.Errorf("carto: preprocess %s: %w", raw.Name, ferr)
		}
		result.SkippedRecords++
		p.logger.Debug("malformed_record_skipped", "dataset", raw.Name, "error", ferr)
		if p.cfg.MaxMalformed > 0 && result.SkippedRecords > p.cfg.MaxMalformed {
			return nil, fmt.Errorf("carto: preprocess %s: %d malformed records exceed limit %d: %w",
				raw.Name, result.SkippedRecords, p.cfg.MaxMalformed, ErrMalformedRecord)
		}
	}

	parts, err := w.Close()
	if err != nil {
		return nil, err
	}
	result.Partitions = parts
	for _, pt := range parts {
		result.FeatureCount += pt.FeatureCount
	}
	return result, nil
}

// route sends one encoded feature to its partition.
func (p *Preprocessor) route(w *partitionWriter, part attributePartitioner, f Feature, data []byte, result *ProcessedDataset) error {
	key, unassigned, ok := part.partitionKey(f)
	if !ok {
		result.RejectedRecords++
		return nil
	}
	if unassigned {
		result.UnassignedCount++
	}
	return w.Write(key, data)
}

// -----------------------------------------------------------------------------
// Promotion
// -----------------------------------------------------------------------------

// promote swaps the staging directory of runID in as the live dataset
// directory and commits the manifest. The previous live directory is parked
// under .retired until the manifest is durable, and restored on failure.
func (p *Preprocessor) promote(ctx context.Context, d *ProcessedDataset, runID string) error {
	name := d.Name
	staging := p.layout.stagingPath(name, runID)
	live := p.layout.datasetDir(name)
	retired := ""

	if err := ctx.Err(); err != nil {
		_ = p.fs.RemoveAll(staging)
		return fmt.Errorf("carto: preprocess %s: %w", name, err)
	}

	if exists(p.fs, live) {
		retired = p.layout.retiredPath(name, runID)
		if err := p.fs.MkdirAll(p.layout.retiredRoot(), 0o755); err != nil {
			_ = p.fs.RemoveAll(staging)
			return fmt.Errorf("%w: create %s: %w", ErrWriteFailure, p.layout.retiredRoot(), err)
		}
		if err := p.fs.Rename(live, retired); err != nil {
			_ = p.fs.RemoveAll(staging)
			return fmt.Errorf("%w: retire %s: %w", ErrWriteFailure, name, err)
		}
	}

	rollback := func() {
		_ = p.fs.RemoveAll(live)
		if retired != "" {
			_ = p.fs.Rename(retired, live)
		}
		_ = p.fs.RemoveAll(staging)
	}

	if err := p.fs.Rename(staging, live); err != nil {
		rollback()
		return fmt.Errorf("%w: promote %s: %w", ErrWriteFailure, name, err)
	}
	syncDir(p.fs, p.layout.root)

	d.ProcessedAt = p.now()
	if err := p.manifests.Commit(d); err != nil {
		rollback()
		return err
	}

	if retired != "" {
		if err := p.fs.RemoveAll(retired); err != nil {
			p.logger.Warn("retired_cleanup_failed", "dataset", name, "dir", retired, "error", err)
		}
	}
	return nil
}

// Recover repairs the processed directory of name after an interrupted
// promotion. When the live directory is missing or holds no manifest, the
// most recent retired directory is restored. Leftover staging and retired
// directories are removed.
func (p *Preprocessor) Recover(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	live := p.layout.datasetDir(name)

	retired, err := runDirs(p.fs, p.layout.retiredRoot(), name)
	if err != nil {
		return fmt.Errorf("%w: scan retired dirs: %w", ErrWriteFailure, err)
	}
	if len(retired) > 0 && !exists(p.fs, p.layout.manifestPath(name)) {
		restore := p.latest(retired)
		if err := p.fs.RemoveAll(live); err != nil {
			return fmt.Errorf("%w: remove uncommitted %s: %w", ErrWriteFailure, name, err)
		}
		if err := p.fs.Rename(restore, live); err != nil {
			return fmt.Errorf("%w: restore %s: %w", ErrWriteFailure, name, err)
		}
		p.logger.Warn("promotion_recovered", "dataset", name, "from", restore)
	}
	for _, dir := range retired {
		if exists(p.fs, dir) {
			if err := p.fs.RemoveAll(dir); err != nil {
				return fmt.Errorf("%w: remove %s: %w", ErrWriteFailure, dir, err)
			}
		}
	}

	staging, err := runDirs(p.fs, p.layout.stagingRoot(), name)
	if err != nil {
		return fmt.Errorf("%w: scan staging dirs: %w", ErrWriteFailure, err)
	}
	for _, dir := range staging {
		if err := p.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: remove %s: %w", ErrWriteFailure, dir, err)
		}
		p.logger.Info("staging_discarded", "dataset", name, "dir", dir)
	}
	return nil
}

// latest picks the most recently modified directory.
func (p *Preprocessor) latest(dirs []string) string {
	sorted := append([]string(nil), dirs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return modTime(p.fs, sorted[i]).After(modTime(p.fs, sorted[j]))
	})
	return sorted[0]
}

func modTime(fsys fileSystem, path string) time.Time {
	info, err := fsys.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// -----------------------------------------------------------------------------
// Publish
// -----------------------------------------------------------------------------

func (p *Preprocessor) publish(ctx context.Context, d *ProcessedDataset) error {
	if p.publisher == nil {
		return nil
	}
	if err := p.publisher.Publish(ctx, d, p.layout.datasetDir(d.Name)); err != nil {
		p.logger.Error("publish_failed", "dataset", d.Name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPublish, d.Name, err)
	}
	p.logger.Info("publish_complete", "dataset", d.Name)
	return nil
}

// Publish mirrors the committed dataset called name. It fails with
// ErrDatasetNotFound when no manifest exists.
func (p *Preprocessor) Publish(ctx context.Context, name string) error {
	if p.publisher == nil {
		return fmt.Errorf("%w: no publisher configured", ErrPublish)
	}
	d, found, err := p.manifests.Get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s has not been processed", ErrDatasetNotFound, name)
	}
	return p.publish(ctx, d)
}

// -----------------------------------------------------------------------------
// Cleanup
// -----------------------------------------------------------------------------

// Cleanup removes every processed artifact of name, including staging and
// retired directories, and unpublishes it when a publisher is configured.
// Run directories go first and the manifest before the partitions, so an
// interrupted cleanup leaves the dataset stale rather than committed.
// Datasets that were never processed are not an error.
func (p *Preprocessor) Cleanup(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	for _, root := range []string{p.layout.stagingRoot(), p.layout.retiredRoot()} {
		runs, err := runDirs(p.fs, root, name)
		if err != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrWriteFailure, root, err)
		}
		for _, dir := range runs {
			if err := p.fs.RemoveAll(dir); err != nil {
				return fmt.Errorf("%w: remove %s: %w", ErrWriteFailure, dir, err)
			}
		}
	}
	if err := p.manifests.Remove(name, false); err != nil {
		return err
	}
	syncDir(p.fs, p.layout.datasetDir(name))
	if err := p.manifests.Remove(name, true); err != nil {
		return err
	}
	p.logger.Info("cleanup_complete", "dataset", name)

	if p.publisher != nil {
		if err := p.publisher.Unpublish(ctx, name); err != nil {
			return fmt.Errorf("%w: unpublish %s: %w", ErrPublish, name, err)
		}
	}
	return nil
}

// CleanupAll removes every processed dataset directory together with the
// staging and retired areas, and returns the names of the removed datasets.
func (p *Preprocessor) CleanupAll(ctx context.Context) ([]string, error) {
	entries, err := p.fs.ReadDir(p.layout.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("carto: scan processed dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || validateName(e.Name()) != nil {
			continue
		}
		if err := p.Cleanup(ctx, e.Name()); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	for _, root := range []string{p.layout.stagingRoot(), p.layout.retiredRoot()} {
		if err := p.fs.RemoveAll(root); err != nil {
			return removed, fmt.Errorf("%w: remove %s: %w", ErrWriteFailure, root, err)
		}
	}
	return removed, nil
}
