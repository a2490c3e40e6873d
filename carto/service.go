package carto

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// DatasetService is the entry point for single-dataset and batch operations.
type DatasetService struct {
	pre     *Preprocessor
	workers int
	logger  *slog.Logger
}

// NewDatasetService creates the service and its Preprocessor.
func NewDatasetService(cfg Config, opts ...Option) (*DatasetService, error) {
	pre, err := NewPreprocessor(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &DatasetService{pre: pre, workers: pre.cfg.Workers, logger: pre.logger}, nil
}

// Preprocessor returns the underlying Preprocessor.
func (s *DatasetService) Preprocessor() *Preprocessor {
	return s.pre
}

// Setup creates the raw and processed directories.
func (s *DatasetService) Setup() error {
	for _, dir := range []string{s.pre.cfg.RawDir, s.pre.cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("carto: setup %s: %w", dir, err)
		}
	}
	return nil
}

// Preprocess processes one dataset, propagating errors unchanged.
func (s *DatasetService) Preprocess(ctx context.Context, name string) (*ProcessedDataset, error) {
	return s.pre.Preprocess(ctx, name)
}

// -----------------------------------------------------------------------------
// Batch
// -----------------------------------------------------------------------------

// DatasetResult is the outcome of one dataset in a batch run.
type DatasetResult struct {
	DatasetName  string   `json:"dataset_name"`
	Success      bool     `json:"success"`
	Departements []string `json:"departements,omitempty"`
	FeatureCount int64    `json:"feature_count,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
	Error        string   `json:"error,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
}

// BatchResult aggregates a PreprocessAll run.
type BatchResult struct {
	TotalDatasets int             `json:"total_datasets"`
	Results       []DatasetResult `json:"results"`
}

// Succeeded counts the successful datasets.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Failed counts the failed datasets.
func (b *BatchResult) Failed() int {
	return len(b.Results) - b.Succeeded()
}

// PreprocessAll processes every discovered raw dataset. A failure is
// recorded in its result and never stops the other datasets. Results follow
// dataset-name order whatever the parallelism.
func (s *DatasetService) PreprocessAll(ctx context.Context) (*BatchResult, error) {
	raws, err := s.pre.DiscoverRawDatasets()
	if err != nil {
		return nil, err
	}

	results := make([]DatasetResult, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	if s.workers > 1 {
		g.SetLimit(s.workers)
	} else {
		g.SetLimit(1)
	}
	for i, raw := range raws {
		g.Go(func() error {
			results[i] = s.runOne(gctx, raw)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("preprocess_all_complete", "total", len(raws))
	return &BatchResult{TotalDatasets: len(raws), Results: results}, nil
}

func (s *DatasetService) runOne(ctx context.Context, raw RawDataset) DatasetResult {
	res := DatasetResult{DatasetName: raw.Name}
	d, skipped, err := s.pre.preprocessRaw(ctx, raw)
	if err != nil {
		res.Error, res.ErrorKind = err.Error(), ErrorKind(err)
		return res
	}
	res.Success = true
	res.Departements = d.Keys()
	res.FeatureCount = d.FeatureCount
	res.Skipped = skipped
	return res
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// DatasetSummary describes one processed dataset.
type DatasetSummary struct {
	Name         string    `json:"name"`
	Departements []string  `json:"departements"`
	FeatureCount int64     `json:"feature_count"`
	ProcessedAt  time.Time `json:"processed_at"`
	SourceFile   string    `json:"source_file"`
}

// ListDatasets summarizes every dataset holding a valid manifest. Corrupt
// manifests are logged and left out.
func (s *DatasetService) ListDatasets() ([]DatasetSummary, error) {
	names, err := s.pre.manifests.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]DatasetSummary, 0, len(names))
	for _, name := range names {
		d, found, err := s.pre.manifests.Get(name)
		if err != nil {
			s.logger.Warn("manifest_unreadable", "dataset", name, "error", err)
			continue
		}
		if !found {
			continue
		}
		out = append(out, DatasetSummary{
			Name:         d.Name,
			Departements: d.Keys(),
			FeatureCount: d.FeatureCount,
			ProcessedAt:  d.ProcessedAt,
			SourceFile:   d.SourceFile,
		})
	}
	return out, nil
}

// RawDatasetSummary describes one raw source found in the raw directory.
type RawDatasetSummary struct {
	Name        string    `json:"name"`
	Format      FormatTag `json:"format,omitempty"`
	Compression string    `json:"compression,omitempty"`
	FilePath    string    `json:"file_path"`
	Error       string    `json:"error,omitempty"`
}

// ListRawDatasets summarizes the raw sources, unsupported ones included.
func (s *DatasetService) ListRawDatasets() ([]RawDatasetSummary, error) {
	raws, err := s.pre.DiscoverRawDatasets()
	if err != nil {
		return nil, err
	}
	out := make([]RawDatasetSummary, 0, len(raws))
	for _, raw := range raws {
		sum := RawDatasetSummary{Name: raw.Name, Format: raw.Format, Compression: raw.Compression, FilePath: raw.FilePath}
		if raw.DetectErr != nil {
			sum.Error = raw.DetectErr.Error()
		}
		out = append(out, sum)
	}
	return out, nil
}

// DatasetStatus reports the state of one raw dataset.
type DatasetStatus struct {
	Name      string            `json:"name"`
	Format    FormatTag         `json:"format,omitempty"`
	UpToDate  bool              `json:"up_to_date"`
	Processed *ProcessedDataset `json:"processed,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Status reports, for every raw dataset, whether it is up to date together
// with its committed manifest.
func (s *DatasetService) Status() ([]DatasetStatus, error) {
	raws, err := s.pre.DiscoverRawDatasets()
	if err != nil {
		return nil, err
	}
	out := make([]DatasetStatus, 0, len(raws))
	for _, raw := range raws {
		st := DatasetStatus{Name: raw.Name, Format: raw.Format}
		if raw.DetectErr != nil {
			st.Error = raw.DetectErr.Error()
			out = append(out, st)
			continue
		}
		stale, err := s.pre.IsStale(raw.Name, raw.FilePath)
		if err != nil {
			st.Error = err.Error()
		}
		st.UpToDate = err == nil && !stale
		if d, found, err := s.pre.manifests.Get(raw.Name); err == nil && found {
			st.Processed = d
		}
		out = append(out, st)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// Cleanup removes the processed artifacts of one dataset.
func (s *DatasetService) Cleanup(ctx context.Context, name string) error {
	return s.pre.Cleanup(ctx, name)
}

// CleanupAll removes every processed dataset.
func (s *DatasetService) CleanupAll(ctx context.Context) ([]string, error) {
	return s.pre.CleanupAll(ctx)
}

// Publish re-mirrors a committed dataset through the configured publisher.
func (s *DatasetService) Publish(ctx context.Context, name string) error {
	return s.pre.Publish(ctx, name)
}
