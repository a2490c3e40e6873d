package carto

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Manifest schema identity.
const (
	manifestSchemaName    = "carto-manifest"
	manifestFormatVersion = "1.0.0"
)

// manifestDoc is the persisted form of a ProcessedDataset.
type manifestDoc struct {
	SchemaName    string   `json:"schema_name"`
	FormatVersion string   `json:"format_version"`
	Departements  []string `json:"departements"`
	ProcessedDataset
}

// ManifestStore persists one manifest per processed dataset, next to its
// partition files.
type ManifestStore struct {
	fs     fileSystem
	layout layout
}

// NewManifestStore creates a store rooted at the processed directory.
func NewManifestStore(processedDir string) *ManifestStore {
	return newManifestStore(osFS{}, newLayout(processedDir))
}

func newManifestStore(fsys fileSystem, l layout) *ManifestStore {
	return &ManifestStore{fs: fsys, layout: l}
}

// Commit atomically writes the manifest of d.
func (s *ManifestStore) Commit(d *ProcessedDataset) error {
	if err := validateName(d.Name); err != nil {
		return err
	}
	doc := manifestDoc{
		SchemaName:       manifestSchemaName,
		FormatVersion:    manifestFormatVersion,
		Departements:     d.Keys(),
		ProcessedDataset: *d,
	}
	if doc.Partitions == nil {
		doc.Partitions = []Partition{}
	}
	data, err := jsonCodec.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("carto: encode manifest %s: %w", d.Name, err)
	}
	if err := writeFileAtomic(s.fs, s.layout.manifestPath(d.Name), data); err != nil {
		return fmt.Errorf("%w: commit manifest %s: %w", ErrWriteFailure, d.Name, err)
	}
	return nil
}

// Get reads the manifest of name. found is false when no manifest exists.
// An unreadable manifest returns an error wrapping ErrManifestCorrupt.
func (s *ManifestStore) Get(name string) (*ProcessedDataset, bool, error) {
	if err := validateName(name); err != nil {
		return nil, false, err
	}
	data, err := s.fs.ReadFile(s.layout.manifestPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("carto: read manifest %s: %w", name, err)
	}

	var doc manifestDoc
	if err := jsonCodec.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrManifestCorrupt, name, err)
	}
	if doc.SchemaName != manifestSchemaName {
		return nil, false, fmt.Errorf("%w: %s: schema %q", ErrManifestCorrupt, name, doc.SchemaName)
	}
	if major, _, _ := strings.Cut(doc.FormatVersion, "."); major != "1" {
		return nil, false, fmt.Errorf("%w: %s: format version %q", ErrManifestCorrupt, name, doc.FormatVersion)
	}
	if doc.Name != name {
		return nil, false, fmt.Errorf("%w: %s: manifest names dataset %q", ErrManifestCorrupt, name, doc.Name)
	}

	d := doc.ProcessedDataset
	sort.Slice(d.Partitions, func(i, j int) bool { return d.Partitions[i].Key < d.Partitions[j].Key })
	return &d, true, nil
}

// Remove deletes the manifest of name, and the whole dataset directory when
// withPartitions is set. Missing datasets are not an error.
func (s *ManifestStore) Remove(name string, withPartitions bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	if withPartitions {
		if err := s.fs.RemoveAll(s.layout.datasetDir(name)); err != nil {
			return fmt.Errorf("%w: remove %s: %w", ErrWriteFailure, name, err)
		}
		return nil
	}
	if err := s.fs.Remove(s.layout.manifestPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove manifest %s: %w", ErrWriteFailure, name, err)
	}
	return nil
}

// ListAll returns the names of datasets holding a manifest, sorted.
func (s *ManifestStore) ListAll() ([]string, error) {
	entries, err := s.fs.ReadDir(s.layout.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("carto: list manifests: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || validateName(e.Name()) != nil {
			continue
		}
		if _, err := s.fs.Stat(s.layout.manifestPath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
