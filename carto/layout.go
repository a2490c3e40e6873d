package carto

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ManifestFileName is the manifest file inside each dataset directory.
const ManifestFileName = "manifest.json"

const (
	stagingDir = ".staging"
	retiredDir = ".retired"
)

// layout implements the processed directory topology:
//
//	<processed>/<dataset>/
//	  manifest.json
//	  <dataset_lower>_filtres_<key>.geojson
//	<processed>/.staging/<dataset>-<run-id>/
//	<processed>/.retired/<dataset>-<run-id>/
//
// Staging and retired directories are hidden so that dataset enumeration and
// the read path never see them.
type layout struct {
	root string
}

func newLayout(processedDir string) layout {
	return layout{root: processedDir}
}

func (l layout) datasetDir(name string) string {
	return filepath.Join(l.root, name)
}

func (l layout) manifestPath(name string) string {
	return filepath.Join(l.root, name, ManifestFileName)
}

func (l layout) stagingRoot() string {
	return filepath.Join(l.root, stagingDir)
}

func (l layout) retiredRoot() string {
	return filepath.Join(l.root, retiredDir)
}

func (l layout) stagingPath(name, runID string) string {
	return filepath.Join(l.stagingRoot(), name+"-"+runID)
}

func (l layout) retiredPath(name, runID string) string {
	return filepath.Join(l.retiredRoot(), name+"-"+runID)
}

func newRunID() string {
	return uuid.NewString()
}

// runDirs lists the run directories of a dataset under root (staging or
// retired), sorted by name. The run-id suffix must be a UUID so that a
// dataset named "a" never claims the runs of a dataset named "a-b".
func runDirs(fsys fileSystem, root, name string) ([]string, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := name + "-"
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if _, err := uuid.Parse(strings.TrimPrefix(e.Name(), prefix)); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}
