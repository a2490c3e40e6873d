package carto

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/carto/internal/testutil"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	raw       string
	processed string
	fs        *faultFS
	clock     *testClock
	pre       *Preprocessor
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, configure func(*Config), opts ...Option) *fixture {
	t.Helper()
	root := t.TempDir()
	fx := &fixture{
		raw:       filepath.Join(root, "raw"),
		processed: filepath.Join(root, "processed"),
		fs:        &faultFS{},
		clock:     &testClock{now: testEpoch},
	}
	if err := os.MkdirAll(fx.raw, 0o755); err != nil {
		t.Fatalf("mkdir raw: %v", err)
	}
	cfg := Config{RawDir: fx.raw, ProcessedDir: fx.processed}
	if configure != nil {
		configure(&cfg)
	}
	opts = append([]Option{withFileSystem(fx.fs), WithClock(fx.clock.Now)}, opts...)
	pre, err := NewPreprocessor(cfg, opts...)
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}
	fx.pre = pre
	return fx
}

func (fx *fixture) rawPath(file string) string {
	return filepath.Join(fx.raw, file)
}

func (fx *fixture) datasetDir(name string) string {
	return filepath.Join(fx.processed, name)
}

// partitionFiles lists the files of a dataset directory, sorted.
func (fx *fixture) partitionFiles(t *testing.T, name string) []string {
	t.Helper()
	entries, err := os.ReadDir(fx.datasetDir(name))
	if err != nil {
		t.Fatalf("read dataset dir: %v", err)
	}
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	return files
}

// hiddenRuns counts the entries left under .staging and .retired.
func (fx *fixture) hiddenRuns(t *testing.T) int {
	t.Helper()
	n := 0
	for _, dir := range []string{stagingDir, retiredDir} {
		entries, err := os.ReadDir(filepath.Join(fx.processed, dir))
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("read %s: %v", dir, err)
		}
		n += len(entries)
	}
	return n
}

func readCollection(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc struct {
		Type     string           `json:"type"`
		Features []map[string]any `json:"features"`
	}
	if err := jsoniter.Unmarshal(data, &doc); err != nil {
		t.Fatalf("%s is not valid JSON: %v", path, err)
	}
	if doc.Type != "FeatureCollection" {
		t.Fatalf("%s: type %q", path, doc.Type)
	}
	return doc.Features
}

type recordingPublisher struct {
	mu          sync.Mutex
	published   []string
	unpublished []string
	err         error
}

func (p *recordingPublisher) Publish(_ context.Context, d *ProcessedDataset, dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
		return err
	}
	p.published = append(p.published, d.Name)
	return p.err
}

func (p *recordingPublisher) Unpublish(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublished = append(p.unpublished, name)
	return nil
}

// -----------------------------------------------------------------------------
// Partitioning
// -----------------------------------------------------------------------------

func TestPreprocess_PartitionsByAttribute(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("Arbres.geojson"), fivePoints)

	d, err := fx.pre.Preprocess(context.Background(), "Arbres")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{"13", "69", "75"}) {
		t.Errorf("keys = %v", d.Keys())
	}
	if d.FeatureCount != 5 {
		t.Errorf("feature count = %d", d.FeatureCount)
	}
	if !d.ProcessedAt.Equal(testEpoch) {
		t.Errorf("processed_at = %v", d.ProcessedAt)
	}
	if d.SourceFormat != FormatFeatureCollection || d.SourceFile != "Arbres.geojson" {
		t.Errorf("source = %s/%s", d.SourceFormat, d.SourceFile)
	}

	want := map[string]int{"13": 2, "69": 1, "75": 2}
	for key, n := range want {
		features := readCollection(t, filepath.Join(fx.datasetDir("Arbres"), "arbres_filtres_"+key+".geojson"))
		if len(features) != n {
			t.Errorf("partition %s: %d features, want %d", key, len(features), n)
		}
		for _, f := range features {
			props, _ := f["properties"].(map[string]any)
			if props["departement"] != key {
				t.Errorf("partition %s holds feature of %v", key, props["departement"])
			}
		}
	}

	got, found, err := fx.pre.Info("Arbres")
	if err != nil || !found {
		t.Fatalf("Info: found=%v err=%v", found, err)
	}
	if !reflect.DeepEqual(got.Files(), d.Files()) {
		t.Errorf("manifest files = %v, want %v", got.Files(), d.Files())
	}
	if fx.hiddenRuns(t) != 0 {
		t.Error("staging or retired directories left behind")
	}
}

func TestPreprocess_TwoKeys(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("D.geojson"), []testutil.Point{
		testutil.P(1, 1, "A"),
		testutil.P(2, 2, "B"),
		testutil.P(3, 3, "A"),
		testutil.P(4, 4, "A"),
		testutil.P(5, 5, "B"),
	})

	d, err := fx.pre.Preprocess(context.Background(), "D")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(fx.partitionFiles(t, "D"), []string{"d_filtres_A.geojson", "d_filtres_B.geojson", ManifestFileName}) {
		t.Errorf("files = %v", fx.partitionFiles(t, "D"))
	}
	for file, n := range map[string]int{"d_filtres_A.geojson": 3, "d_filtres_B.geojson": 2} {
		if got := len(readCollection(t, filepath.Join(fx.datasetDir("D"), file))); got != n {
			t.Errorf("%s: %d features, want %d", file, got, n)
		}
	}
	if d.FeatureCount != 5 {
		t.Errorf("feature count = %d", d.FeatureCount)
	}
}

func TestPreprocess_KeysAreNotNormalized(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), []testutil.Point{
		testutil.P(1, 1, "Paris"),
		testutil.P(1, 1, " Paris"),
		testutil.P(1, 1, "Paris "),
		testutil.P(1, 1, "Paris"),
	})

	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{" Paris", "Paris", "Paris "}) {
		t.Fatalf("keys = %q", d.Keys())
	}
	for _, p := range d.Partitions {
		features := readCollection(t, filepath.Join(fx.datasetDir("A"), p.File))
		if int64(len(features)) != p.FeatureCount {
			t.Errorf("%q: %d features, manifest says %d", p.Key, len(features), p.FeatureCount)
		}
	}
}

func TestPreprocess_AllFormats(t *testing.T) {
	tests := []struct {
		file  string
		write func(t *testing.T, path string)
	}{
		{"a.geojson", func(t *testing.T, p string) { testutil.WriteFeatureCollection(t, p, fivePoints) }},
		{"b.json.gz", func(t *testing.T, p string) { testutil.Gzip(t, p, testutil.FeatureCollection(t, fivePoints)) }},
		{"c.csv", func(t *testing.T, p string) { testutil.WriteCSV(t, p, fivePoints, ';') }},
		{"d.shp", func(t *testing.T, p string) { testutil.WriteShapefile(t, p, fivePoints) }},
		{"e.gpkg", func(t *testing.T, p string) { testutil.WriteGeoPackage(t, p, "points", fivePoints) }},
		{"f.parquet", func(t *testing.T, p string) { testutil.WriteGeoParquet(t, p, fivePoints) }},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			fx := newFixture(t, nil)
			tt.write(t, fx.rawPath(tt.file))
			name := datasetName(tt.file)

			d, err := fx.pre.Preprocess(context.Background(), name)
			if err != nil {
				t.Fatalf("Preprocess: %v", err)
			}
			if !reflect.DeepEqual(d.Keys(), []string{"13", "69", "75"}) || d.FeatureCount != 5 {
				t.Errorf("keys=%v count=%d", d.Keys(), d.FeatureCount)
			}
		})
	}
}

func TestPreprocess_UnassignedBucket(t *testing.T) {
	points := []testutil.Point{
		testutil.P(2.35, 48.85, "75"),
		{Lon: 1, Lat: 1, Props: map[string]any{"nom": "absent"}},
		{Lon: 1, Lat: 1, Props: map[string]any{"departement": nil}},
		{Lon: 1, Lat: 1, Props: map[string]any{"departement": ""}},
	}

	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), points)
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{"75", DefaultUnassignedKey}) {
		t.Errorf("keys = %v", d.Keys())
	}
	if d.UnassignedCount != 3 || d.FeatureCount != 4 {
		t.Errorf("unassigned=%d count=%d", d.UnassignedCount, d.FeatureCount)
	}

	fx = newFixture(t, func(c *Config) { c.Unassigned = UnassignedReject })
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), points)
	d, err = fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{"75"}) || d.RejectedRecords != 3 || d.FeatureCount != 1 {
		t.Errorf("reject: keys=%v rejected=%d count=%d", d.Keys(), d.RejectedRecords, d.FeatureCount)
	}
}

func TestPreprocess_PerDatasetPartitionKey(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.Datasets = map[string]DatasetConfig{"A": {PartitionKey: "commune"}}
	})
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), []testutil.Point{
		{Lon: 1, Lat: 1, Props: map[string]any{"commune": "Lyon", "departement": "69"}},
		{Lon: 1, Lat: 1, Props: map[string]any{"commune": "Paris", "departement": "75"}},
	})
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{"Lyon", "Paris"}) || d.PartitionAttribute != "commune" {
		t.Errorf("keys=%v attribute=%q", d.Keys(), d.PartitionAttribute)
	}
}

func TestPreprocess_EmptySource(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFile(t, fx.rawPath("A.geojson"), []byte(`{"type":"FeatureCollection","features":[]}`))
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if len(d.Partitions) != 0 || d.FeatureCount != 0 {
		t.Errorf("partitions=%v count=%d", d.Partitions, d.FeatureCount)
	}
	if _, found, _ := fx.pre.Info("A"); !found {
		t.Error("empty dataset has no manifest")
	}
}

// -----------------------------------------------------------------------------
// Malformed records
// -----------------------------------------------------------------------------

const twoBadFeatures = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"departement":"01"}},
{"type":"Feature","geometry":{"type":"Nope"},"properties":{}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"departement":"02"}},
{"type":"NotAFeature"},
{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"departement":"01"}}
]}`

func TestPreprocess_MalformedPolicies(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Config)
		wantErr   bool
	}{
		{"skip", nil, false},
		{"fail", func(c *Config) { c.Malformed = MalformedFail }, true},
		{"limit exceeded", func(c *Config) { c.MaxMalformed = 1 }, true},
		{"limit reached", func(c *Config) { c.MaxMalformed = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.configure)
			testutil.WriteFile(t, fx.rawPath("A.geojson"), []byte(twoBadFeatures))

			d, err := fx.pre.Preprocess(context.Background(), "A")
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRecord) {
					t.Fatalf("expected ErrMalformedRecord, got %v", err)
				}
				if _, err := os.Stat(fx.datasetDir("A")); !os.IsNotExist(err) {
					t.Error("failed run left a dataset directory")
				}
				if fx.hiddenRuns(t) != 0 {
					t.Error("failed run left staging directories")
				}
				return
			}
			if err != nil {
				t.Fatalf("Preprocess: %v", err)
			}
			if d.SkippedRecords != 2 || d.FeatureCount != 3 {
				t.Errorf("skipped=%d count=%d", d.SkippedRecords, d.FeatureCount)
			}
		})
	}
}

func TestPreprocess_ContainerFailure(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFile(t, fx.rawPath("A.geojson"), []byte(`{"type":"FeatureCollection","features":[{"type":"Feat`))
	_, err := fx.pre.Preprocess(context.Background(), "A")
	if !errors.Is(err, ErrContainerParse) {
		t.Fatalf("expected ErrContainerParse, got %v", err)
	}
	if fx.hiddenRuns(t) != 0 {
		t.Error("staging left behind")
	}
}

// -----------------------------------------------------------------------------
// Staleness
// -----------------------------------------------------------------------------

func TestPreprocess_UpToDateIsNoop(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)

	first, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	info, _ := os.Stat(filepath.Join(fx.datasetDir("A"), ManifestFileName))

	fx.clock.Advance(time.Hour)
	fx.fs.openErrMatch = fx.processed
	second, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("second Preprocess: %v", err)
	}
	if !second.ProcessedAt.Equal(first.ProcessedAt) {
		t.Errorf("up-to-date dataset was rebuilt: %v vs %v", second.ProcessedAt, first.ProcessedAt)
	}
	after, _ := os.Stat(filepath.Join(fx.datasetDir("A"), ManifestFileName))
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("manifest rewritten")
	}
}

func TestPreprocess_RebuildsWhenSourceChanges(t *testing.T) {
	fx := newFixture(t, nil)
	path := testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	stale, err := fx.pre.NeedsPreprocessing("A")
	if err != nil || stale {
		t.Fatalf("fresh dataset: stale=%v err=%v", stale, err)
	}

	testutil.WriteFeatureCollection(t, path, fivePoints[:2])
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if stale, _ := fx.pre.NeedsPreprocessing("A"); !stale {
		t.Fatal("edited source not stale")
	}

	fx.clock.Advance(time.Hour)
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !reflect.DeepEqual(d.Keys(), []string{"13", "75"}) {
		t.Errorf("keys = %v", d.Keys())
	}
	files := fx.partitionFiles(t, "A")
	for _, f := range files {
		if strings.Contains(f, "_69") {
			t.Errorf("stale partition %s survived the rebuild", f)
		}
	}
	if !d.ProcessedAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("processed_at = %v", d.ProcessedAt)
	}
}

func TestPreprocess_ContentFingerprintIgnoresTouch(t *testing.T) {
	fx := newFixture(t, func(c *Config) { c.Fingerprint = FingerprintContent })
	path := testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if stale, _ := fx.pre.NeedsPreprocessing("A"); stale {
		t.Error("touch made a content-fingerprinted dataset stale")
	}
}

func TestPreprocess_CorruptManifestRebuilds(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(fx.datasetDir("A"), ManifestFileName), []byte("{garbage"))

	if stale, err := fx.pre.NeedsPreprocessing("A"); err != nil || !stale {
		t.Fatalf("corrupt manifest: stale=%v err=%v", stale, err)
	}
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if _, found, err := fx.pre.Info("A"); err != nil || !found {
		t.Errorf("manifest not restored: found=%v err=%v", found, err)
	}
}

func TestNeedsPreprocessing_UnknownDatasets(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFile(t, fx.rawPath("notes.docx"), []byte("x"))
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)

	for _, name := range []string{"missing", "../etc"} {
		stale, err := fx.pre.NeedsPreprocessing(name)
		if err != nil || !stale {
			t.Errorf("%s: stale=%v err=%v", name, stale, err)
		}
	}
	if stale, err := fx.pre.NeedsPreprocessing("notes"); err != nil || stale {
		t.Errorf("unsupported dataset: stale=%v err=%v", stale, err)
	}
	if stale, err := fx.pre.NeedsPreprocessing("A"); err != nil || !stale {
		t.Errorf("new dataset: stale=%v err=%v", stale, err)
	}
}

func TestIsStale_MissingSource(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := os.Remove(fx.rawPath("A.geojson")); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"A", "missing"} {
		stale, err := fx.pre.IsStale(name, fx.rawPath(name+".geojson"))
		if err != nil || !stale {
			t.Errorf("%s: stale=%v err=%v", name, stale, err)
		}
	}
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func TestPreprocess_Errors(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFile(t, fx.rawPath("notes.docx"), []byte("x"))

	if _, err := fx.pre.Preprocess(context.Background(), "missing"); !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("missing: %v", err)
	}
	if _, err := fx.pre.Preprocess(context.Background(), "notes"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unsupported: %v", err)
	}
	if _, err := fx.pre.Preprocess(context.Background(), "a/b"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("invalid name: %v", err)
	}
}

func TestPreprocess_Canceled(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fx.pre.Preprocess(ctx, "A"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, found, _ := fx.pre.Info("A"); found {
		t.Error("canceled run committed a manifest")
	}
	if fx.hiddenRuns(t) != 0 {
		t.Error("canceled run left staging")
	}
}

func TestNewPreprocessor_InvalidConfig(t *testing.T) {
	tests := []Config{
		{ProcessedDir: "p"},
		{RawDir: "r"},
		{RawDir: "r", ProcessedDir: "p", Unassigned: "drop"},
		{RawDir: "r", ProcessedDir: "p", Malformed: "ignore"},
		{RawDir: "r", ProcessedDir: "p", Fingerprint: "md5"},
		{RawDir: "r", ProcessedDir: "p", MaxMalformed: -1},
	}
	for i, cfg := range tests {
		if _, err := NewPreprocessor(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

// -----------------------------------------------------------------------------
// Crash safety
// -----------------------------------------------------------------------------

// committedFixture processes fivePoints into dataset A, then rewrites the
// raw file so the next run is stale.
func committedFixture(t *testing.T) (*fixture, *ProcessedDataset) {
	t.Helper()
	fx := newFixture(t, nil)
	path := testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	testutil.WriteFeatureCollection(t, path, fivePoints[:1])
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	return fx, d
}

func assertUnchanged(t *testing.T, fx *fixture, want *ProcessedDataset) {
	t.Helper()
	got, found, err := fx.pre.Info("A")
	if err != nil || !found {
		t.Fatalf("manifest lost: found=%v err=%v", found, err)
	}
	if got.SourceFingerprint != want.SourceFingerprint || !reflect.DeepEqual(got.Keys(), want.Keys()) {
		t.Errorf("manifest changed: %+v", got)
	}
	for _, p := range want.Partitions {
		features := readCollection(t, filepath.Join(fx.datasetDir("A"), p.File))
		if int64(len(features)) != p.FeatureCount {
			t.Errorf("%s: %d features, want %d", p.File, len(features), p.FeatureCount)
		}
	}
}

func TestPreprocess_WriteFailureKeepsPrevious(t *testing.T) {
	fx, before := committedFixture(t)
	fx.fs.writeErrAfter = 8

	if _, err := fx.pre.Preprocess(context.Background(), "A"); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	fx.fs.reset()
	assertUnchanged(t, fx, before)
	if fx.hiddenRuns(t) != 0 {
		t.Error("failed run left staging")
	}
}

func TestPreprocess_PromotionFailureRollsBack(t *testing.T) {
	fx, before := committedFixture(t)
	fx.fs.renameHook = func(oldpath, newpath string) error {
		if filepath.Dir(newpath) == fx.processed && strings.Contains(oldpath, stagingDir) {
			return errInjected
		}
		return nil
	}

	if _, err := fx.pre.Preprocess(context.Background(), "A"); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	fx.fs.reset()
	assertUnchanged(t, fx, before)
	if fx.hiddenRuns(t) != 0 {
		t.Error("rollback left staging or retired directories")
	}
}

func TestPreprocess_ManifestFailureRollsBack(t *testing.T) {
	fx, before := committedFixture(t)
	fx.fs.renameErrMatch = ManifestFileName + ".tmp"

	if _, err := fx.pre.Preprocess(context.Background(), "A"); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	fx.fs.reset()
	assertUnchanged(t, fx, before)
}

func TestRecover_InterruptedPromotion(t *testing.T) {
	fx, before := committedFixture(t)

	// Simulate a crash after the live directory was retired and the staging
	// directory promoted, but before the new manifest was written.
	retired := filepath.Join(fx.processed, retiredDir, "A-"+newRunID())
	if err := os.MkdirAll(filepath.Dir(retired), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(fx.datasetDir("A"), retired); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, filepath.Join(fx.datasetDir("A"), "a_filtres_75.geojson"), []byte(`{"type":"FeatureCollection","features":[`))
	staging := filepath.Join(fx.processed, stagingDir, "A-"+newRunID())
	testutil.WriteFile(t, filepath.Join(staging, "a_filtres_13.geojson.tmp"), []byte("partial"))
	other := filepath.Join(fx.processed, stagingDir, "A-b-"+newRunID())
	testutil.WriteFile(t, filepath.Join(other, "x"), []byte("other dataset"))

	if err := fx.pre.Recover("A"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	assertUnchanged(t, fx, before)
	if _, err := os.Stat(retired); !os.IsNotExist(err) {
		t.Error("retired directory left behind")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging directory left behind")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("recovery removed another dataset's staging directory")
	}
}

func TestRecover_CommittedPromotion(t *testing.T) {
	fx, before := committedFixture(t)

	// A crash after the manifest commit leaves only a stale retired copy.
	retired := filepath.Join(fx.processed, retiredDir, "A-"+newRunID())
	testutil.WriteFile(t, filepath.Join(retired, "a_filtres_old.geojson"), []byte("old"))

	if err := fx.pre.Recover("A"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	assertUnchanged(t, fx, before)
	if _, err := os.Stat(retired); !os.IsNotExist(err) {
		t.Error("retired directory left behind")
	}
}

// -----------------------------------------------------------------------------
// Discovery
// -----------------------------------------------------------------------------

func TestDiscoverRawDatasets(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFile(t, fx.rawPath("A.csv"), []byte("lon,lat\n"))
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	testutil.WriteShapefile(t, fx.rawPath("ecoles.shp"), fivePoints)
	testutil.WriteFile(t, fx.rawPath("ecoles.prj"), []byte("GEOGCS"))
	testutil.WriteFile(t, fx.rawPath("notes.docx"), []byte("x"))
	testutil.WriteFile(t, fx.rawPath(".DS_Store"), []byte("x"))
	if err := os.MkdirAll(fx.rawPath("subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	raws, err := fx.pre.DiscoverRawDatasets()
	if err != nil {
		t.Fatalf("DiscoverRawDatasets: %v", err)
	}
	var names []string
	for _, r := range raws {
		names = append(names, r.Name)
	}
	if !reflect.DeepEqual(names, []string{"A", "ecoles", "notes"}) {
		t.Fatalf("names = %v", names)
	}
	if raws[0].Format != FormatDelimitedText {
		t.Errorf("collision kept %s, want the first file", raws[0].FilePath)
	}
	if raws[1].Format != FormatShapePackage {
		t.Errorf("ecoles format = %s", raws[1].Format)
	}
	if !errors.Is(raws[2].DetectErr, ErrUnsupportedFormat) {
		t.Errorf("notes detect error = %v", raws[2].DetectErr)
	}
}

func TestDiscoverRawDatasets_MissingDir(t *testing.T) {
	pre, err := NewPreprocessor(Config{RawDir: filepath.Join(t.TempDir(), "none"), ProcessedDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	raws, err := pre.DiscoverRawDatasets()
	if err != nil || len(raws) != 0 {
		t.Errorf("raws=%v err=%v", raws, err)
	}
}

// -----------------------------------------------------------------------------
// Publish and cleanup
// -----------------------------------------------------------------------------

func TestPreprocess_PublishesAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	fx := newFixture(t, nil, WithPublisher(pub))
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)

	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !reflect.DeepEqual(pub.published, []string{"A"}) {
		t.Errorf("published = %v", pub.published)
	}

	// Up-to-date runs do not publish again.
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %v", pub.published)
	}

	if err := fx.pre.Publish(context.Background(), "A"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(pub.published) != 2 {
		t.Errorf("explicit publish not forwarded: %v", pub.published)
	}
	if err := fx.pre.Publish(context.Background(), "B"); !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("publish unprocessed: %v", err)
	}
}

func TestPreprocess_PublishFailureKeepsCommit(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bucket unavailable")}
	fx := newFixture(t, nil, WithPublisher(pub))
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)

	d, err := fx.pre.Preprocess(context.Background(), "A")
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
	if d == nil || d.FeatureCount != 5 {
		t.Fatalf("committed dataset not returned: %+v", d)
	}
	if _, found, _ := fx.pre.Info("A"); !found {
		t.Error("publish failure discarded the local commit")
	}
}

func TestPublish_NoPublisher(t *testing.T) {
	fx := newFixture(t, nil)
	if err := fx.pre.Publish(context.Background(), "A"); !errors.Is(err, ErrPublish) {
		t.Errorf("expected ErrPublish, got %v", err)
	}
}

func TestCleanup(t *testing.T) {
	pub := &recordingPublisher{}
	fx := newFixture(t, nil, WithPublisher(pub))
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	testutil.WriteFeatureCollection(t, fx.rawPath("B.geojson"), fivePoints)
	for _, name := range []string{"A", "B"} {
		if _, err := fx.pre.Preprocess(context.Background(), name); err != nil {
			t.Fatalf("Preprocess %s: %v", name, err)
		}
	}
	leftover := filepath.Join(fx.processed, stagingDir, "A-"+newRunID())
	testutil.WriteFile(t, filepath.Join(leftover, "x"), []byte("x"))

	if err := fx.pre.Cleanup(context.Background(), "A"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(fx.datasetDir("A")); !os.IsNotExist(err) {
		t.Error("dataset directory survived cleanup")
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("staging directory survived cleanup")
	}
	if _, err := os.Stat(fx.rawPath("A.geojson")); err != nil {
		t.Error("cleanup touched the raw source")
	}
	if !reflect.DeepEqual(pub.unpublished, []string{"A"}) {
		t.Errorf("unpublished = %v", pub.unpublished)
	}
	if stale, _ := fx.pre.NeedsPreprocessing("A"); !stale {
		t.Error("cleaned dataset not stale")
	}

	if err := fx.pre.Cleanup(context.Background(), "never"); err != nil {
		t.Errorf("cleanup of unprocessed dataset: %v", err)
	}

	removed, err := fx.pre.CleanupAll(context.Background())
	if err != nil {
		t.Fatalf("CleanupAll: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"B"}) {
		t.Errorf("removed = %v", removed)
	}
	entries, _ := os.ReadDir(fx.processed)
	if len(entries) != 0 {
		t.Errorf("processed dir not empty: %d entries", len(entries))
	}
}

func TestCleanup_InterruptedLeavesStale(t *testing.T) {
	fx := newFixture(t, nil)
	testutil.WriteFeatureCollection(t, fx.rawPath("A.geojson"), fivePoints)
	if _, err := fx.pre.Preprocess(context.Background(), "A"); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	// Removing the live directory deletes one partition and then fails.
	live := fx.datasetDir("A")
	fx.fs.removeAllHook = func(path string) error {
		if path != live {
			return nil
		}
		if err := os.Remove(filepath.Join(live, "a_filtres_75.geojson")); err != nil {
			return err
		}
		return errInjected
	}
	if err := fx.pre.Cleanup(context.Background(), "A"); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	fx.fs.reset()

	if _, found, err := fx.pre.Info("A"); err != nil || found {
		t.Fatalf("manifest survived interrupted cleanup: found=%v err=%v", found, err)
	}
	if stale, err := fx.pre.NeedsPreprocessing("A"); err != nil || !stale {
		t.Fatalf("after interrupted cleanup: stale=%v err=%v", stale, err)
	}
	d, err := fx.pre.Preprocess(context.Background(), "A")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	for _, p := range d.Partitions {
		if _, err := os.Stat(filepath.Join(live, p.File)); err != nil {
			t.Errorf("partition %s missing after rebuild: %v", p.Key, err)
		}
	}
}
