package carto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/carto/internal/testutil"
)

func TestFingerprint_Stat(t *testing.T) {
	path := testutil.WriteFile(t, filepath.Join(t.TempDir(), "a.csv"), []byte("lon,lat\n"))

	fp1, err := Fingerprint([]string{path}, FingerprintStat)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !strings.HasPrefix(fp1, "stat:") || len(fp1) != len("stat:")+16 {
		t.Errorf("unexpected fingerprint %q", fp1)
	}

	fp2, _ := Fingerprint([]string{path}, FingerprintStat)
	if fp1 != fp2 {
		t.Errorf("fingerprint not stable: %q vs %q", fp1, fp2)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	fp3, _ := Fingerprint([]string{path}, FingerprintStat)
	if fp3 == fp1 {
		t.Error("fingerprint unchanged after mtime change")
	}
}

func TestFingerprint_Content(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, filepath.Join(dir, "a.csv"), []byte("lon,lat\n"))

	fp1, err := Fingerprint([]string{path}, FingerprintContent)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !strings.HasPrefix(fp1, "xxh64:") {
		t.Errorf("unexpected fingerprint %q", fp1)
	}

	// A touch alone does not change a content fingerprint.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	fp2, _ := Fingerprint([]string{path}, FingerprintContent)
	if fp1 != fp2 {
		t.Errorf("content fingerprint changed on touch")
	}

	testutil.WriteFile(t, path, []byte("lon,lat\n1,2\n"))
	fp3, _ := Fingerprint([]string{path}, FingerprintContent)
	if fp3 == fp1 {
		t.Error("content fingerprint unchanged after edit")
	}
}

func TestFingerprint_MissingFile(t *testing.T) {
	if _, err := Fingerprint([]string{filepath.Join(t.TempDir(), "nope")}, FingerprintStat); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMemberFiles_ShapeSidecars(t *testing.T) {
	dir := t.TempDir()
	shp := testutil.WriteFile(t, filepath.Join(dir, "ecoles.shp"), []byte{0})
	testutil.WriteFile(t, filepath.Join(dir, "ecoles.dbf"), []byte{0})
	testutil.WriteFile(t, filepath.Join(dir, "ecoles.SHX"), []byte{0})
	testutil.WriteFile(t, filepath.Join(dir, "other.dbf"), []byte{0})

	got := memberFiles(shp)
	want := []string{shp, filepath.Join(dir, "ecoles.SHX"), filepath.Join(dir, "ecoles.dbf")}
	if len(got) != len(want) {
		t.Fatalf("memberFiles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("member %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Sidecar edits make a shapefile stale.
	fp1, _ := Fingerprint(got, FingerprintContent)
	testutil.WriteFile(t, filepath.Join(dir, "ecoles.dbf"), []byte{1, 2})
	fp2, _ := Fingerprint(memberFiles(shp), FingerprintContent)
	if fp1 == fp2 {
		t.Error("fingerprint ignores .dbf changes")
	}
}

func TestMemberFiles_SingleFile(t *testing.T) {
	if got := memberFiles("/raw/a.geojson"); len(got) != 1 {
		t.Errorf("memberFiles = %v", got)
	}
}
