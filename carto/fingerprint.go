package carto

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FingerprintMode selects how raw sources are fingerprinted.
type FingerprintMode string

const (
	// FingerprintStat hashes each member file's name, size and mtime.
	FingerprintStat FingerprintMode = "stat"

	// FingerprintContent hashes each member file's bytes.
	FingerprintContent FingerprintMode = "content"
)

// Fingerprint prefixes, one per mode.
const (
	statPrefix    = "stat:"
	contentPrefix = "xxh64:"
)

var shapeSidecars = []string{".shx", ".dbf", ".cpg", ".prj"}

// memberFiles returns the files that together make up the raw source at
// path. A bare .shp brings its sidecars along; every other source is a
// single file. Missing sidecars are ignored.
func memberFiles(path string) []string {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ".shp") {
		return []string{path}
	}

	base := strings.TrimSuffix(path, ext)
	members := []string{path}
	for _, side := range shapeSidecars {
		for _, cand := range []string{base + side, base + strings.ToUpper(side)} {
			if _, err := os.Stat(cand); err == nil {
				members = append(members, cand)
				break
			}
		}
	}
	return members
}

// Fingerprint computes the fingerprint of the given member files.
func Fingerprint(paths []string, mode FingerprintMode) (string, error) {
	h := xxhash.New()

	switch mode {
	case FingerprintStat, "":
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return "", fmt.Errorf("carto: fingerprint: %w", err)
			}
			_, _ = fmt.Fprintf(h, "%s\x00%d\x00%d\n", filepath.Base(p), info.Size(), info.ModTime().UnixNano())
		}
		return fmt.Sprintf("%s%016x", statPrefix, h.Sum64()), nil

	case FingerprintContent:
		for _, p := range paths {
			if err := hashFile(h, p); err != nil {
				return "", fmt.Errorf("carto: fingerprint: %w", err)
			}
		}
		return fmt.Sprintf("%s%016x", contentPrefix, h.Sum64()), nil

	default:
		return "", fmt.Errorf("carto: unknown fingerprint mode %q", mode)
	}
}

func hashFile(h *xxhash.Digest, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer closer(f)()

	_, _ = fmt.Fprintf(h, "%s\x00", filepath.Base(path))
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	_, _ = h.Write([]byte{0})
	return nil
}
