package carto

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Partition file naming: {dataset_lower}_filtres_{key}.geojson
const (
	partitionInfix  = "_filtres_"
	partitionSuffix = ".geojson"
)

// MatchMode selects how MatchPartitions compares keys with a query value.
type MatchMode int

const (
	// MatchExact matches keys equal to the value, ignoring case.
	MatchExact MatchMode = iota

	// MatchFuzzy matches keys containing the value, ignoring case.
	MatchFuzzy
)

// PartitionFileName returns the file name of the partition holding key.
// The bytes '/', '\', '%' and ASCII control characters of the key are
// percent-encoded; everything else is kept verbatim.
func PartitionFileName(dataset, key string) string {
	return partitionPrefix(dataset) + escapeKey(key) + partitionSuffix
}

// ParsePartitionFileName extracts the partition key from a file name of the
// dataset. The prefix test ignores case.
func ParsePartitionFileName(dataset, file string) (string, bool) {
	prefix := partitionPrefix(dataset)
	if len(file) < len(prefix)+len(partitionSuffix) ||
		!strings.EqualFold(file[:len(prefix)], prefix) ||
		!strings.HasSuffix(file, partitionSuffix) {
		return "", false
	}
	key, err := unescapeKey(file[len(prefix) : len(file)-len(partitionSuffix)])
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func partitionPrefix(dataset string) string {
	return strings.ToLower(dataset) + partitionInfix
}

// ListPartitionKeys lists the partition keys present in the dataset
// directory, sorted. A missing directory yields no keys.
func ListPartitionKeys(processedDir, dataset string) ([]string, error) {
	if err := validateName(dataset); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(newLayout(processedDir).datasetDir(dataset))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("carto: list partitions of %s: %w", dataset, err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := ParsePartitionFileName(dataset, e.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MatchPartitions returns the partition keys of the dataset matching value
// under mode, sorted.
func MatchPartitions(processedDir, dataset, value string, mode MatchMode) ([]string, error) {
	keys, err := ListPartitionKeys(processedDir, dataset)
	if err != nil {
		return nil, err
	}
	return matchKeys(keys, value, mode), nil
}

func matchKeys(keys []string, value string, mode MatchMode) []string {
	want := strings.ToLower(value)
	var out []string
	for _, k := range keys {
		got := strings.ToLower(k)
		switch mode {
		case MatchFuzzy:
			if strings.Contains(got, want) {
				out = append(out, k)
			}
		default:
			if got == want {
				out = append(out, k)
			}
		}
	}
	return out
}

// ---- key escaping ----

const hexDigits = "0123456789ABCDEF"

func needsEscape(c byte) bool {
	return c == '/' || c == '\\' || c == '%' || c < 0x20 || c == 0x7f
}

func escapeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if needsEscape(c) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unescapeKey(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
