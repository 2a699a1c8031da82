// Package catalog scans a directory for selectable resources (amp models,
// cabinet impulse responses) and exposes them as a stable, ordered list.
//
// Index 0 of every catalog is a sentinel meaning "nothing selected"; it has
// an empty path. Real entries follow, sorted case-insensitively by file name.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// NoModelLabel is the sentinel display name used for model catalogs.
	NoModelLabel = "Select NAM model..."
	// NoIRLabel is the sentinel display name used for IR catalogs.
	NoIRLabel = "Select IR..."

	// ModelExt and IRExt are the file extensions scanned by ScanModels and ScanIRs.
	ModelExt = ".nam"
	IRExt    = ".wav"
)

// Entry is one selectable resource.
type Entry struct {
	Name string
	Path string
}

// Catalog is an immutable, ordered list of entries with a "none" sentinel at index 0.
type Catalog struct {
	entries []Entry
}

// New builds a catalog from entries. The sentinel is prepended; entries are
// kept in the given order.
func New(noneLabel string, entries ...Entry) *Catalog {
	all := make([]Entry, 0, len(entries)+1)
	all = append(all, Entry{Name: noneLabel})
	all = append(all, entries...)
	return &Catalog{entries: all}
}

// Scan lists files with extension ext (case-insensitive) directly inside dir.
// A missing or unreadable directory yields a sentinel-only catalog plus an
// error describing why; the catalog is always usable.
func Scan(dir string, ext string, noneLabel string) (*Catalog, error) {
	if dir == "" {
		return New(noneLabel), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return New(noneLabel), fmt.Errorf("catalog directory not accessible: %s: %w", dir, err)
	}
	if !info.IsDir() {
		return New(noneLabel), fmt.Errorf("catalog path is not a directory: %s", dir)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return New(noneLabel), fmt.Errorf("read catalog directory %s: %w", dir, err)
	}

	files := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		files = append(files, name)
	}
	sort.SliceStable(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i]), strings.ToLower(files[j])
		if a == b {
			return files[i] < files[j]
		}
		return a < b
	})

	entries := make([]Entry, 0, len(files))
	for _, name := range files {
		display := strings.TrimSuffix(name, filepath.Ext(name))
		if display == "" {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			abs = filepath.Join(dir, name)
		}
		entries = append(entries, Entry{Name: display, Path: abs})
	}
	return New(noneLabel, entries...), nil
}

// ScanModels scans dir for .nam model files.
func ScanModels(dir string) (*Catalog, error) {
	return Scan(dir, ModelExt, NoModelLabel)
}

// ScanIRs scans dir for .wav impulse responses.
func ScanIRs(dir string) (*Catalog, error) {
	return Scan(dir, IRExt, NoIRLabel)
}

// Len returns the number of entries including the sentinel.
func (c *Catalog) Len() int {
	if c == nil {
		return 1
	}
	return len(c.entries)
}

// Name returns the display name at index i, or "" when out of range.
func (c *Catalog) Name(i int) string {
	if c == nil || i < 0 || i >= len(c.entries) {
		return ""
	}
	return c.entries[i].Name
}

// Path returns the file path at index i. The sentinel and out-of-range indices
// return "".
func (c *Catalog) Path(i int) string {
	if c == nil || i < 0 || i >= len(c.entries) {
		return ""
	}
	return c.entries[i].Path
}

// Names returns a copy of all display names, sentinel first.
func (c *Catalog) Names() []string {
	if c == nil {
		return []string{""}
	}
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Name
	}
	return out
}

// IndexOf returns the first index whose display name equals name, or -1.
// The sentinel is never matched.
func (c *Catalog) IndexOf(name string) int {
	if c == nil || name == "" {
		return -1
	}
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].Name == name {
			return i
		}
	}
	return -1
}
