package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taozi8887/toa-launcher/internal/digest"
)

// ErrMalformed is returned when a manifest document does not parse or fails
// shape validation. Callers treat the remote as untrustworthy for this cycle.
var ErrMalformed = errors.New("malformed manifest")

// File categories. Changes to code files require a rebuild of the
// distributable artifact; assets and content are hot-swappable.
const (
	CategoryCode    = "code"
	CategoryAssets  = "assets"
	CategoryContent = "content"
)

// Categories lists every known category in stable order.
var Categories = []string{CategoryCode, CategoryAssets, CategoryContent}

// FileInfo describes one managed file: its content digest and exact size.
type FileInfo struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Patch describes the delta from one prior version to this manifest's
// version, as recorded by the manifest generator.
type Patch struct {
	ChangedFiles []string `json:"changed_files"`
	RemovedFiles []string `json:"removed_files"`
}

// Manifest is a version descriptor for one release: a dotted numeric version,
// a per-category file table, and an optional patch table. Manifests are
// immutable once parsed.
type Manifest struct {
	Version     string                         `json:"version"`
	ReleaseDate string                         `json:"release_date,omitempty"`
	Files       map[string]map[string]FileInfo `json:"files"`
	Patches     map[string]Patch               `json:"patches,omitempty"`
}

// Parse decodes and validates a manifest document. Validation happens here,
// at the boundary, so the rest of the pipeline only ever sees well-formed
// manifests.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrMalformed)
	}
	if _, err := parseVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrMalformed, m.Version, err)
	}
	for category, files := range m.Files {
		for path, fi := range files {
			if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
				return fmt.Errorf("%w: unsafe path %q in %s", ErrMalformed, path, category)
			}
			if len(fi.Hash) != digest.HexLen || !isHex(fi.Hash) {
				return fmt.Errorf("%w: bad hash for %s/%s", ErrMalformed, category, path)
			}
			if fi.Size < 0 {
				return fmt.Errorf("%w: negative size for %s/%s", ErrMalformed, category, path)
			}
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Lookup returns the file info for a path within a category.
func (m *Manifest) Lookup(category, path string) (FileInfo, bool) {
	files, ok := m.Files[category]
	if !ok {
		return FileInfo{}, false
	}
	fi, ok := files[path]
	return fi, ok
}

// FileCount returns the total number of files across all categories.
func (m *Manifest) FileCount() int {
	n := 0
	for _, files := range m.Files {
		n += len(files)
	}
	return n
}

// Load reads the last fully-applied manifest from disk. A missing file is
// not an error: it signals a first-run install and returns (nil, nil).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local manifest: %w", err)
	}
	return Parse(data)
}

// Save writes the manifest atomically (temp file then rename) so a crash
// mid-write never leaves a truncated manifest behind.
func Save(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
