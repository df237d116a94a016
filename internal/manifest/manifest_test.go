package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParseValid(t *testing.T) {
	doc := `{
		"version": "0.6.0",
		"release_date": "2026-08-01",
		"files": {
			"code": {"main_code.bin": {"hash": "` + goodHash + `", "size": 1024}},
			"content": {"song.json": {"hash": "` + goodHash + `", "size": 42}}
		},
		"patches": {
			"0.5.0": {"changed_files": ["main_code.bin"], "removed_files": ["old.json"]}
		}
	}`

	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Version != "0.6.0" {
		t.Errorf("version = %q, want 0.6.0", m.Version)
	}
	fi, ok := m.Lookup(CategoryCode, "main_code.bin")
	if !ok {
		t.Fatal("missing code/main_code.bin")
	}
	if fi.Size != 1024 {
		t.Errorf("size = %d, want 1024", fi.Size)
	}
	if m.FileCount() != 2 {
		t.Errorf("file count = %d, want 2", m.FileCount())
	}
	patch, ok := m.Patches["0.5.0"]
	if !ok {
		t.Fatal("missing patch entry for 0.5.0")
	}
	if len(patch.ChangedFiles) != 1 || patch.ChangedFiles[0] != "main_code.bin" {
		t.Errorf("changed files = %v", patch.ChangedFiles)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"version": `,
		"no version":   `{"files": {}}`,
		"bad version":  `{"version": "1.x"}`,
		"short hash":   `{"version": "1.0", "files": {"code": {"a": {"hash": "abc", "size": 1}}}}`,
		"non-hex hash": `{"version": "1.0", "files": {"code": {"a": {"hash": "` + strings.Repeat("z", 64) + `", "size": 1}}}}`,
		"negative":     `{"version": "1.0", "files": {"code": {"a": {"hash": "` + goodHash + `", "size": -1}}}}`,
		"unsafe path":  `{"version": "1.0", "files": {"code": {"../esc": {"hash": "` + goodHash + `", "size": 1}}}}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestLoadAbsent(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "manifest.json"))
	if err != nil {
		t.Fatalf("load absent: %v", err)
	}
	if m != nil {
		t.Error("absent manifest should load as nil (first run)")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := &Manifest{
		Version: "0.6.0",
		Files: map[string]map[string]FileInfo{
			CategoryContent: {"song.json": {Hash: goodHash, Size: 42}},
		},
	}
	if err := Save(path, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Atomic write leaves no temp file behind.
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind after save")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != "0.6.0" {
		t.Errorf("version = %q", got.Version)
	}
	fi, ok := got.Lookup(CategoryContent, "song.json")
	if !ok || fi.Hash != goodHash || fi.Size != 42 {
		t.Errorf("song.json = %+v, ok=%v", fi, ok)
	}
}
