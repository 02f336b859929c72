package storage

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roof-segmenter/internal/domain"
)

// newTestStore builds a store over temp roots with directories created.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s := New(filepath.Join(root, "uploads"), filepath.Join(root, "results"))
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return s
}

// TestEnsureDirsIdempotent checks repeated startup directory creation.
func TestEnsureDirsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("second ensure dirs: %v", err)
	}

	for _, dir := range []string{s.UploadsDir(), s.ResultsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing root dir %s: %v", dir, err)
		}
	}
}

// TestUniqueUploadNames checks extension handling and collision resistance.
func TestUniqueUploadNames(t *testing.T) {
	a := UniqueUploadName("house.JPG")
	b := UniqueUploadName("house.JPG")

	if a == b {
		t.Fatalf("expected distinct names, got %q twice", a)
	}
	if !strings.HasSuffix(a, ".jpg") {
		t.Fatalf("name = %q, want lowercase .jpg suffix", a)
	}
	noExt := UniqueUploadName("noext")
	if strings.ContainsAny(noExt, `/\`) || strings.Contains(noExt, ".") {
		t.Fatalf("name = %q, want no separators and no extension", noExt)
	}
}

// TestSaveUpload checks streaming persistence of an upload.
func TestSaveUpload(t *testing.T) {
	s := newTestStore(t)

	path, err := s.SaveUpload("img.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("content = %q", data)
	}
	if s.UploadURL(path) != "/uploads/img.png" {
		t.Fatalf("upload url = %q", s.UploadURL(path))
	}
}

// TestWriteInfo checks the sidecar record layout and URL.
func TestWriteInfo(t *testing.T) {
	s := newTestStore(t)

	infoURL, err := s.WriteInfo(domain.ResultInfo{
		ResultID:  "r-1",
		InputURL:  "/uploads/a.png",
		ResultURL: "/results/r-1.jpg",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("write info: %v", err)
	}
	if infoURL != "/results/r-1_info.json" {
		t.Fatalf("info url = %q", infoURL)
	}

	data, err := os.ReadFile(filepath.Join(s.ResultsDir(), "r-1_info.json"))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if decoded["resultId"] != "r-1" || decoded["resultUrl"] != "/results/r-1.jpg" {
		t.Fatalf("sidecar fields = %v", decoded)
	}
}

// TestArchiveSegments checks zip content for a job with stored crops.
func TestArchiveSegments(t *testing.T) {
	s := newTestStore(t)

	dir := s.SegmentsDir("r-2")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir segments: %v", err)
	}
	for _, name := range []string{"r-2_segment_1.png", "r-2_segment_2.png", "r-2_segment_3.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("crop"), 0o644); err != nil {
			t.Fatalf("write crop: %v", err)
		}
	}

	var buf bytes.Buffer
	count, err := s.ArchiveSegments("r-2", &buf)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("entries = %d, want 3", len(zr.File))
	}
	if zr.File[0].Name != "r-2_segment_1.png" {
		t.Fatalf("first entry = %q", zr.File[0].Name)
	}
}

// TestArchiveSegmentsMissing checks the no-crops error paths.
func TestArchiveSegmentsMissing(t *testing.T) {
	s := newTestStore(t)

	var buf bytes.Buffer
	if _, err := s.ArchiveSegments("absent", &buf); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("missing dir error = %v, want ErrNoSegments", err)
	}

	if err := os.MkdirAll(s.SegmentsDir("empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := s.ArchiveSegments("empty", &buf); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("empty dir error = %v, want ErrNoSegments", err)
	}
}

// TestResultURL checks relative path mapping for nested crops.
func TestResultURL(t *testing.T) {
	s := newTestStore(t)

	got := s.ResultURL(filepath.Join("r-3_segments", "r-3_segment_1.png"))
	if got != "/results/r-3_segments/r-3_segment_1.png" {
		t.Fatalf("result url = %q", got)
	}
}
