package storage

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"roof-segmenter/internal/domain"
)

// ErrNoSegments is returned when a result has no stored segment crops.
var ErrNoSegments = errors.New("no segments stored for result")

// Store is the on-disk layout for uploaded inputs and model outputs.
// There is no database: the filesystem path is the index, and concurrent
// jobs never contend because every filename is generated uniquely.
type Store struct {
	uploadsDir string
	resultsDir string
}

// New creates a store rooted at the given directories.
func New(uploadsDir, resultsDir string) *Store {
	return &Store{
		uploadsDir: uploadsDir,
		resultsDir: resultsDir,
	}
}

// EnsureDirs idempotently creates the root directories. Called at startup.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.uploadsDir, s.resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// UploadsDir returns the uploads root for static serving.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

// ResultsDir returns the results root for static serving.
func (s *Store) ResultsDir() string {
	return s.resultsDir
}

// UniqueUploadName generates a collision-resistant stored filename that
// keeps the original extension: millisecond timestamp plus random suffix.
func UniqueUploadName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), suffix, ext)
}

// SaveUpload streams an uploaded file into the uploads directory under the
// given stored name and returns its full path.
func (s *Store) SaveUpload(name string, r io.Reader) (string, error) {
	path := filepath.Join(s.uploadsDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return path, nil
}

// ResultImagePath returns where the annotated composite for a job lives.
func (s *Store) ResultImagePath(resultID string) string {
	return filepath.Join(s.resultsDir, resultID+".jpg")
}

// SegmentsDir returns the crop directory the model writes for a job.
func (s *Store) SegmentsDir(resultID string) string {
	return filepath.Join(s.resultsDir, resultID+"_segments")
}

// UploadURL maps a stored upload path to its public URL.
func (s *Store) UploadURL(path string) string {
	return "/uploads/" + filepath.Base(path)
}

// ResultURL maps a path relative to the results root to its public URL.
func (s *Store) ResultURL(rel string) string {
	return "/results/" + filepath.ToSlash(rel)
}

// WriteInfo persists the metadata sidecar for a saved result and returns
// its public URL.
func (s *Store) WriteInfo(info domain.ResultInfo) (string, error) {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result info: %w", err)
	}

	name := info.ResultID + "_info.json"
	if err := os.WriteFile(filepath.Join(s.resultsDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write result info: %w", err)
	}

	return s.ResultURL(name), nil
}

// ArchiveSegments writes a zip of every segment crop for a job into w and
// returns the number of entries. Returns ErrNoSegments when the job has no
// crop directory or the directory is empty.
func (s *Store) ArchiveSegments(resultID string, w io.Writer) (int, error) {
	dir := s.SegmentsDir(resultID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoSegments
		}
		return 0, fmt.Errorf("read segments dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return 0, ErrNoSegments
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	count := 0
	for _, name := range names {
		if err := addZipEntry(zw, filepath.Join(dir, name), name); err != nil {
			zw.Close()
			return count, err
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("finalize archive: %w", err)
	}
	return count, nil
}

// addZipEntry copies one file into the archive under the given name.
func addZipEntry(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	return nil
}
