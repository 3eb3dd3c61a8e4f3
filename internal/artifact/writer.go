// Package artifact writes screenshot files.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
)

// DefaultPath is where the verification screenshot is written.
const DefaultPath = "jules-scratch/verification/verification.png"

// ErrNotPNG is returned for data that does not decode as a PNG image.
var ErrNotPNG = errors.New("artifact is not a PNG image")

// Info describes a written artifact.
type Info struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Writer stores PNG artifacts on the local filesystem.
type Writer struct {
	DirMode  os.FileMode
	FileMode os.FileMode
}

// NewWriter returns a Writer with 0755 directories and 0644 files.
func NewWriter() *Writer {
	return &Writer{DirMode: 0o755, FileMode: 0o644}
}

// Write validates data as PNG and stores it at path, replacing any previous
// file. Missing parent directories are created. Readers never observe a
// partially written file.
func (w *Writer) Write(path string, data []byte) (Info, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotPNG, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, w.DirMode); err != nil {
		return Info{}, fmt.Errorf("failed to create directory for screenshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.png")
	if err != nil {
		return Info{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := os.Chmod(tmpName, w.FileMode); err != nil {
		return Info{}, fmt.Errorf("failed to set screenshot mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return Info{}, fmt.Errorf("failed to move screenshot into place: %w", err)
	}

	return Info{
		Path:   path,
		Bytes:  int64(len(data)),
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// DebugPath derives the path of a failure capture from the artifact path,
// e.g. verification.png becomes verification-failed-step3.png.
func DebugPath(path string, step int) string {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("%s-failed-step%d%s", base, step, ext)
}
