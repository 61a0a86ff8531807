// ABOUTME: Guarded JSON load and atomic JSON save for all pipeline state and data files.
// ABOUTME: Loads enforce an allow-listed path check and a 50 MB size cap; saves go through temp-file-then-rename.
package workdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxJSONFileSize is the largest file LoadJSON will read. Marker files are
// regenerated per batch and should never approach this; anything larger is a
// runaway write, not data.
const MaxJSONFileSize = 50 * 1024 * 1024

// Storage error kinds. Callers branch on these with errors.Is because the UI
// and pipeline layers react differently to each.
var (
	ErrNotFound    = errors.New("file not found")
	ErrTooLarge    = errors.New("file too large")
	ErrInvalidJSON = errors.New("invalid JSON")
	ErrPathDenied  = errors.New("path not in allowed directory")
)

// allowedRoots are the only directories LoadJSON will read from.
func (w *Workspace) allowedRoots() []string {
	return []string{
		filepath.Join(w.BaseDir, "runs"),
		filepath.Join(w.BaseDir, "seed_files"),
		filepath.Join(w.BaseDir, "templates"),
	}
}

// CheckPath verifies that path resolves inside one of the workspace's
// allow-listed directories. Returns the cleaned absolute path.
func (w *Workspace) CheckPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize path %q: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, root := range w.allowedRoots() {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathDenied, abs)
}

// LoadJSON reads a JSON file into v. The path must pass CheckPath and the
// file must be under MaxJSONFileSize. Failures are distinguishable via
// errors.Is against ErrNotFound, ErrTooLarge, ErrInvalidJSON, ErrPathDenied.
func (w *Workspace) LoadJSON(path string, v any) error {
	abs, err := w.CheckPath(path)
	if err != nil {
		return err
	}

	st, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	if st.Size() > MaxJSONFileSize {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, abs, st.Size(), MaxJSONFileSize)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", abs, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJSON, abs, err)
	}
	return nil
}

// SaveJSON writes v to path as indented JSON using a temp file + rename so a
// crash mid-write never leaves a truncated file behind. Parent directories
// are created as needed.
func (w *Workspace) SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	return w.writeFileAtomic(path, data)
}

// WriteLines writes a newline-delimited file (one JSON object per line)
// atomically. Each element of lines must already be serialized.
func (w *Workspace) WriteLines(path string, lines [][]byte) error {
	var buf []byte
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return w.writeFileAtomic(path, buf)
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename.
func (w *Workspace) writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
