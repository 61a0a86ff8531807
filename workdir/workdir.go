// ABOUTME: Workspace manages the on-disk layout for synthetic-dataset pipeline runs.
// ABOUTME: Resolves and creates runs/<name>/{batch,data,dataset} structures and enumerates runs and seed files.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Workspace is the root of all pipeline storage. Every path the pipeline
// reads or writes lives under BaseDir.
type Workspace struct {
	BaseDir string
}

// New creates a Workspace rooted at baseDir and ensures the base directory
// structure exists.
func New(baseDir string) (*Workspace, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir must not be empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	w := &Workspace{BaseDir: abs}
	for _, dir := range []string{"runs", "seed_files", "templates"} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return w, nil
}

// RunsDir returns the directory holding all runs.
func (w *Workspace) RunsDir() string {
	return filepath.Join(w.BaseDir, "runs")
}

// SeedFilesDir returns the directory holding seed template files.
func (w *Workspace) SeedFilesDir() string {
	return filepath.Join(w.BaseDir, "seed_files")
}

// RunDir returns the directory for a single run.
func (w *Workspace) RunDir(runName string) string {
	return filepath.Join(w.RunsDir(), runName)
}

// EnsureRunDir creates the directory skeleton for a run: batch/ for request
// and result JSONL files, data/ for marker files, dataset/ for finalized
// output. Idempotent.
func (w *Workspace) EnsureRunDir(runName string) error {
	if runName == "" {
		return fmt.Errorf("runName must not be empty")
	}
	for _, sub := range []string{"batch", "data", "dataset"} {
		if err := os.MkdirAll(filepath.Join(w.RunDir(runName), sub), 0o755); err != nil {
			return fmt.Errorf("create run directory structure: %w", err)
		}
	}
	return nil
}

// StateFilePath returns the path to a run's state.json.
func (w *Workspace) StateFilePath(runName string) string {
	return filepath.Join(w.RunDir(runName), "state.json")
}

// BatchFilePath returns the path for a step's submitted batch JSONL file.
func (w *Workspace) BatchFilePath(runName, stepName string) string {
	return filepath.Join(w.RunDir(runName), "batch", stepName+".jsonl")
}

// BatchResultsPath returns the path for a step's downloaded raw results.
func (w *Workspace) BatchResultsPath(runName, stepName string) string {
	return filepath.Join(w.RunDir(runName), "batch", stepName+"_results.jsonl")
}

// DataFilePath returns the path for a marker data file.
func (w *Workspace) DataFilePath(runName, markerName string) string {
	return filepath.Join(w.RunDir(runName), "data", markerName+".json")
}

// DatasetDir returns the finalized-dataset directory for a run.
func (w *Workspace) DatasetDir(runName string) string {
	return filepath.Join(w.RunDir(runName), "dataset")
}

// DatasetVersionDir creates and returns a fresh timestamped version directory
// under the run's dataset dir. An empty versionName auto-generates one.
func (w *Workspace) DatasetVersionDir(runName, versionName string) (string, error) {
	if versionName == "" {
		versionName = "version_" + time.Now().Format("20060102_150405")
	}
	dir := filepath.Join(w.DatasetDir(runName), versionName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dataset version dir: %w", err)
	}
	return dir, nil
}

// ListRuns returns the names of all runs that have a state file, sorted.
func (w *Workspace) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(w.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(w.StateFilePath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SeedFileInfo describes one valid seed template found in seed_files/.
type SeedFileInfo struct {
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
}

// ListSeedFiles returns every *.json file under seed_files/ that structurally
// looks like a seed template (has variables, constants, and call sections).
// Files that fail to parse are skipped, not reported.
func (w *Workspace) ListSeedFiles() ([]SeedFileInfo, error) {
	matches, err := filepath.Glob(filepath.Join(w.SeedFilesDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob seed files: %w", err)
	}
	var infos []SeedFileInfo
	for _, path := range matches {
		var doc map[string]json.RawMessage
		if err := w.LoadJSON(path, &doc); err != nil {
			continue
		}
		// Progress files wrap the template under a seed_file key.
		if inner, ok := doc["seed_file"]; ok {
			var wrapped map[string]json.RawMessage
			if err := json.Unmarshal(inner, &wrapped); err != nil {
				continue
			}
			doc = wrapped
		}
		if _, ok := doc["variables"]; !ok {
			continue
		}
		if _, ok := doc["constants"]; !ok {
			continue
		}
		if _, ok := doc["call"]; !ok {
			continue
		}
		base := filepath.Base(path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		infos = append(infos, SeedFileInfo{
			Filename:    base,
			Path:        path,
			DisplayName: titleCase(strings.ReplaceAll(stem, "_", " ")),
		})
	}
	return infos, nil
}

// FileInfo is one file entry in a RunSummary.
type FileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// RunSummary is an inventory of a run's batch and data files.
type RunSummary struct {
	RunName    string     `json:"run_name"`
	RunPath    string     `json:"run_path"`
	BatchFiles []FileInfo `json:"batch_files"`
	DataFiles  []FileInfo `json:"data_files"`
	TotalSize  int64      `json:"total_size"`
}

// Summarize builds a file inventory for a run. Returns nil if the run
// directory does not exist.
func (w *Workspace) Summarize(runName string) (*RunSummary, error) {
	runDir := w.RunDir(runName)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return nil, nil
	}
	summary := &RunSummary{RunName: runName, RunPath: runDir}

	collect := func(dir, pattern string) ([]FileInfo, error) {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		var files []FileInfo
		for _, path := range matches {
			st, err := os.Stat(path)
			if err != nil {
				continue
			}
			files = append(files, FileInfo{Name: filepath.Base(path), Path: path, Size: st.Size()})
		}
		return files, nil
	}

	var err error
	if summary.BatchFiles, err = collect(filepath.Join(runDir, "batch"), "*.jsonl"); err != nil {
		return nil, fmt.Errorf("list batch files: %w", err)
	}
	if summary.DataFiles, err = collect(filepath.Join(runDir, "data"), "*.json"); err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	for _, f := range summary.BatchFiles {
		summary.TotalSize += f.Size
	}
	for _, f := range summary.DataFiles {
		summary.TotalSize += f.Size
	}
	return summary, nil
}

// titleCase upper-cases the first letter of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFilename strips path separators and control characters so the
// result is safe to use as a single path component.
func SanitizeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	s = strings.TrimLeft(s, ". ")
	if len(s) > 255 {
		s = s[:255]
	}
	if s == "" {
		s = "unnamed_file"
	}
	return s
}
