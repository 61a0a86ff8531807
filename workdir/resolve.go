// ABOUTME: Multi-strategy path resolution for marker paths recorded in state files.
// ABOUTME: Recovers file locations after a workspace move or rename by retrying relative, runs-suffix, and filename searches.
package workdir

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath turns a possibly relative, absolute, or stale path into an
// existing absolute path. State files can record paths written before the
// workspace moved, so four strategies are tried in order:
//
//  1. the path as-is, if absolute and existing
//  2. relative to the workspace base dir
//  3. the path's runs/... suffix re-rooted under the base dir
//  4. a filename search under runs/ and then the base dir
//
// Returns "" if nothing resolves.
func (w *Workspace) ResolvePath(path string) string {
	if path == "" {
		return ""
	}

	if filepath.IsAbs(path) {
		if fileExists(path) {
			return path
		}
	} else {
		resolved := filepath.Join(w.BaseDir, path)
		if fileExists(resolved) {
			return resolved
		}
	}

	// A stale absolute path from before a directory move: re-root whatever
	// comes after runs/ under the current base dir.
	if filepath.IsAbs(path) {
		marker := string(filepath.Separator) + "runs" + string(filepath.Separator)
		if idx := strings.Index(path, marker); idx >= 0 {
			resolved := filepath.Join(w.BaseDir, path[idx+1:])
			if fileExists(resolved) {
				return resolved
			}
		}
	}

	filename := filepath.Base(path)
	for _, searchDir := range []string{w.RunsDir(), w.BaseDir} {
		if found := findFile(searchDir, filename); found != "" {
			return found
		}
	}
	return ""
}

// fileExists reports whether path exists and is a regular file or directory.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findFile walks dir looking for the first regular file named filename.
func findFile(dir, filename string) string {
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == filename {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}
