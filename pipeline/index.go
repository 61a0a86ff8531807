// ABOUTME: SQLite-backed index over run state files for fast listing without reading every state.json.
// ABOUTME: Always rebuildable from the workspace; a queryable cache, never the source of truth.
package pipeline

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunRow is one run summary row from the index.
type RunRow struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Status    string `json:"status"`
	Steps     int    `json:"steps"`
	Markers   int    `json:"markers"`
	UpdatedAt string `json:"updated_at"`
}

// RunIndex is a SQLite cache of run summaries.
type RunIndex struct {
	db *sql.DB
}

// OpenRunIndex opens or creates the index database at path.
func OpenRunIndex(path string) (*RunIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			name TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL,
			markers INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &RunIndex{db: db}, nil
}

// Close closes the database connection.
func (idx *RunIndex) Close() error {
	return idx.db.Close()
}

// Upsert refreshes one run's summary row.
func (idx *RunIndex) Upsert(run *Run) error {
	_, err := idx.db.Exec(
		`INSERT INTO runs (name, id, status, steps, markers, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			steps = excluded.steps,
			markers = excluded.markers,
			updated_at = excluded.updated_at`,
		run.Name,
		run.ID,
		string(run.Status),
		len(run.StateSteps),
		len(run.Nodes),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// List returns all indexed runs, newest first.
func (idx *RunIndex) List() ([]RunRow, error) {
	rows, err := idx.db.Query(
		`SELECT name, id, status, steps, markers, updated_at FROM runs ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.Name, &r.ID, &r.Status, &r.Steps, &r.Markers, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rebuild drops every row and re-indexes from the state files on disk.
func (idx *RunIndex) Rebuild(store *Store) error {
	if _, err := idx.db.Exec(`DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	runs, err := store.List()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := idx.Upsert(run); err != nil {
			return err
		}
	}
	return nil
}
