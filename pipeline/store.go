// ABOUTME: Persistence for run state: full-document load, modify in memory, full-document atomic write.
// ABOUTME: state.json is the single source of truth; every collaborator goes through this store.
package pipeline

import (
	"fmt"

	"github.com/2389-research/canis/marker"
	"github.com/2389-research/canis/workdir"
)

// Store reads and writes run state files inside a workspace.
type Store struct {
	WS *workdir.Workspace
}

// Load reads a run's state.json.
func (s *Store) Load(runName string) (*Run, error) {
	var run Run
	if err := s.WS.LoadJSON(s.WS.StateFilePath(runName), &run); err != nil {
		return nil, fmt.Errorf("load run %q: %w", runName, err)
	}
	return &run, nil
}

// Save writes a run's state.json atomically. Nodes and state_steps are
// never serialized as null.
func (s *Store) Save(run *Run) error {
	if run.Nodes == nil {
		run.Nodes = []marker.Marker{}
	}
	if run.StateSteps == nil {
		run.StateSteps = []Step{}
	}
	if err := s.WS.SaveJSON(s.WS.StateFilePath(run.Name), run); err != nil {
		return fmt.Errorf("save run %q: %w", run.Name, err)
	}
	return nil
}

// List loads every run in the workspace, skipping unreadable ones.
func (s *Store) List() ([]*Run, error) {
	names, err := s.WS.ListRuns()
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(names))
	for _, name := range names {
		run, err := s.Load(name)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}
