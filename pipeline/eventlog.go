// ABOUTME: Append-only per-run event log recording every status transition to events.jsonl.
// ABOUTME: Events are observability only; replaying them never reconstructs state, state.json does.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Event is one recorded transition in a run's history.
type Event struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Step   string    `json:"step,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Event types emitted by the state machine.
const (
	EventRunCreated    = "run_created"
	EventStepUploaded  = "step_uploaded"
	EventStepPolled    = "step_polled"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventRunFinalized  = "run_finalized"
)

// AppendEvent appends one event to the run's events.jsonl.
func (s *Store) AppendEvent(runName string, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(s.WS.RunDir(runName), "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadEvents parses a run's events.jsonl, one event per line.
func (s *Store) ReadEvents(runName string) ([]Event, error) {
	data, err := os.ReadFile(filepath.Join(s.WS.RunDir(runName), "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read events file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return []Event{}, nil
	}

	lines := strings.Split(content, "\n")
	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", i+1, err)
		}
		events = append(events, evt)
	}
	return events, nil
}
