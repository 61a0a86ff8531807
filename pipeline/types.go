// ABOUTME: Core data model for pipeline runs: Run, Step, and their status enums, matching the state.json contract.
// ABOUTME: A run is an append-only history of steps plus a registry of marker nodes; state.json is the persisted truth.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/2389-research/canis/marker"
	"github.com/2389-research/canis/tools"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunCreated     RunStatus = "created"
	RunRunning     RunStatus = "running"
	RunRunningChip RunStatus = "running_chip"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunFinalized   RunStatus = "finalized"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepCreated    StepStatus = "created"
	StepUploaded   StepStatus = "uploaded"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepBatch holds the external-job bookkeeping for batch-backed steps.
type StepBatch struct {
	In       string `json:"in"`        // submitted batch file
	UploadID string `json:"upload_id"` // external job id
	Out      string `json:"out"`       // downloaded raw results
}

// StepData records the marker bindings a step consumed and produced, as
// resolved file paths (or literal values for non-marker bindings).
type StepData struct {
	In  map[string]string `json:"in"`
	Out map[string]string `json:"out"`
}

// Step is one executed operation in a run's history. Steps are append-only:
// once a later step exists, earlier steps are never modified.
type Step struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     tools.Kind      `json:"type"`
	Status   StepStatus      `json:"status"`
	ToolName string          `json:"tool_name"`
	Batch    *StepBatch      `json:"batch,omitempty"`
	Data     StepData        `json:"data"`
	Error    json.RawMessage `json:"error,omitempty"` // raw payload from a failed external job
}

// Run is the full persisted state of one pipeline session.
type Run struct {
	Name       string          `json:"name"`
	ID         string          `json:"id"`
	Status     RunStatus       `json:"status"`
	Nodes      []marker.Marker `json:"nodes"`
	StateSteps []Step          `json:"state_steps"`
}

// LastStep returns the trailing step, or nil for a fresh run.
func (r *Run) LastStep() *Step {
	if len(r.StateSteps) == 0 {
		return nil
	}
	return &r.StateSteps[len(r.StateSteps)-1]
}

// InFlight reports whether the trailing step is still waiting on an external
// job. A run with an in-flight step cannot accept new work.
func (r *Run) InFlight() bool {
	last := r.LastStep()
	if last == nil {
		return false
	}
	return last.Status == StepUploaded || last.Status == StepInProgress
}

// MarkerNotFoundError reports a binding that names no registered marker.
type MarkerNotFoundError struct {
	Name string
}

func (e *MarkerNotFoundError) Error() string {
	return fmt.Sprintf("marker %q not found in run", e.Name)
}

// Marker returns the registered marker with the given name.
func (r *Run) Marker(name string) (*marker.Marker, error) {
	for i := range r.Nodes {
		if r.Nodes[i].Name == name {
			return &r.Nodes[i], nil
		}
	}
	return nil, &MarkerNotFoundError{Name: name}
}

// Markers returns all registered markers, optionally filtered by state.
func (r *Run) Markers(state marker.State) []marker.Marker {
	if state == "" {
		return r.Nodes
	}
	var out []marker.Marker
	for _, m := range r.Nodes {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out
}

// UpsertMarker registers a marker, replacing any existing marker with the
// same name. Completing a batch flips a forward-declared marker in place.
func (r *Run) UpsertMarker(m marker.Marker) {
	for i := range r.Nodes {
		if r.Nodes[i].Name == m.Name {
			r.Nodes[i] = m
			return
		}
	}
	r.Nodes = append(r.Nodes, m)
}
