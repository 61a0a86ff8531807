// ABOUTME: The workflow state machine: create runs, start seed steps, poll batches, and invoke tools.
// ABOUTME: Every operation is load state.json, validate, mutate in memory, atomic write; polling is caller-driven.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/2389-research/canis/batch"
	"github.com/2389-research/canis/marker"
	"github.com/2389-research/canis/seed"
	"github.com/2389-research/canis/tools"
	"github.com/2389-research/canis/workdir"
)

// Manager coordinates all run mutations. It assumes single-writer-per-run
// discipline: two processes mutating the same run concurrently can interleave
// read-modify-write cycles and lose steps. Each individual write is atomic,
// so a reader never observes a torn state file.
type Manager struct {
	Store *Store
	Batch batch.Client
	Index *RunIndex // optional run-listing cache, may be nil
}

// NewManager builds a Manager over a workspace and a batch client.
func NewManager(ws *workdir.Workspace, client batch.Client) *Manager {
	return &Manager{Store: &Store{WS: ws}, Batch: client}
}

// Sentinel errors callers branch on.
var (
	// ErrStepInFlight rejects new work while the trailing step is still
	// uploaded or in_progress.
	ErrStepInFlight = errors.New("run has a step in flight; complete it first")
	// ErrNotRunning rejects polling a run with no batch outstanding.
	ErrNotRunning = errors.New("run is not running")
	// ErrFinalized rejects any mutation of a finalized run.
	ErrFinalized = errors.New("run is finalized")
	// ErrDuplicateStep rejects a step name already used in the run; step
	// names key marker files and batch files, so reuse would overwrite them.
	ErrDuplicateStep = errors.New("step name already used in this run")
)

// newULID generates a run ID using crypto/rand entropy.
func newULID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Create allocates a fresh run with a timestamp-qualified name and its
// on-disk skeleton.
func (m *Manager) Create(name string) (*Run, error) {
	runName := workdir.SanitizeFilename(name) + "_" + time.Now().Format("20060102150405")
	if err := m.Store.WS.EnsureRunDir(runName); err != nil {
		return nil, err
	}

	run := &Run{
		Name:       runName,
		ID:         newULID(),
		Status:     RunCreated,
		Nodes:      []marker.Marker{},
		StateSteps: []Step{},
	}
	if err := m.Store.Save(run); err != nil {
		return nil, err
	}
	m.logEvent(runName, Event{Type: EventRunCreated})
	m.indexRun(run)
	return run, nil
}

// acceptsNewStep validates that a run can take on new work.
func acceptsNewStep(run *Run) error {
	if run.Status == RunFinalized {
		return ErrFinalized
	}
	if run.InFlight() {
		return ErrStepInFlight
	}
	return nil
}

// stepNameTaken reports whether any step in the run already carries name.
func stepNameTaken(run *Run, name string) bool {
	for i := range run.StateSteps {
		if run.StateSteps[i].Name == name {
			return true
		}
	}
	return false
}

// StartSeedStep expands a seed template, writes and submits the batch,
// extracts the prompt columns as inspectable markers, and appends an
// uploaded step. The raw_seed_data output marker is forward-declared in
// uploaded state; its backing file appears once the batch completes.
func (m *Manager) StartSeedStep(ctx context.Context, runName, seedPath string) (*Run, error) {
	run, err := m.Store.Load(runName)
	if err != nil {
		return nil, err
	}
	if err := acceptsNewStep(run); err != nil {
		return nil, err
	}
	if stepNameTaken(run, "seed") {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, "seed")
	}

	tmpl, err := seed.LoadFile(seedPath)
	if err != nil {
		return nil, err
	}
	expansion, err := tmpl.Expand()
	if err != nil {
		return nil, err
	}
	lines, err := expansion.MarshalBatchLines()
	if err != nil {
		return nil, err
	}

	ws := m.Store.WS
	batchIn := ws.BatchFilePath(run.Name, "seed")
	if err := ws.WriteLines(batchIn, lines); err != nil {
		return nil, err
	}

	// Plain prompt columns, kept as markers for later inspection.
	system, user, err := batch.ExtractPromptsFile(batchIn)
	if err != nil {
		return nil, err
	}
	systemPath := ws.DataFilePath(run.Name, "system_prompt")
	userPath := ws.DataFilePath(run.Name, "user_prompt")
	if err := ws.SaveJSON(systemPath, system); err != nil {
		return nil, err
	}
	if err := ws.SaveJSON(userPath, user); err != nil {
		return nil, err
	}
	run.UpsertMarker(marker.Marker{Name: "system_prompt", FileName: systemPath, Type: marker.T(marker.KindStr, marker.Data), State: marker.StateCreated})
	run.UpsertMarker(marker.Marker{Name: "user_prompt", FileName: userPath, Type: marker.T(marker.KindStr, marker.Data), State: marker.StateCreated})

	uploadID, err := m.Batch.Upload(ctx, batchIn)
	if err != nil {
		return nil, err
	}

	rawPath := ws.DataFilePath(run.Name, "raw_seed_data")
	run.UpsertMarker(marker.Marker{Name: "raw_seed_data", FileName: rawPath, Type: marker.T(marker.KindStr, marker.Data), State: marker.StateUploaded})

	run.StateSteps = append(run.StateSteps, Step{
		ID:       uuid.NewString(),
		Name:     "seed",
		Type:     tools.KindLLM,
		Status:   StepUploaded,
		ToolName: "seed",
		Batch: &StepBatch{
			In:       batchIn,
			UploadID: uploadID,
			Out:      ws.BatchResultsPath(run.Name, "seed"),
		},
		Data: StepData{
			In: map[string]string{"seed_file": seedPath},
			Out: map[string]string{
				"system_prompt": systemPath,
				"user_prompt":   userPath,
				"raw_seed_data": rawPath,
			},
		},
	})
	run.Status = RunRunning

	if err := m.Store.Save(run); err != nil {
		return nil, err
	}
	m.logEvent(run.Name, Event{Type: EventStepUploaded, Step: "seed", Detail: uploadID})
	m.indexRun(run)
	return run, nil
}

// PollResult reports one CompleteRunningStep round trip.
type PollResult struct {
	RunStatus   RunStatus           `json:"run_status"`
	StepStatus  StepStatus          `json:"step_status"`
	BatchStatus string              `json:"batch_status"`
	Counts      batch.RequestCounts `json:"counts"`
	ParseStatus string              `json:"parse_status,omitempty"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
}

// CompleteRunningStep is the sole state-advancing poll entry point. On a
// completed batch it downloads and parses the results into the
// forward-declared output markers (running a chip's finish phase when the
// run is in running_chip); on a failed batch it flips step and run to
// failed; otherwise it marks the step in_progress and returns. Re-polling
// any settled or pending state is safe.
func (m *Manager) CompleteRunningStep(ctx context.Context, runName string) (*PollResult, error) {
	run, err := m.Store.Load(runName)
	if err != nil {
		return nil, err
	}
	if run.Status != RunRunning && run.Status != RunRunningChip {
		return nil, fmt.Errorf("%w (status %s)", ErrNotRunning, run.Status)
	}
	last := run.LastStep()
	if last == nil || last.Batch == nil {
		return nil, fmt.Errorf("run %q has no batch-backed step to poll", runName)
	}

	status, err := m.Batch.Status(ctx, last.Batch.UploadID)
	if err != nil {
		return nil, err
	}
	m.logEvent(run.Name, Event{Type: EventStepPolled, Step: last.Name, Detail: status.Status})

	result := &PollResult{BatchStatus: status.Status, Counts: status.Counts}
	switch status.Status {
	case batch.StatusCompleted:
		if err := m.Batch.Download(ctx, last.Batch.UploadID, last.Batch.Out); err != nil {
			return nil, err
		}
		parsed, err := batch.ParseResultsFile(last.Batch.Out)
		if err != nil {
			return nil, err
		}
		result.ParseStatus = parsed.Status
		result.Diagnostics = parsed.Diagnostics

		if run.Status == RunRunningChip {
			if err := m.finishChip(run, last, parsed.Data); err != nil {
				return nil, err
			}
		} else {
			if err := m.completeBatchMarkers(run, last, parsed.Data); err != nil {
				return nil, err
			}
		}
		last.Status = StepCompleted
		run.Status = RunCompleted
		if err := m.Store.Save(run); err != nil {
			return nil, err
		}
		m.logEvent(run.Name, Event{Type: EventStepCompleted, Step: last.Name, Detail: parsed.Status})

	case batch.StatusFailed:
		last.Status = StepFailed
		last.Error = status.Error
		run.Status = RunFailed
		if err := m.Store.Save(run); err != nil {
			return nil, err
		}
		m.logEvent(run.Name, Event{Type: EventStepFailed, Step: last.Name})

	default:
		last.Status = StepInProgress
		if err := m.Store.Save(run); err != nil {
			return nil, err
		}
	}

	result.RunStatus = run.Status
	result.StepStatus = last.Status
	m.indexRun(run)
	return result, nil
}

// completeBatchMarkers writes the parsed batch output into every
// forward-declared marker of a plain seed/LLM step.
func (m *Manager) completeBatchMarkers(run *Run, step *Step, data map[string]any) error {
	for _, name := range sortedKeys(step.Data.Out) {
		mk, err := run.Marker(name)
		if err != nil || mk.State != marker.StateUploaded {
			continue
		}
		if err := m.Store.WS.SaveJSON(step.Data.Out[name], data); err != nil {
			return err
		}
		mk.State = marker.StateCompleted
	}
	return nil
}

// finishChip re-resolves the chip's recorded inputs and runs its finish
// phase, persisting one output file per declared output marker.
func (m *Manager) finishChip(run *Run, step *Step, batchData map[string]any) error {
	chip, err := tools.LookupChip(step.ToolName)
	if err != nil {
		return err
	}

	inputs := make(map[string]any, len(step.Data.In))
	for param, addr := range step.Data.In {
		value, err := m.loadAddress(addr)
		if err != nil {
			return fmt.Errorf("reload chip input %q: %w", param, err)
		}
		inputs[param] = value
	}

	outputs, err := chip.Finish(inputs, batchData)
	if err != nil {
		return fmt.Errorf("finish chip %s: %w", step.ToolName, err)
	}

	for _, outName := range sortedKeys(outputs) {
		markerName := step.Name + "_" + outName
		path, ok := step.Data.Out[markerName]
		if !ok {
			path = m.Store.WS.DataFilePath(run.Name, markerName)
			step.Data.Out[markerName] = path
		}
		if err := m.Store.WS.SaveJSON(path, outputs[outName]); err != nil {
			return err
		}
		mk, err := run.Marker(markerName)
		if err != nil {
			continue
		}
		mk.State = marker.StateCompleted
	}
	return nil
}

// UseTool resolves the bindings, validates them against the named tool's
// spec, and dispatches: code tools run synchronously and append a completed
// step (finalize additionally flips the run to finalized), LLM tools and
// chips submit a batch and append an uploaded step.
func (m *Manager) UseTool(ctx context.Context, runName, customName, toolName string, kind tools.Kind, bindings map[string]string) (*Run, error) {
	run, err := m.Store.Load(runName)
	if err != nil {
		return nil, err
	}
	if err := acceptsNewStep(run); err != nil {
		return nil, err
	}
	customName = workdir.SanitizeFilename(customName)
	if stepNameTaken(run, customName) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, customName)
	}

	switch kind {
	case tools.KindCode:
		err = m.useCodeTool(run, customName, toolName, bindings)
	case tools.KindLLM:
		err = m.useLLMTool(ctx, run, customName, toolName, bindings)
	case tools.KindChip:
		err = m.useChip(ctx, run, customName, toolName, bindings)
	default:
		return nil, fmt.Errorf("unknown tool kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if err := m.Store.Save(run); err != nil {
		return nil, err
	}
	m.indexRun(run)
	return run, nil
}

// useCodeTool executes a synchronous transform and persists its output.
func (m *Manager) useCodeTool(run *Run, customName, toolName string, bindings map[string]string) error {
	tool, err := tools.LookupCode(toolName)
	if err != nil {
		return err
	}
	data, addresses, err := m.resolveBindings(run, tool.Spec, bindings)
	if err != nil {
		return fmt.Errorf("%s: %w", toolName, err)
	}
	outName, outType, err := soleOutput(tool.Spec)
	if err != nil {
		return fmt.Errorf("%s: %w", toolName, err)
	}

	result, err := tool.Run(data)
	if err != nil {
		return fmt.Errorf("%s: %w", toolName, err)
	}

	step := Step{
		ID:       uuid.NewString(),
		Name:     customName,
		Type:     tools.KindCode,
		Status:   StepCompleted,
		ToolName: toolName,
		Data:     StepData{In: addresses, Out: map[string]string{}},
	}
	markerName := customName + "_" + outName

	if toolName == tools.FinalizeToolName {
		if err := m.saveDataset(run, &step, result); err != nil {
			return err
		}
		run.Status = RunFinalized
		run.StateSteps = append(run.StateSteps, step)
		m.logEvent(run.Name, Event{Type: EventRunFinalized, Step: customName})
		return nil
	}

	outPath := m.Store.WS.DataFilePath(run.Name, markerName)
	if err := m.Store.WS.SaveJSON(outPath, result); err != nil {
		return err
	}
	step.Data.Out[markerName] = outPath
	run.UpsertMarker(marker.Marker{Name: markerName, FileName: outPath, Type: outType, State: marker.StateCreated})
	run.Status = RunCompleted
	run.StateSteps = append(run.StateSteps, step)
	m.logEvent(run.Name, Event{Type: EventStepCompleted, Step: customName})
	return nil
}

// saveDataset writes a finalized dataset as a fresh version directory with
// dataset.json rows and a metadata.json sidecar.
func (m *Manager) saveDataset(run *Run, step *Step, result any) error {
	ws := m.Store.WS
	versionDir, err := ws.DatasetVersionDir(run.Name, "")
	if err != nil {
		return err
	}

	records, ok := result.([]tools.DatasetRecord)
	if !ok {
		return fmt.Errorf("finalize returned %T, want dataset records", result)
	}
	if err := ws.SaveJSON(filepath.Join(versionDir, "dataset.json"), records); err != nil {
		return err
	}
	metadata := map[string]any{
		"created":  time.Now().UTC().Format(time.RFC3339),
		"version":  filepath.Base(versionDir),
		"rows":     len(records),
		"run_name": run.Name,
	}
	if err := ws.SaveJSON(filepath.Join(versionDir, "metadata.json"), metadata); err != nil {
		return err
	}

	markerName := step.Name + "_dataset"
	step.Data.Out[markerName] = versionDir
	run.UpsertMarker(marker.Marker{Name: markerName, FileName: versionDir, Type: marker.DatasetType, State: marker.StateCreated})
	return nil
}

// useLLMTool builds and submits a batch from an embedded template and
// forward-declares the output marker.
func (m *Manager) useLLMTool(ctx context.Context, run *Run, customName, toolName string, bindings map[string]string) error {
	tool, err := tools.LookupLLM(toolName)
	if err != nil {
		return err
	}
	data, addresses, err := m.resolveBindings(run, tool.Spec, bindings)
	if err != nil {
		return fmt.Errorf("%s: %w", toolName, err)
	}
	outName, outType, err := soleOutput(tool.Spec)
	if err != nil {
		return fmt.Errorf("%s: %w", toolName, err)
	}

	lines, err := tool.BuildBatch(data)
	if err != nil {
		return err
	}
	batchIn := m.Store.WS.BatchFilePath(run.Name, customName)
	if err := m.Store.WS.WriteLines(batchIn, rawLines(lines)); err != nil {
		return err
	}
	uploadID, err := m.Batch.Upload(ctx, batchIn)
	if err != nil {
		return err
	}

	markerName := customName + "_" + outName
	outPath := m.Store.WS.DataFilePath(run.Name, markerName)
	run.UpsertMarker(marker.Marker{Name: markerName, FileName: outPath, Type: outType, State: marker.StateUploaded})

	run.StateSteps = append(run.StateSteps, Step{
		ID:       uuid.NewString(),
		Name:     customName,
		Type:     tools.KindLLM,
		Status:   StepUploaded,
		ToolName: toolName,
		Batch: &StepBatch{
			In:       batchIn,
			UploadID: uploadID,
			Out:      m.Store.WS.BatchResultsPath(run.Name, customName),
		},
		Data: StepData{In: addresses, Out: map[string]string{markerName: outPath}},
	})
	run.Status = RunRunning
	m.logEvent(run.Name, Event{Type: EventStepUploaded, Step: customName, Detail: uploadID})
	return nil
}

// useChip runs a chip's start phase, submits its batch, and
// forward-declares every output marker the chip reported.
func (m *Manager) useChip(ctx context.Context, run *Run, customName, chipName string, bindings map[string]string) error {
	chip, err := tools.LookupChip(chipName)
	if err != nil {
		return err
	}
	data, addresses, err := m.resolveBindings(run, chip.Spec, bindings)
	if err != nil {
		return fmt.Errorf("%s: %w", chipName, err)
	}

	start, err := chip.Start(data)
	if err != nil {
		return fmt.Errorf("start chip %s: %w", chipName, err)
	}

	batchIn := m.Store.WS.BatchFilePath(run.Name, customName)
	if err := m.Store.WS.WriteLines(batchIn, rawLines(start.BatchLines)); err != nil {
		return err
	}
	uploadID, err := m.Batch.Upload(ctx, batchIn)
	if err != nil {
		return err
	}

	step := Step{
		ID:       uuid.NewString(),
		Name:     customName,
		Type:     tools.KindChip,
		Status:   StepUploaded,
		ToolName: chipName,
		Batch: &StepBatch{
			In:       batchIn,
			UploadID: uploadID,
			Out:      m.Store.WS.BatchResultsPath(run.Name, customName),
		},
		Data: StepData{In: addresses, Out: map[string]string{}},
	}
	for _, outName := range sortedKeys(start.Outputs) {
		markerName := customName + "_" + outName
		outPath := m.Store.WS.DataFilePath(run.Name, markerName)
		step.Data.Out[markerName] = outPath
		run.UpsertMarker(marker.Marker{Name: markerName, FileName: outPath, Type: start.Outputs[outName], State: marker.StateUploaded})
	}

	run.StateSteps = append(run.StateSteps, step)
	run.Status = RunRunningChip
	m.logEvent(run.Name, Event{Type: EventStepUploaded, Step: customName, Detail: uploadID})
	return nil
}

// soleOutput returns the single declared output of a tool spec.
func soleOutput(spec tools.Spec) (string, marker.Type, error) {
	if len(spec.Out) != 1 {
		return "", marker.Type{}, fmt.Errorf("expected exactly one output, got %d", len(spec.Out))
	}
	for name, typ := range spec.Out {
		return name, typ, nil
	}
	return "", marker.Type{}, nil
}

// rawLines converts marshaled request lines for WriteLines.
func rawLines[T ~[]byte](lines []T) [][]byte {
	out := make([][]byte, len(lines))
	for i, line := range lines {
		out[i] = []byte(line)
	}
	return out
}

// sortedKeys returns a map's keys in sorted order for deterministic
// iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// logEvent appends an event, ignoring failures: the event log is
// observability, not state.
func (m *Manager) logEvent(runName string, event Event) {
	_ = m.Store.AppendEvent(runName, event)
}

// indexRun refreshes the optional run index; indexing failures never block
// a state mutation.
func (m *Manager) indexRun(run *Run) {
	if m.Index == nil {
		return
	}
	_ = m.Index.Upsert(run)
}
