// ABOUTME: Tests for the canis CLI entrypoint covering subcommand dispatch, binding parsing,
// ABOUTME: tool kind resolution, data dir resolution, and end-to-end create/tool/runs flows.
package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/2389-research/canis/marker"
	"github.com/2389-research/canis/pipeline"
	"github.com/2389-research/canis/tools"
	"github.com/2389-research/canis/workdir"
)

// isolateConfig keeps the test away from any real canis.yaml or API key.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")
}

// --- dispatch tests ---

func TestRunNoArgsShowsHelp(t *testing.T) {
	if code := run(nil); code != 0 {
		t.Errorf("expected exit code 0 for no args, got %d", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Errorf("expected exit code 2 for unknown command, got %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Errorf("expected exit code 0 for version, got %d", code)
	}
}

func TestRunHelp(t *testing.T) {
	if code := run([]string{"help"}); code != 0 {
		t.Errorf("expected exit code 0 for help, got %d", code)
	}
}

// --- parseBindings tests ---

func TestParseBindings(t *testing.T) {
	bindings, err := parseBindings([]string{"data=raw_seed_data", "key=title", "whole=12"})
	if err != nil {
		t.Fatalf("parseBindings failed: %v", err)
	}
	if bindings["data"] != "raw_seed_data" || bindings["key"] != "title" || bindings["whole"] != "12" {
		t.Errorf("unexpected bindings: %v", bindings)
	}
}

func TestParseBindingsValueWithEquals(t *testing.T) {
	bindings, err := parseBindings([]string{"prompt=a=b"})
	if err != nil {
		t.Fatalf("parseBindings failed: %v", err)
	}
	if bindings["prompt"] != "a=b" {
		t.Errorf("expected value a=b, got %q", bindings["prompt"])
	}
}

func TestParseBindingsRejectsMalformed(t *testing.T) {
	if _, err := parseBindings([]string{"no-equals-here"}); err == nil {
		t.Error("expected error for binding without =")
	}
	if _, err := parseBindings([]string{"=value"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestParseBindingsRejectsDuplicates(t *testing.T) {
	if _, err := parseBindings([]string{"data=a", "data=b"}); err == nil {
		t.Error("expected error for duplicate binding")
	}
}

// --- toolKind tests ---

func TestToolKind(t *testing.T) {
	cases := []struct {
		name   string
		isChip bool
		want   tools.Kind
	}{
		{"count", false, tools.KindCode},
		{"finalize", false, tools.KindCode},
		{"derive_conversation", false, tools.KindLLM},
		{"classification", true, tools.KindChip},
	}
	for _, tc := range cases {
		got, err := toolKind(tc.name, tc.isChip)
		if err != nil {
			t.Errorf("toolKind(%q, %v) failed: %v", tc.name, tc.isChip, err)
			continue
		}
		if got != tc.want {
			t.Errorf("toolKind(%q, %v) = %s, want %s", tc.name, tc.isChip, got, tc.want)
		}
	}
}

func TestToolKindUnknown(t *testing.T) {
	if _, err := toolKind("distill", false); err == nil {
		t.Error("expected error for unknown tool")
	}
	// A code tool is not a chip.
	if _, err := toolKind("count", true); err == nil {
		t.Error("expected error for non-chip name in chip mode")
	}
}

// --- resolveDataDir tests ---

func TestResolveDataDirFlagWins(t *testing.T) {
	got, err := resolveDataDir("/tmp/flag-dir", fileConfig{DataDir: "/tmp/config-dir"})
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if got != "/tmp/flag-dir" {
		t.Errorf("expected flag override, got %q", got)
	}
}

func TestResolveDataDirConfigFile(t *testing.T) {
	got, err := resolveDataDir("", fileConfig{DataDir: "/tmp/config-dir"})
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if got != "/tmp/config-dir" {
		t.Errorf("expected config file dir, got %q", got)
	}
}

func TestResolveDataDirDefault(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_DATA_HOME", xdg)

	got, err := resolveDataDir("", fileConfig{})
	if err != nil {
		t.Fatalf("resolveDataDir failed: %v", err)
	}
	if got != filepath.Join(xdg, "canis") {
		t.Errorf("expected XDG default, got %q", got)
	}
}

// --- subcommand integration tests ---

func TestCmdCreateAndRuns(t *testing.T) {
	isolateConfig(t)
	dataDir := t.TempDir()

	if code := run([]string{"create", "-data-dir", dataDir, "my stories"}); code != 0 {
		t.Fatalf("create: expected exit code 0, got %d", code)
	}

	ws, err := workdir.New(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	names, err := ws.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 run after create, got %d", len(names))
	}

	if code := run([]string{"runs", "-data-dir", dataDir}); code != 0 {
		t.Errorf("runs: expected exit code 0, got %d", code)
	}
	if code := run([]string{"markers", "-data-dir", dataDir, names[0]}); code != 0 {
		t.Errorf("markers: expected exit code 0, got %d", code)
	}
}

func TestCmdCreateRequiresName(t *testing.T) {
	isolateConfig(t)
	if code := run([]string{"create", "-data-dir", t.TempDir()}); code != 2 {
		t.Errorf("expected exit code 2 without a name, got %d", code)
	}
}

func TestCmdSeedRequiresAPIKey(t *testing.T) {
	isolateConfig(t)
	dataDir := t.TempDir()

	code := run([]string{"seed", "-data-dir", dataDir, "some_run", "seed.json"})
	if code != 1 {
		t.Errorf("expected exit code 1 without an API key, got %d", code)
	}
}

func TestCmdMarkersMissingRun(t *testing.T) {
	isolateConfig(t)
	code := run([]string{"markers", "-data-dir", t.TempDir(), "no_such_run"})
	if code != 1 {
		t.Errorf("expected exit code 1 for missing run, got %d", code)
	}
}

func TestCmdToolUnknownTool(t *testing.T) {
	isolateConfig(t)
	code := run([]string{"tool", "-data-dir", t.TempDir(), "-run", "r", "distill"})
	if code != 1 {
		t.Errorf("expected exit code 1 for unknown tool, got %d", code)
	}
}

func TestCmdToolRequiresRun(t *testing.T) {
	isolateConfig(t)
	if code := run([]string{"tool", "count", "data=x"}); code != 2 {
		t.Errorf("expected exit code 2 without -run, got %d", code)
	}
}

func TestCmdTools(t *testing.T) {
	if code := run([]string{"tools"}); code != 0 {
		t.Errorf("expected exit code 0 for tools, got %d", code)
	}
}

// seedCompletedRun creates a run with a completed data marker so code tools
// can be applied through the CLI without any batch API involvement.
func seedCompletedRun(t *testing.T, dataDir string) string {
	t.Helper()
	ws, err := workdir.New(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	m := pipeline.NewManager(ws, nil)
	created, err := m.Create("stories")
	if err != nil {
		t.Fatal(err)
	}

	path := ws.DataFilePath(created.Name, "raw_seed_data")
	if err := ws.SaveJSON(path, map[string]any{"0": "a story", "1": "another story"}); err != nil {
		t.Fatal(err)
	}
	created.UpsertMarker(marker.Marker{
		Name: "raw_seed_data", FileName: path,
		Type: marker.T(marker.KindStr, marker.Data), State: marker.StateCompleted,
	})
	if err := m.Store.Save(created); err != nil {
		t.Fatal(err)
	}
	return created.Name
}

func TestCmdToolAppliesCodeTool(t *testing.T) {
	isolateConfig(t)
	dataDir := t.TempDir()
	runName := seedCompletedRun(t, dataDir)

	code := run([]string{"tool", "-data-dir", dataDir, "-run", runName,
		"-name", "story_count", "count", "data=raw_seed_data"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	ws, err := workdir.New(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	store := &pipeline.Store{WS: ws}
	reloaded, err := store.Load(runName)
	if err != nil {
		t.Fatal(err)
	}
	mk, err := reloaded.Marker("story_count_count")
	if err != nil {
		t.Fatalf("expected story_count_count marker: %v", err)
	}
	if mk.State != marker.StateCreated {
		t.Errorf("expected created marker state, got %s", mk.State)
	}
	if reloaded.Status != pipeline.RunCompleted {
		t.Errorf("expected completed run, got %s", reloaded.Status)
	}
}

func TestCmdToolValidationFailureExitsNonzero(t *testing.T) {
	isolateConfig(t)
	dataDir := t.TempDir()
	runName := seedCompletedRun(t, dataDir)

	// count requires a data binding; omitting it must fail.
	code := run([]string{"tool", "-data-dir", dataDir, "-run", runName, "count"})
	if code != 1 {
		t.Errorf("expected exit code 1 for missing binding, got %d", code)
	}
}
