// ABOUTME: CLI entrypoint for the canis synthetic-dataset pipeline runner.
// ABOUTME: Subcommands create runs, submit seed batches, poll steps, apply tools and chips, and serve the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/2389-research/canis/batch"
	"github.com/2389-research/canis/pipeline"
	"github.com/2389-research/canis/tools"
	"github.com/2389-research/canis/workdir"
)

var version = "dev"

func main() {
	loadEnvFiles()
	os.Exit(run(os.Args[1:]))
}

// run dispatches to a subcommand and returns an exit code:
// 0 for success, 1 for failure, 2 for usage errors.
func run(args []string) int {
	if len(args) == 0 {
		printHelp(os.Stderr, version)
		return 0
	}

	switch args[0] {
	case "help", "-help", "--help", "-h":
		printHelp(os.Stdout, version)
		return 0
	case "version", "-version", "--version":
		fmt.Printf("canis %s\n", version)
		return 0
	case "create":
		return cmdCreate(args[1:])
	case "seed":
		return cmdSeed(args[1:])
	case "poll":
		return cmdPoll(args[1:])
	case "tool":
		return cmdApply(args[1:], false)
	case "chip":
		return cmdApply(args[1:], true)
	case "runs":
		return cmdRuns(args[1:])
	case "markers":
		return cmdMarkers(args[1:])
	case "tools":
		return cmdTools(args[1:])
	case "serve":
		return cmdServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", args[0])
		printHelp(os.Stderr, version)
		return 2
	}
}

// commonFlags are shared by every subcommand that touches the workspace.
type commonFlags struct {
	dataDir string
	baseURL string
}

func addCommonFlags(fs *flag.FlagSet, c *commonFlags) {
	fs.StringVar(&c.dataDir, "data-dir", "", "Workspace directory (default: $XDG_DATA_HOME/canis)")
	fs.StringVar(&c.baseURL, "base-url", "", "Custom API base URL for the batch provider")
}

// newFlagSet builds a ContinueOnError flag set whose usage output goes to stderr.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("canis "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// resolveDataDir picks the workspace directory: flag, then config file, then
// the XDG-based default.
func resolveDataDir(override string, fileCfg fileConfig) (string, error) {
	if override != "" {
		return override, nil
	}
	if fileCfg.DataDir != "" {
		return fileCfg.DataDir, nil
	}
	return defaultDataDir()
}

// buildManager wires the workspace, batch client, and run index into a
// pipeline manager. An unavailable index degrades to direct state-file reads
// with a warning; it never fails the command.
func buildManager(c commonFlags) (*pipeline.Manager, fileConfig, error) {
	fileCfg, err := loadFileConfig()
	if err != nil {
		return nil, fileCfg, err
	}

	dataDir, err := resolveDataDir(c.dataDir, fileCfg)
	if err != nil {
		return nil, fileCfg, err
	}
	ws, err := workdir.New(dataDir)
	if err != nil {
		return nil, fileCfg, err
	}

	baseURL := c.baseURL
	if baseURL == "" {
		baseURL = fileCfg.BaseURL
	}

	m := pipeline.NewManager(ws, batch.NewOpenAIClient(apiKey(fileCfg), baseURL))
	idx, err := pipeline.OpenRunIndex(filepath.Join(ws.BaseDir, "index.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: run index unavailable: %v\n", err)
	} else {
		m.Index = idx
	}
	return m, fileCfg, nil
}

// closeManager releases the run index, if one was opened.
func closeManager(m *pipeline.Manager) {
	if m.Index != nil {
		m.Index.Close()
	}
}

// requireAPIKey checks that the configured API key variable is set before a
// command that submits or polls batch jobs.
func requireAPIKey(fileCfg fileConfig) bool {
	if apiKey(fileCfg) != "" {
		return true
	}
	env := fileCfg.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	fmt.Fprintf(os.Stderr, "error: no API key found\nSet %s in the environment or a .env file\n", env)
	return false
}

// cmdCreate allocates a new run.
func cmdCreate(args []string) int {
	var c commonFlags
	fs := newFlagSet("create")
	addCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: canis create [flags] <name>")
		return 2
	}

	m, _, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)

	run, err := m.Create(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("created run %s (id %s)\n", run.Name, run.ID)
	return 0
}

// cmdSeed expands a seed template and submits it as the run's first batch step.
func cmdSeed(args []string) int {
	var c commonFlags
	fs := newFlagSet("seed")
	addCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: canis seed [flags] <run> <seed-file>")
		return 2
	}
	runName, seedArg := fs.Arg(0), fs.Arg(1)

	m, fileCfg, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)
	if !requireAPIKey(fileCfg) {
		return 1
	}

	seedPath := seedArg
	if _, err := os.Stat(seedPath); err != nil {
		if resolved := m.Store.WS.ResolvePath(seedArg); resolved != "" {
			seedPath = resolved
		}
	}

	run, err := m.StartSeedStep(context.Background(), runName, seedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	step := run.LastStep()
	fmt.Printf("submitted seed batch %s for run %s\n", step.Batch.UploadID, run.Name)
	fmt.Printf("run status: %s — poll with: canis poll %s\n", run.Status, run.Name)
	return 0
}

// cmdPoll drives one CompleteRunningStep round trip, or loops with -watch
// until the step settles.
func cmdPoll(args []string) int {
	var c commonFlags
	var watch bool
	var interval time.Duration
	fs := newFlagSet("poll")
	addCommonFlags(fs, &c)
	fs.BoolVar(&watch, "watch", false, "Keep polling until the step completes or fails")
	fs.DurationVar(&interval, "interval", 30*time.Second, "Polling interval with -watch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: canis poll [flags] <run>")
		return 2
	}
	runName := fs.Arg(0)

	m, fileCfg, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)
	if !requireAPIKey(fileCfg) {
		return 1
	}

	// Set up context with signal handling so -watch can be interrupted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	for {
		result, err := m.CompleteRunningStep(ctx, runName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		printPollResult(result)

		if result.StepStatus == pipeline.StepCompleted {
			return 0
		}
		if result.StepStatus == pipeline.StepFailed {
			return 1
		}
		if !watch {
			return 0
		}

		select {
		case <-ctx.Done():
			return 1
		case <-time.After(interval):
		}
	}
}

// printPollResult writes one poll round trip to stdout.
func printPollResult(result *pipeline.PollResult) {
	fmt.Printf("batch %s (%d/%d requests done, %d failed) — run %s, step %s\n",
		result.BatchStatus, result.Counts.Completed, result.Counts.Total, result.Counts.Failed,
		result.RunStatus, result.StepStatus)
	if result.ParseStatus != "" {
		fmt.Printf("parse: %s\n", result.ParseStatus)
	}
	for _, diag := range result.Diagnostics {
		fmt.Fprintf(os.Stderr, "warning: %s\n", diag)
	}
}

// cmdApply runs a tool or chip step. The positional arguments are the tool
// name followed by key=value marker bindings.
func cmdApply(args []string, isChip bool) int {
	var c commonFlags
	var runName, customName string
	word := "tool"
	if isChip {
		word = "chip"
	}
	fs := newFlagSet(word)
	addCommonFlags(fs, &c)
	fs.StringVar(&runName, "run", "", "Run to operate on (required)")
	fs.StringVar(&customName, "name", "", "Custom step name (default: the tool name)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if runName == "" || fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: canis %s [flags] -run <run> <%s> [key=value ...]\n", word, word)
		return 2
	}
	toolName := fs.Arg(0)
	if customName == "" {
		customName = toolName
	}

	bindings, err := parseBindings(fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	kind, err := toolKind(toolName, isChip)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	m, fileCfg, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)
	if kind != tools.KindCode && !requireAPIKey(fileCfg) {
		return 1
	}

	run, err := m.UseTool(context.Background(), runName, customName, toolName, kind, bindings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	step := run.LastStep()
	fmt.Printf("applied %s %s as step %s — run status: %s\n", kind, toolName, step.Name, run.Status)
	for _, name := range sortedOutputNames(step) {
		mk, err := run.Marker(name)
		if err != nil {
			continue
		}
		fmt.Printf("  marker %s %s (%s)\n", mk.Name, mk.Type, mk.State)
	}
	if run.Status == pipeline.RunRunning || run.Status == pipeline.RunRunningChip {
		fmt.Printf("poll with: canis poll %s\n", run.Name)
	}
	return 0
}

// toolKind resolves a tool name against the registries and reports which
// kind of step it starts.
func toolKind(name string, isChip bool) (tools.Kind, error) {
	if isChip {
		if _, err := tools.LookupChip(name); err != nil {
			return "", err
		}
		return tools.KindChip, nil
	}
	if _, err := tools.LookupCode(name); err == nil {
		return tools.KindCode, nil
	}
	if _, err := tools.LookupLLM(name); err == nil {
		return tools.KindLLM, nil
	}
	return "", fmt.Errorf("unknown tool %q (see: canis tools)", name)
}

// parseBindings turns key=value arguments into a bindings map. Values may be
// marker names or literals; the pipeline decides which.
func parseBindings(args []string) (map[string]string, error) {
	bindings := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("binding %q is not key=value", arg)
		}
		if _, dup := bindings[key]; dup {
			return nil, fmt.Errorf("binding %q given twice", key)
		}
		bindings[key] = value
	}
	return bindings, nil
}

// sortedOutputNames lists a step's output marker names in stable order.
func sortedOutputNames(step *pipeline.Step) []string {
	names := make([]string, 0, len(step.Data.Out))
	for name := range step.Data.Out {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cmdRuns lists every run in the workspace, rebuilding the index first so the
// listing reflects the state files even after out-of-band edits.
func cmdRuns(args []string) int {
	var c commonFlags
	fs := newFlagSet("runs")
	addCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	m, _, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)

	var rows []pipeline.RunRow
	if m.Index != nil {
		if err := m.Index.Rebuild(m.Store); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		rows, err = m.Index.List()
	} else {
		var runs []*pipeline.Run
		runs, err = m.Store.List()
		for _, run := range runs {
			rows = append(rows, pipeline.RunRow{
				Name: run.Name, ID: run.ID, Status: string(run.Status),
				Steps: len(run.StateSteps), Markers: len(run.Nodes),
			})
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if len(rows) == 0 {
		fmt.Println("no runs")
		return 0
	}
	fmt.Printf("%-42s %-13s %5s %7s  %s\n", "NAME", "STATUS", "STEPS", "MARKERS", "UPDATED")
	for _, row := range rows {
		fmt.Printf("%-42s %-13s %5d %7d  %s\n", row.Name, row.Status, row.Steps, row.Markers, row.UpdatedAt)
	}
	return 0
}

// cmdMarkers lists a run's markers with their types and states.
func cmdMarkers(args []string) int {
	var c commonFlags
	fs := newFlagSet("markers")
	addCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: canis markers [flags] <run>")
		return 2
	}

	m, _, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)

	run, err := m.Store.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("run %s — status %s, %d steps\n", run.Name, run.Status, len(run.StateSteps))
	if len(run.Nodes) == 0 {
		fmt.Println("no markers")
		return 0
	}
	fmt.Printf("%-30s %-22s %-12s %s\n", "NAME", "TYPE", "STATE", "FILE")
	for _, mk := range run.Nodes {
		fmt.Printf("%-30s %-22s %-12s %s\n", mk.Name, mk.Type, mk.State, mk.FileName)
	}
	return 0
}

// cmdTools prints the tool, chip, and seed-template catalogs.
func cmdTools(args []string) int {
	var c commonFlags
	fs := newFlagSet("tools")
	addCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fmt.Println("Code tools:")
	for _, name := range tools.CodeToolNames() {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("LLM tools:")
	for _, name := range tools.LLMToolNames() {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("Chips:")
	for _, name := range tools.ChipNames() {
		fmt.Printf("  %s\n", name)
	}
	return 0
}

// cmdServe starts the read-only HTTP API over the workspace.
func cmdServe(args []string) int {
	var c commonFlags
	var port int
	fs := newFlagSet("serve")
	addCommonFlags(fs, &c)
	fs.IntVar(&port, "port", 2389, "Server port")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	m, fileCfg, err := buildManager(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeManager(m)

	if apiKey(fileCfg) == "" {
		fmt.Fprintln(os.Stderr, "warning: no API key found — the poll endpoint will fail against the batch API")
	}
	if m.Index != nil {
		if err := m.Index.Rebuild(m.Store); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not rebuild run index: %v\n", err)
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// Set up context with signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: pipeline.NewServer(m),
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}
