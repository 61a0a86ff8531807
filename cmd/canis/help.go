// ABOUTME: Help display for the canis CLI with grouped subcommands, examples, and environment status.
// ABOUTME: Provides printHelp for polished usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

const canisASCII = `
      / \__
     (    @\___
     /         O
    /   (_____/
   /_____/   U
`

// printHelp writes a formatted help message to w, including usage patterns,
// subcommands, examples, environment status, and a docs link.
func printHelp(w io.Writer, ver string) {
	fmt.Fprint(w, canisASCII)
	fmt.Fprintf(w, "canis %s — batch synthetic-dataset pipeline runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  canis create <name>                      Create a new run")
	fmt.Fprintln(w, "  canis seed <run> <seed.json>             Expand a seed template and submit the batch")
	fmt.Fprintln(w, "  canis poll <run>                         Poll the running step once (add -watch to loop)")
	fmt.Fprintln(w, "  canis tool -run <run> <tool> [k=v ...]   Apply a code or LLM tool to markers")
	fmt.Fprintln(w, "  canis chip -run <run> <chip> [k=v ...]   Start a two-phase chip")
	fmt.Fprintln(w, "  canis runs                               List all runs")
	fmt.Fprintln(w, "  canis markers <run>                      List a run's markers")
	fmt.Fprintln(w, "  canis tools                              List available tools and chips")
	fmt.Fprintln(w, "  canis serve [-port 2389]                 Start the read-only HTTP API")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Common Flags:")
	fmt.Fprintln(w, "  -data-dir <dir>       Workspace directory (default: $XDG_DATA_HOME/canis)")
	fmt.Fprintln(w, "  -base-url <url>       Custom API base URL for the batch provider")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Tool Flags:")
	fmt.Fprintln(w, "  -run <name>           Run to operate on (required)")
	fmt.Fprintln(w, "  -name <custom>        Custom step name; output markers are <custom>_<output>")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  canis create short_stories")
	fmt.Fprintln(w, "  canis seed short_stories_20260102030405 seed_files/stories.json")
	fmt.Fprintln(w, "  canis poll short_stories_20260102030405 -watch")
	fmt.Fprintln(w, "  canis tool -run short_stories_20260102030405 -name pick select data=raw_seed_data key=title")
	fmt.Fprintln(w, "  canis tool -run short_stories_20260102030405 -name publish finalize data=pick_selected")
	fmt.Fprintln(w, "  canis chip -run short_stories_20260102030405 -name triage classification \\")
	fmt.Fprintln(w, "      classification_description=genre classification_list=genres data=raw_seed_data")
	fmt.Fprintln(w, "  canis serve -port 3000")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  An API key is required for seed, poll, LLM tool, and chip steps.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Docs: https://github.com/2389-research/canis")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
