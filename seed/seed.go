// ABOUTME: Seed template types, loading, and structural validation.
// ABOUTME: A seed template declares variable dimensions, constants, and a request template that expand into a batch.
package seed

import (
	"encoding/json"
	"fmt"
	"os"
)

// Sentinels the call template may contain. They are substituted during
// materialization: IndexSentinel with the entry's combinatorial index,
// PromptSentinel with the rendered prompt.
const (
	IndexSentinel  = "__index__"
	PromptSentinel = "__prompt__"
)

// Template is a declarative seed: a tree of variable choice-sets, a set of
// named constants (one of which, "prompt", is the prompt format string), and
// a request template with sentinel placeholders.
type Template struct {
	Variables map[string]any  `json:"variables"`
	Constants map[string]any  `json:"constants"`
	Call      json.RawMessage `json:"call"`
}

// ValidationError reports a structurally invalid seed template.
type ValidationError struct {
	Section string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("seed template missing %q section", e.Section)
}

// Parse decodes and validates a seed template from raw JSON.
func Parse(data []byte) (*Template, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed template: %w", err)
	}
	// Progress files wrap the template under a seed_file key.
	if inner, ok := raw["seed_file"]; ok {
		if err := json.Unmarshal(inner, &raw); err != nil {
			return nil, fmt.Errorf("parse wrapped seed template: %w", err)
		}
	}

	var t Template
	for section, dst := range map[string]any{
		"variables": &t.Variables,
		"constants": &t.Constants,
	} {
		data, ok := raw[section]
		if !ok {
			return nil, &ValidationError{Section: section}
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("parse %s section: %w", section, err)
		}
	}
	call, ok := raw["call"]
	if !ok {
		return nil, &ValidationError{Section: "call"}
	}
	t.Call = call

	if _, ok := t.Constants["prompt"]; !ok {
		return nil, &ValidationError{Section: "constants.prompt"}
	}
	return &t, nil
}

// LoadFile reads and parses a seed template from disk. Seed files are
// external inputs and may live anywhere, so no workspace path check applies.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed template: %w", err)
	}
	return Parse(data)
}
