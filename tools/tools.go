// ABOUTME: Shared types for the three tool registries: tool kinds, typed IO specs, and lookup errors.
// ABOUTME: Every tool declares the marker types it consumes and produces; the pipeline validates bindings against them.
package tools

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/2389-research/canis/marker"
)

// Kind identifies which registry a tool belongs to.
type Kind string

const (
	KindLLM  Kind = "llm"
	KindCode Kind = "code"
	KindChip Kind = "chip"
)

// Spec declares a tool's typed input and output parameters. A nil Out means
// the outputs depend on the inputs (classification chips produce one marker
// per label) and are reported by the tool at start time.
type Spec struct {
	In  map[string]marker.Type `json:"in"`
	Out map[string]marker.Type `json:"out,omitempty"`
}

// UnknownToolError reports a lookup for a tool name not present in a
// registry.
type UnknownToolError struct {
	Kind Kind
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown %s tool %q", e.Kind, e.Name)
}

// sortedIndices returns the keys of a data-cardinality map ordered
// numerically when every key parses as an integer, lexicographically
// otherwise. Batch custom_ids are decimal strings, so numeric order keeps
// entries aligned with their combinatorial index.
func sortedIndices(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	numeric := true
	for k := range data {
		keys = append(keys, k)
		if _, err := strconv.Atoi(k); err != nil {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
	} else {
		sort.Strings(keys)
	}
	return keys
}

// asDataMap asserts a resolved tool input has data cardinality.
func asDataMap(name string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input %q: expected per-entry data map, got %T", name, v)
	}
	return m, nil
}
