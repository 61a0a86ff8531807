// ABOUTME: Expands a seed template's variable tree into the Cartesian product of concrete batch requests.
// ABOUTME: Normalizes nested dicts into key/value dimensions, enforces path consistency, and materializes call objects.
package seed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// constantDepth is how many substitution passes resolve constants that
// reference other constants.
const constantDepth = 3

// dimUpdate is one choice within a dimension. Plain updates merge their
// values directly into the entry. Path-tagged updates (value dimensions of a
// nested variable) additionally carry the key path their leaf came from and
// are only merged when that path matches the keys chosen elsewhere in the
// same combination.
type dimUpdate struct {
	values  map[string]any
	pathVar string   // variable name for path-tagged updates, "" otherwise
	path    []string // full key path of the leaf
}

// dimension is one axis of the Cartesian product.
type dimension []dimUpdate

// leaf is one terminal value of a nested variable tree together with the
// dict keys leading to it.
type leaf struct {
	path  []string
	value any
}

// Expansion holds everything produced by expanding a seed template.
type Expansion struct {
	Entries  []map[string]any // per-entry resolved dicts (dimensions + constants)
	Prompts  []string         // rendered prompt per entry
	Requests []map[string]any // concrete request object per entry
}

// Expand generates the full combinatorial batch for the template. Entries
// whose nested-value path is inconsistent with the keys chosen in the same
// combination are dropped: no entry may pair a leaf from one branch with a
// key naming another.
func (t *Template) Expand() (*Expansion, error) {
	dims := t.dimensions()

	entries := generateEntries(dims)

	x := &Expansion{}
	for i, entry := range entries {
		resolved := t.resolveConstants(entry)

		prompt := formatMap(asString(resolved["prompt"]), resolved, true)

		req, err := t.materializeCall(len(x.Entries), prompt)
		if err != nil {
			return nil, fmt.Errorf("materialize call for entry %d: %w", i, err)
		}

		x.Entries = append(x.Entries, resolved)
		x.Prompts = append(x.Prompts, prompt)
		x.Requests = append(x.Requests, req)
	}
	return x, nil
}

// MarshalBatchLines serializes the requests as newline-delimited JSON lines.
func (x *Expansion) MarshalBatchLines() ([][]byte, error) {
	lines := make([][]byte, 0, len(x.Requests))
	for i, req := range x.Requests {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request %d: %w", i, err)
		}
		lines = append(lines, data)
	}
	return lines, nil
}

// dimensions normalizes every variable into one or more product axes.
// Variables are processed in name order so expansion output is deterministic.
func (t *Template) dimensions() []dimension {
	names := make([]string, 0, len(t.Variables))
	for name := range t.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	var dims []dimension
	for _, name := range names {
		switch v := t.Variables[name].(type) {
		case []any:
			// A flat list is one dimension of choices.
			var dim dimension
			for _, choice := range v {
				dim = append(dim, dimUpdate{values: map[string]any{name: choice}})
			}
			dims = append(dims, dim)
		case map[string]any:
			dims = append(dims, nestedDimensions(name, v)...)
		default:
			// A scalar is a one-entry dimension.
			dims = append(dims, dimension{{values: map[string]any{name: v}}})
		}
	}
	return dims
}

// nestedDimensions turns a nested dict variable into key dimensions (one per
// depth level) plus a single path-tagged value dimension.
func nestedDimensions(name string, tree map[string]any) []dimension {
	leaves := collectLeaves(nil, tree)

	maxDepth := 0
	for _, lf := range leaves {
		if len(lf.path) > maxDepth {
			maxDepth = len(lf.path)
		}
	}

	var dims []dimension
	for depth := 0; depth < maxDepth; depth++ {
		var keys []string
		seen := map[string]bool{}
		shallow := false
		for _, lf := range leaves {
			if depth < len(lf.path) {
				if !seen[lf.path[depth]] {
					seen[lf.path[depth]] = true
					keys = append(keys, lf.path[depth])
				}
			} else {
				shallow = true
			}
		}
		// Branches that terminate above this depth contribute an empty key so
		// their leaves still pair with exactly one choice at this level.
		if shallow {
			keys = append(keys, "")
		}

		dimName := keyDimName(name, depth)
		var dim dimension
		for _, k := range keys {
			dim = append(dim, dimUpdate{values: map[string]any{dimName: k}})
		}
		dims = append(dims, dim)
	}

	var valueDim dimension
	for _, lf := range leaves {
		valueDim = append(valueDim, dimUpdate{
			values:  map[string]any{name + "_value": lf.value},
			pathVar: name,
			path:    lf.path,
		})
	}
	dims = append(dims, valueDim)
	return dims
}

// keyDimName names the synthesized key dimension for a depth level:
// {var}_key, {var}_key_1, {var}_key_2, ...
func keyDimName(varName string, depth int) string {
	if depth == 0 {
		return varName + "_key"
	}
	return fmt.Sprintf("%s_key_%d", varName, depth)
}

// collectLeaves walks a variable tree depth-first, in key order, returning
// every (path, leaf value) pair. List elements each become their own leaf.
func collectLeaves(path []string, node any) []leaf {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var leaves []leaf
		for _, k := range keys {
			sub := append(append([]string{}, path...), k)
			leaves = append(leaves, collectLeaves(sub, v[k])...)
		}
		return leaves
	case []any:
		var leaves []leaf
		for _, elem := range v {
			leaves = append(leaves, leaf{path: path, value: elem})
		}
		return leaves
	default:
		return []leaf{{path: path, value: v}}
	}
}

// generateEntries takes the Cartesian product across all dimensions and
// merges each combination into one entry, dropping combinations whose
// path-tagged values disagree with the chosen keys.
func generateEntries(dims []dimension) []map[string]any {
	for _, dim := range dims {
		if len(dim) == 0 {
			return nil
		}
	}

	var entries []map[string]any
	indices := make([]int, len(dims))
	for {
		entry := map[string]any{}
		var tagged []dimUpdate

		for d, dim := range dims {
			upd := dim[indices[d]]
			if upd.pathVar != "" {
				tagged = append(tagged, upd)
				continue
			}
			for k, v := range upd.values {
				entry[k] = v
			}
		}

		consistent := true
		for _, upd := range tagged {
			if !pathConsistent(entry, upd) {
				consistent = false
				break
			}
			for k, v := range upd.values {
				entry[k] = v
			}
		}
		if consistent {
			entries = append(entries, entry)
		}

		// Advance the odometer.
		d := len(dims) - 1
		for ; d >= 0; d-- {
			indices[d]++
			if indices[d] < len(dims[d]) {
				break
			}
			indices[d] = 0
		}
		if d < 0 {
			break
		}
	}
	return entries
}

// pathConsistent reports whether the keys already chosen in the entry match
// the leaf's recorded path at every depth level. Levels below the leaf's
// depth must hold the empty key.
func pathConsistent(entry map[string]any, upd dimUpdate) bool {
	for depth := 0; ; depth++ {
		chosen, ok := entry[keyDimName(upd.pathVar, depth)]
		if !ok {
			return depth >= len(upd.path)
		}
		want := ""
		if depth < len(upd.path) {
			want = upd.path[depth]
		}
		if chosen != want {
			return false
		}
	}
}

// resolveConstants merges the template constants with an entry and performs
// up to constantDepth substitution passes so constants may reference other
// constants. Unresolved placeholders are left intact for the final prompt
// render to report.
func (t *Template) resolveConstants(entry map[string]any) map[string]any {
	resolved := make(map[string]any, len(t.Constants)+len(entry))
	for k, v := range t.Constants {
		resolved[k] = v
	}
	for k, v := range entry {
		resolved[k] = v
	}

	for pass := 0; pass < constantDepth; pass++ {
		changed := false
		for k, v := range resolved {
			s, ok := v.(string)
			if !ok || k == "prompt" || !strings.Contains(s, "{") {
				continue
			}
			sub := formatMap(s, resolved, false)
			if sub != s {
				resolved[k] = sub
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return resolved
}

// materializeCall substitutes the index and prompt sentinels into the raw
// call template and decodes the result into a concrete request object.
func (t *Template) materializeCall(index int, prompt string) (map[string]any, error) {
	raw := string(t.Call)
	raw = strings.ReplaceAll(raw, IndexSentinel, strconv.Itoa(index))
	raw = strings.ReplaceAll(raw, PromptSentinel, jsonEscape(prompt))

	var req map[string]any
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("call template is not valid JSON after substitution: %w", err)
	}
	if _, ok := req["custom_id"]; !ok {
		req["custom_id"] = strconv.Itoa(index)
	}
	return req, nil
}

// jsonEscape encodes s as a JSON string and strips the surrounding quotes,
// making it safe to splice into a serialized JSON string field.
func jsonEscape(s string) string {
	data, _ := json.Marshal(s)
	return string(data[1 : len(data)-1])
}
