// ABOUTME: LLM tools are declarative batch-request templates embedded at compile time via go:embed.
// ABOUTME: Placeholders carry per-slot encoding metadata and are substituted into the parsed object tree, not raw JSON text.
package tools

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/2389-research/canis/marker"
)

//go:embed templates/*.json
var templateFS embed.FS

// indexSlot is replaced with the entry's combinatorial index in every
// materialized request, matching the custom_id convention of batch files.
const indexSlot = "__index__"

// SlotEncoding declares how a placeholder's bound value is spliced into the
// request tree.
type SlotEncoding string

const (
	// SlotText renders the value as plain text (composites as compact JSON).
	SlotText SlotEncoding = "text"
	// SlotValue replaces the placeholder node with the value verbatim.
	SlotValue SlotEncoding = "value"
	// SlotArray replaces the placeholder node with the value, which must be
	// a JSON array (schema enum fields).
	SlotArray SlotEncoding = "array"
)

// Slot binds one placeholder string to an input parameter and an encoding.
type Slot struct {
	Input    string       `json:"input"`
	Encoding SlotEncoding `json:"encoding"`
}

// LLMTool is one embedded request template. BuildBatch materializes one
// request per data entry.
type LLMTool struct {
	Name  string
	Spec  Spec
	Slots map[string]Slot
	Call  json.RawMessage
}

// templateFile is the on-disk shape of an embedded template.
type templateFile struct {
	Spec  Spec            `json:"spec"`
	Slots map[string]Slot `json:"slots"`
	Call  json.RawMessage `json:"call"`
}

var llmTools = loadLLMTools()

// loadLLMTools parses every embedded template. A malformed template is a
// build defect, so errors panic at init.
func loadLLMTools() map[string]*LLMTool {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		panic(fmt.Sprintf("tools: read embedded templates: %v", err))
	}

	registry := make(map[string]*LLMTool, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		raw, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("tools: read template %s: %v", entry.Name(), err))
		}
		var tf templateFile
		if err := json.Unmarshal(raw, &tf); err != nil {
			panic(fmt.Sprintf("tools: parse template %s: %v", entry.Name(), err))
		}
		if !strings.Contains(string(tf.Call), indexSlot) {
			panic(fmt.Sprintf("tools: template %s call has no %s placeholder", name, indexSlot))
		}
		for placeholder, slot := range tf.Slots {
			if _, ok := tf.Spec.In[slot.Input]; !ok {
				panic(fmt.Sprintf("tools: template %s slot %s references unknown input %q", name, placeholder, slot.Input))
			}
			switch slot.Encoding {
			case SlotText, SlotValue, SlotArray:
			default:
				panic(fmt.Sprintf("tools: template %s slot %s has unknown encoding %q", name, placeholder, slot.Encoding))
			}
		}
		registry[name] = &LLMTool{Name: name, Spec: tf.Spec, Slots: tf.Slots, Call: tf.Call}
	}
	return registry
}

// LLMToolNames lists the registered LLM tools, sorted.
func LLMToolNames() []string {
	names := make([]string, 0, len(llmTools))
	for name := range llmTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupLLM resolves an LLM tool by name.
func LookupLLM(name string) (*LLMTool, error) {
	tool, ok := llmTools[name]
	if !ok {
		return nil, &UnknownToolError{Kind: KindLLM, Name: name}
	}
	return tool, nil
}

// BuildBatch materializes one request line per data entry. Inputs with data
// cardinality must all carry the same entry indices (ragged columns are an
// error, never silently truncated); single-cardinality inputs broadcast to
// every entry.
func (t *LLMTool) BuildBatch(in map[string]any) ([]json.RawMessage, error) {
	dataIn := map[string]map[string]any{}
	singleIn := map[string]any{}
	for param, typ := range t.Spec.In {
		v, ok := in[param]
		if !ok {
			return nil, fmt.Errorf("%s: missing input %q", t.Name, param)
		}
		if typ.Card == marker.Data {
			m, err := asDataMap(param, v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t.Name, err)
			}
			dataIn[param] = m
		} else {
			singleIn[param] = v
		}
	}
	if len(dataIn) == 0 {
		return nil, fmt.Errorf("%s: at least one data-cardinality input required", t.Name)
	}

	indices, err := alignedIndices(t.Name, dataIn)
	if err != nil {
		return nil, err
	}

	lines := make([]json.RawMessage, 0, len(indices))
	for _, idx := range indices {
		bound := make(map[string]any, len(singleIn)+len(dataIn))
		for param, v := range singleIn {
			bound[param] = v
		}
		for param, column := range dataIn {
			bound[param] = column[idx]
		}
		line, err := t.materialize(idx, bound)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %s: %w", t.Name, idx, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// alignedIndices verifies every data column carries the same index set and
// returns it in order.
func alignedIndices(tool string, dataIn map[string]map[string]any) ([]string, error) {
	params := make([]string, 0, len(dataIn))
	for param := range dataIn {
		params = append(params, param)
	}
	sort.Strings(params)

	ref := params[0]
	indices := sortedIndices(dataIn[ref])
	for _, param := range params[1:] {
		column := dataIn[param]
		if len(column) != len(indices) {
			return nil, fmt.Errorf("%s: ragged data inputs: %q has %d entries, %q has %d", tool, ref, len(indices), param, len(column))
		}
		for _, idx := range indices {
			if _, ok := column[idx]; !ok {
				return nil, fmt.Errorf("%s: ragged data inputs: %q is missing entry %s present in %q", tool, param, idx, ref)
			}
		}
	}
	return indices, nil
}

// materialize deep-copies the call template and substitutes every slot for
// one entry.
func (t *LLMTool) materialize(idx string, bound map[string]any) (json.RawMessage, error) {
	var call any
	if err := json.Unmarshal(t.Call, &call); err != nil {
		return nil, fmt.Errorf("parse call template: %w", err)
	}
	substituted, err := t.substitute(call, idx, bound)
	if err != nil {
		return nil, err
	}
	return json.Marshal(substituted)
}

// substitute walks the request tree replacing placeholder strings. A string
// node that is exactly a placeholder is replaced per its slot encoding; a
// string merely containing placeholders gets textual substitution.
func (t *LLMTool) substitute(node any, idx string, bound map[string]any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for key, child := range n {
			replaced, err := t.substitute(child, idx, bound)
			if err != nil {
				return nil, err
			}
			out[key] = replaced
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			replaced, err := t.substitute(child, idx, bound)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	case string:
		return t.substituteString(n, idx, bound)
	default:
		return node, nil
	}
}

func (t *LLMTool) substituteString(s, idx string, bound map[string]any) (any, error) {
	if s == indexSlot {
		return idx, nil
	}
	if slot, ok := t.Slots[s]; ok {
		value := bound[slot.Input]
		switch slot.Encoding {
		case SlotValue:
			return value, nil
		case SlotArray:
			arr, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("slot %s: input %q must be a list, got %T", s, slot.Input, value)
			}
			return arr, nil
		default:
			return slotText(value), nil
		}
	}

	if !strings.Contains(s, "__") {
		return s, nil
	}
	s = strings.ReplaceAll(s, indexSlot, idx)
	for placeholder, slot := range t.Slots {
		if strings.Contains(s, placeholder) {
			s = strings.ReplaceAll(s, placeholder, slotText(bound[slot.Input]))
		}
	}
	return s, nil
}

// slotText renders a bound value as plain text: strings pass through,
// composites become compact JSON.
func slotText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
