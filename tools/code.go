// ABOUTME: Registry of synchronous in-process code tools: pure transforms over already-loaded marker data.
// ABOUTME: Each tool takes resolved inputs, returns a new in-memory structure, and the caller persists it as a marker.
package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/2389-research/canis/marker"
)

// CodeTool is one synchronous transform. Run receives inputs already
// resolved to in-memory values (data maps, lists, or scalars) and returns
// the value for the tool's single output marker.
type CodeTool struct {
	Name string
	Spec Spec
	Run  func(in map[string]any) (any, error)
}

// FinalizeToolName is special-cased by the state machine: invoking it flips
// the run status to finalized instead of completed.
const FinalizeToolName = "finalize"

var codeTools = map[string]*CodeTool{
	"merge": {
		Name: "merge",
		Spec: Spec{
			In: map[string]marker.Type{
				"first":  marker.T(marker.KindJSON, marker.Data),
				"second": marker.T(marker.KindJSON, marker.Data),
			},
			Out: map[string]marker.Type{"merged": marker.T(marker.KindJSON, marker.Data)},
		},
		Run: codeMerge,
	},
	"bind": {
		Name: "bind",
		Spec: Spec{
			In: map[string]marker.Type{
				"structured_content": marker.T(marker.KindJSON, marker.Data),
				"key_name":           marker.T(marker.KindStr, marker.Single),
			},
			Out: map[string]marker.Type{"bound": marker.T(marker.KindList, marker.Single)},
		},
		Run: codeBind,
	},
	FinalizeToolName: {
		Name: FinalizeToolName,
		Spec: Spec{
			In:  map[string]marker.Type{"data": marker.T(marker.KindJSON, marker.Data)},
			Out: map[string]marker.Type{"dataset": marker.DatasetType},
		},
		Run: codeFinalize,
	},
	"segregate": {
		Name: "segregate",
		Spec: Spec{
			In: map[string]marker.Type{
				"data":           marker.T(marker.KindJSON, marker.Data),
				"classification": marker.T(marker.KindJSON, marker.Data),
				"labels":         marker.T(marker.KindList, marker.Single),
			},
			Out: map[string]marker.Type{"segregated": marker.T(marker.KindJSON, marker.Single)},
		},
		Run: codeSegregate,
	},
	"select": {
		Name: "select",
		Spec: Spec{
			In: map[string]marker.Type{
				"data": marker.T(marker.KindJSON, marker.Data),
				"key":  marker.T(marker.KindStr, marker.Single),
			},
			Out: map[string]marker.Type{"selected": marker.T(marker.KindJSON, marker.Data)},
		},
		Run: codeSelect,
	},
	"count": {
		Name: "count",
		Spec: Spec{
			In:  map[string]marker.Type{"data": marker.T(marker.KindJSON, marker.Data)},
			Out: map[string]marker.Type{"count": marker.T(marker.KindInt, marker.Single)},
		},
		Run: codeCount,
	},
	"percentage": {
		Name: "percentage",
		Spec: Spec{
			In: map[string]marker.Type{
				"part":  marker.T(marker.KindInt, marker.Single),
				"whole": marker.T(marker.KindInt, marker.Single),
			},
			Out: map[string]marker.Type{"percentage": marker.T(marker.KindInt, marker.Single)},
		},
		Run: codePercentage,
	},
	"expand": {
		Name: "expand",
		Spec: Spec{
			In: map[string]marker.Type{
				"single":           marker.T(marker.KindJSON, marker.Single),
				"data_to_adapt_to": marker.T(marker.KindJSON, marker.Data),
			},
			Out: map[string]marker.Type{"expanded": marker.T(marker.KindJSON, marker.Data)},
		},
		Run: codeExpand,
	},
}

// CodeToolNames lists the registered code tools, sorted.
func CodeToolNames() []string {
	names := make([]string, 0, len(codeTools))
	for name := range codeTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupCode resolves a code tool by name.
func LookupCode(name string) (*CodeTool, error) {
	tool, ok := codeTools[name]
	if !ok {
		return nil, &UnknownToolError{Kind: KindCode, Name: name}
	}
	return tool, nil
}

// codeMerge pairs the entries of two data maps index by index: each output
// entry is a list with first's value prepended to second's. A one-entry map
// broadcasts against the other; any other length mismatch is an error.
func codeMerge(in map[string]any) (any, error) {
	first, err := asDataMap("first", in["first"])
	if err != nil {
		return nil, err
	}
	second, err := asDataMap("second", in["second"])
	if err != nil {
		return nil, err
	}

	firstOf := indexLookup(first)
	secondOf := indexLookup(second)
	keys := sortedIndices(second)
	if len(second) == 1 && len(first) > 1 {
		keys = sortedIndices(first)
	}
	if len(first) != len(second) && len(first) != 1 && len(second) != 1 {
		return nil, fmt.Errorf("merge: entry counts differ (%d vs %d) and neither is a single item", len(first), len(second))
	}

	out := make(map[string]any, len(keys))
	for _, idx := range keys {
		a := firstOf(idx)
		b := secondOf(idx)
		if list, ok := b.([]any); ok {
			out[idx] = append([]any{a}, list...)
		} else {
			out[idx] = []any{a, b}
		}
	}
	return out, nil
}

// indexLookup returns an accessor that broadcasts a one-entry map to any
// index.
func indexLookup(data map[string]any) func(string) any {
	if len(data) == 1 {
		var sole any
		for _, v := range data {
			sole = v
		}
		return func(string) any { return sole }
	}
	return func(idx string) any { return data[idx] }
}

// codeBind flattens one named array field out of every entry's structured
// content into a single list, in index order. String entries are parsed as
// JSON first.
func codeBind(in map[string]any) (any, error) {
	content, err := asDataMap("structured_content", in["structured_content"])
	if err != nil {
		return nil, err
	}
	keyName, ok := in["key_name"].(string)
	if !ok {
		return nil, fmt.Errorf("bind: key_name must be a string, got %T", in["key_name"])
	}

	var bound []any
	for _, idx := range sortedIndices(content) {
		obj, err := asObject(content[idx])
		if err != nil {
			return nil, fmt.Errorf("bind: entry %s: %w", idx, err)
		}
		field, ok := obj[keyName]
		if !ok {
			return nil, fmt.Errorf("bind: entry %s has no %q field", idx, keyName)
		}
		list, ok := field.([]any)
		if !ok {
			return nil, fmt.Errorf("bind: entry %s: field %q is not a list", idx, keyName)
		}
		bound = append(bound, list...)
	}
	return bound, nil
}

// asObject coerces an entry into a JSON object, parsing it when it arrived
// as a serialized string.
func asObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return nil, fmt.Errorf("not a JSON object: %w", err)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("not a JSON object: %T", v)
	}
}

// DatasetRecord is one row of a finalized dataset.
type DatasetRecord struct {
	ID      int `json:"id"`
	Content any `json:"content"`
}

// codeFinalize converts accumulated records into the output dataset rows.
// Accepts either a list or a data map (taken in index order).
func codeFinalize(in map[string]any) (any, error) {
	var items []any
	switch data := in["data"].(type) {
	case []any:
		items = data
	case map[string]any:
		for _, idx := range sortedIndices(data) {
			items = append(items, data[idx])
		}
	default:
		return nil, fmt.Errorf("finalize: data must be a list or data map, got %T", in["data"])
	}

	records := make([]DatasetRecord, 0, len(items))
	for i, item := range items {
		records = append(records, DatasetRecord{ID: i, Content: item})
	}
	return records, nil
}

// codeSegregate splits data entries into per-label maps according to a
// parallel classification map. Entries classified outside the label list are
// dropped.
func codeSegregate(in map[string]any) (any, error) {
	data, err := asDataMap("data", in["data"])
	if err != nil {
		return nil, err
	}
	classification, err := asDataMap("classification", in["classification"])
	if err != nil {
		return nil, err
	}
	rawLabels, ok := in["labels"].([]any)
	if !ok {
		return nil, fmt.Errorf("segregate: labels must be a list, got %T", in["labels"])
	}

	out := map[string]any{}
	known := map[string]bool{}
	for _, l := range rawLabels {
		label := fmt.Sprint(l)
		known[label] = true
		out[label] = map[string]any{}
	}

	for _, idx := range sortedIndices(data) {
		label := classificationLabel(classification[idx])
		if !known[label] {
			continue
		}
		out[label].(map[string]any)[idx] = data[idx]
	}
	return out, nil
}

// classificationLabel extracts a label string from one classification
// entry, which may be a bare string or an object with a label field.
func classificationLabel(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"label", "classification", "class"} {
			if s, ok := t[key].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprint(v)
}

// codeSelect projects one field out of every entry's object. Entries
// missing the field are skipped, consistent with the partial-progress
// policy for corrupted batches.
func codeSelect(in map[string]any) (any, error) {
	data, err := asDataMap("data", in["data"])
	if err != nil {
		return nil, err
	}
	key, ok := in["key"].(string)
	if !ok {
		return nil, fmt.Errorf("select: key must be a string, got %T", in["key"])
	}

	out := map[string]any{}
	for idx, v := range data {
		obj, err := asObject(v)
		if err != nil {
			continue
		}
		if field, ok := obj[key]; ok {
			out[idx] = field
		}
	}
	return out, nil
}

// codeCount returns the number of entries in a data map.
func codeCount(in map[string]any) (any, error) {
	data, err := asDataMap("data", in["data"])
	if err != nil {
		return nil, err
	}
	return len(data), nil
}

// codePercentage computes part/whole as a rounded integer percentage.
// Inputs may be numbers or data maps (counted by entries).
func codePercentage(in map[string]any) (any, error) {
	part, err := asCount("part", in["part"])
	if err != nil {
		return nil, err
	}
	whole, err := asCount("whole", in["whole"])
	if err != nil {
		return nil, err
	}
	if whole == 0 {
		return nil, fmt.Errorf("percentage: whole must not be zero")
	}
	return int(math.Round(float64(part) / float64(whole) * 100)), nil
}

// asCount coerces a numeric input or counts a data map's entries.
func asCount(name string, v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case map[string]any:
		return len(t), nil
	default:
		return 0, fmt.Errorf("%s: expected number or data map, got %T", name, v)
	}
}

// codeExpand broadcasts a single value to the cardinality of another data
// map, producing one copy per entry index.
func codeExpand(in map[string]any) (any, error) {
	target, err := asDataMap("data_to_adapt_to", in["data_to_adapt_to"])
	if err != nil {
		return nil, err
	}
	single := in["single"]

	out := make(map[string]any, len(target))
	for idx := range target {
		out[idx] = single
	}
	return out, nil
}
