// ABOUTME: Chips are two-phase composite tools: start broadcasts inputs and builds one LLM batch, finish post-processes the results.
// ABOUTME: They collapse an expand-submit-segregate sequence into one logical pipeline stage.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/2389-research/canis/marker"
)

// ChipStart is the result of a chip's first phase: the batch lines to
// submit plus the output markers to forward-declare. For chips with dynamic
// outputs (classification produces one marker per label) Outputs is the
// authoritative set; for fixed chips it mirrors Spec.Out.
type ChipStart struct {
	BatchLines []json.RawMessage
	Outputs    map[string]marker.Type
}

// Chip is one registered two-phase composite tool.
type Chip struct {
	Name   string
	Spec   Spec
	Start  func(in map[string]any) (*ChipStart, error)
	Finish func(in map[string]any, batchData map[string]any) (map[string]any, error)
}

var chips = map[string]*Chip{
	"classification": {
		Name: "classification",
		Spec: Spec{
			In: map[string]marker.Type{
				"classification_description": marker.T(marker.KindStr, marker.Single),
				"classification_list":        marker.T(marker.KindList, marker.Single),
				"data":                       marker.T(marker.KindJSON, marker.Data),
			},
			// Out is nil: one {json:data} marker per label, reported by Start.
		},
		Start:  startClassification,
		Finish: finishClassification,
	},
	"dialogue_parsing": {
		Name: "dialogue_parsing",
		Spec: Spec{
			In: map[string]marker.Type{
				"data": marker.T(marker.KindJSON, marker.Data),
			},
			Out: map[string]marker.Type{
				"parsed_data": marker.T(marker.KindJSON, marker.Data),
			},
		},
		Start:  startDialogueParsing,
		Finish: finishDialogueParsing,
	},
}

// ChipNames lists the registered chips, sorted.
func ChipNames() []string {
	names := make([]string, 0, len(chips))
	for name := range chips {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupChip resolves a chip by name.
func LookupChip(name string) (*Chip, error) {
	chip, ok := chips[name]
	if !ok {
		return nil, &UnknownToolError{Kind: KindChip, Name: name}
	}
	return chip, nil
}

// startClassification broadcasts the description and label list to the
// data's cardinality, builds one clean batch, and declares one output
// marker per label.
func startClassification(in map[string]any) (*ChipStart, error) {
	data, err := asDataMap("data", in["data"])
	if err != nil {
		return nil, err
	}
	labels, ok := in["classification_list"].([]any)
	if !ok {
		return nil, fmt.Errorf("classification: classification_list must be a list, got %T", in["classification_list"])
	}

	criteria, err := codeExpand(map[string]any{
		"single":           in["classification_description"],
		"data_to_adapt_to": data,
	})
	if err != nil {
		return nil, err
	}
	labelColumns, err := codeExpand(map[string]any{
		"single":           in["classification_list"],
		"data_to_adapt_to": data,
	})
	if err != nil {
		return nil, err
	}

	clean, err := LookupLLM("clean")
	if err != nil {
		return nil, err
	}
	lines, err := clean.BuildBatch(map[string]any{
		"criteria": criteria,
		"labels":   labelColumns,
		"data":     data,
	})
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]marker.Type, len(labels))
	for _, label := range labels {
		outputs[fmt.Sprint(label)] = marker.T(marker.KindJSON, marker.Data)
	}
	return &ChipStart{BatchLines: lines, Outputs: outputs}, nil
}

// finishClassification segregates the original data by the labels the
// batch assigned, one output data map per label.
func finishClassification(in map[string]any, batchData map[string]any) (map[string]any, error) {
	segregated, err := codeSegregate(map[string]any{
		"data":           in["data"],
		"classification": batchData,
		"labels":         in["classification_list"],
	})
	if err != nil {
		return nil, err
	}
	return segregated.(map[string]any), nil
}

// startDialogueParsing builds one parse_conversation batch over the data.
func startDialogueParsing(in map[string]any) (*ChipStart, error) {
	parse, err := LookupLLM("parse_conversation")
	if err != nil {
		return nil, err
	}
	lines, err := parse.BuildBatch(map[string]any{"conversation": in["data"]})
	if err != nil {
		return nil, err
	}
	outputs := map[string]marker.Type{
		"parsed_data": marker.T(marker.KindJSON, marker.Data),
	}
	return &ChipStart{BatchLines: lines, Outputs: outputs}, nil
}

// finishDialogueParsing flattens every entry's dialogue turns and re-indexes
// them as a data map, one turn per entry.
func finishDialogueParsing(_ map[string]any, batchData map[string]any) (map[string]any, error) {
	bound, err := codeBind(map[string]any{
		"structured_content": batchData,
		"key_name":           "dialogue",
	})
	if err != nil {
		return nil, err
	}
	turns := bound.([]any)
	parsed := make(map[string]any, len(turns))
	for i, turn := range turns {
		parsed[strconv.Itoa(i)] = turn
	}
	return map[string]any{"parsed_data": parsed}, nil
}
