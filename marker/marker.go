// ABOUTME: Markers are named, typed handles to data artifacts within a run.
// ABOUTME: A marker type pairs a scalar kind with a cardinality and serializes as {"kind": "cardinality"} JSON.
package marker

import (
	"encoding/json"
	"fmt"
)

// Kind is the scalar kind dimension of a marker type.
type Kind string

const (
	KindStr  Kind = "str"
	KindJSON Kind = "json"
	KindList Kind = "list"
	KindInt  Kind = "int"
)

// Cardinality distinguishes one shared value (single) from one value per
// combinatorial entry (data, a dict keyed by entry index).
type Cardinality string

const (
	Single Cardinality = "single"
	Data   Cardinality = "data"
)

// Type is the two-dimensional marker type, or the huggingface_dataset
// sentinel for finalized datasets. The zero value is invalid.
type Type struct {
	Kind    Kind
	Card    Cardinality
	Dataset bool // the huggingface_dataset sentinel; Kind/Card are empty
}

// DatasetType is the sentinel type of a finalized dataset marker.
var DatasetType = Type{Dataset: true}

// T is shorthand for constructing a marker type.
func T(kind Kind, card Cardinality) Type {
	return Type{Kind: kind, Card: card}
}

func (t Type) String() string {
	if t.Dataset {
		return "huggingface_dataset"
	}
	return fmt.Sprintf("{%s:%s}", t.Kind, t.Card)
}

// Compatible reports whether a marker of type t satisfies a tool parameter
// declared as want. A json-kind parameter is the generic case: it accepts
// any scalar kind of the same cardinality.
func (t Type) Compatible(want Type) bool {
	if t.Dataset || want.Dataset {
		return t == want
	}
	if want.Kind == KindJSON {
		return t.Card == want.Card
	}
	return t == want
}

// MarshalJSON emits either the sentinel string or the {"kind":"cardinality"}
// object shape the state-file contract uses.
func (t Type) MarshalJSON() ([]byte, error) {
	if t.Dataset {
		return json.Marshal("huggingface_dataset")
	}
	return json.Marshal(map[Kind]Cardinality{t.Kind: t.Card})
}

// UnmarshalJSON accepts both the sentinel string and the object shape.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "huggingface_dataset" {
			return fmt.Errorf("unknown marker type string %q", s)
		}
		*t = DatasetType
		return nil
	}

	var m map[Kind]Cardinality
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse marker type: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("marker type must have exactly one kind, got %d", len(m))
	}
	for kind, card := range m {
		switch kind {
		case KindStr, KindJSON, KindList, KindInt:
		default:
			return fmt.Errorf("unknown marker kind %q", kind)
		}
		switch card {
		case Single, Data:
		default:
			return fmt.Errorf("unknown marker cardinality %q", card)
		}
		*t = Type{Kind: kind, Card: card}
	}
	return nil
}

// State tracks a marker's lifecycle. Uploaded markers are forward
// declarations for batch output whose backing file does not exist yet;
// single-data markers hold their literal value in FileName.
type State string

const (
	StateCreated    State = "created"
	StateUploaded   State = "uploaded"
	StateSingleData State = "single_data"
	StateCompleted  State = "completed"
)

// Marker is one named, typed handle within a run. FileName is the backing
// file path, or the literal value itself for single-data markers.
type Marker struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	Type     Type   `json:"type"`
	State    State  `json:"state"`
}
