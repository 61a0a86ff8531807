// ABOUTME: Tests for marker type JSON round-tripping and compatibility checks.
// ABOUTME: Covers the object shape, the huggingface_dataset sentinel, and rejection of malformed types.
package marker

import (
	"encoding/json"
	"testing"
)

func TestTypeJSONRoundTrip(t *testing.T) {
	cases := []struct {
		typ  Type
		json string
	}{
		{T(KindStr, Data), `{"str":"data"}`},
		{T(KindJSON, Data), `{"json":"data"}`},
		{T(KindList, Single), `{"list":"single"}`},
		{T(KindInt, Single), `{"int":"single"}`},
		{DatasetType, `"huggingface_dataset"`},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.typ)
		if err != nil {
			t.Fatalf("marshal %v: %v", tc.typ, err)
		}
		if string(data) != tc.json {
			t.Errorf("marshal %v: got %s, want %s", tc.typ, data, tc.json)
		}
		var back Type
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != tc.typ {
			t.Errorf("round trip %v: got %v", tc.typ, back)
		}
	}
}

func TestTypeUnmarshalRejectsMalformed(t *testing.T) {
	for _, doc := range []string{
		`"mystery_sentinel"`,
		`{"str":"data","json":"data"}`,
		`{"bool":"data"}`,
		`{"str":"plural"}`,
		`42`,
	} {
		var typ Type
		if err := json.Unmarshal([]byte(doc), &typ); err == nil {
			t.Errorf("expected error for %s", doc)
		}
	}
}

func TestCompatible(t *testing.T) {
	if !T(KindJSON, Data).Compatible(T(KindJSON, Data)) {
		t.Error("identical types should be compatible")
	}
	if T(KindJSON, Data).Compatible(T(KindJSON, Single)) {
		t.Error("cardinality mismatch should be incompatible")
	}
	if !T(KindStr, Data).Compatible(T(KindJSON, Data)) {
		t.Error("json inputs should accept any kind of the same cardinality")
	}
	if T(KindStr, Data).Compatible(T(KindStr, Single)) {
		t.Error("cardinality mismatch should be incompatible for json inputs too")
	}
	if T(KindStr, Data).Compatible(T(KindList, Data)) {
		t.Error("non-json kind mismatch should be incompatible")
	}
	if DatasetType.Compatible(T(KindJSON, Data)) {
		t.Error("dataset sentinel should not match ordinary types")
	}
}

func TestMarkerJSON(t *testing.T) {
	m := Marker{Name: "raw_seed_data", FileName: "runs/r/data/raw_seed_data.json", Type: T(KindStr, Data), State: StateUploaded}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	var back Marker
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if back != m {
		t.Errorf("round trip mismatch: %+v vs %+v", back, m)
	}
}
