// ABOUTME: Resolves tool bindings: marker names load their backing files, anything else is a literal value.
// ABOUTME: Marker-backed bindings are type-checked against the tool's declared input spec before any state changes.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/2389-research/canis/marker"
	"github.com/2389-research/canis/tools"
)

// TypeMismatchError reports a marker bound to an input of an incompatible
// type.
type TypeMismatchError struct {
	Marker string
	Param  string
	Have   marker.Type
	Want   marker.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("marker %q has type %s, input %q wants %s", e.Marker, e.Have, e.Param, e.Want)
}

// resolveBindings maps each declared input to a concrete value. A binding
// naming a registered marker loads that marker's backing data and must match
// the declared input type; any other binding is taken as a literal (JSON
// when it parses, a plain string otherwise). Literals are not type-checked.
// Returns the loaded values and the addresses (file path or literal) for
// step bookkeeping.
func (m *Manager) resolveBindings(run *Run, spec tools.Spec, bindings map[string]string) (map[string]any, map[string]string, error) {
	for param := range bindings {
		if _, ok := spec.In[param]; !ok {
			return nil, nil, fmt.Errorf("unknown input %q", param)
		}
	}

	params := make([]string, 0, len(spec.In))
	for param := range spec.In {
		params = append(params, param)
	}
	sort.Strings(params)

	data := make(map[string]any, len(params))
	addresses := make(map[string]string, len(params))
	for _, param := range params {
		binding, ok := bindings[param]
		if !ok {
			return nil, nil, fmt.Errorf("missing binding for input %q", param)
		}

		mk, err := run.Marker(binding)
		if err != nil {
			// Not a marker name: literal value.
			data[param] = parseLiteral(binding)
			addresses[param] = binding
			continue
		}

		if !mk.Type.Compatible(spec.In[param]) {
			return nil, nil, &TypeMismatchError{Marker: mk.Name, Param: param, Have: mk.Type, Want: spec.In[param]}
		}
		value, err := m.loadMarkerValue(mk)
		if err != nil {
			return nil, nil, fmt.Errorf("load marker %q: %w", mk.Name, err)
		}
		data[param] = value
		addresses[param] = mk.FileName
	}
	return data, addresses, nil
}

// loadMarkerValue reads a marker's backing data. Single-data markers carry
// their literal value in FileName; uploaded markers have no data yet.
func (m *Manager) loadMarkerValue(mk *marker.Marker) (any, error) {
	switch mk.State {
	case marker.StateUploaded:
		return nil, fmt.Errorf("marker data not available yet (state %s)", mk.State)
	case marker.StateSingleData:
		return parseLiteral(mk.FileName), nil
	}
	var value any
	if err := m.Store.WS.LoadJSON(mk.FileName, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// loadAddress reloads one recorded step input: a readable workspace file is
// loaded as JSON, anything else is a literal. Used when a chip's finish
// phase re-resolves the inputs its start phase consumed.
func (m *Manager) loadAddress(addr string) (any, error) {
	if abs, err := m.Store.WS.CheckPath(addr); err == nil {
		if _, statErr := os.Stat(abs); statErr == nil {
			var value any
			if err := m.Store.WS.LoadJSON(abs, &value); err != nil {
				return nil, err
			}
			return value, nil
		}
	}
	return parseLiteral(addr), nil
}

// parseLiteral interprets a binding string: valid JSON yields its parsed
// value, anything else stays a string.
func parseLiteral(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
