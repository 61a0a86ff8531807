// ABOUTME: Python-style {placeholder} template rendering against a value map.
// ABOUTME: Doubled braces escape literals; missing keys either stay intact or become visible ERROR markers.
package seed

import (
	"encoding/json"
	"fmt"
	"strings"
)

// formatMap substitutes {key} placeholders in tmpl with values from data.
// Doubled braces ({{ and }}) emit literal braces. When markMissing is true a
// missing key renders as "ERROR: Missing <key>" so one malformed entry shows
// up in its own prompt instead of aborting the whole batch; when false the
// placeholder is left untouched.
func formatMap(tmpl string, data map[string]any, markMissing bool) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				return b.String()
			}
			key := tmpl[i+1 : i+end]
			if v, ok := data[key]; ok {
				b.WriteString(asString(v))
			} else if markMissing {
				b.WriteString("ERROR: Missing " + key)
			} else {
				b.WriteString(tmpl[i : i+end+1])
			}
			i += end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// asString renders a template value for substitution. Strings pass through,
// scalars print plainly, and composite values serialize as JSON.
func asString(v any) string {
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
