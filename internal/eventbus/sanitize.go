package eventbus

import (
	"encoding/json"
	"fmt"
)

// Sanitize returns a copy of data where every leaf value that cannot
// be JSON-encoded is replaced with its string representation. Runner
// payloads may carry arbitrary values; coercing per leaf keeps the
// event deliverable without discarding the serializable siblings of
// one bad value.
func Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return v
	}
}
