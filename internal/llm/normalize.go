package llm

import "encoding/json"

// NormalizeToolCall builds a canonical ToolCall from a loosely shaped vendor
// payload. Vendors disagree on where the pieces live: arguments may sit under
// a nested "function" object as a JSON string, or flat under "input" as an
// object, and the id key varies. Normalization happens once, here, at the
// boundary; internal code never re-checks key variants.
func NormalizeToolCall(payload map[string]any) (ToolCall, bool) {
	if len(payload) == 0 {
		return ToolCall{}, false
	}

	call := ToolCall{
		CallID: firstString(payload, "call_id", "id", "tool_call_id", "tool_use_id"),
		Name:   firstString(payload, "name"),
	}

	if fn, ok := payload["function"].(map[string]any); ok {
		if call.Name == "" {
			call.Name = firstString(fn, "name")
		}
		call.Parameters = decodeParameters(fn["arguments"])
	}
	if call.Parameters == nil {
		for _, key := range []string{"input", "parameters", "arguments"} {
			if v, ok := payload[key]; ok {
				call.Parameters = decodeParameters(v)
				break
			}
		}
	}
	if call.Parameters == nil {
		call.Parameters = map[string]any{}
	}

	if call.Name == "" {
		return ToolCall{}, false
	}
	return call, true
}

// decodeParameters accepts either an already-decoded object or a JSON string
// and returns a parameter map. Undecodable values yield nil so the caller can
// fall through to the next candidate key.
func decodeParameters(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case string:
		if val == "" {
			return map[string]any{}
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(val), &params); err != nil {
			return nil
		}
		return params
	case json.RawMessage:
		var params map[string]any
		if err := json.Unmarshal(val, &params); err != nil {
			return nil
		}
		return params
	default:
		return nil
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
