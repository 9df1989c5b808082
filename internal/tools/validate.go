package tools

import (
	"encoding/json"
	"fmt"
)

// validateArgs converts raw arguments to an object and applies the
// minimal schema checks: the arguments must be a JSON object and, for a
// schema whose type is "object", every name in its "required" list must
// be present. Anything richer than that is left to the tool.
func validateArgs(toolName string, schema map[string]any, raw any) (map[string]any, error) {
	args, err := asObject(raw)
	if err != nil {
		return nil, &InvalidArgsError{ToolName: toolName, Reason: err.Error()}
	}

	if t, _ := schema["type"].(string); t != "object" {
		// Only object schemas are checked; untyped ones are passed through.
		return args, nil
	}

	for _, field := range requiredFields(schema) {
		if _, ok := args[field]; !ok {
			return nil, &InvalidArgsError{ToolName: toolName, Field: field, Reason: "is required"}
		}
	}
	return args, nil
}

// asObject normalizes the accepted argument representations. Nil means
// no arguments and yields an empty object.
func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	default:
		return nil, fmt.Errorf("arguments must be a JSON object, got %T", raw)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	switch obj := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return obj, nil
	default:
		return nil, fmt.Errorf("arguments must be a JSON object, got %s", jsonKind(v))
	}
}

// requiredFields reads the "required" list whether it came from Go code
// ([]string) or decoded JSON ([]any).
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
