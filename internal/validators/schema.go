package validators

import (
	"fmt"
	"strings"
)

// ValidateInput 按工具的 JSON Schema 做最小校验：必填字段存在，
// format 为 email 的字段（字符串或字符串数组）逐个通过 ValidateEmail。
func ValidateInput(schema map[string]any, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if required, ok := schema["required"].([]any); ok {
		for _, item := range required {
			name, _ := item.(string)
			if name == "" {
				continue
			}
			if v, present := input[name]; !present || v == nil {
				return fmt.Errorf("missing required parameter: %s", name)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		if !isEmailProperty(prop) {
			continue
		}
		v, present := input[name]
		if !present {
			continue
		}
		for _, addr := range emailValues(v) {
			if err := ValidateEmail(addr); err != nil {
				return fmt.Errorf("invalid input %q: %w", name, err)
			}
		}
	}
	return nil
}

func isEmailProperty(prop map[string]any) bool {
	if prop == nil {
		return false
	}
	if format, _ := prop["format"].(string); strings.EqualFold(format, "email") {
		return true
	}
	if items, ok := prop["items"].(map[string]any); ok {
		if format, _ := items["format"].(string); strings.EqualFold(format, "email") {
			return true
		}
	}
	return false
}

func emailValues(v any) []string {
	switch typed := v.(type) {
	case string:
		return []string{typed}
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return typed
	default:
		return nil
	}
}
