package steps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// configString returns a trimmed string value for key.
func configString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// configRawString returns a string value for key without trimming.
func configRawString(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// configFloat returns a numeric value for key. Numeric strings are parsed.
func configFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// configInt returns an integer value for key.
func configInt(m map[string]any, key string) (int, bool) {
	f, ok := configFloat(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// configBool returns a boolean value for key.
func configBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// configDuration reads key as seconds.
func configDuration(m map[string]any, key string) time.Duration {
	seconds, ok := configFloat(m, key)
	if !ok || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// configStringSlice reads a list of strings. A single string is treated as
// a one-element list.
func configStringSlice(m map[string]any, key string) ([]string, bool) {
	switch v := m[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, true
		}
		return []string{v}, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// configMap reads a nested object.
func configMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

// hasValue reports whether key is present with a non-empty value.
func hasValue(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
