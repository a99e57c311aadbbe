package vars

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// segment is one step of a parsed path: either a map key or a list index.
type segment struct {
	key   string
	index int // -1 for map keys
}

// parsePath splits "a.b[0].c" into segments.
func parsePath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrPathNotFound)
	}

	var segments []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("%w: malformed path %q", ErrPathNotFound, path)
		}

		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key != "" {
			segments = append(segments, segment{key: key, index: -1})
		}

		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("%w: malformed path %q", ErrPathNotFound, path)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: malformed path %q", ErrPathNotFound, path)
			}
			n, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad index in %q", ErrPathNotFound, path)
			}
			segments = append(segments, segment{index: n})
			rest = rest[end+1:]
		}
	}
	return segments, nil
}

// walk descends into current following segments.
func walk(current any, segments []segment) (any, bool) {
	for _, seg := range segments {
		if seg.index >= 0 {
			item, ok := indexValue(current, seg.index)
			if !ok {
				return nil, false
			}
			current = item
			continue
		}

		switch m := current.(type) {
		case map[string]any:
			v, ok := m[seg.key]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[seg.key]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func indexValue(v any, i int) (any, bool) {
	switch s := v.(type) {
	case []any:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []map[string]any:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []string:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if i >= rv.Len() {
		return nil, false
	}
	return rv.Index(i).Interface(), true
}

// ToSlice converts list-like values to []any.
func ToSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	result := make([]any, rv.Len())
	for i := range result {
		result[i] = rv.Index(i).Interface()
	}
	return result, true
}

// DeepCopyMap creates a deep copy of a map.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	default:
		return v
	}
}
