package vars

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// tokenPattern matches {{ path }} with optional whitespace inside braces.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// WarnFunc receives template tokens that could not be resolved.
type WarnFunc func(token, path string, err error)

// Resolver substitutes templates against a Context.
type Resolver struct {
	ctx  *Context
	warn WarnFunc
}

// NewResolver creates a Resolver. warn may be nil.
func NewResolver(ctx *Context, warn WarnFunc) *Resolver {
	return &Resolver{ctx: ctx, warn: warn}
}

// Substitute replaces every {{path}} in template with the stringified value.
// Unresolved tokens are left in place and reported to the warning callback.
func (r *Resolver) Substitute(template string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		value, err := r.ctx.Resolve(path)
		if err != nil {
			r.report(token, path, err)
			return token
		}
		return Stringify(value)
	})
}

// SubstituteValue walks maps and slices substituting every string. A string
// that consists of exactly one token resolves to the raw value so lists and
// objects keep their type.
func (r *Resolver) SubstituteValue(v any) any {
	switch val := v.(type) {
	case string:
		if m := tokenPattern.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			path := val[m[2]:m[3]]
			value, err := r.ctx.Resolve(path)
			if err != nil {
				r.report(val, path, err)
				return val
			}
			return deepCopyValue(value)
		}
		return r.Substitute(val)
	case map[string]any:
		result := make(map[string]any, len(val))
		for _, k := range sortedKeys(val) {
			result[k] = r.SubstituteValue(val[k])
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = r.SubstituteValue(item)
		}
		return result
	case []string:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = r.SubstituteValue(item)
		}
		return result
	default:
		return v
	}
}

// SubstituteMap applies SubstituteValue to every entry of m.
func (r *Resolver) SubstituteMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return r.SubstituteValue(m).(map[string]any)
}

func (r *Resolver) report(token, path string, err error) {
	if r.warn != nil {
		r.warn(token, path, err)
	}
}

// Tokens returns the paths of every template token found in s.
func Tokens(s string) []string {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m[1])
	}
	return paths
}

// Stringify renders a value the way templates embed it: strings verbatim,
// numbers in shortest form, nil as empty, maps and lists as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
