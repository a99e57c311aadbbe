package steps

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/petal-labs/petalpipe/vars"
)

// Operator is a comparison used by condition and filter predicates.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpEmpty       Operator = "empty"
)

// Operators lists the supported predicate operators.
var Operators = []Operator{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains, OpExists, OpEmpty}

// ParseOperator normalizes an operator name. Symbolic aliases such as "=="
// and ">=" are accepted.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "==", "=", "equals":
		return OpEq, true
	case "neq", "!=", "ne", "not_equals":
		return OpNeq, true
	case "gt", ">":
		return OpGt, true
	case "gte", ">=":
		return OpGte, true
	case "lt", "<":
		return OpLt, true
	case "lte", "<=":
		return OpLte, true
	case "contains":
		return OpContains, true
	case "not_contains":
		return OpNotContains, true
	case "exists":
		return OpExists, true
	case "empty", "is_empty":
		return OpEmpty, true
	default:
		return "", false
	}
}

// Evaluate applies op to actual and expected. found reports whether the
// actual value resolved at all.
func Evaluate(op Operator, actual any, found bool, expected any) bool {
	switch op {
	case OpExists:
		return found && actual != nil
	case OpEmpty:
		return !found || isEmpty(actual)
	case OpEq:
		return valuesEqual(actual, expected)
	case OpNeq:
		return !valuesEqual(actual, expected)
	case OpGt:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case OpGte:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case OpLt:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case OpLte:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case OpContains:
		return containsValue(actual, expected)
	case OpNotContains:
		return !containsValue(actual, expected)
	default:
		return false
	}
}

// valuesEqual compares two values for equality.
func valuesEqual(a, b any) bool {
	if aStr, ok := a.(string); ok {
		if bStr, ok := b.(string); ok {
			return aStr == bStr
		}
	}

	aFloat, aOk := numeric(a)
	bFloat, bOk := numeric(b)
	if aOk && bOk {
		return aFloat == bFloat
	}

	if aBool, ok := a.(bool); ok {
		if bStr, ok := b.(string); ok {
			parsed, err := strconv.ParseBool(bStr)
			return err == nil && parsed == aBool
		}
	}

	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return vars.Stringify(a) == vars.Stringify(b)
}

// compare orders two values numerically when both are numbers, otherwise
// lexically. ok is false when either side is nil.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	aNum, aOk := numeric(a)
	bNum, bOk := numeric(b)
	if aOk && bOk {
		switch {
		case aNum < bNum:
			return -1, true
		case aNum > bNum:
			return 1, true
		default:
			return 0, true
		}
	}
	return strings.Compare(vars.Stringify(a), vars.Stringify(b)), true
}

// numeric converts numbers and numeric strings to float64.
func numeric(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// containsValue checks substring, list membership or map key presence.
func containsValue(container, value any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(c, vars.Stringify(value))
	case map[string]any:
		_, ok := c[vars.Stringify(value)]
		return ok
	}
	if items, ok := vars.ToSlice(container); ok {
		for _, item := range items {
			if valuesEqual(item, value) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", container), vars.Stringify(value))
}

// isEmpty reports nil, blank strings and zero-length collections.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	default:
		return false
	}
}
