package steps

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/vars"
)

// TransformOp names a transform operation.
type TransformOp string

const (
	TransformExtract   TransformOp = "extract"
	TransformMap       TransformOp = "map"
	TransformFilter    TransformOp = "filter"
	TransformPick      TransformOp = "pick"
	TransformTemplate  TransformOp = "template"
	TransformParseJSON TransformOp = "parse_json"
	TransformStringify TransformOp = "stringify"
)

// TransformOps lists the supported operations.
var TransformOps = []TransformOp{
	TransformExtract, TransformMap, TransformFilter, TransformPick,
	TransformTemplate, TransformParseJSON, TransformStringify,
}

// TransformExecutor reshapes data in-process. Every operation reads its
// subject from "data" and writes "result".
type TransformExecutor struct{}

// Execute implements Executor.
func (e *TransformExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	op := TransformOp(strings.ToLower(configString(inputs, "operation")))
	if op == "" {
		return Fail(core.ErrorKindValidation, "transform step %s: operation is required", step.ID)
	}

	data := inputs["data"]
	var (
		result any
		f      *Failure
	)
	switch op {
	case TransformExtract:
		result, f = transformExtract(data, inputs)
	case TransformMap:
		result, f = transformMap(data, inputs)
	case TransformFilter:
		result, f = transformFilter(data, inputs)
	case TransformPick:
		result, f = transformPick(data, inputs)
	case TransformTemplate:
		tmpl, ok := configRawString(inputs, "template")
		if !ok {
			f = failure(core.ErrorKindValidation, "template is required")
			break
		}
		result = tmpl
	case TransformParseJSON:
		result, f = transformParseJSON(data)
	case TransformStringify:
		result, f = transformStringify(data, configBool(inputs, "indent"))
	default:
		return Fail(core.ErrorKindValidation, "transform step %s: unknown operation %q", step.ID, op)
	}
	if f != nil {
		f.Message = "transform step " + step.ID + " (" + string(op) + "): " + f.Message
		return *f
	}

	outputs := map[string]any{"result": result}
	if items, ok := result.([]any); ok {
		outputs["count"] = len(items)
	}
	return Success{Outputs: outputs, Metrics: map[string]any{"operation": string(op)}}
}

func failure(kind core.ErrorKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg}
}

func transformExtract(data any, inputs map[string]any) (any, *Failure) {
	path := configString(inputs, "path")
	if path == "" {
		return nil, failure(core.ErrorKindValidation, "path is required")
	}
	v, ok := vars.Lookup(data, path)
	if !ok {
		if def, has := inputs["default"]; has {
			return def, nil
		}
		return nil, failure(core.ErrorKindValidation, "path "+path+" not found in data")
	}
	return v, nil
}

// transformMap projects fields out of each item. "fields" is either a list
// of paths (kept under the last path segment) or an object of
// output name to path.
func transformMap(data any, inputs map[string]any) (any, *Failure) {
	items, ok := vars.ToSlice(data)
	if !ok {
		return nil, failure(core.ErrorKindValidation, "data must be a list")
	}
	projection, f := fieldProjection(inputs)
	if f != nil {
		return nil, f
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		row := make(map[string]any, len(projection))
		for _, name := range sortedProjectionKeys(projection) {
			if v, ok := vars.Lookup(item, projection[name]); ok {
				row[name] = v
			} else {
				row[name] = nil
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func transformFilter(data any, inputs map[string]any) (any, *Failure) {
	items, ok := vars.ToSlice(data)
	if !ok {
		return nil, failure(core.ErrorKindValidation, "data must be a list")
	}
	field := configString(inputs, "field")
	op, ok := ParseOperator(configString(inputs, "operator"))
	if !ok {
		return nil, failure(core.ErrorKindValidation, "unknown operator "+configString(inputs, "operator"))
	}
	expected := inputs["value"]

	out := make([]any, 0, len(items))
	for _, item := range items {
		actual, found := vars.Lookup(item, field)
		if Evaluate(op, actual, found, expected) {
			out = append(out, item)
		}
	}
	return out, nil
}

func transformPick(data any, inputs map[string]any) (any, *Failure) {
	projection, f := fieldProjection(inputs)
	if f != nil {
		return nil, f
	}
	if _, isMap := data.(map[string]any); !isMap {
		return nil, failure(core.ErrorKindValidation, "data must be an object")
	}
	out := make(map[string]any, len(projection))
	for name, path := range projection {
		if v, ok := vars.Lookup(data, path); ok {
			out[name] = v
		}
	}
	return out, nil
}

func transformParseJSON(data any) (any, *Failure) {
	s, ok := data.(string)
	if !ok {
		return nil, failure(core.ErrorKindValidation, "data must be a string")
	}
	var v any
	if err := json.Unmarshal([]byte(stripCodeFence(s)), &v); err != nil {
		return nil, failure(core.ErrorKindValidation, "invalid JSON: "+err.Error())
	}
	return v, nil
}

func transformStringify(data any, indent bool) (any, *Failure) {
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(data, "", "  ")
	} else {
		b, err = json.Marshal(data)
	}
	if err != nil {
		return nil, failure(core.ErrorKindValidation, "cannot encode data: "+err.Error())
	}
	return string(b), nil
}

func fieldProjection(inputs map[string]any) (map[string]string, *Failure) {
	if m, ok := configMap(inputs, "fields"); ok {
		out := make(map[string]string, len(m))
		for name, raw := range m {
			path, ok := raw.(string)
			if !ok {
				return nil, failure(core.ErrorKindValidation, "fields."+name+" must be a path string")
			}
			out[name] = path
		}
		return out, nil
	}
	list, ok := configStringSlice(inputs, "fields")
	if !ok || len(list) == 0 {
		return nil, failure(core.ErrorKindValidation, "fields is required")
	}
	out := make(map[string]string, len(list))
	for _, path := range list {
		name := path
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			name = path[i+1:]
		}
		out[name] = path
	}
	return out, nil
}

func sortedProjectionKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
