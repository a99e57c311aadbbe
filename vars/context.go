// Package vars implements the layered variable namespace a pipeline
// execution resolves templates against.
//
// Three roots are exposed:
//
//	input.*          initial variables (read-only)
//	output.<step>.*  outputs of completed steps (each layer write-once)
//	pipeline.*       pipeline-level constants from the definition config
//
// Paths use dots for map keys and [n] for list indexes: output.fetch.items[0].id
package vars

import (
	"errors"
	"fmt"
	"sort"
)

// Root namespaces of the variable context.
const (
	RootInput    = "input"
	RootOutput   = "output"
	RootPipeline = "pipeline"
)

var (
	// ErrPathNotFound is returned when a path does not resolve to a value.
	ErrPathNotFound = errors.New("vars: path not found")

	// ErrOutputExists is returned when a step's output layer is written twice.
	ErrOutputExists = errors.New("vars: output already recorded")
)

// Context is an immutable view over the variable layers of one execution.
// WithOutput returns a new Context; existing values are never mutated.
type Context struct {
	input    map[string]any
	pipeline map[string]any
	outputs  map[string]map[string]any
	order    []string
}

// New creates a Context from the initial variables and pipeline constants.
// Both maps are deep-copied.
func New(input, pipeline map[string]any) *Context {
	return &Context{
		input:    DeepCopyMap(input),
		pipeline: DeepCopyMap(pipeline),
		outputs:  map[string]map[string]any{},
	}
}

// WithOutput returns a new Context with outputs recorded under
// output.<key>. Recording the same key twice fails with ErrOutputExists.
func (c *Context) WithOutput(key string, outputs map[string]any) (*Context, error) {
	if key == "" {
		return nil, fmt.Errorf("vars: empty output key")
	}
	if _, exists := c.outputs[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, key)
	}

	next := make(map[string]map[string]any, len(c.outputs)+1)
	for k, v := range c.outputs {
		next[k] = v
	}
	next[key] = DeepCopyMap(outputs)

	order := make([]string, len(c.order), len(c.order)+1)
	copy(order, c.order)

	return &Context{
		input:    c.input,
		pipeline: c.pipeline,
		outputs:  next,
		order:    append(order, key),
	}, nil
}

// HasOutput reports whether output.<key> has been recorded.
func (c *Context) HasOutput(key string) bool {
	_, ok := c.outputs[key]
	return ok
}

// OutputKeys returns the recorded output keys in the order they were added.
func (c *Context) OutputKeys() []string {
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// Outputs returns a deep copy of every output layer keyed by step.
func (c *Context) Outputs() map[string]any {
	result := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		result[k] = DeepCopyMap(v)
	}
	return result
}

// Input returns a deep copy of the initial variables.
func (c *Context) Input() map[string]any {
	return DeepCopyMap(c.input)
}

// Snapshot returns the whole namespace as a nested map.
func (c *Context) Snapshot() map[string]any {
	return map[string]any{
		RootInput:    DeepCopyMap(c.input),
		RootOutput:   c.Outputs(),
		RootPipeline: DeepCopyMap(c.pipeline),
	}
}

// Resolve looks up a dotted path in the context.
func (c *Context) Resolve(path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 || segments[0].index >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}

	var root any
	switch segments[0].key {
	case RootInput:
		root = c.input
	case RootPipeline:
		root = c.pipeline
	case RootOutput:
		if len(segments) == 1 {
			root = c.Outputs()
			break
		}
		step := segments[1]
		if step.index >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		layer, ok := c.outputs[step.key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		value, ok := walk(layer, segments[2:])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}

	value, ok := walk(root, segments[1:])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return value, nil
}

// Lookup resolves a path inside an arbitrary value, using the same path
// syntax as Resolve. It is used by transform and condition steps on data
// that is not part of the context.
func Lookup(data any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	segments, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return walk(data, segments)
}

// sortedKeys returns the keys of m in sorted order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
