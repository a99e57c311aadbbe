package pipeline

import (
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/steps"
	"github.com/petal-labs/petalpipe/vars"
)

// ResolveInputs builds the inputs of a step: its config with every template
// substituted against vc, overlaid with the input_mapping bindings. Config
// keys the executor reads as raw paths are copied unchanged. Unresolved
// templates and mappings are reported to warn and never fail.
func ResolveInputs(step core.Step, vc *vars.Context, warn vars.WarnFunc) map[string]any {
	resolver := vars.NewResolver(vc, warn)

	raw := make(map[string]bool)
	for _, k := range steps.RawConfigKeys(step.Type) {
		raw[k] = true
	}

	inputs := make(map[string]any, len(step.Config)+len(step.InputMapping))
	for k, v := range step.Config {
		if raw[k] {
			inputs[k] = vars.DeepCopyMap(map[string]any{k: v})[k]
			continue
		}
		inputs[k] = resolver.SubstituteValue(v)
	}

	for target, source := range step.InputMapping {
		path := strings.TrimSpace(source)
		path = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(path, "{{"), "}}"))
		value, err := vc.Resolve(path)
		if err != nil {
			if warn != nil {
				warn(source, path, err)
			}
			continue
		}
		inputs[target] = vars.DeepCopyMap(map[string]any{target: value})[target]
	}
	return inputs
}

// ApplyOutputMapping renames produced output keys. Keys without a mapping
// are kept as produced.
func ApplyOutputMapping(mapping map[string]string, outputs map[string]any) map[string]any {
	if len(mapping) == 0 {
		return outputs
	}
	mapped := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if renamed, ok := mapping[k]; ok && renamed != "" {
			mapped[renamed] = v
			continue
		}
		mapped[k] = v
	}
	return mapped
}
