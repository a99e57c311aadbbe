// Package loader reads pipeline definitions and run inputs from JSON or
// YAML files.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the serialization of a definition file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrNotPipeline is returned when a document has no steps list.
var ErrNotPipeline = errors.New("document is not a pipeline definition")

// DetectFormat picks the parse format. A .yaml/.yml extension means YAML
// and .json means JSON; otherwise content starting with '{' is JSON and
// anything else is YAML.
func DetectFormat(data []byte, filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// DetectPipeline checks that data parses as an object with a "steps" list.
func DetectPipeline(data []byte, filePath string) (Format, error) {
	format := DetectFormat(data, filePath)
	raw, err := decodeObject(data, format)
	if err != nil {
		return "", err
	}
	if _, ok := raw["steps"].([]any); !ok {
		return "", ErrNotPipeline
	}
	return format, nil
}

func decodeObject(data []byte, format Format) (map[string]any, error) {
	var raw map[string]any
	if format == FormatYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("document is empty or not an object")
	}
	return raw, nil
}

// yamlToJSON converts YAML to JSON so typed decoding goes through the json
// struct tags: YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}

func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}
