// Package registry provides the step template catalog for petalpipe.
// It maps step types to display metadata, default config and the config
// fields each type requires, used by the validator, the server API and the
// CLI.
package registry

import (
	"sync"

	"github.com/petal-labs/petalpipe/core"
)

// StepTemplate describes a catalogued step type.
type StepTemplate struct {
	Type           core.StepType  `json:"type"`
	Category       string         `json:"category"` // "ai", "compute", "data", "integration", "control"
	DisplayName    string         `json:"display_name"`
	Description    string         `json:"description"`
	DefaultConfig  map[string]any `json:"default_config"`
	RequiredFields []string       `json:"required_fields"`
	OptionalFields []string       `json:"optional_fields"`
	Outputs        []string       `json:"outputs"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton catalog. On first call it registers the
// built-in step templates.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds step templates in registration order.
type Registry struct {
	mu        sync.RWMutex
	templates map[core.StepType]StepTemplate
	order     []core.StepType
}

// New returns an empty catalog.
func New() *Registry {
	return &Registry{
		templates: make(map[core.StepType]StepTemplate),
	}
}

// Register adds a template. An existing template of the same type is
// replaced in place.
func (r *Registry) Register(t StepTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.Type]; !exists {
		r.order = append(r.order, t.Type)
	}
	r.templates[t.Type] = t
}

// Get returns the template for a step type.
func (r *Registry) Get(t core.StepType) (StepTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[t]
	if !ok {
		return StepTemplate{}, false
	}
	return cloneTemplate(tmpl), true
}

// Has returns true if the step type is catalogued.
func (r *Registry) Has(t core.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[t]
	return ok
}

// RequiredFields returns the config fields a step of type t must set.
func (r *Registry) RequiredFields(t core.StepType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[t]
	if !ok {
		return nil
	}
	return append([]string(nil), tmpl.RequiredFields...)
}

// All returns every template in registration order.
// Used by GET /api/step-templates and `petalpipe templates`.
func (r *Registry) All() []StepTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]StepTemplate, 0, len(r.order))
	for _, t := range r.order {
		result = append(result, cloneTemplate(r.templates[t]))
	}
	return result
}

// Len returns the number of catalogued step types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

func cloneTemplate(t StepTemplate) StepTemplate {
	if t.DefaultConfig != nil {
		cfg := make(map[string]any, len(t.DefaultConfig))
		for k, v := range t.DefaultConfig {
			cfg[k] = v
		}
		t.DefaultConfig = cfg
	}
	t.RequiredFields = append([]string(nil), t.RequiredFields...)
	t.OptionalFields = append([]string(nil), t.OptionalFields...)
	t.Outputs = append([]string(nil), t.Outputs...)
	return t
}
