package vars

import (
	"reflect"
	"testing"
)

func TestResolver_Substitute(t *testing.T) {
	ctx := newTestContext(t)
	r := NewResolver(ctx, nil)

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "no tokens here", "no tokens here"},
		{"single", "topic: {{input.topic}}", "topic: go"},
		{"whitespace", "topic: {{  input.topic  }}", "topic: go"},
		{"number", "n={{input.count}}", "n=3"},
		{"float", "s={{output.fetch.items[0].score}}", "s=0.5"},
		{"index", "{{output.fetch.items[1].id}}!", "b2!"},
		{"object", "{{output.fetch.meta}}", `{"total":2}`},
		{"multiple", "{{input.topic}}-{{pipeline.env}}", "go-test"},
		{"unresolved left literal", "x={{input.missing}}", "x={{input.missing}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Substitute(tt.template); got != tt.want {
				t.Fatalf("Substitute(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestResolver_Substitute_Warns(t *testing.T) {
	ctx := newTestContext(t)

	var warned []string
	r := NewResolver(ctx, func(token, path string, err error) {
		warned = append(warned, path)
	})

	got := r.Substitute("{{input.topic}} {{output.ghost.text}}")
	if got != "go {{output.ghost.text}}" {
		t.Fatalf("Substitute() = %q", got)
	}
	if !reflect.DeepEqual(warned, []string{"output.ghost.text"}) {
		t.Fatalf("warnings = %v", warned)
	}
}

func TestResolver_SubstituteValue(t *testing.T) {
	ctx := newTestContext(t)
	r := NewResolver(ctx, nil)

	got := r.SubstituteValue(map[string]any{
		"items":  "{{output.fetch.items}}",
		"label":  "about {{input.topic}}",
		"nested": []any{"{{input.count}}", 7},
	}).(map[string]any)

	items, ok := got["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("single-token value should keep its type, got %#v", got["items"])
	}
	if got["label"] != "about go" {
		t.Fatalf("label = %#v", got["label"])
	}
	nested := got["nested"].([]any)
	if nested[0] != 3 || nested[1] != 7 {
		t.Fatalf("nested = %#v", nested)
	}
}

func TestResolver_SubstituteValue_DoesNotAliasContext(t *testing.T) {
	ctx := newTestContext(t)
	r := NewResolver(ctx, nil)

	meta := r.SubstituteValue("{{output.fetch.meta}}").(map[string]any)
	meta["total"] = 99

	again, err := ctx.Resolve("output.fetch.meta.total")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if again != 2 {
		t.Fatalf("context mutated through substituted value: %v", again)
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{true, "true"},
		{42, "42"},
		{3.0, "3"},
		{0.25, "0.25"},
		{[]any{1, "a"}, `[1,"a"]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("{{ input.a }} and {{output.s1.text}}")
	want := []string{"input.a", "output.s1.text"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokens() = %v, want %v", got, want)
	}
}
