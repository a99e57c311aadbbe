package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/petalpipe/core"
)

// ErrNoProvider is returned when a model cannot be routed to a provider.
var ErrNoProvider = errors.New("no LLM provider configured")

// Config holds the credentials of one provider.
type Config struct {
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// APIKey returns configured, falling back to the <PROVIDER>_API_KEY
// environment variable.
func APIKey(name, configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(strings.ToUpper(name) + "_API_KEY")
}

// NewClient creates a core.LLMClient for the named iris provider.
func NewClient(name string, cfg Config) (core.LLMClient, error) {
	provider, err := providers.Create(strings.ToLower(name), APIKey(name, cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: provider}, nil
}

// Router dispatches requests to a provider chosen by the model id. A model
// written as "<provider>/<model>" goes to that provider with the prefix
// stripped; any other model goes to the default provider.
type Router struct {
	mu       sync.RWMutex
	clients  map[string]core.LLMClient
	fallback string
}

// NewRouter creates an empty router. defaultProvider may be empty, in which
// case a router with a single provider uses it for unprefixed models.
func NewRouter(defaultProvider string) *Router {
	return &Router{clients: make(map[string]core.LLMClient), fallback: strings.ToLower(defaultProvider)}
}

// NewRouterFromConfig creates one iris client per configured provider.
func NewRouterFromConfig(defaultProvider string, configs map[string]Config) (*Router, error) {
	r := NewRouter(defaultProvider)
	for name, cfg := range configs {
		client, err := NewClient(name, cfg)
		if err != nil {
			return nil, err
		}
		r.Register(name, client)
	}
	return r, nil
}

// Register adds or replaces the client of a provider.
func (r *Router) Register(name string, client core.LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(name)] = client
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete implements core.LLMClient.
func (r *Router) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	client, model, err := r.route(req.Model)
	if err != nil {
		return core.LLMResponse{}, core.NewStepError(core.ErrorKindValidation, err.Error(), err)
	}
	req.Model = model
	return client.Complete(ctx, req)
}

func (r *Router) route(model string) (core.LLMClient, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if client, found := r.clients[strings.ToLower(prefix)]; found {
			return client, rest, nil
		}
	}
	if client, found := r.clients[r.fallback]; found {
		return client, model, nil
	}
	if r.fallback == "" && len(r.clients) == 1 {
		for _, client := range r.clients {
			return client, model, nil
		}
	}
	return nil, "", fmt.Errorf("%w for model %q", ErrNoProvider, model)
}

var _ core.LLMClient = (*Router)(nil)
