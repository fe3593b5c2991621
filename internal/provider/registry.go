package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry routes model identifiers to the adapter that serves them.
// Routing follows the model-name prefix convention the original service
// established: "gemini-*" → Gemini, "gpt-*" → OpenAI, "claude-*" → Anthropic.
type Registry struct {
	adapters map[string]Generator // keyed by adapter name
}

// NewRegistry creates a registry over the given adapters. Nil adapters
// (providers whose API key is not configured) are skipped.
func NewRegistry(adapters ...Generator) *Registry {
	r := &Registry{adapters: make(map[string]Generator)}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

// Lookup resolves a model identifier to its adapter.
func (r *Registry) Lookup(model string) (Generator, error) {
	name := adapterFor(model)
	if name == "" {
		return nil, fmt.Errorf("provider: unsupported model: %q", model)
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider: model %q requires the %s adapter, which is not configured", model, name)
	}
	return a, nil
}

// Recognizes reports whether the model id routes to any configured adapter.
func (r *Registry) Recognizes(model string) bool {
	_, err := r.Lookup(model)
	return err == nil
}

// Catalog returns the static model listing for capability discovery,
// keyed by adapter name. Only configured adapters appear.
func (r *Registry) Catalog() map[string][]string {
	out := make(map[string][]string, len(r.adapters))
	for name, a := range r.adapters {
		models := append([]string(nil), a.Models()...)
		sort.Strings(models)
		out[name] = models
	}
	return out
}

func adapterFor(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "gpt"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	}
	return ""
}
