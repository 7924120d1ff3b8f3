package domain

import "context"

// AIModel describes a language model available to the engine.
// Immutable once registered; the registry holds at most one entry per name.
type AIModel struct {
	Name         string   `json:"name"          yaml:"name"`
	Provider     string   `json:"provider"      yaml:"provider"`
	Version      string   `json:"version"       yaml:"version"`
	MaxTokens    int      `json:"max_tokens"    yaml:"max_tokens"`
	CostPerToken float64  `json:"cost_per_token" yaml:"cost_per_token"`
	Capabilities []string `json:"capabilities"  yaml:"capabilities"`
}

// HasCapabilities reports whether the model's capability set is a superset
// of the requested capabilities.
func (m AIModel) HasCapabilities(caps []string) bool {
	for _, want := range caps {
		found := false
		for _, have := range m.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ModelQuery filters and ranks models for BestModelForTask.
type ModelQuery struct {
	Capabilities      []string
	MaxCostPerToken   float64 // 0 = no ceiling
	PreferredProvider string  // "" = any provider
}

// ModelInvoker is the opaque model-invocation capability consumed from the
// provider client: send prompt, receive text, may fail.
type ModelInvoker interface {
	// Invoke sends a prompt to the named model and returns the raw text.
	Invoke(ctx context.Context, model string, prompt string, temperature float64, maxTokens int) (string, error)
}

// StreamingInvoker extends ModelInvoker with incremental delivery.
// Implementations send partial text on the returned channel and close it
// when the response is complete.
type StreamingInvoker interface {
	ModelInvoker
	InvokeStream(ctx context.Context, model string, prompt string, temperature float64, maxTokens int) (<-chan string, error)
}
