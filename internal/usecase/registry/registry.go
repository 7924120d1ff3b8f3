// Package registry catalogs the models available to the engine and selects
// the cheapest model satisfying a capability requirement.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"forge-ai/internal/domain"
)

// Registry holds registered models keyed by name.
type Registry struct {
	mu     sync.RWMutex
	models map[string]domain.AIModel
	logger *slog.Logger
}

// New creates an empty model registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		models: make(map[string]domain.AIModel),
		logger: logger,
	}
}

// Register adds a model, overwriting any prior entry with the same name.
func (r *Registry) Register(model domain.AIModel) error {
	if model.Name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "model name is required")
	}

	r.mu.Lock()
	_, replaced := r.models[model.Name]
	r.models[model.Name] = model
	r.mu.Unlock()

	r.logger.Info("model registered",
		"model", model.Name,
		"provider", model.Provider,
		"replaced", replaced,
	)
	return nil
}

// Get retrieves a model by name.
func (r *Registry) Get(name string) (domain.AIModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[name]
	if !ok {
		return domain.AIModel{}, domain.NewDomainError("Registry.Get", domain.ErrModelNotFound, name)
	}
	return m, nil
}

// BestForTask returns the model whose capability set is a superset of the
// requested capabilities, filtered by the query's cost ceiling and preferred
// provider, ranked by lowest cost-per-token. Ties break by name so an
// unchanged registry always answers the same query the same way.
func (r *Registry) BestForTask(q domain.ModelQuery) (domain.AIModel, error) {
	r.mu.RLock()
	candidates := make([]domain.AIModel, 0, len(r.models))
	for _, m := range r.models {
		if !m.HasCapabilities(q.Capabilities) {
			continue
		}
		if q.MaxCostPerToken > 0 && m.CostPerToken > q.MaxCostPerToken {
			continue
		}
		if q.PreferredProvider != "" && m.Provider != q.PreferredProvider {
			continue
		}
		candidates = append(candidates, m)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return domain.AIModel{}, domain.NewDomainError("Registry.BestForTask", domain.ErrNoCapableModel, "")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CostPerToken != candidates[j].CostPerToken {
			return candidates[i].CostPerToken < candidates[j].CostPerToken
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0], nil
}

// List returns all registered models sorted by name.
func (r *Registry) List() []domain.AIModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AIModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
