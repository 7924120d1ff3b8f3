package registry

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-ai/internal/domain"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(slog.Default())
}

func TestRegisterOverwrites(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.Register(domain.AIModel{Name: "m1", Provider: "alpha"}))
	require.NoError(t, r.Register(domain.AIModel{Name: "m1", Provider: "beta"}))

	m, err := r.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "beta", m.Provider)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRequiresName(t *testing.T) {
	r := newRegistry(t)
	err := r.Register(domain.AIModel{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGetNotFound(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrModelNotFound)
}

func TestBestForTaskCapabilitySuperset(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Register(domain.AIModel{Name: "m1", Capabilities: []string{"text"}}))

	_, err := r.BestForTask(domain.ModelQuery{Capabilities: []string{"text", "code"}})
	assert.ErrorIs(t, err, domain.ErrNoCapableModel)

	require.NoError(t, r.Register(domain.AIModel{
		Name: "m2", Capabilities: []string{"text", "code"}, CostPerToken: 0.002,
	}))
	require.NoError(t, r.Register(domain.AIModel{
		Name: "m3", Capabilities: []string{"text", "code"}, CostPerToken: 0.001,
	}))

	best, err := r.BestForTask(domain.ModelQuery{Capabilities: []string{"text", "code"}})
	require.NoError(t, err)
	assert.Equal(t, "m3", best.Name, "lowest cost-per-token wins")
}

func TestBestForTaskNeverViolatesCapabilities(t *testing.T) {
	r := newRegistry(t)
	models := []domain.AIModel{
		{Name: "a", Capabilities: []string{"text"}, CostPerToken: 0.0001},
		{Name: "b", Capabilities: []string{"text", "vision"}, CostPerToken: 0.002},
		{Name: "c", Capabilities: []string{"code"}, CostPerToken: 0.0002},
	}
	for _, m := range models {
		require.NoError(t, r.Register(m))
	}

	queries := [][]string{{"text"}, {"vision"}, {"code"}, {"text", "vision"}}
	for _, caps := range queries {
		best, err := r.BestForTask(domain.ModelQuery{Capabilities: caps})
		if err != nil {
			continue
		}
		assert.True(t, best.HasCapabilities(caps), "query %v returned %s", caps, best.Name)
	}
}

func TestBestForTaskFilters(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Register(domain.AIModel{
		Name: "cheap", Provider: "alpha", Capabilities: []string{"text"}, CostPerToken: 0.001,
	}))
	require.NoError(t, r.Register(domain.AIModel{
		Name: "premium", Provider: "beta", Capabilities: []string{"text"}, CostPerToken: 0.01,
	}))

	best, err := r.BestForTask(domain.ModelQuery{
		Capabilities:      []string{"text"},
		PreferredProvider: "beta",
	})
	require.NoError(t, err)
	assert.Equal(t, "premium", best.Name)

	_, err = r.BestForTask(domain.ModelQuery{
		Capabilities:      []string{"text"},
		MaxCostPerToken:   0.005,
		PreferredProvider: "beta",
	})
	assert.ErrorIs(t, err, domain.ErrNoCapableModel)
}

func TestBestForTaskDeterministic(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Register(domain.AIModel{Name: "z", Capabilities: []string{"text"}, CostPerToken: 0.001}))
	require.NoError(t, r.Register(domain.AIModel{Name: "a", Capabilities: []string{"text"}, CostPerToken: 0.001}))

	for i := 0; i < 10; i++ {
		best, err := r.BestForTask(domain.ModelQuery{Capabilities: []string{"text"}})
		require.NoError(t, err)
		assert.Equal(t, "a", best.Name, "equal-cost tie breaks by name")
	}
}
