// Package integration holds end-to-end tests that drive the engine facade
// with real components rather than package-level mocks.
package integration

import (
	"context"
	"testing"
	"time"

	"forge-ai/internal/infra/config"
)

// TestConfig returns an engine config suited to fast e2e runs: cache,
// streaming and monitoring on, short breaker cooldown, two queue workers.
func TestConfig() config.Config {
	cfg := config.Default()
	cfg.Breaker.Cooldown = time.Second
	cfg.Queue.Workers = 2
	cfg.Models = []config.ModelConfig{
		{Name: "fast", Provider: "local", MaxTokens: 1024, CostPerToken: 0.001, Capabilities: []string{"text"}},
		{Name: "smart", Provider: "local", MaxTokens: 8192, CostPerToken: 0.01, Capabilities: []string{"text", "code"}},
	}
	return cfg
}

// SkipIfShort skips end-to-end tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
}

// NewTestContext creates a context with a per-test timeout.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
