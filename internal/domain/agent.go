package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AgentConfig is the per-agent-type configuration, copied into each
// instance at creation time.
type AgentConfig struct {
	ID                 string        `json:"id"                   yaml:"id"`
	Name               string        `json:"name"                 yaml:"name"`
	Description        string        `json:"description"          yaml:"description"`
	PrimaryModel       string        `json:"primary_model"        yaml:"primary_model"`
	FallbackModels     []string      `json:"fallback_models"      yaml:"fallback_models"`
	MaxRetries         int           `json:"max_retries"          yaml:"max_retries"`
	Timeout            time.Duration `json:"timeout"              yaml:"timeout"`
	CacheEnabled       bool          `json:"cache_enabled"        yaml:"cache_enabled"`
	CacheTTL           time.Duration `json:"cache_ttl"            yaml:"cache_ttl"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	Temperature        float64       `json:"temperature"          yaml:"temperature"`
}

// Agent is the contract every agent type satisfies. The engine owns model
// selection, retries and fallback; the agent owns prompt construction and
// output interpretation.
type Agent interface {
	// Process turns the request payload into a model prompt.
	// Input interpretation is agent-specific; the engine treats the
	// payload as opaque.
	Process(ctx context.Context, req AgentRequest) (string, error)

	// ProcessOutput converts raw model text into the agent's structured
	// output shape.
	ProcessOutput(ctx context.Context, raw string, req AgentRequest) (json.RawMessage, error)

	// EmergencyFallback produces a degraded, non-model-dependent output
	// when all retries and fallback models are exhausted.
	EmergencyFallback(ctx context.Context, req AgentRequest) (json.RawMessage, error)
}

// AgentFactory produces a fresh agent instance from its config.
// Factories are registered per agent type; each pooled instance gets its
// own Agent value.
type AgentFactory func(cfg AgentConfig) (Agent, error)

// AgentStats is a read-only snapshot of one agent type's pool.
type AgentStats struct {
	AgentID   string `json:"agent_id"`
	Instances int    `json:"instances"`
	Idle      int    `json:"idle"`
	InFlight  int    `json:"in_flight"`
}
