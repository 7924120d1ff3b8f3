package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// QueueConfig holds priority-queue dispatcher settings.
type QueueConfig struct {
	Workers     int `yaml:"workers"`      // concurrent dispatch workers (default 4)
	MaxAttempts int `yaml:"max_attempts"` // per-job dispatch attempts (default 1)
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`    // used when an agent sets none
	SweepInterval time.Duration `yaml:"sweep_interval"` // expired-entry sweep period
}

// BreakerConfig holds circuit breaker settings applied per agent type.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration `yaml:"cooldown"`
	// Interval is the cyclic period of the closed state for clearing failure
	// counts. If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// StreamingConfig holds stream manager settings.
type StreamingConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"` // per-session channel buffer (default 16)
}

// MonitoringConfig holds metrics collection settings.
type MonitoringConfig struct {
	Enabled            bool          `yaml:"enabled"`
	PrometheusEnabled  bool          `yaml:"prometheus_enabled"`
	Namespace          string        `yaml:"namespace"`           // prometheus namespace (default "forge_ai")
	HealthLogInterval  time.Duration `yaml:"health_log_interval"` // periodic health log line; 0 = off
}

// ModelConfig declares a model available at startup.
type ModelConfig struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	Version      string   `yaml:"version"`
	MaxTokens    int      `yaml:"max_tokens"`
	CostPerToken float64  `yaml:"cost_per_token"`
	Capabilities []string `yaml:"capabilities"`
}

// AgentConfig declares an agent type configured at startup.
type AgentConfig struct {
	ID                 string        `yaml:"id"`
	Name               string        `yaml:"name"`
	Description        string        `yaml:"description"`
	PrimaryModel       string        `yaml:"primary_model"`
	FallbackModels     []string      `yaml:"fallback_models"`
	MaxRetries         int           `yaml:"max_retries"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheEnabled       bool          `yaml:"cache_enabled"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	Temperature        float64       `yaml:"temperature"`
	Instances          int           `yaml:"instances"`
}

// Config is the top-level engine configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Queue      QueueConfig      `yaml:"queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Models     []ModelConfig    `yaml:"models"`
	Agents     []AgentConfig    `yaml:"agents"`
}

// Default returns a Config with sensible defaults for every section.
func Default() Config {
	return Config{
		Logger:    LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer:    TracerConfig{Enabled: false},
		Queue:     QueueConfig{Workers: 4, MaxAttempts: 1},
		Cache:     CacheConfig{Enabled: true, DefaultTTL: 5 * time.Minute, SweepInterval: time.Minute},
		Breaker:   BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second, Interval: 60 * time.Second},
		Streaming: StreamingConfig{Enabled: true, BufferSize: 16},
		Monitoring: MonitoringConfig{
			Enabled:   true,
			Namespace: "forge_ai",
		},
	}
}

// Load reads a YAML config file, applying defaults for absent sections.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults restores zero-valued fields that have required defaults.
func (c *Config) applyDefaults() {
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 1
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.Streaming.BufferSize <= 0 {
		c.Streaming.BufferSize = 16
	}
	if c.Monitoring.Namespace == "" {
		c.Monitoring.Namespace = "forge_ai"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
}
