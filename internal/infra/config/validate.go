package config

import "fmt"

// Validate checks cross-field consistency. Load calls this automatically;
// callers constructing Config in code should call it themselves.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format: unsupported format %q", c.Logger.Format)
	}

	modelNames := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if modelNames[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name)
		}
		modelNames[m.Name] = true
		if m.CostPerToken < 0 {
			return fmt.Errorf("models[%d] %q: cost_per_token must not be negative", i, m.Name)
		}
	}

	agentIDs := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if agentIDs[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		agentIDs[a.ID] = true
		if a.PrimaryModel == "" {
			return fmt.Errorf("agents[%d] %q: primary_model is required", i, a.ID)
		}
		if len(c.Models) > 0 {
			if !modelNames[a.PrimaryModel] {
				return fmt.Errorf("agents[%d] %q: primary_model %q is not declared", i, a.ID, a.PrimaryModel)
			}
			for _, fb := range a.FallbackModels {
				if !modelNames[fb] {
					return fmt.Errorf("agents[%d] %q: fallback model %q is not declared", i, a.ID, fb)
				}
			}
		}
		if a.MaxRetries < 0 {
			return fmt.Errorf("agents[%d] %q: max_retries must not be negative", i, a.ID)
		}
		if a.RateLimitPerMinute < 0 {
			return fmt.Errorf("agents[%d] %q: rate_limit_per_minute must not be negative", i, a.ID)
		}
		if a.Instances < 0 {
			return fmt.Errorf("agents[%d] %q: instances must not be negative", i, a.ID)
		}
	}

	return nil
}
