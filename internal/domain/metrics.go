package domain

import "time"

// CircuitBreakerState is a read-only health snapshot for one agent type.
// Mutated only by the monitor in response to execution outcomes.
type CircuitBreakerState struct {
	AgentID         string    `json:"agent_id"`
	State           string    `json:"state"` // "closed", "open", "half-open"
	IsOpen          bool      `json:"is_open"`
	FailureCount    int64     `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitzero"`
}

// AgentMetrics is the cumulative execution record for one agent type.
type AgentMetrics struct {
	AgentID            string        `json:"agent_id"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AverageLatency     time.Duration `json:"average_latency"`
	TotalTokens        int64         `json:"total_tokens"`
	TotalCost          float64       `json:"total_cost"`
	CacheHits          int64         `json:"cache_hits"`
	CacheMisses        int64         `json:"cache_misses"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	BreakerTrips       int64         `json:"breaker_trips"`
}

// CacheStats reports response-cache effectiveness since the last reset.
type CacheStats struct {
	TotalEntries int     `json:"total_entries"`
	TotalSize    int64   `json:"total_size"`
	HitRate      float64 `json:"hit_rate"`
}

// SystemHealth aggregates engine-wide state for operators.
type SystemHealth struct {
	Agents     []CircuitBreakerState `json:"agents"`
	QueueDepth int                   `json:"queue_depth"`
	Streams    int                   `json:"streams"`
	Cache      *CacheStats           `json:"cache,omitempty"`
	Uptime     time.Duration         `json:"uptime"`
}
