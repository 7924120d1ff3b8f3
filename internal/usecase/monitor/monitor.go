// Package monitor tracks per-agent-type health. It gates dispatch with a
// circuit breaker and accumulates execution metrics. Breaker state is the
// single mutable point of contention for dispatch decisions; gobreaker
// updates it atomically relative to concurrent success/failure reports.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"forge-ai/internal/domain"
	"forge-ai/internal/infra/config"
	"forge-ai/internal/infra/metrics"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultCooldown    time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

type agentState struct {
	breaker *gobreaker.CircuitBreaker[string]

	mu             sync.Mutex
	total          int64
	successes      int64
	failures       int64
	totalLatency   time.Duration
	tokens         int64
	cost           float64
	cacheHits      int64
	cacheMisses    int64
	trips          int64
	lastFailure    time.Time
	nextAttempt    time.Time
}

// Monitor owns one circuit breaker and one metrics record per agent type.
type Monitor struct {
	enabled   bool
	cfg       config.BreakerConfig
	bus       domain.EventBus
	collector *metrics.Collector // nil = no Prometheus export
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// New creates a monitor. When enabled is false the breakers still gate
// dispatch, but metrics and health queries fail with ErrDisabled.
func New(enabled bool, cfg config.BreakerConfig, bus domain.EventBus, collector *metrics.Collector, logger *slog.Logger) *Monitor {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Interval < 0 {
		cfg.Interval = defaultInterval
	}
	return &Monitor{
		enabled:   enabled,
		cfg:       cfg,
		bus:       bus,
		collector: collector,
		logger:    logger,
		agents:    make(map[string]*agentState),
	}
}

// Enabled reports whether metrics collection is active.
func (m *Monitor) Enabled() bool { return m.enabled }

func (m *Monitor) state(agentID string) *agentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.agents[agentID]; ok {
		return s
	}

	s := &agentState{}
	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1, // one probe in half-open state
		Interval:    m.cfg.Interval,
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.onStateChange(agentID, s, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	m.agents[agentID] = s
	return s
}

func (m *Monitor) onStateChange(agentID string, s *agentState, from, to gobreaker.State) {
	m.logger.Warn("circuit breaker state change",
		"agent_id", agentID,
		"from", from.String(),
		"to", to.String(),
	)

	var event domain.EventType
	switch to {
	case gobreaker.StateOpen:
		s.mu.Lock()
		s.trips++
		s.nextAttempt = time.Now().Add(m.cfg.Cooldown)
		s.mu.Unlock()
		if m.collector != nil {
			m.collector.ObserveBreakerTrip(agentID)
		}
		event = domain.EventBreakerOpened
	case gobreaker.StateClosed:
		event = domain.EventBreakerClosed
	default:
		return // half-open is an internal transition, not externally observable
	}

	payload, _ := json.Marshal(domain.BreakerPayload{From: from.String(), To: to.String()})
	m.bus.Publish(context.Background(), domain.Event{
		Type:      event,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   payload,
	})
}

// Execute runs fn through the agent's circuit breaker. When the breaker is
// open the call fails fast with ErrBreakerOpen and fn is never invoked.
func (m *Monitor) Execute(agentID string, fn func() (string, error)) (string, error) {
	s := m.state(agentID)

	out, err := s.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", domain.NewDomainError("Monitor.Execute", domain.ErrBreakerOpen, agentID)
		}
		s.mu.Lock()
		s.lastFailure = time.Now()
		s.mu.Unlock()
		return "", err
	}
	return out, nil
}

// RecordSuccess accumulates a successful request outcome.
func (m *Monitor) RecordSuccess(agentID string, duration time.Duration, tokens int, cost float64) {
	s := m.state(agentID)
	s.mu.Lock()
	s.total++
	s.successes++
	s.totalLatency += duration
	s.tokens += int64(tokens)
	s.cost += cost
	s.mu.Unlock()

	if m.collector != nil {
		m.collector.ObserveRequest(agentID, "success", duration)
		m.collector.AddUsage(agentID, tokens, cost)
	}
}

// RecordFailure accumulates a failed request outcome.
func (m *Monitor) RecordFailure(agentID string, duration time.Duration) {
	s := m.state(agentID)
	s.mu.Lock()
	s.total++
	s.failures++
	s.totalLatency += duration
	s.lastFailure = time.Now()
	s.mu.Unlock()

	if m.collector != nil {
		m.collector.ObserveRequest(agentID, "failure", duration)
	}
}

// RecordCacheLookup accumulates a cache hit or miss.
func (m *Monitor) RecordCacheLookup(agentID string, hit bool) {
	s := m.state(agentID)
	s.mu.Lock()
	if hit {
		s.cacheHits++
	} else {
		s.cacheMisses++
	}
	s.mu.Unlock()

	if m.collector != nil {
		m.collector.ObserveCacheLookup(agentID, hit)
	}
}

// Health returns the breaker snapshot for one agent type.
func (m *Monitor) Health(agentID string) (domain.CircuitBreakerState, error) {
	if !m.enabled {
		return domain.CircuitBreakerState{}, domain.NewDomainError("Monitor.Health", domain.ErrDisabled, "monitoring")
	}

	s := m.state(agentID)
	state := s.breaker.State()
	counts := s.breaker.Counts()

	s.mu.Lock()
	lastFailure := s.lastFailure
	nextAttempt := s.nextAttempt
	s.mu.Unlock()

	snap := domain.CircuitBreakerState{
		AgentID:         agentID,
		State:           state.String(),
		IsOpen:          state == gobreaker.StateOpen,
		FailureCount:    int64(counts.TotalFailures),
		LastFailureTime: lastFailure,
	}
	if snap.IsOpen {
		snap.NextAttemptTime = nextAttempt
	}
	return snap, nil
}

// Metrics returns the cumulative record for one agent type.
func (m *Monitor) Metrics(agentID string) (domain.AgentMetrics, error) {
	if !m.enabled {
		return domain.AgentMetrics{}, domain.NewDomainError("Monitor.Metrics", domain.ErrDisabled, "monitoring")
	}

	s := m.state(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := domain.AgentMetrics{
		AgentID:            agentID,
		TotalRequests:      s.total,
		SuccessfulRequests: s.successes,
		FailedRequests:     s.failures,
		TotalTokens:        s.tokens,
		TotalCost:          s.cost,
		CacheHits:          s.cacheHits,
		CacheMisses:        s.cacheMisses,
		BreakerTrips:       s.trips,
	}
	if s.total > 0 {
		out.AverageLatency = s.totalLatency / time.Duration(s.total)
	}
	if s.cacheHits+s.cacheMisses > 0 {
		out.CacheHitRate = float64(s.cacheHits) / float64(s.cacheHits+s.cacheMisses)
	}
	return out, nil
}

// HealthAll returns breaker snapshots for every tracked agent type.
func (m *Monitor) HealthAll() []domain.CircuitBreakerState {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]domain.CircuitBreakerState, 0, len(ids))
	for _, id := range ids {
		if snap, err := m.Health(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}
