// Package engine assembles the orchestration runtime behind a single
// facade: model registry, response cache, health monitor, stream manager,
// agent pools, priority queue and workflow runner.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"forge-ai/internal/domain"
	"forge-ai/internal/infra/config"
	"forge-ai/internal/infra/metrics"
	"forge-ai/internal/usecase"
	"forge-ai/internal/usecase/cache"
	"forge-ai/internal/usecase/eventbus"
	"forge-ai/internal/usecase/monitor"
	"forge-ai/internal/usecase/pool"
	"forge-ai/internal/usecase/queue"
	"forge-ai/internal/usecase/registry"
	"forge-ai/internal/usecase/stream"
	"forge-ai/internal/usecase/workflow"
)

// Engine is the application-facing facade. Construct with New, tear down
// with Destroy. All methods are safe for concurrent use.
type Engine struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	models    *registry.Registry
	store     *cache.Cache
	monitor   *monitor.Monitor
	streams   *stream.Manager
	executor  *usecase.Executor
	queue     *queue.Queue
	workflows *workflow.Runner
	collector *metrics.Collector // nil unless Prometheus export is on
	cron      *cron.Cron

	mu        sync.RWMutex
	factories map[string]domain.AgentFactory

	startedAt time.Time
	destroyed atomic.Bool
}

// New wires the engine from config. Models declared in the config are
// registered immediately; agents are created by the caller once their
// factories are registered.
func New(cfg config.Config, invoker domain.ModelInvoker, logger *slog.Logger, opts ...usecase.ExecutorOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		factories: make(map[string]domain.AgentFactory),
		startedAt: time.Now(),
	}

	e.bus = eventbus.New(logger)
	e.models = registry.New(logger)
	e.store = cache.New(cfg.Cache.Enabled, logger)
	if cfg.Monitoring.PrometheusEnabled {
		e.collector = metrics.New(cfg.Monitoring.Namespace)
	}
	e.monitor = monitor.New(cfg.Monitoring.Enabled, cfg.Breaker, e.bus, e.collector, logger)
	e.streams = stream.New(cfg.Streaming.Enabled, cfg.Streaming.BufferSize, e.bus, logger)
	e.executor = usecase.NewExecutor(invoker, e.models, e.store, e.monitor, e.streams, e.bus, logger, opts...)
	e.queue = queue.New(cfg.Queue, e.executor.Execute, e.bus, e.collector, logger)
	e.workflows = workflow.New(e.executor.Execute, e.bus, logger)

	for _, m := range cfg.Models {
		if err := e.models.Register(domain.AIModel{
			Name:         m.Name,
			Provider:     m.Provider,
			Version:      m.Version,
			MaxTokens:    m.MaxTokens,
			CostPerToken: m.CostPerToken,
			Capabilities: m.Capabilities,
		}); err != nil {
			return nil, err
		}
	}

	e.queue.Start()
	e.startMaintenance()

	logger.Info("engine started",
		"models", len(cfg.Models),
		"cache", cfg.Cache.Enabled,
		"streaming", cfg.Streaming.Enabled,
		"monitoring", cfg.Monitoring.Enabled,
	)
	return e, nil
}

// startMaintenance schedules the periodic cache sweep and health log line.
func (e *Engine) startMaintenance() {
	e.cron = cron.New()

	if e.store.Enabled() {
		interval := e.cfg.Cache.SweepInterval
		if interval < time.Second {
			interval = time.Second
		}
		e.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			e.store.Sweep()
		}))
	}

	if e.cfg.Monitoring.Enabled && e.cfg.Monitoring.HealthLogInterval > 0 {
		e.cron.Schedule(cron.Every(e.cfg.Monitoring.HealthLogInterval), cron.FuncJob(func() {
			health := e.SystemHealth()
			e.logger.Info("engine health",
				"agents", len(health.Agents),
				"queue_depth", health.QueueDepth,
				"streams", health.Streams,
				"uptime", health.Uptime.Round(time.Second),
			)
		}))
	}

	e.cron.Start()
}

func (e *Engine) checkAlive(op string) error {
	if e.destroyed.Load() {
		return domain.NewDomainError(op, domain.ErrEngineDestroyed, "")
	}
	return nil
}

// RegisterAgentType registers the factory that builds instances of one
// agent type. Re-registering a name replaces the factory for future
// CreateAgent calls; existing pools keep their instances.
func (e *Engine) RegisterAgentType(name string, factory domain.AgentFactory) error {
	if err := e.checkAlive("Engine.RegisterAgentType"); err != nil {
		return err
	}
	if name == "" || factory == nil {
		return domain.NewDomainError("Engine.RegisterAgentType", domain.ErrInvalidInput, "name and factory are required")
	}

	e.mu.Lock()
	e.factories[name] = factory
	e.mu.Unlock()
	return nil
}

// CreateAgent creates the instance pool for an agent type using a
// registered factory. Replacing an existing agent id drains its old pool.
func (e *Engine) CreateAgent(typeName string, cfg domain.AgentConfig, instances int) error {
	if err := e.checkAlive("Engine.CreateAgent"); err != nil {
		return err
	}

	e.mu.RLock()
	factory, ok := e.factories[typeName]
	e.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("Engine.CreateAgent", domain.ErrAgentNotFound, typeName)
	}

	if cfg.PrimaryModel != "" {
		if _, err := e.models.Get(cfg.PrimaryModel); err != nil {
			return err
		}
	}
	for _, name := range cfg.FallbackModels {
		if _, err := e.models.Get(name); err != nil {
			return err
		}
	}

	// Agents that enable caching without a TTL inherit the engine default;
	// the cache ignores non-positive TTLs.
	if cfg.CacheEnabled && cfg.CacheTTL <= 0 {
		cfg.CacheTTL = e.cfg.Cache.DefaultTTL
	}

	p, err := pool.New(cfg, factory, instances, e.logger)
	if err != nil {
		return err
	}
	e.executor.AddPool(p)

	e.logger.Info("agent created",
		"agent_id", cfg.ID,
		"type", typeName,
		"instances", instances,
		"primary_model", cfg.PrimaryModel,
	)
	return nil
}

// RemoveAgent drains and removes an agent type's pool.
func (e *Engine) RemoveAgent(agentID string) error {
	if err := e.checkAlive("Engine.RemoveAgent"); err != nil {
		return err
	}
	if _, err := e.executor.Pool(agentID); err != nil {
		return err
	}
	e.executor.RemovePool(agentID)
	e.store.InvalidateAgent(agentID)
	return nil
}

// ExecuteAgent runs one request synchronously through the full policy
// chain and returns its response.
func (e *Engine) ExecuteAgent(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if err := e.checkAlive("Engine.ExecuteAgent"); err != nil {
		return domain.AgentResponse{}, err
	}
	return e.executor.Execute(ctx, req)
}

// QueueAgentRequest enqueues a request for asynchronous dispatch and
// returns the job id immediately.
func (e *Engine) QueueAgentRequest(req domain.AgentRequest) (string, error) {
	if err := e.checkAlive("Engine.QueueAgentRequest"); err != nil {
		return "", err
	}
	return e.queue.Enqueue(req)
}

// QueueAgentRequestDelayed enqueues a request that dispatches after delay.
func (e *Engine) QueueAgentRequestDelayed(req domain.AgentRequest, delay time.Duration) (string, error) {
	if err := e.checkAlive("Engine.QueueAgentRequest"); err != nil {
		return "", err
	}
	return e.queue.EnqueueDelayed(req, delay)
}

// Job returns the state of a queued job.
func (e *Engine) Job(id string) (domain.QueueJob, error) {
	return e.queue.Job(id)
}

// ExecuteWorkflow runs a workflow DAG to completion.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf domain.Workflow) (domain.WorkflowResult, error) {
	if err := e.checkAlive("Engine.ExecuteWorkflow"); err != nil {
		return domain.WorkflowResult{}, err
	}
	return e.workflows.Run(ctx, wf)
}

// RegisterModel adds a model to the registry at runtime.
func (e *Engine) RegisterModel(m domain.AIModel) error {
	if err := e.checkAlive("Engine.RegisterModel"); err != nil {
		return err
	}
	return e.models.Register(m)
}

// GetModel looks up a registered model by name.
func (e *Engine) GetModel(name string) (domain.AIModel, error) {
	return e.models.Get(name)
}

// BestModelForTask selects the cheapest model satisfying the query.
func (e *Engine) BestModelForTask(q domain.ModelQuery) (domain.AIModel, error) {
	return e.models.BestForTask(q)
}

// ListModels returns every registered model.
func (e *Engine) ListModels() []domain.AIModel {
	return e.models.List()
}

// CreateStream opens a streaming session for an agent type.
func (e *Engine) CreateStream(agentID, userID string, metadata map[string]string) (*stream.Session, error) {
	if err := e.checkAlive("Engine.CreateStream"); err != nil {
		return nil, err
	}
	if _, err := e.executor.Pool(agentID); err != nil {
		return nil, err
	}

	s, err := e.streams.Create(agentID, userID, metadata)
	if err != nil {
		return nil, err
	}
	if e.collector != nil {
		e.collector.SetActiveStreams(e.streams.Active())
	}
	return s, nil
}

// GetStreamSession looks up an open streaming session.
func (e *Engine) GetStreamSession(sessionID string) (*stream.Session, error) {
	return e.streams.Get(sessionID)
}

// AgentStats returns the pool snapshot for one agent type.
func (e *Engine) AgentStats(agentID string) (domain.AgentStats, error) {
	p, err := e.executor.Pool(agentID)
	if err != nil {
		return domain.AgentStats{}, err
	}
	return p.Stats(), nil
}

// AgentMetrics returns the cumulative execution record for one agent type.
func (e *Engine) AgentMetrics(agentID string) (domain.AgentMetrics, error) {
	if _, err := e.executor.Pool(agentID); err != nil {
		return domain.AgentMetrics{}, err
	}
	return e.monitor.Metrics(agentID)
}

// AgentHealth returns the circuit breaker snapshot for one agent type.
func (e *Engine) AgentHealth(agentID string) (domain.CircuitBreakerState, error) {
	if _, err := e.executor.Pool(agentID); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	return e.monitor.Health(agentID)
}

// ScaleAgent resizes an agent type's pool.
func (e *Engine) ScaleAgent(agentID string, instances int) error {
	if err := e.checkAlive("Engine.ScaleAgent"); err != nil {
		return err
	}
	p, err := e.executor.Pool(agentID)
	if err != nil {
		return err
	}
	if err := p.Scale(instances); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]int{"instances": instances})
	e.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventAgentScaled,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   payload,
	})
	return nil
}

// ClearCache drops every cached response.
func (e *Engine) ClearCache() {
	e.store.Invalidate()
}

// ClearAgentCache drops one agent type's cached responses.
func (e *Engine) ClearAgentCache(agentID string) {
	e.store.InvalidateAgent(agentID)
}

// CacheStats reports response-cache effectiveness.
func (e *Engine) CacheStats() (domain.CacheStats, error) {
	return e.store.Stats()
}

// SystemHealth aggregates breaker, queue, stream and cache state.
func (e *Engine) SystemHealth() domain.SystemHealth {
	health := domain.SystemHealth{
		Agents:     e.monitor.HealthAll(),
		QueueDepth: e.queue.Depth(),
		Streams:    e.streams.Active(),
		Uptime:     time.Since(e.startedAt),
	}
	if stats, err := e.store.Stats(); err == nil {
		health.Cache = &stats
	}
	return health
}

// Subscribe registers a handler for one event type.
func (e *Engine) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return e.bus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for every event.
func (e *Engine) SubscribeAll(handler domain.EventHandler) func() {
	return e.bus.SubscribeAll(handler)
}

// GetConfig returns a copy of the engine configuration.
func (e *Engine) GetConfig() config.Config {
	return e.cfg
}

// UpdateAgentConfig replaces an agent type's configuration. The pool is
// rebuilt with the same factory and instance count; in-flight requests on
// the old pool finish before their instances drop.
func (e *Engine) UpdateAgentConfig(typeName string, cfg domain.AgentConfig) error {
	if err := e.checkAlive("Engine.UpdateAgentConfig"); err != nil {
		return err
	}

	p, err := e.executor.Pool(cfg.ID)
	if err != nil {
		return err
	}
	instances := p.Stats().Instances
	if err := e.CreateAgent(typeName, cfg, instances); err != nil {
		return err
	}
	e.store.InvalidateAgent(cfg.ID)
	return nil
}

// PrometheusRegistry exposes the metrics registry for a scrape handler.
// Nil when Prometheus export is disabled.
func (e *Engine) PrometheusRegistry() *prometheus.Registry {
	if e.collector == nil {
		return nil
	}
	return e.collector.Registry()
}

// Destroy tears the engine down: queue drained, streams closed, pools
// drained, bus closed. Idempotent; all later calls fail with
// ErrEngineDestroyed.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}

	e.cron.Stop()
	e.queue.Stop()
	e.streams.Close()
	e.executor.Close()
	e.bus.Close()
	e.logger.Info("engine destroyed", "uptime", time.Since(e.startedAt).Round(time.Second))
}
