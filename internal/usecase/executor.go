// Package usecase contains the request execution core: the policy chain
// that takes one agent request through rate limiting, caching, the circuit
// breaker, model retries with fallback, and emergency degradation.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forge-ai/internal/domain"
	"forge-ai/internal/infra/tracer"
	"forge-ai/internal/usecase/cache"
	"forge-ai/internal/usecase/monitor"
	"forge-ai/internal/usecase/pool"
	"forge-ai/internal/usecase/registry"
	"forge-ai/internal/usecase/stream"
)

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(fn BackoffFunc) ExecutorOption {
	return func(e *Executor) { e.backoff = fn }
}

// WithTokenCounter overrides the token estimator.
func WithTokenCounter(tc *TokenCounter) ExecutorOption {
	return func(e *Executor) { e.tokens = tc }
}

// Executor runs agent requests end to end. It owns the agent pools and
// applies the execution policy in a fixed order: rate limit, cache,
// circuit breaker, primary model with retries, fallback models with
// retries, emergency fallback.
type Executor struct {
	invoker    domain.ModelInvoker
	models     *registry.Registry
	store      *cache.Cache
	monitor    *monitor.Monitor
	streams    *stream.Manager
	bus        domain.EventBus
	logger     *slog.Logger
	backoff    BackoffFunc
	classifier *Classifier
	tokens     *TokenCounter

	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

// NewExecutor wires the execution core.
func NewExecutor(
	invoker domain.ModelInvoker,
	models *registry.Registry,
	store *cache.Cache,
	mon *monitor.Monitor,
	streams *stream.Manager,
	bus domain.EventBus,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		invoker:    invoker,
		models:     models,
		store:      store,
		monitor:    mon,
		streams:    streams,
		bus:        bus,
		logger:     logger,
		backoff:    DefaultBackoff(),
		classifier: NewClassifier(),
		tokens:     NewTokenCounter(),
		pools:      make(map[string]*pool.Pool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPool registers the instance pool for an agent type. Replacing an
// existing pool closes the old one.
func (e *Executor) AddPool(p *pool.Pool) {
	id := p.Config().ID
	e.mu.Lock()
	old := e.pools[id]
	e.pools[id] = p
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// RemovePool unregisters and drains an agent type's pool.
func (e *Executor) RemovePool(agentID string) {
	e.mu.Lock()
	p := e.pools[agentID]
	delete(e.pools, agentID)
	e.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// Pool returns the pool for an agent type.
func (e *Executor) Pool(agentID string) (*pool.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.pools[agentID]
	if !ok {
		return nil, domain.NewDomainError("Executor.Pool", domain.ErrAgentNotFound, agentID)
	}
	return p, nil
}

// AgentIDs returns the registered agent types.
func (e *Executor) AgentIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.pools))
	for id := range e.pools {
		ids = append(ids, id)
	}
	return ids
}

// Close drains every pool.
func (e *Executor) Close() {
	e.mu.Lock()
	pools := e.pools
	e.pools = make(map[string]*pool.Pool)
	e.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// Execute runs one request through the full policy chain and returns
// exactly one response. Degraded emergency output is a success with
// Degraded set; everything past the emergency fallback is an error.
func (e *Executor) Execute(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if req.ID == "" {
		req.ID = domain.NewID()
	}

	p, err := e.Pool(req.AgentID)
	if err != nil {
		return domain.AgentResponse{}, err
	}
	cfg := p.Config()

	ctx, span := tracer.StartSpan(ctx, "executor.execute",
		trace.WithAttributes(
			tracer.StringAttr("agent_id", req.AgentID),
			tracer.StringAttr("request_id", req.ID),
			tracer.StringAttr("priority", string(req.Priority)),
		),
	)
	defer span.End()

	start := time.Now()
	e.publish(domain.EventRequestStarted, req, nil)

	// Rate limit rejections fail fast; they are never queued or retried.
	if !p.AllowRequest() {
		err := domain.NewDomainError("Executor.Execute", domain.ErrRateLimit, req.AgentID)
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}

	if cfg.CacheEnabled && e.store.Enabled() {
		if resp, ok := e.store.Get(req.AgentID, req.Input); ok {
			e.monitor.RecordCacheLookup(req.AgentID, true)
			e.publish(domain.EventCacheHit, req, nil)
			resp.RequestID = req.ID
			resp.Duration = time.Since(start)
			e.publish(domain.EventRequestCompleted, req, &resp)
			e.forwardCached(req, resp.Output)
			tracer.SetOK(span)
			return resp, nil
		}
		e.monitor.RecordCacheLookup(req.AgentID, false)
		e.publish(domain.EventCacheMiss, req, nil)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	lease, err := p.Acquire(ctx)
	if err != nil {
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}
	defer lease.Release()
	agent := lease.Agent()

	prompt, err := agent.Process(ctx, req)
	if err != nil {
		err = domain.WrapOp("Agent.Process", err)
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}

	var usedModel domain.AIModel
	raw, err := e.monitor.Execute(req.AgentID, func() (string, error) {
		out, model, invErr := e.invokeWithFallback(ctx, cfg, prompt, req)
		usedModel = model
		return out, invErr
	})
	if err != nil {
		if e.shouldDegrade(err) {
			return e.degrade(ctx, span, agent, req, start, err)
		}
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}

	output, err := agent.ProcessOutput(ctx, raw, req)
	if err != nil {
		err = domain.WrapOp("Agent.ProcessOutput", err)
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}

	tokens := e.tokens.Count(prompt) + e.tokens.Count(raw)
	resp := domain.AgentResponse{
		ID:         domain.NewID(),
		AgentID:    req.AgentID,
		RequestID:  req.ID,
		Output:     output,
		Model:      usedModel.Name,
		TokensUsed: tokens,
		Cost:       float64(tokens) * usedModel.CostPerToken,
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	}

	if cfg.CacheEnabled {
		e.store.Set(req.AgentID, req.Input, resp, cfg.CacheTTL)
	}
	e.monitor.RecordSuccess(req.AgentID, resp.Duration, resp.TokensUsed, resp.Cost)
	e.publish(domain.EventRequestCompleted, req, &resp)
	e.forwardFinalChunk(req, output)

	tracer.SetOK(span)
	return resp, nil
}

// invokeWithFallback walks the model chain: the primary first, then each
// fallback in order, with up to max(1, MaxRetries) attempts per model.
// Permanent errors abort the whole chain immediately.
func (e *Executor) invokeWithFallback(ctx context.Context, cfg domain.AgentConfig, prompt string, req domain.AgentRequest) (string, domain.AIModel, error) {
	names := append([]string{cfg.PrimaryModel}, cfg.FallbackModels...)
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i, name := range names {
		model, err := e.models.Get(name)
		if err != nil {
			lastErr = err
			continue
		}

		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				if err := sleepCtx(ctx, e.backoff(attempt-1)); err != nil {
					return "", domain.AIModel{}, domain.WrapOp("Executor.invoke", err)
				}
			}

			out, err := e.invokeOnce(ctx, model, prompt, cfg, req)
			if err == nil {
				return out, model, nil
			}
			lastErr = err

			classified := e.classifier.Classify(err)
			e.logger.Warn("model invocation failed",
				"agent_id", req.AgentID,
				"model", name,
				"attempt", attempt+1,
				"retryable", classified.Retryable(),
				"error", err,
			)
			if !classified.Retryable() {
				return "", domain.AIModel{}, domain.WrapOp("Executor.invoke", err)
			}
		}

		if i+1 < len(names) {
			payload, _ := json.Marshal(domain.ModelSwitchedPayload{From: name, To: names[i+1]})
			e.bus.Publish(ctx, domain.Event{
				Type:      domain.EventModelSwitched,
				Timestamp: time.Now(),
				AgentID:   req.AgentID,
				RequestID: req.ID,
				Payload:   payload,
			})
		}
	}

	return "", domain.AIModel{}, domain.NewDomainError("Executor.invoke", domain.ErrAllModelsFailed, lastErrDetail(lastErr))
}

// invokeOnce runs a single model call, streaming incrementally when the
// request asks for it and the provider supports it.
func (e *Executor) invokeOnce(ctx context.Context, model domain.AIModel, prompt string, cfg domain.AgentConfig, req domain.AgentRequest) (string, error) {
	streamer, ok := e.invoker.(domain.StreamingInvoker)
	if !ok || !req.Streaming || req.SessionID == "" {
		return e.invoker.Invoke(ctx, model.Name, prompt, cfg.Temperature, model.MaxTokens)
	}

	chunks, err := streamer.InvokeStream(ctx, model.Name, prompt, cfg.Temperature, model.MaxTokens)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		sb.WriteString(chunk)
		// Forwarding failures don't abort the invocation: the consumer may
		// have gone away while the model keeps producing useful output.
		if err := e.streams.Publish(req.SessionID, domain.StreamChunk{Chunk: chunk}); err != nil {
			e.logger.Debug("stream forward dropped", "session_id", req.SessionID, "error", err)
		}
	}
	return sb.String(), ctx.Err()
}

// forwardFinalChunk completes the stream session. Providers without
// incremental delivery stream the whole output as a single chunk.
func (e *Executor) forwardFinalChunk(req domain.AgentRequest, output json.RawMessage) {
	if !req.Streaming || req.SessionID == "" || !e.streams.Enabled() {
		return
	}

	if _, ok := e.invoker.(domain.StreamingInvoker); !ok {
		if err := e.streams.Publish(req.SessionID, domain.StreamChunk{Chunk: string(output)}); err != nil {
			return
		}
	}
	_ = e.streams.Publish(req.SessionID, domain.StreamChunk{IsComplete: true})
}

// forwardCached streams a cache hit: the stored output as one chunk,
// then the completion chunk. Without it a streaming consumer served
// from cache would wait on the session forever.
func (e *Executor) forwardCached(req domain.AgentRequest, output json.RawMessage) {
	if !req.Streaming || req.SessionID == "" || !e.streams.Enabled() {
		return
	}

	if err := e.streams.Publish(req.SessionID, domain.StreamChunk{Chunk: string(output)}); err != nil {
		return
	}
	_ = e.streams.Publish(req.SessionID, domain.StreamChunk{IsComplete: true})
}

// shouldDegrade decides whether the emergency fallback applies. Only full
// exhaustion of the model chain qualifies; breaker rejections and
// permanent errors surface as-is.
func (e *Executor) shouldDegrade(err error) bool {
	return errors.Is(err, domain.ErrAllModelsFailed)
}

// degrade produces the emergency output. A degraded response is still a
// success for the caller and for metrics; the Degraded flag marks it.
func (e *Executor) degrade(ctx context.Context, span trace.Span, agent domain.Agent, req domain.AgentRequest, start time.Time, cause error) (domain.AgentResponse, error) {
	output, err := agent.EmergencyFallback(ctx, req)
	if err != nil {
		err = domain.NewDomainError("Executor.Execute", domain.ErrFallbackFailed, err.Error())
		return domain.AgentResponse{}, e.fail(span, req, start, err)
	}

	e.logger.Warn("emergency fallback served",
		"agent_id", req.AgentID,
		"request_id", req.ID,
		"cause", cause,
	)

	resp := domain.AgentResponse{
		ID:        domain.NewID(),
		AgentID:   req.AgentID,
		RequestID: req.ID,
		Output:    output,
		Degraded:  true,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	e.monitor.RecordSuccess(req.AgentID, resp.Duration, 0, 0)
	e.publish(domain.EventRequestCompleted, req, &resp)
	e.forwardFinalChunk(req, output)

	tracer.SetOK(span)
	return resp, nil
}

func (e *Executor) fail(span trace.Span, req domain.AgentRequest, start time.Time, err error) error {
	e.monitor.RecordFailure(req.AgentID, time.Since(start))
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	e.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventRequestFailed,
		Timestamp: time.Now(),
		AgentID:   req.AgentID,
		RequestID: req.ID,
		Payload:   payload,
	})
	tracer.RecordError(span, err)
	return err
}

func (e *Executor) publish(typ domain.EventType, req domain.AgentRequest, resp *domain.AgentResponse) {
	var payload json.RawMessage
	if resp != nil {
		payload, _ = json.Marshal(map[string]any{
			"response_id": resp.ID,
			"model":       resp.Model,
			"cached":      resp.Cached,
			"degraded":    resp.Degraded,
		})
	}
	e.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		AgentID:   req.AgentID,
		RequestID: req.ID,
		Payload:   payload,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lastErrDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
