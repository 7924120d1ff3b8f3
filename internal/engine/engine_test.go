package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-ai/internal/domain"
	"forge-ai/internal/infra/config"
	"forge-ai/internal/usecase"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   int
	respond func(model string) (string, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, model, _ string, _ float64, _ int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(model)
	}
	return "ok: " + model, nil
}

type jsonAgent struct{}

func (jsonAgent) Process(_ context.Context, req domain.AgentRequest) (string, error) {
	return string(req.Input), nil
}

func (jsonAgent) ProcessOutput(_ context.Context, raw string, _ domain.AgentRequest) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]string{"text": raw})
	return out, nil
}

func (jsonAgent) EmergencyFallback(_ context.Context, _ domain.AgentRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"text":"degraded"}`), nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{
		{Name: "fast", Provider: "acme", MaxTokens: 1024, CostPerToken: 0.001, Capabilities: []string{"text"}},
		{Name: "smart", Provider: "acme", MaxTokens: 4096, CostPerToken: 0.01, Capabilities: []string{"text", "code"}},
	}
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, invoker domain.ModelInvoker) *Engine {
	t.Helper()
	e, err := New(cfg, invoker, slog.Default(), usecase.WithBackoff(usecase.NoBackoff()))
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return e
}

func createWriter(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.RegisterAgentType("json", func(domain.AgentConfig) (domain.Agent, error) {
		return jsonAgent{}, nil
	}))
	require.NoError(t, e.CreateAgent("json", domain.AgentConfig{
		ID:           "writer",
		PrimaryModel: "fast",
		MaxRetries:   1,
	}, 2))
}

func TestExecuteAgentEndToEnd(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	resp, err := e.ExecuteAgent(context.Background(), domain.AgentRequest{
		AgentID: "writer",
		Input:   json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Model)
	assert.JSONEq(t, `{"text":"ok: fast"}`, string(resp.Output))
}

func TestCreateAgentValidation(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})

	err := e.CreateAgent("unregistered", domain.AgentConfig{ID: "x"}, 1)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	require.NoError(t, e.RegisterAgentType("json", func(domain.AgentConfig) (domain.Agent, error) {
		return jsonAgent{}, nil
	}))
	err = e.CreateAgent("json", domain.AgentConfig{ID: "x", PrimaryModel: "ghost"}, 1)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)
}

func TestQueueAgentRequest(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	id, err := e.QueueAgentRequest(domain.AgentRequest{
		AgentID:  "writer",
		Input:    json.RawMessage(`"queued"`),
		Priority: domain.PriorityHigh,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		job, err := e.Job(id)
		return err == nil && job.Status == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestExecuteWorkflow(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	second := domain.WorkflowStep{
		ID:        "b",
		Request:   domain.AgentRequest{AgentID: "writer", Input: json.RawMessage(`"ignored"`)},
		DependsOn: []string{"a"},
		Transform: func(_ json.RawMessage, prior *domain.StepResults) (json.RawMessage, error) {
			resp, ok := prior.Get("a")
			if !ok {
				return nil, errors.New("missing step a")
			}
			return resp.Output, nil
		},
	}

	result, err := e.ExecuteWorkflow(context.Background(), domain.Workflow{
		Steps: []domain.WorkflowStep{
			{ID: "a", Request: domain.AgentRequest{AgentID: "writer", Input: json.RawMessage(`"start"`)}},
			second,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Results.IDs())
}

func TestBestModelForTask(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})

	m, err := e.BestModelForTask(domain.ModelQuery{Capabilities: []string{"text"}})
	require.NoError(t, err)
	assert.Equal(t, "fast", m.Name, "cheapest capable model wins")

	m, err = e.BestModelForTask(domain.ModelQuery{Capabilities: []string{"text", "code"}})
	require.NoError(t, err)
	assert.Equal(t, "smart", m.Name)

	_, err = e.BestModelForTask(domain.ModelQuery{Capabilities: []string{"vision"}})
	assert.ErrorIs(t, err, domain.ErrNoCapableModel)
}

func TestScaleAgent(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	require.NoError(t, e.ScaleAgent("writer", 5))
	stats, err := e.AgentStats("writer")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Instances)

	assert.ErrorIs(t, e.ScaleAgent("ghost", 2), domain.ErrAgentNotFound)
}

func TestSystemHealth(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	_, err := e.ExecuteAgent(context.Background(), domain.AgentRequest{
		AgentID: "writer",
		Input:   json.RawMessage(`"probe"`),
	})
	require.NoError(t, err)

	health := e.SystemHealth()
	require.Len(t, health.Agents, 1)
	assert.Equal(t, "writer", health.Agents[0].AgentID)
	assert.False(t, health.Agents[0].IsOpen)
	assert.Equal(t, 0, health.QueueDepth)
	require.NotNil(t, health.Cache)
	assert.Greater(t, health.Uptime, time.Duration(0))
}

func TestAgentMetricsAccumulate(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	for i := 0; i < 3; i++ {
		_, err := e.ExecuteAgent(context.Background(), domain.AgentRequest{
			AgentID: "writer",
			Input:   json.RawMessage(`"m"`),
		})
		require.NoError(t, err)
	}

	m, err := e.AgentMetrics("writer")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(3), m.SuccessfulRequests)
	assert.Greater(t, m.TotalTokens, int64(0))
}

func TestStreamingThroughEngine(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	session, err := e.CreateStream("writer", "u1", nil)
	require.NoError(t, err)

	_, err = e.CreateStream("ghost", "u1", nil)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	req := domain.AgentRequest{
		AgentID:   "writer",
		Input:     json.RawMessage(`"stream me"`),
		Streaming: true,
		SessionID: session.Info.SessionID,
	}
	_, err = e.ExecuteAgent(context.Background(), req)
	require.NoError(t, err)

	var chunks []domain.StreamChunk
	for c := range session.Chunks() {
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].IsComplete)
}

func TestRemoveAgent(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	require.NoError(t, e.RemoveAgent("writer"))
	_, err := e.ExecuteAgent(context.Background(), domain.AgentRequest{AgentID: "writer"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestDestroyIsIdempotent(t *testing.T) {
	e := newEngine(t, testConfig(), &fakeInvoker{})
	createWriter(t, e)

	e.Destroy()
	e.Destroy()

	_, err := e.ExecuteAgent(context.Background(), domain.AgentRequest{AgentID: "writer"})
	assert.ErrorIs(t, err, domain.ErrEngineDestroyed)

	_, err = e.QueueAgentRequest(domain.AgentRequest{AgentID: "writer"})
	assert.ErrorIs(t, err, domain.ErrEngineDestroyed)

	assert.ErrorIs(t, e.ScaleAgent("writer", 2), domain.ErrEngineDestroyed)
}

func TestCacheEnabledWithoutTTLUsesDefault(t *testing.T) {
	inv := &fakeInvoker{}
	e := newEngine(t, testConfig(), inv)

	require.NoError(t, e.RegisterAgentType("json", func(domain.AgentConfig) (domain.Agent, error) {
		return jsonAgent{}, nil
	}))
	require.NoError(t, e.CreateAgent("json", domain.AgentConfig{
		ID:           "writer",
		PrimaryModel: "fast",
		CacheEnabled: true, // no CacheTTL: Cache.DefaultTTL applies
	}, 1))

	req := domain.AgentRequest{AgentID: "writer", Input: json.RawMessage(`"memo"`)}
	first, err := e.ExecuteAgent(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.ExecuteAgent(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached, "unset agent TTL falls back to the engine default")
	assert.Equal(t, 1, inv.calls)
}

func TestDisabledCacheStats(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = false
	e := newEngine(t, cfg, &fakeInvoker{})

	_, err := e.CacheStats()
	assert.ErrorIs(t, err, domain.ErrDisabled)

	health := e.SystemHealth()
	assert.Nil(t, health.Cache, "disabled cache is absent from health, not zeroed")
}

func TestPrometheusRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.PrometheusEnabled = true
	e := newEngine(t, cfg, &fakeInvoker{})
	assert.NotNil(t, e.PrometheusRegistry())

	e2 := newEngine(t, testConfig(), &fakeInvoker{})
	assert.Nil(t, e2.PrometheusRegistry())
}
