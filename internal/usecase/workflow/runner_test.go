package workflow

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
	"forge-ai/internal/usecase/eventbus"
)

// scriptExec answers per agent id and records invocation order.
type scriptExec struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
	delay map[string]time.Duration
}

func (s *scriptExec) execute(_ context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if d, ok := s.delay[req.AgentID]; ok {
		time.Sleep(d)
	}

	s.mu.Lock()
	s.order = append(s.order, req.AgentID)
	s.mu.Unlock()

	if err, ok := s.fail[req.AgentID]; ok {
		return domain.AgentResponse{}, err
	}
	out, _ := json.Marshal(map[string]string{"from": req.AgentID, "input": string(req.Input)})
	return domain.AgentResponse{
		ID:      domain.NewID(),
		AgentID: req.AgentID,
		Output:  out,
	}, nil
}

func (s *scriptExec) invoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func newRunner(t *testing.T, exec ExecuteFunc) *Runner {
	t.Helper()
	bus := eventbus.New(slog.Default())
	t.Cleanup(bus.Close)
	return New(exec, bus, slog.Default())
}

func step(id, agentID string, deps ...string) domain.WorkflowStep {
	return domain.WorkflowStep{
		ID:        id,
		Request:   domain.AgentRequest{AgentID: agentID, Input: json.RawMessage(`{}`)},
		DependsOn: deps,
	}
}

func TestLinearChain(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first"),
		step("b", "second", "a"),
		step("c", "third", "b"),
	}}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, exec.invoked())
	assert.Equal(t, []string{"a", "b", "c"}, result.Results.IDs())
	assert.Empty(t, result.FailedStep)
	assert.Empty(t, result.Skipped)
}

func TestTransformSeesPriorResults(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	summarize := step("b", "second", "a")
	summarize.Transform = func(input json.RawMessage, prior *domain.StepResults) (json.RawMessage, error) {
		resp, ok := prior.Get("a")
		if !ok {
			return nil, errors.New("missing upstream result")
		}
		return resp.Output, nil
	}

	wf := domain.Workflow{Steps: []domain.WorkflowStep{step("a", "first"), summarize}}
	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)

	b, ok := result.Results.Get("b")
	require.True(t, ok)
	assert.Contains(t, string(b.Output), `\"from\":\"first\"`,
		"step b's input was step a's output")
}

func TestTransformErrorFailsStep(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	bad := step("b", "second", "a")
	bad.Transform = func(json.RawMessage, *domain.StepResults) (json.RawMessage, error) {
		return nil, errors.New("bad template")
	}

	wf := domain.Workflow{Steps: []domain.WorkflowStep{step("a", "first"), bad}}
	result, err := r.Run(context.Background(), wf)
	require.ErrorIs(t, err, domain.ErrWorkflowStepFailed)
	assert.Equal(t, "b", result.FailedStep)
	assert.NotContains(t, exec.invoked(), "second", "failed transform never dispatches")
}

func TestIndependentBranchesRunConcurrently(t *testing.T) {
	exec := &scriptExec{delay: map[string]time.Duration{"slow": 50 * time.Millisecond}}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("slow", "slow"),
		step("fast", "fast"),
	}}

	start := time.Now()
	_, err := r.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"independent steps overlap rather than serialize")
}

func TestPartialFailureSkipsDependents(t *testing.T) {
	exec := &scriptExec{fail: map[string]error{"broken": errors.New("provider down")}}
	r := newRunner(t, exec.execute)

	// a -> b(fails) -> d; c is independent.
	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first"),
		step("b", "broken", "a"),
		step("c", "solo"),
		step("d", "fourth", "b"),
	}}

	result, err := r.Run(context.Background(), wf)
	require.ErrorIs(t, err, domain.ErrWorkflowStepFailed)

	assert.Equal(t, "b", result.FailedStep)
	assert.Equal(t, []string{"d"}, result.Skipped)

	_, aDone := result.Results.Get("a")
	assert.True(t, aDone)
	_, cDone := result.Results.Get("c")
	assert.True(t, cDone, "independent branch completes despite the failure")
	assert.NotContains(t, exec.invoked(), "fourth")
}

func TestCycleDetectedBeforeAnyStepRuns(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first", "c"),
		step("b", "second", "a"),
		step("c", "third", "b"),
	}}

	_, err := r.Run(context.Background(), wf)
	assert.ErrorIs(t, err, domain.ErrWorkflowCycle)
	assert.Empty(t, exec.invoked())
}

func TestUnknownDependency(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first", "ghost"),
	}}

	_, err := r.Run(context.Background(), wf)
	assert.ErrorIs(t, err, domain.ErrUnknownDep)
	assert.Empty(t, exec.invoked())
}

func TestDuplicateStepID(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first"),
		step("a", "second"),
	}}

	_, err := r.Run(context.Background(), wf)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDiamond(t *testing.T) {
	exec := &scriptExec{}
	r := newRunner(t, exec.execute)

	wf := domain.Workflow{Steps: []domain.WorkflowStep{
		step("a", "first"),
		step("b", "left", "a"),
		step("c", "right", "a"),
		step("d", "join", "b", "c"),
	}}

	result, err := r.Run(context.Background(), wf)
	require.NoError(t, err)

	invoked := exec.invoked()
	assert.Equal(t, "first", invoked[0])
	assert.Equal(t, "join", invoked[3])
	assert.Equal(t, 4, result.Results.Len())
}
