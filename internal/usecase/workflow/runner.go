// Package workflow executes DAGs of agent invocations. Steps with
// satisfied dependencies run concurrently; a failed step skips its
// transitive dependents while independent branches run to completion.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"forge-ai/internal/domain"
)

// ExecuteFunc runs one step's request.
type ExecuteFunc func(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)

// Runner validates and executes workflows.
type Runner struct {
	exec   ExecuteFunc
	bus    domain.EventBus
	logger *slog.Logger
}

// New creates a workflow runner.
func New(exec ExecuteFunc, bus domain.EventBus, logger *slog.Logger) *Runner {
	return &Runner{exec: exec, bus: bus, logger: logger}
}

// Run executes the workflow and blocks until every step reaches a terminal
// state. Structural problems (unknown dependency, cycle) fail before any
// step runs. A step failure stops its dependents but not independent
// branches; the returned result then carries the failed step id, the
// partial results, and the skipped step ids.
func (r *Runner) Run(ctx context.Context, wf domain.Workflow) (domain.WorkflowResult, error) {
	if wf.ID == "" {
		wf.ID = domain.NewID()
	}
	result := domain.WorkflowResult{WorkflowID: wf.ID, Results: domain.NewStepResults()}

	steps := make(map[string]domain.WorkflowStep, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			return result, domain.NewDomainError("Workflow.Run", domain.ErrInvalidInput, "step id is required")
		}
		if _, dup := steps[s.ID]; dup {
			return result, domain.NewDomainError("Workflow.Run", domain.ErrInvalidInput, "duplicate step id: "+s.ID)
		}
		steps[s.ID] = s
	}
	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return result, domain.NewDomainError("Workflow.Run", domain.ErrUnknownDep, s.ID+" -> "+dep)
			}
		}
	}
	if hasCycle(wf.Steps) {
		return result, domain.NewDomainError("Workflow.Run", domain.ErrWorkflowCycle, wf.ID)
	}

	r.publish(domain.EventWorkflowStarted, wf.ID, "")

	run := &execution{
		runner:    r,
		ctx:       ctx,
		wf:        wf,
		steps:     steps,
		remaining: make(map[string]int, len(wf.Steps)),
		state:     make(map[string]stepState, len(wf.Steps)),
		results:   result.Results,
	}
	for _, s := range wf.Steps {
		run.remaining[s.ID] = len(s.DependsOn)
		run.state[s.ID] = stepWaiting
	}

	run.mu.Lock()
	run.launchEligibleLocked()
	run.mu.Unlock()
	run.wg.Wait()

	result.FailedStep = run.failedStep
	result.Skipped = run.skipped

	if result.FailedStep != "" {
		r.publish(domain.EventWorkflowFailed, wf.ID, result.FailedStep)
		return result, domain.NewDomainError("Workflow.Run", domain.ErrWorkflowStepFailed, result.FailedStep)
	}
	r.publish(domain.EventWorkflowDone, wf.ID, "")
	return result, nil
}

type stepState int

const (
	stepWaiting stepState = iota
	stepRunning
	stepDone
	stepFailed
	stepSkipped
)

type execution struct {
	runner *Runner
	ctx    context.Context
	wf     domain.Workflow
	steps  map[string]domain.WorkflowStep

	mu         sync.Mutex
	remaining  map[string]int // unmet dependency count per step
	state      map[string]stepState
	results    *domain.StepResults
	failedStep string
	skipped    []string

	wg sync.WaitGroup
}

// launchEligibleLocked starts every waiting step whose dependencies are met.
// Steps start in declaration order so equal-readiness runs are predictable.
func (e *execution) launchEligibleLocked() {
	for _, s := range e.wf.Steps {
		if e.state[s.ID] != stepWaiting || e.remaining[s.ID] > 0 {
			continue
		}
		e.state[s.ID] = stepRunning
		e.wg.Add(1)

		step := s
		prior := e.results.Clone()
		go func() {
			defer e.wg.Done()
			e.runStep(step, prior)
		}()
	}
}

func (e *execution) runStep(step domain.WorkflowStep, prior *domain.StepResults) {
	req := step.Request
	if req.ID == "" {
		req.ID = domain.NewID()
	}

	var err error
	if step.Transform != nil {
		req.Input, err = step.Transform(req.Input, prior)
		if err != nil {
			err = domain.WrapOp("Workflow.Transform", err)
		}
	}

	var resp domain.AgentResponse
	if err == nil {
		resp, err = e.runner.exec(e.ctx, req)
	}

	e.mu.Lock()
	if err != nil {
		e.state[step.ID] = stepFailed
		if e.failedStep == "" {
			e.failedStep = step.ID
		}
		e.runner.logger.Warn("workflow step failed",
			"workflow_id", e.wf.ID,
			"step_id", step.ID,
			"error", err,
		)
		e.skipDependentsLocked(step.ID)
	} else {
		e.state[step.ID] = stepDone
		e.results.Put(step.ID, &resp)
		for _, s := range e.wf.Steps {
			for _, dep := range s.DependsOn {
				if dep == step.ID {
					e.remaining[s.ID]--
				}
			}
		}
		e.launchEligibleLocked()
	}
	e.mu.Unlock()

	if err == nil {
		e.runner.publish(domain.EventWorkflowStep, e.wf.ID, step.ID)
	}
}

// skipDependentsLocked marks every transitive dependent of failedID skipped.
func (e *execution) skipDependentsLocked(failedID string) {
	for {
		changed := false
		for _, s := range e.wf.Steps {
			if e.state[s.ID] != stepWaiting {
				continue
			}
			for _, dep := range s.DependsOn {
				if st := e.state[dep]; st == stepFailed || st == stepSkipped {
					e.state[s.ID] = stepSkipped
					e.skipped = append(e.skipped, s.ID)
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// hasCycle runs Kahn's algorithm over the step graph.
func hasCycle(steps []domain.WorkflowStep) bool {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return visited != len(steps)
}

func (r *Runner) publish(typ domain.EventType, workflowID, stepID string) {
	payload, _ := json.Marshal(map[string]string{
		"workflow_id": workflowID,
		"step_id":     stepID,
	})
	r.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
