package domain

import "encoding/json"

// TransformFunc rewrites a step's literal input from the accumulated
// results of already-completed steps. Pure: it must not retain or mutate
// prior.
type TransformFunc func(input json.RawMessage, prior *StepResults) (json.RawMessage, error)

// WorkflowStep is one node of a workflow DAG.
type WorkflowStep struct {
	ID        string
	Request   AgentRequest
	DependsOn []string
	Transform TransformFunc // nil = use the literal request input
}

// Workflow is a DAG of agent invocations where later steps may consume
// earlier steps' outputs.
type Workflow struct {
	ID    string
	Steps []WorkflowStep
}

// StepResults is an insertion-ordered map of completed step id to response.
// It is the accumulator handed to transforms: all results-so-far, not just
// direct dependencies.
type StepResults struct {
	order []string
	byID  map[string]*AgentResponse
}

// NewStepResults creates an empty accumulator.
func NewStepResults() *StepResults {
	return &StepResults{byID: make(map[string]*AgentResponse)}
}

// Put records a step's response. Re-recording a step id is ignored: a step
// reaches a terminal state exactly once.
func (r *StepResults) Put(stepID string, resp *AgentResponse) {
	if _, exists := r.byID[stepID]; exists {
		return
	}
	r.order = append(r.order, stepID)
	r.byID[stepID] = resp
}

// Get returns the response for a completed step.
func (r *StepResults) Get(stepID string) (*AgentResponse, bool) {
	resp, ok := r.byID[stepID]
	return resp, ok
}

// Len returns the number of completed steps.
func (r *StepResults) Len() int { return len(r.order) }

// IDs returns completed step ids in completion order.
func (r *StepResults) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Clone returns an independent snapshot. Transforms receive clones so a
// concurrently completing step never mutates a view already handed out.
func (r *StepResults) Clone() *StepResults {
	cp := NewStepResults()
	for _, id := range r.order {
		cp.order = append(cp.order, id)
		cp.byID[id] = r.byID[id]
	}
	return cp
}

// WorkflowResult is the outcome of a workflow run: every step that reached
// a terminal state, plus the identity of the failed step when the run
// failed.
type WorkflowResult struct {
	WorkflowID string
	Results    *StepResults
	FailedStep string // "" when the workflow completed
	Skipped    []string
}
