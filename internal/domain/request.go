package domain

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority is the coarse-grained queue dispatch band for a request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the numeric dispatch priority for the band.
// Unknown bands weigh the same as normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// AgentRequest is a single unit of work for an agent type. Immutable once
// created; consumed exactly once by execution.
type AgentRequest struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Input     json.RawMessage `json:"input"`
	Context   map[string]any  `json:"context,omitempty"`
	Priority  Priority        `json:"priority"`
	Streaming bool            `json:"streaming,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// AgentResponse is produced exactly once per completed or failed request
// and never mutated after creation.
type AgentResponse struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	RequestID  string          `json:"request_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Model      string          `json:"model,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	Cost       float64         `json:"cost"`
	Duration   time.Duration   `json:"duration"`
	Cached     bool            `json:"cached"`
	Degraded   bool            `json:"degraded,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID generates a ULID. Used for request, response, job and stream
// session identifiers; globally unique for the lifetime of the process.
// The shared monotonic entropy source keeps IDs minted within the same
// millisecond distinct and ordered.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
