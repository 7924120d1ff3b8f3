package domain

import "time"

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// QueueJob tracks one queued agent request. Attempts is incremented on
// each dispatch; exactly one of CompletedAt/FailedAt is set when the job
// reaches a terminal state.
type QueueJob struct {
	ID          string        `json:"id"`
	Request     AgentRequest  `json:"request"`
	Priority    int           `json:"priority"`
	Status      JobStatus     `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}
