package domain

import "time"

// StreamChunk is one partial result delivered on a stream session.
// Exactly one chunk per session carries IsComplete, after which the
// channel is closed and no further chunks are accepted.
type StreamChunk struct {
	ID         string            `json:"id"`
	Chunk      string            `json:"chunk"`
	IsComplete bool              `json:"is_complete"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// StreamSession is a long-lived output channel for one streaming response.
type StreamSession struct {
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
