package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event being published.
type EventType string

const (
	EventRequestStarted   EventType = "request.started"
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventModelSwitched    EventType = "model.switched"
	EventBreakerOpened    EventType = "circuit_breaker.opened"
	EventBreakerClosed    EventType = "circuit_breaker.closed"
	EventCacheHit         EventType = "cache.hit"
	EventCacheMiss        EventType = "cache.miss"
	EventStreamCreated    EventType = "stream.created"
	EventStreamChunk      EventType = "stream.chunk"
	EventStreamCompleted  EventType = "stream.completed"
	EventJobEnqueued      EventType = "queue.job.enqueued"
	EventJobCompleted     EventType = "queue.job.completed"
	EventJobFailed        EventType = "queue.job.failed"
	EventWorkflowStarted  EventType = "workflow.started"
	EventWorkflowStep     EventType = "workflow.step.completed"
	EventWorkflowDone     EventType = "workflow.completed"
	EventWorkflowFailed   EventType = "workflow.failed"
	EventAgentScaled      EventType = "agent.scaled"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe for engine lifecycle events. The
// engine emits events; how observers persist or display them is out of
// scope.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ModelSwitchedPayload is the payload for EventModelSwitched.
type ModelSwitchedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BreakerPayload is the payload for breaker open/close events.
type BreakerPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
