// Package stream manages long-lived output channels for streaming agent
// responses. Each session delivers partial chunks and exactly one
// completion chunk, after which the channel closes.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"forge-ai/internal/domain"
)

// Session is one live streaming channel plus its metadata.
type Session struct {
	Info domain.StreamSession

	mu     sync.Mutex
	ch     chan domain.StreamChunk
	closed bool
}

// Chunks returns the receive side of the session's channel.
func (s *Session) Chunks() <-chan domain.StreamChunk { return s.ch }

// Manager allocates, looks up and tears down stream sessions.
type Manager struct {
	enabled    bool
	bufferSize int
	bus        domain.EventBus
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a stream manager. Disabled streaming makes Create and Get
// fail with ErrDisabled rather than returning a degraded object.
func New(enabled bool, bufferSize int, bus domain.EventBus, logger *slog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Manager{
		enabled:    enabled,
		bufferSize: bufferSize,
		bus:        bus,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Enabled reports whether streaming is available.
func (m *Manager) Enabled() bool { return m.enabled }

// Create allocates a session and its output channel.
func (m *Manager) Create(agentID, userID string, metadata map[string]string) (*Session, error) {
	if !m.enabled {
		return nil, domain.NewDomainError("Stream.Create", domain.ErrDisabled, "streaming")
	}

	s := &Session{
		Info: domain.StreamSession{
			SessionID: domain.NewID(),
			AgentID:   agentID,
			UserID:    userID,
			Metadata:  metadata,
			CreatedAt: time.Now(),
		},
		ch: make(chan domain.StreamChunk, m.bufferSize),
	}

	m.mu.Lock()
	m.sessions[s.Info.SessionID] = s
	m.mu.Unlock()

	m.logger.Debug("stream session created", "session_id", s.Info.SessionID, "agent_id", agentID)
	m.publish(domain.EventStreamCreated, s, "")
	return s, nil
}

// Get looks up an existing session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	if !m.enabled {
		return nil, domain.NewDomainError("Stream.Get", domain.ErrDisabled, "streaming")
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Stream.Get", domain.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Publish delivers a chunk to a session. The chunk carrying IsComplete
// closes the channel and removes the session; later publishes are
// rejected with ErrStreamClosed. Publish never blocks: a full buffer
// means the consumer stopped draining, and the session is abandoned so
// producers and Close stay live.
func (m *Manager) Publish(sessionID string, chunk domain.StreamChunk) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewDomainError("Stream.Publish", domain.ErrStreamClosed, sessionID)
	}
	if chunk.ID == "" {
		chunk.ID = domain.NewID()
	}
	select {
	case s.ch <- chunk:
	default:
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.logger.Warn("stream session abandoned: buffer full", "session_id", sessionID)
		return domain.NewDomainError("Stream.Publish", domain.ErrStreamClosed, "buffer full: "+sessionID)
	}
	if chunk.IsComplete {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	if chunk.IsComplete {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.publish(domain.EventStreamCompleted, s, chunk.ID)
	}
	return nil
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down every open session. Consumers see their channels
// close without a completion chunk.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
	if len(sessions) > 0 {
		m.logger.Info("stream manager closed", "torn_down", len(sessions))
	}
}

func (m *Manager) publish(typ domain.EventType, s *Session, chunkID string) {
	payload, _ := json.Marshal(map[string]string{
		"session_id": s.Info.SessionID,
		"chunk_id":   chunkID,
	})
	m.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		AgentID:   s.Info.AgentID,
		Payload:   payload,
	})
}
