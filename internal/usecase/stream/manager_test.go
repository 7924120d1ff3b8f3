package stream

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-ai/internal/domain"
	"forge-ai/internal/usecase/eventbus"
)

func newManager(t *testing.T, enabled bool) *Manager {
	t.Helper()
	bus := eventbus.New(slog.Default())
	t.Cleanup(bus.Close)
	m := New(enabled, 4, bus, slog.Default())
	t.Cleanup(m.Close)
	return m
}

func TestCreateAndLookup(t *testing.T) {
	m := newManager(t, true)

	s, err := m.Create("narrator", "u1", map[string]string{"lang": "en"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Info.SessionID)
	assert.Equal(t, "narrator", s.Info.AgentID)

	got, err := m.Get(s.Info.SessionID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("no-such-session")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestChunkDeliveryAndCompletion(t *testing.T) {
	m := newManager(t, true)
	s, err := m.Create("narrator", "", nil)
	require.NoError(t, err)

	id := s.Info.SessionID
	require.NoError(t, m.Publish(id, domain.StreamChunk{Chunk: "hel"}))
	require.NoError(t, m.Publish(id, domain.StreamChunk{Chunk: "lo"}))
	require.NoError(t, m.Publish(id, domain.StreamChunk{IsComplete: true}))

	var chunks []domain.StreamChunk
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Chunk)
	assert.Equal(t, "lo", chunks[1].Chunk)
	assert.True(t, chunks[2].IsComplete)

	completed := 0
	for _, c := range chunks {
		if c.IsComplete {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "exactly one completion chunk per session")
}

func TestPublishAfterCompletion(t *testing.T) {
	m := newManager(t, true)
	s, err := m.Create("narrator", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Publish(s.Info.SessionID, domain.StreamChunk{IsComplete: true}))

	err = m.Publish(s.Info.SessionID, domain.StreamChunk{Chunk: "late"})
	require.Error(t, err, "completed session accepts no further chunks")

	_, err = m.Get(s.Info.SessionID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "completed session is removed")
}

func TestAbandonedConsumerDoesNotBlockPublish(t *testing.T) {
	bus := eventbus.New(slog.Default())
	t.Cleanup(bus.Close)
	m := New(true, 2, bus, slog.Default())
	t.Cleanup(m.Close)

	s, err := m.Create("narrator", "", nil)
	require.NoError(t, err)
	id := s.Info.SessionID

	// Nobody drains the channel; the buffer holds exactly two chunks.
	require.NoError(t, m.Publish(id, domain.StreamChunk{Chunk: "a"}))
	require.NoError(t, m.Publish(id, domain.StreamChunk{Chunk: "b"}))

	done := make(chan error, 1)
	go func() { done <- m.Publish(id, domain.StreamChunk{Chunk: "c"}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("publish into a full buffer must not block")
	}

	// The abandoned session is torn down: removed from the manager, its
	// channel closed after the buffered chunks drain.
	_, err = m.Get(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	var got []string
	for c := range s.Chunks() {
		got = append(got, c.Chunk)
	}
	assert.Equal(t, []string{"a", "b"}, got)

	closed := make(chan struct{})
	go func() { m.Close(); close(closed) }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("manager close must not hang on an abandoned session")
	}
}

func TestDisabledStreaming(t *testing.T) {
	m := newManager(t, false)

	_, err := m.Create("narrator", "", nil)
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = m.Get("any")
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestCloseTearsDownSessions(t *testing.T) {
	m := newManager(t, true)
	s, err := m.Create("narrator", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.Active())

	m.Close()
	assert.Equal(t, 0, m.Active())

	_, open := <-s.Chunks()
	assert.False(t, open, "consumer channel closes on teardown")
}
