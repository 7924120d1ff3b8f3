package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-ai/internal/domain"
)

type stubAgent struct{ id int }

func (a *stubAgent) Process(_ context.Context, _ domain.AgentRequest) (string, error) {
	return "prompt", nil
}

func (a *stubAgent) ProcessOutput(_ context.Context, raw string, _ domain.AgentRequest) (json.RawMessage, error) {
	return json.RawMessage(`"` + raw + `"`), nil
}

func (a *stubAgent) EmergencyFallback(_ context.Context, _ domain.AgentRequest) (json.RawMessage, error) {
	return json.RawMessage(`"fallback"`), nil
}

func stubFactory() domain.AgentFactory {
	n := 0
	return func(_ domain.AgentConfig) (domain.Agent, error) {
		n++
		return &stubAgent{id: n}, nil
	}
}

func newPool(t *testing.T, cfg domain.AgentConfig, n int) *Pool {
	t.Helper()
	p, err := New(cfg, stubFactory(), n, slog.Default())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 2)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, l1.Agent(), l2.Agent())

	stats := p.Stats()
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 0, stats.Idle)

	l1.Release()
	l2.Release()
	stats = p.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 2, stats.Idle)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Lease)
	go func() {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the only instance is busy")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()
	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestLeastRecentlyUsedSelection(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 2)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := l1.Agent()
	l1.Release()

	time.Sleep(5 * time.Millisecond)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second := l2.Agent()
	l2.Release()

	// Both instances have now been used; the next lease goes to the one
	// used longest ago.
	l3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l3.Release()
	assert.Same(t, first, l3.Agent())
	assert.NotSame(t, second, l3.Agent())
}

func TestRateLimit(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo", RateLimitPerMinute: 2}, 1)

	assert.True(t, p.AllowRequest())
	assert.True(t, p.AllowRequest())
	assert.False(t, p.AllowRequest(), "third request within the window fails fast")
}

func TestNoRateLimit(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, p.AllowRequest())
	}
}

func TestScaleUp(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)

	require.NoError(t, p.Scale(3))
	assert.Equal(t, 3, p.Stats().Instances)
}

func TestScaleDownKeepsInFlightWork(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 3)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Scale(1))

	// The leased instance keeps running until released.
	stats := p.Stats()
	assert.Equal(t, 1, stats.InFlight)

	lease.Release()
	stats = p.Stats()
	assert.LessOrEqual(t, stats.Instances, 2)
	assert.Equal(t, 0, stats.InFlight)
}

func TestScaleRejectsZero(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)
	assert.ErrorIs(t, p.Scale(0), domain.ErrInvalidInput)
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)
	p.Close()

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrPoolDraining)
}

func TestCloseWakesAllBlockedAcquires(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Several waiters block on the single busy instance without any
	// context deadline to bail them out.
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Acquire(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	p.Close()
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, domain.ErrPoolDraining)
		case <-time.After(time.Second):
			t.Fatal("blocked acquire did not wake on close")
		}
	}

	lease.Release()
	assert.Equal(t, 0, p.Stats().Instances, "closed pool drops instances on release")
}

func TestConcurrentAcquire(t *testing.T) {
	p := newPool(t, domain.AgentConfig{ID: "echo"}, 4)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 4, stats.Instances)
	assert.Equal(t, 0, stats.InFlight)
}
