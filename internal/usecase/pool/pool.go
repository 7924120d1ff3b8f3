// Package pool holds the running instances of one agent type and load
// balances dispatch across them. Each instance handles one request at a
// time; the pool hands out the least-recently-used idle instance.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"forge-ai/internal/domain"
)

type instance struct {
	id       int
	agent    domain.Agent
	busy     bool
	retired  bool
	lastUsed time.Time
}

// Lease is a checked-out instance. Release returns it to the pool.
type Lease struct {
	pool *Pool
	inst *instance
}

// Agent returns the leased agent instance.
func (l *Lease) Agent() domain.Agent { return l.inst.agent }

// Release returns the instance to the pool. Safe to call once.
func (l *Lease) Release() { l.pool.release(l.inst) }

// Pool manages the instances and the per-type rate limit of one agent type.
type Pool struct {
	agentID string
	cfg     domain.AgentConfig
	factory domain.AgentFactory
	limiter *rate.Limiter // nil = unlimited
	logger  *slog.Logger

	mu        sync.Mutex
	instances []*instance
	nextID    int
	closed    bool
	freed     chan struct{}
	done      chan struct{} // closed by Close; wakes every blocked Acquire
}

// New creates a pool with n instances built by the factory.
func New(cfg domain.AgentConfig, factory domain.AgentFactory, n int, logger *slog.Logger) (*Pool, error) {
	if n <= 0 {
		n = 1
	}

	p := &Pool{
		agentID: cfg.ID,
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		freed:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cfg.RateLimitPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute)
	}

	for i := 0; i < n; i++ {
		if err := p.addInstanceLocked(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Config returns the agent config copied into this pool at creation.
func (p *Pool) Config() domain.AgentConfig { return p.cfg }

func (p *Pool) addInstanceLocked() error {
	agent, err := p.factory(p.cfg)
	if err != nil {
		return domain.WrapOp("Pool.New", err)
	}
	p.instances = append(p.instances, &instance{id: p.nextID, agent: agent})
	p.nextID++
	return nil
}

// AllowRequest consumes one rate-limit token. A false return is a
// fail-fast rejection, never queued or retried by the engine.
func (p *Pool) AllowRequest() bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.Allow()
}

// Acquire checks out the least-recently-used idle instance, waiting until
// one frees up or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolDraining, p.agentID)
		}
		if inst := p.pickIdleLocked(); inst != nil {
			inst.busy = true
			p.mu.Unlock()
			return &Lease{pool: p, inst: inst}, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrTimeout, p.agentID)
		case <-p.done:
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolDraining, p.agentID)
		case <-p.freed:
		}
	}
}

// pickIdleLocked returns the idle instance with the oldest lastUsed.
func (p *Pool) pickIdleLocked() *instance {
	var best *instance
	for _, inst := range p.instances {
		if inst.busy || inst.retired {
			continue
		}
		if best == nil || inst.lastUsed.Before(best.lastUsed) {
			best = inst
		}
	}
	return best
}

func (p *Pool) release(inst *instance) {
	p.mu.Lock()
	inst.busy = false
	inst.lastUsed = time.Now()
	if inst.retired || p.closed {
		p.removeLocked(inst)
	}
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Pool) removeLocked(inst *instance) {
	for i, cur := range p.instances {
		if cur == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

// Scale adjusts the pool to target instances. Growing adds fresh
// instances; shrinking retires idle ones immediately and busy ones when
// their in-flight request releases, so nothing is interrupted.
func (p *Pool) Scale(target int) error {
	if target < 1 {
		return domain.NewDomainError("Pool.Scale", domain.ErrInvalidInput, "target must be at least 1")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.NewDomainError("Pool.Scale", domain.ErrPoolDraining, p.agentID)
	}

	current := len(p.instances)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			if err := p.addInstanceLocked(); err != nil {
				return err
			}
		}
	case target < current:
		excess := current - target
		// Retire idle instances first, newest lastUsed last.
		for i := len(p.instances) - 1; i >= 0 && excess > 0; i-- {
			inst := p.instances[i]
			if inst.retired {
				continue
			}
			if inst.busy {
				inst.retired = true
			} else {
				p.instances = append(p.instances[:i], p.instances[i+1:]...)
			}
			excess--
		}
	}

	p.logger.Info("agent pool scaled", "agent_id", p.agentID, "from", current, "to", target)
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() domain.AgentStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := domain.AgentStats{AgentID: p.agentID}
	for _, inst := range p.instances {
		if inst.retired {
			continue
		}
		stats.Instances++
		if inst.busy {
			stats.InFlight++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// Close drains the pool: no new leases; busy instances drop on release.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	kept := p.instances[:0]
	for _, inst := range p.instances {
		if inst.busy {
			kept = append(kept, inst) // removed on release
		}
	}
	p.instances = kept
	p.mu.Unlock()

	close(p.done)
}
