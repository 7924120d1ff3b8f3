// Package cache memoizes agent outputs keyed by (agent id, input).
// Keys are content-addressed: the input payload is canonicalized before
// hashing so two JSON encodings of the same value share an entry. Request
// context and priority never affect cache identity.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"forge-ai/internal/domain"
)

type entry struct {
	resp      domain.AgentResponse
	agentID   string
	size      int64
	expiresAt time.Time
}

// Cache is a TTL response cache shared by all agent instances. Mutations
// serialize against concurrent reads; reads never block each other.
type Cache struct {
	enabled bool
	mu      sync.RWMutex
	entries map[string]entry
	hits    atomic.Int64
	misses  atomic.Int64
	logger  *slog.Logger

	now func() time.Time // injectable clock for tests
}

// New creates a cache. A disabled cache turns Get/Set into no-ops that
// always miss; Stats on a disabled cache is a configuration error.
func New(enabled bool, logger *slog.Logger) *Cache {
	return &Cache{
		enabled: enabled,
		entries: make(map[string]entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether the cache participates in lookups.
func (c *Cache) Enabled() bool { return c.enabled }

// Key computes the deterministic cache key for (agentID, input).
func Key(agentID string, input json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write(canonicalize(input))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize re-encodes JSON so key order and whitespace don't matter.
// encoding/json sorts map keys on marshal. Payloads that fail to decode
// are hashed as-is.
func canonicalize(input json.RawMessage) []byte {
	if len(input) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return input
	}
	out, err := json.Marshal(v)
	if err != nil {
		return input
	}
	return out
}

// Get returns the cached response for (agentID, input), marked cached,
// or a miss. Expired entries count as misses and are dropped lazily.
func (c *Cache) Get(agentID string, input json.RawMessage) (domain.AgentResponse, bool) {
	if !c.enabled {
		return domain.AgentResponse{}, false
	}

	key := Key(agentID, input)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		c.misses.Add(1)
		return domain.AgentResponse{}, false
	}

	c.hits.Add(1)
	resp := e.resp
	resp.Cached = true
	return resp, true
}

// Set stores a response with the given TTL. Non-positive TTLs are ignored.
func (c *Cache) Set(agentID string, input json.RawMessage, resp domain.AgentResponse, ttl time.Duration) {
	if !c.enabled || ttl <= 0 {
		return
	}

	key := Key(agentID, input)
	c.mu.Lock()
	c.entries[key] = entry{
		resp:      resp,
		agentID:   agentID,
		size:      int64(len(resp.Output)),
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
}

// Invalidate clears everything.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	c.logger.Info("response cache cleared")
}

// InvalidateAgent clears only one agent's entries.
func (c *Cache) InvalidateAgent(agentID string) {
	c.mu.Lock()
	for k, e := range c.entries {
		if e.agentID == agentID {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	c.logger.Info("response cache cleared for agent", "agent_id", agentID)
}

// Stats reports entry count, stored output bytes, and the running hit
// ratio since the last reset. Querying a disabled cache is a
// configuration error, not a silent zero.
func (c *Cache) Stats() (domain.CacheStats, error) {
	if !c.enabled {
		return domain.CacheStats{}, domain.NewDomainError("Cache.Stats", domain.ErrDisabled, "cache")
	}

	c.mu.RLock()
	count := len(c.entries)
	var size int64
	for _, e := range c.entries {
		size += e.size
	}
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return domain.CacheStats{
		TotalEntries: count,
		TotalSize:    size,
		HitRate:      hitRate,
	}, nil
}

// ResetStats zeroes the hit/miss counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Sweep drops expired entries and returns how many were removed.
// Run periodically by the maintenance scheduler.
func (c *Cache) Sweep() int {
	if !c.enabled {
		return 0
	}

	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache sweep", "removed", removed)
	}
	return removed
}
