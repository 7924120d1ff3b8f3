// Package metrics exposes engine execution counters to Prometheus.
// Collectors are registered on a per-instance registry so tests and
// multiple engines never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the Prometheus instruments the monitor feeds.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	breakerTrips    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	activeStreams   prometheus.Gauge
}

// New creates a Collector with all instruments registered under namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Agent requests by terminal outcome.",
		}, []string{"agent_id", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_request_duration_seconds",
			Help:      "End-to-end agent request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent_id"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_total",
			Help:      "Tokens consumed by agent requests.",
		}, []string{"agent_id"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cost_total",
			Help:      "Accumulated model cost per agent.",
		}, []string{"agent_id"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"agent_id", "result"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker open transitions per agent.",
		}, []string{"agent_id"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the priority queue.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open streaming sessions.",
		}),
	}

	c.registry.MustRegister(
		c.requestsTotal, c.requestDuration, c.tokensTotal, c.costTotal,
		c.cacheLookups, c.breakerTrips, c.queueDepth, c.activeStreams,
	)
	return c
}

// Registry exposes the underlying registry for scrape handlers.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveRequest records a finished request.
func (c *Collector) ObserveRequest(agentID, outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(agentID, outcome).Inc()
	c.requestDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// AddUsage records token and cost consumption.
func (c *Collector) AddUsage(agentID string, tokens int, cost float64) {
	c.tokensTotal.WithLabelValues(agentID).Add(float64(tokens))
	c.costTotal.WithLabelValues(agentID).Add(cost)
}

// ObserveCacheLookup records a cache hit or miss.
func (c *Collector) ObserveCacheLookup(agentID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(agentID, result).Inc()
}

// ObserveBreakerTrip records a circuit breaker opening.
func (c *Collector) ObserveBreakerTrip(agentID string) {
	c.breakerTrips.WithLabelValues(agentID).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// SetActiveStreams updates the open-streams gauge.
func (c *Collector) SetActiveStreams(n int) { c.activeStreams.Set(float64(n)) }
