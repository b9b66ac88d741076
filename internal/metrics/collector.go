// ABOUTME: Prometheus collector for coordinator membership, liveness, and transport counters.
// ABOUTME: Uses a private registry so several coordinators can coexist in one process.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pong outcomes.
const (
	PongAccepted = "accepted"
	PongLate     = "late"
	PongUnknown  = "unknown"
)

// Collector holds the coordinator's metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	groups        prometheus.Gauge
	members       *prometheus.GaugeVec
	assignments   *prometheus.CounterVec
	departures    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	pongs         *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	pingRounds    prometheus.Counter
	roundDuration prometheus.Histogram
}

// NewCollector creates a Collector registered under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{registry: reg}

	c.groups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "groups",
		Help:      "Number of work groups",
	})
	c.members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "group_members",
		Help:      "Registered agents per group",
	}, []string{"group"})
	c.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_total",
		Help:      "Agents assigned to a group",
	}, []string{"group"})
	c.departures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "departures_total",
		Help:      "Agents that announced a graceful departure",
	}, []string{"group"})
	c.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Agents removed for missing a liveness ping",
	}, []string{"group"})
	c.pongs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pongs_total",
		Help:      "Liveness responses by outcome",
	}, []string{"result"})
	c.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_messages_total",
		Help:      "Messages skipped because the membership lock was busy",
	}, []string{"action"})
	c.sendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_failures_total",
		Help:      "Outbound messages the transport failed to send",
	}, []string{"action"})
	c.pingRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ping_rounds_total",
		Help:      "Completed mark/ping/sweep cycles",
	})
	c.roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ping_round_duration_seconds",
		Help:      "Wall time of a mark/ping/sweep cycle",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	reg.MustRegister(
		c.groups, c.members, c.assignments, c.departures, c.evictions,
		c.pongs, c.dropped, c.sendFailures, c.pingRounds, c.roundDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SetGroups(n int) {
	c.groups.Set(float64(n))
}

func (c *Collector) SetMembers(group string, n int) {
	c.members.WithLabelValues(group).Set(float64(n))
}

// ForgetGroup drops the per-group series of a deleted group.
func (c *Collector) ForgetGroup(group string) {
	c.members.DeleteLabelValues(group)
	c.assignments.DeleteLabelValues(group)
	c.departures.DeleteLabelValues(group)
	c.evictions.DeleteLabelValues(group)
}

func (c *Collector) Assigned(group string) {
	c.assignments.WithLabelValues(group).Inc()
}

func (c *Collector) Departed(group string) {
	c.departures.WithLabelValues(group).Inc()
}

func (c *Collector) Evicted(group string, n int) {
	c.evictions.WithLabelValues(group).Add(float64(n))
}

func (c *Collector) Pong(result string) {
	c.pongs.WithLabelValues(result).Inc()
}

func (c *Collector) Dropped(action string) {
	c.dropped.WithLabelValues(action).Inc()
}

func (c *Collector) SendFailed(action string) {
	c.sendFailures.WithLabelValues(action).Inc()
}

// PingRound records one completed cycle of the given duration in seconds.
func (c *Collector) PingRound(seconds float64) {
	c.pingRounds.Inc()
	c.roundDuration.Observe(seconds)
}
