// Package metrics holds the engine counters and exports them to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickstream"

// Drop reasons.
const (
	DropQueueFull   = "queue_full"
	DropRateLimited = "rate_limited"
	DropClosed      = "connection_closed"
)

// Metrics is the single source of truth for engine counters. Components
// increment the atomics directly; Prometheus reads them at scrape time.
// All methods are safe on a nil *Metrics so components can run without it.
type Metrics struct {
	eventsIngested    atomic.Uint64
	eventsMalformed   atomic.Uint64
	eventsRouted      atomic.Uint64
	eventsUnmatched   atomic.Uint64
	deliveries        atomic.Uint64
	eventsDelivered   atomic.Uint64
	batchesFlushed    atomic.Uint64
	transportFailures atomic.Uint64
	cacheHits         atomic.Uint64
	cacheMisses       atomic.Uint64

	dropsQueueFull   atomic.Uint64
	dropsRateLimited atomic.Uint64
	dropsClosed      atomic.Uint64

	mu          sync.RWMutex
	backlog     func() map[string]int
	connections func() map[string]int

	registry *prometheus.Registry
}

// New creates Metrics with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.counterFunc("events_ingested_total", "Events received from upstream.", &m.eventsIngested),
		m.counterFunc("events_malformed_total", "Events dropped as malformed.", &m.eventsMalformed),
		m.counterFunc("events_routed_total", "Events that matched at least one connection.", &m.eventsRouted),
		m.counterFunc("events_unmatched_total", "Events that matched no subscription.", &m.eventsUnmatched),
		m.counterFunc("deliveries_total", "Per-connection deliveries handed to the broadcaster.", &m.deliveries),
		m.counterFunc("events_delivered_total", "Events pushed to connections in flushed batches.", &m.eventsDelivered),
		m.counterFunc("batches_flushed_total", "Batches handed to the transport.", &m.batchesFlushed),
		m.counterFunc("transport_failures_total", "Transport send failures.", &m.transportFailures),
		m.counterFunc("route_cache_hits_total", "Route cache hits.", &m.cacheHits),
		m.counterFunc("route_cache_misses_total", "Route cache misses, including stale and expired entries.", &m.cacheMisses),
		&engineCollector{m: m},
	)
	return m
}

func (m *Metrics) counterFunc(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

func (m *Metrics) IncIngested() {
	if m != nil {
		m.eventsIngested.Add(1)
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.eventsMalformed.Add(1)
	}
}

// ObserveRoute records the outcome of routing one event.
func (m *Metrics) ObserveRoute(deliveries int) {
	if m == nil {
		return
	}
	if deliveries == 0 {
		m.eventsUnmatched.Add(1)
		return
	}
	m.eventsRouted.Add(1)
	m.deliveries.Add(uint64(deliveries))
}

// ObserveFlush records one batch handed to the transport.
func (m *Metrics) ObserveFlush(events int) {
	if m != nil {
		m.batchesFlushed.Add(1)
		m.eventsDelivered.Add(uint64(events))
	}
}

func (m *Metrics) IncTransportFailure() {
	if m != nil {
		m.transportFailures.Add(1)
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

// AddDropped counts events dropped for a reason.
func (m *Metrics) AddDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	switch reason {
	case DropQueueFull:
		m.dropsQueueFull.Add(uint64(n))
	case DropRateLimited:
		m.dropsRateLimited.Add(uint64(n))
	default:
		m.dropsClosed.Add(uint64(n))
	}
}

// SetBacklogSource registers the function reporting queued events per connection.
func (m *Metrics) SetBacklogSource(fn func() map[string]int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.backlog = fn
	m.mu.Unlock()
}

// SetConnectionSource registers the function reporting connections per state.
func (m *Metrics) SetConnectionSource(fn func() map[string]int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.connections = fn
	m.mu.Unlock()
}

func (m *Metrics) sources() (func() map[string]int, func() map[string]int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backlog, m.connections
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	EventsIngested    uint64            `json:"events_ingested"`
	EventsMalformed   uint64            `json:"events_malformed"`
	EventsRouted      uint64            `json:"events_routed"`
	EventsUnmatched   uint64            `json:"events_unmatched"`
	Deliveries        uint64            `json:"deliveries"`
	EventsDelivered   uint64            `json:"events_delivered"`
	BatchesFlushed    uint64            `json:"batches_flushed"`
	TransportFailures uint64            `json:"transport_failures"`
	CacheHits         uint64            `json:"cache_hits"`
	CacheMisses       uint64            `json:"cache_misses"`
	CacheHitRate      float64           `json:"cache_hit_rate"`
	Dropped           map[string]uint64 `json:"dropped"`
	DroppedTotal      uint64            `json:"dropped_total"`
	Backlog           map[string]int    `json:"backlog"`
	Connections       map[string]int    `json:"connections"`
}

// Snapshot copies the current counters and gauges.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := Snapshot{
		EventsIngested:    m.eventsIngested.Load(),
		EventsMalformed:   m.eventsMalformed.Load(),
		EventsRouted:      m.eventsRouted.Load(),
		EventsUnmatched:   m.eventsUnmatched.Load(),
		Deliveries:        m.deliveries.Load(),
		EventsDelivered:   m.eventsDelivered.Load(),
		BatchesFlushed:    m.batchesFlushed.Load(),
		TransportFailures: m.transportFailures.Load(),
		CacheHits:         m.cacheHits.Load(),
		CacheMisses:       m.cacheMisses.Load(),
		Dropped: map[string]uint64{
			DropQueueFull:   m.dropsQueueFull.Load(),
			DropRateLimited: m.dropsRateLimited.Load(),
			DropClosed:      m.dropsClosed.Load(),
		},
	}
	for _, n := range s.Dropped {
		s.DroppedTotal += n
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	backlog, connections := m.sources()
	if backlog != nil {
		s.Backlog = backlog()
	}
	if connections != nil {
		s.Connections = connections()
	}
	return s
}

// engineCollector exports the labelled values that only exist at scrape time.
type engineCollector struct {
	m *Metrics
}

var (
	droppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_dropped_total"),
		"Events dropped before delivery, by reason.",
		[]string{"reason"}, nil,
	)
	backlogDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "connection_backlog"),
		"Events queued for a connection and not yet flushed.",
		[]string{"connection_id"}, nil,
	)
	connectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "connections"),
		"Connections by lifecycle state.",
		[]string{"state"}, nil,
	)
)

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- droppedDesc
	ch <- backlogDesc
	ch <- connectionsDesc
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	drops := map[string]*atomic.Uint64{
		DropQueueFull:   &c.m.dropsQueueFull,
		DropRateLimited: &c.m.dropsRateLimited,
		DropClosed:      &c.m.dropsClosed,
	}
	for reason, v := range drops {
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(v.Load()), reason)
	}

	backlog, connections := c.m.sources()
	if backlog != nil {
		for conn, depth := range backlog() {
			ch <- prometheus.MustNewConstMetric(backlogDesc, prometheus.GaugeValue, float64(depth), conn)
		}
	}
	if connections != nil {
		counts := connections()
		states := make([]string, 0, len(counts))
		for state := range counts {
			states = append(states, state)
		}
		sort.Strings(states)
		for _, state := range states {
			ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(counts[state]), state)
		}
	}
}
