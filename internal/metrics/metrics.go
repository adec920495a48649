// Package metrics holds the Prometheus collectors shared by the mail
// client components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "vexmail"

// Metrics groups every collector.
type Metrics struct {
	SyncPasses      *prometheus.CounterVec
	SyncDuration    prometheus.Histogram
	MessagesStored  prometheus.Counter
	MessagesSkipped prometheus.Counter
	CacheRequests   *prometheus.CounterVec
	CacheDegraded   *prometheus.CounterVec
	RetryOutcomes   *prometheus.CounterVec
	PoolSessions    prometheus.Gauge
	PoolWaits       *prometheus.CounterVec
	RealtimeClients prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by mailbox and result.",
		}, []string{"mailbox", "result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of completed sync passes.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_stored_total",
			Help:      "Messages inserted or rebound by sync.",
		}),
		MessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_skipped_total",
			Help:      "Malformed messages skipped by sync.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		CacheDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_degraded_total",
			Help:      "Tier operations that failed and were absorbed.",
		}, []string{"tier", "op"}),
		RetryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_outcomes_total",
			Help:      "Retry queue attempts by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		PoolSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imap_sessions_open",
			Help:      "Open IMAP sessions in the pool.",
		}),
		PoolWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imap_acquire_total",
			Help:      "Pool acquisitions by result.",
		}, []string{"result"}),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_clients",
			Help:      "Registered long-poll clients.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_published_total",
			Help:      "Events published by topic.",
		}, []string{"topic"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Events dropped from full subscriber queues.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SyncPasses, m.SyncDuration, m.MessagesStored, m.MessagesSkipped,
			m.CacheRequests, m.CacheDegraded, m.RetryOutcomes,
			m.PoolSessions, m.PoolWaits,
			m.RealtimeClients, m.EventsPublished, m.EventsDropped,
		)
	}
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) SyncPass(mailbox, result string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(mailbox, result).Inc()
	if result == "ok" {
		m.SyncDuration.Observe(seconds)
	}
}

func (m *Metrics) Stored(stored, skipped int) {
	if m == nil {
		return
	}
	m.MessagesStored.Add(float64(stored))
	m.MessagesSkipped.Add(float64(skipped))
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) CacheDegrade(tier, op string) {
	if m == nil {
		return
	}
	m.CacheDegraded.WithLabelValues(tier, op).Inc()
}

func (m *Metrics) RetryOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.RetryOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetPoolSessions(n int) {
	if m == nil {
		return
	}
	m.PoolSessions.Set(float64(n))
}

func (m *Metrics) PoolAcquire(result string) {
	if m == nil {
		return
	}
	m.PoolWaits.WithLabelValues(result).Inc()
}

func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Set(float64(n))
}

func (m *Metrics) Published(topic string, dropped int) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
	m.EventsDropped.Add(float64(dropped))
}
