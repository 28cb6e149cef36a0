// Package metrics exposes Prometheus collectors for the poller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	watches       prometheus.Gauge
	subscribers   prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_ticks_total",
			Help: "Poll ticks by result (completed, panicked, skipped)",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xmonitor_tick_duration_seconds",
			Help:    "Duration of poll ticks that ran",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_fetch_total",
			Help: "Upstream fetch attempts by strategy, operation and status",
		}, []string{"strategy", "op", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xmonitor_fetch_duration_seconds",
			Help:    "Duration of upstream fetch attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy", "op"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmonitor_notifications_total",
			Help: "Notification deliveries by status",
		}, []string{"status"}),
		watches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xmonitor_watches",
			Help: "Watches in the registry",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xmonitor_subscribers",
			Help: "Subscribers in the registry",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickDuration,
		m.fetches,
		m.fetchDuration,
		m.notifications,
		m.watches,
		m.subscribers,
	)
	return m
}

// ObserveFetch records one strategy attempt.
func (m *Metrics) ObserveFetch(strategy, op, status string, d time.Duration) {
	m.fetches.WithLabelValues(strategy, op, status).Inc()
	m.fetchDuration.WithLabelValues(strategy, op).Observe(d.Seconds())
}

// ObserveNotification records one delivery attempt.
func (m *Metrics) ObserveNotification(status string) {
	m.notifications.WithLabelValues(status).Inc()
}

// ObserveTick records a tick outcome. A panicked tick ran to the end but
// recovered at least one job panic. d is ignored for skipped ticks.
func (m *Metrics) ObserveTick(result string, d time.Duration) {
	m.ticks.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.tickDuration.Observe(d.Seconds())
	}
}

// SetRegistrySize updates the registry gauges.
func (m *Metrics) SetRegistrySize(subscribers, watches int) {
	m.subscribers.Set(float64(subscribers))
	m.watches.Set(float64(watches))
}
