// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors updated by the services. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	billingTicks    *prometheus.CounterVec
	pointsCharged   prometheus.Counter
	autoStops       prometheus.Counter
	hypervisorCalls *prometheus.HistogramVec
	shellSessions   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		billingTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compute_billing_ticks_total",
			Help: "Consumption ticks by result (ok, skipped, failed)",
		}, []string{"result"}),
		pointsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compute_points_charged_total",
			Help: "Points debited for usage",
		}),
		autoStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compute_auto_stops_total",
			Help: "Instances stopped because the owner ran out of points",
		}),
		hypervisorCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compute_hypervisor_call_seconds",
			Help:    "Hypervisor call latency by operation and result",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"op", "result"}),
		shellSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compute_shell_sessions",
			Help: "Open WebSocket shell sessions",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compute_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.billingTicks, m.pointsCharged, m.autoStops, m.hypervisorCalls,
		m.shellSessions, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Register adds an extra collector, e.g. a StatusCollector
func (m *Metrics) Register(c prometheus.Collector) {
	if m == nil {
		return
	}
	if err := m.registry.Register(c); err != nil {
		log.Printf("[Metrics] Failed to register collector: %v", err)
	}
}

func (m *Metrics) TickResult(result string) {
	if m == nil {
		return
	}
	m.billingTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) Charged(points float64) {
	if m == nil {
		return
	}
	m.pointsCharged.Add(points)
}

func (m *Metrics) AutoStopped() {
	if m == nil {
		return
	}
	m.autoStops.Inc()
}

// ObserveHypervisor records one hypervisor call started at start
func (m *Metrics) ObserveHypervisor(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.hypervisorCalls.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ShellOpened() {
	if m == nil {
		return
	}
	m.shellSessions.Inc()
}

func (m *Metrics) ShellClosed() {
	if m == nil {
		return
	}
	m.shellSessions.Dec()
}

func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}

// StatusCollector reports instance counts per status at scrape time
type StatusCollector struct {
	count func(ctx context.Context) (map[string]int, error)
	desc  *prometheus.Desc
}

func NewStatusCollector(count func(ctx context.Context) (map[string]int, error)) *StatusCollector {
	return &StatusCollector{
		count: count,
		desc: prometheus.NewDesc("compute_instances",
			"Instances by status", []string{"status"}, nil),
	}
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		log.Printf("[Metrics] Failed to count instances: %v", err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
