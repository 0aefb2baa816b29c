// Package metrics exposes dispatch and correlation counters on a dedicated
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	attempts     *prometheus.CounterVec
	sendDuration prometheus.Histogram
	cooldowns    prometheus.Counter
	activeRuns   prometheus.Gauge
	receipts     *prometheus.CounterVec
	responses    prometheus.Counter
	dropped      *prometheus.CounterVec
	reconnects   prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpInFlight prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaigner_send_attempts_total",
			Help: "Send attempts partitioned by kind (campaign, followup), result and reason.",
		}, []string{"kind", "result", "reason"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaigner_send_duration_seconds",
			Help:    "Latency of a single session send.",
			Buckets: prometheus.DefBuckets,
		}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaigner_rate_limit_cooldowns_total",
			Help: "Cooldown waits taken after a rate-limited send.",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaigner_active_dispatches",
			Help: "Campaign dispatch runs currently in progress.",
		}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaigner_receipts_total",
			Help: "Receipts folded into a campaign, by kind.",
		}, []string{"kind"}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaigner_responses_total",
			Help: "Inbound replies correlated to a campaign.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaigner_events_dropped_total",
			Help: "Inbound events that matched no campaign, by event type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaigner_session_reconnects_total",
			Help: "Session reconnection attempts.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaigner_http_requests_total",
			Help: "Ops HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaigner_http_inflight_requests",
			Help: "Ops HTTP requests currently being served.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.sendDuration, m.cooldowns, m.activeRuns,
		m.receipts, m.responses, m.dropped, m.reconnects,
		m.httpRequests, m.httpInFlight,
	)
	return m
}

// Registry is exposed for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Attempt(kind, result, reason string, took time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.attempts.WithLabelValues(kind, result, reason).Inc()
	m.sendDuration.Observe(took.Seconds())
}

func (m *Metrics) Cooldown() {
	if m != nil {
		m.cooldowns.Inc()
	}
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.activeRuns.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m != nil {
		m.activeRuns.Dec()
	}
}

func (m *Metrics) Receipt(kind string) {
	if m != nil {
		m.receipts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Response() {
	if m != nil {
		m.responses.Inc()
	}
}

func (m *Metrics) Dropped(eventType string) {
	if m != nil {
		m.dropped.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// HTTP records one served request. route should be the matched pattern.
func (m *Metrics) HTTP(method, route string, status int) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, route, statusText(status)).Inc()
	}
}

func (m *Metrics) InFlight(delta float64) {
	if m != nil {
		m.httpInFlight.Add(delta)
	}
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
