// Package metrics holds the Prometheus instrumentation shared across the
// discovery pipeline, the API surface, and the real-time hub.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics manages the process-wide collectors. Obtain it through Get so
// registration happens exactly once.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	patternsEmitted *prometheus.CounterVec
	chainsDetected  prometheus.Counter

	validatorCalls *prometheus.CounterVec
	validatorCost  prometheus.Counter

	wsClients  prometheus.Gauge
	wsMessages prometheus.Counter

	httpDuration *prometheus.HistogramVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "discovery",
				Name:      "runs_started_total",
				Help:      "Discovery runs started by platform",
			},
			[]string{"platform"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "discovery",
				Name:      "runs_completed_total",
				Help:      "Discovery runs finished by platform and terminal status",
			},
			[]string{"platform", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "skylight",
				Subsystem: "discovery",
				Name:      "run_duration_seconds",
				Help:      "Wall time of discovery runs by platform",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"platform"},
		),
		patternsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "detection",
				Name:      "patterns_emitted_total",
				Help:      "Detection patterns persisted by type and severity",
			},
			[]string{"pattern_type", "severity"},
		),
		chainsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "detection",
				Name:      "chains_detected_total",
				Help:      "Cross-platform correlation chains written",
			},
		),
		validatorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "validator",
				Name:      "calls_total",
				Help:      "Qualitative validator calls by outcome",
			},
			[]string{"outcome"},
		),
		validatorCost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "validator",
				Name:      "cost_usd_total",
				Help:      "Cumulative qualitative validator spend in USD",
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skylight",
				Subsystem: "realtime",
				Name:      "clients",
				Help:      "Currently connected websocket clients",
			},
		),
		wsMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skylight",
				Subsystem: "realtime",
				Name:      "messages_sent_total",
				Help:      "Websocket messages delivered to clients",
			},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "skylight",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request latency by method, route, and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	prometheus.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.patternsEmitted,
		m.chainsDetected,
		m.validatorCalls,
		m.validatorCost,
		m.wsClients,
		m.wsMessages,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) RunStarted(platform string) {
	m.runsStarted.WithLabelValues(platform).Inc()
}

func (m *Metrics) RunCompleted(platform, status string, elapsed time.Duration) {
	m.runsCompleted.WithLabelValues(platform, status).Inc()
	m.runDuration.WithLabelValues(platform).Observe(elapsed.Seconds())
}

func (m *Metrics) PatternEmitted(patternType, severity string) {
	m.patternsEmitted.WithLabelValues(patternType, severity).Inc()
}

func (m *Metrics) ChainDetected() {
	m.chainsDetected.Inc()
}

func (m *Metrics) ValidatorCall(outcome string, costUSD float64) {
	m.validatorCalls.WithLabelValues(outcome).Inc()
	if costUSD > 0 {
		m.validatorCost.Add(costUSD)
	}
}

func (m *Metrics) ClientConnected()    { m.wsClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }
func (m *Metrics) MessageSent()        { m.wsMessages.Inc() }

func (m *Metrics) ObserveRequest(method, route, status string, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
