// Package metrics holds the prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus collectors, registered on a dedicated
// registry so callers control exposition.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	TrapsTotal        *prometheus.CounterVec
	FuelConsumed      prometheus.Histogram
	ActiveExecutions  prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	SessionsEvicted   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "enclave",
				Name:      "executions_total",
				Help:      "Total executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "enclave",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		TrapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "enclave",
				Name:      "traps_total",
				Help:      "Engine-forced terminations by reason.",
			},
			[]string{"reason"},
		),

		FuelConsumed: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "enclave",
				Name:      "fuel_consumed",
				Help:      "Fuel units consumed per execution.",
				Buckets:   prometheus.ExponentialBuckets(1000, 10, 7),
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "enclave",
				Name:      "active_executions",
				Help:      "Executions currently running.",
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "enclave",
				Name:      "active_sessions",
				Help:      "Non-evicted sessions currently tracked.",
			},
		),

		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "enclave",
				Name:      "sessions_evicted_total",
				Help:      "Sessions removed by idle eviction.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.TrapsTotal,
		m.FuelConsumed,
		m.ActiveExecutions,
		m.ActiveSessions,
		m.SessionsEvicted,
	)

	return m
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(language string, trapped bool, trapReason string, exitCode int, d time.Duration, fuel uint64) {
	status := "ok"
	switch {
	case trapped:
		status = "trap"
		m.TrapsTotal.WithLabelValues(trapReason).Inc()
	case exitCode != 0:
		status = "error"
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
	m.FuelConsumed.Observe(float64(fuel))
}
