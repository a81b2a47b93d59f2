package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the custody engine's Prometheus instruments.
type Metrics struct {
	Operations        *prometheus.CounterVec
	GuardFailures     *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BlockedTotal      prometheus.Counter
}

// New registers the custody metrics on the provided registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_operations_total",
				Help: "Total custody operations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		GuardFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_guard_failures_total",
				Help: "Guarded updates rejected, by operation and reason.",
			},
			[]string{"operation", "reason"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_operation_duration_seconds",
				Help:    "Custody operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BlockedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "custody_blocked_transactions_total",
				Help: "Reservations denied for lack of pooled liquidity.",
			},
		),
	}

	registry.MustRegister(
		m.Operations,
		m.GuardFailures,
		m.OperationDuration,
		m.BlockedTotal,
	)
	return m
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncGuardFailure records one rejected guarded update.
func (m *Metrics) IncGuardFailure(operation, reason string) {
	if m == nil {
		return
	}
	m.GuardFailures.WithLabelValues(operation, reason).Inc()
}

// IncBlocked records one denied reservation.
func (m *Metrics) IncBlocked() {
	if m == nil {
		return
	}
	m.BlockedTotal.Inc()
}
