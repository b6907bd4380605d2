package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters and histograms for booking and sync flows.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	bookingTotal     *prometheus.CounterVec
	externalTotal    *prometheus.CounterVec
	externalDuration *prometheus.HistogramVec
	reconcileTotal   *prometheus.CounterVec
	lockWaitTotal    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking_sync",
			Name:      "booking_requests_total",
			Help:      "Booking requests by outcome",
		}, []string{"outcome"}),
		externalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking_sync",
			Name:      "external_calls_total",
			Help:      "Logical external system calls by action and final status",
		}, []string{"action", "status"}),
		externalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking_sync",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of logical external calls including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking_sync",
			Name:      "reconcile_runs_total",
			Help:      "Appointments visited by reconciliation by result",
		}, []string{"result"}),
		lockWaitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking_sync",
			Name:      "lock_contention_total",
			Help:      "Distributed lock acquisitions that gave up",
		}, []string{"scope"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.externalTotal, m.externalDuration, m.reconcileTotal, m.lockWaitTotal)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveExternalCall(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.externalTotal.WithLabelValues(action, status).Inc()
	m.externalDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockTimeout(scope string) {
	if m == nil {
		return
	}
	m.lockWaitTotal.WithLabelValues(scope).Inc()
}
