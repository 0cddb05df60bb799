package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type BuyerMetrics interface {
	ObserveDispatch(action, outcome string, duration time.Duration)
	IncCallbacks(action, ack string)
	IncReconcileOutcome(action, result string)
	SetReconcileQueueDepth(depth int)
}

var METRICS_SUBSYSTEM = "buyer"

type buyerMetrics struct {
	dispatchRequests    *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	callbacksReceived   *prometheus.CounterVec
	reconcileOutcomes   *prometheus.CounterVec
	reconcileQueueDepth prometheus.Gauge
}

func InitMetrics(registry prometheus.Registerer) BuyerMetrics {
	m := &buyerMetrics{}

	m.dispatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_requests_total",
		Help: "Outbound protocol requests by action and outcome", Subsystem: METRICS_SUBSYSTEM}, []string{"action", "outcome"})
	m.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "dispatch_duration_seconds",
		Help: "Outbound protocol request latency", Subsystem: METRICS_SUBSYSTEM, Buckets: prometheus.DefBuckets}, []string{"action"})
	m.callbacksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "callbacks_received_total",
		Help: "Inbound callbacks by action and acknowledgement", Subsystem: METRICS_SUBSYSTEM}, []string{"action", "ack"})
	m.reconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_outcomes_total",
		Help: "Reconciliation results by callback action", Subsystem: METRICS_SUBSYSTEM}, []string{"action", "result"})
	m.reconcileQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reconcile_queue_depth",
		Help: "Callbacks waiting for reconciliation", Subsystem: METRICS_SUBSYSTEM})

	registry.MustRegister(m.dispatchRequests)
	registry.MustRegister(m.dispatchDuration)
	registry.MustRegister(m.callbacksReceived)
	registry.MustRegister(m.reconcileOutcomes)
	registry.MustRegister(m.reconcileQueueDepth)
	return m
}

func (m *buyerMetrics) ObserveDispatch(action, outcome string, duration time.Duration) {
	m.dispatchRequests.WithLabelValues(action, outcome).Inc()
	m.dispatchDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *buyerMetrics) IncCallbacks(action, ack string) {
	m.callbacksReceived.WithLabelValues(action, ack).Inc()
}

func (m *buyerMetrics) IncReconcileOutcome(action, result string) {
	m.reconcileOutcomes.WithLabelValues(action, result).Inc()
}

func (m *buyerMetrics) SetReconcileQueueDepth(depth int) {
	m.reconcileQueueDepth.Set(float64(depth))
}

// Noop is used where no registry is wired, mostly in tests.
type Noop struct{}

func (Noop) ObserveDispatch(string, string, time.Duration) {}
func (Noop) IncCallbacks(string, string)                   {}
func (Noop) IncReconcileOutcome(string, string)            {}
func (Noop) SetReconcileQueueDepth(int)                    {}
