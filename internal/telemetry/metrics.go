// Package telemetry holds the prometheus collectors and the OpenTelemetry
// tracer used by the registry, the broker factory and the launcher.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sessionbroker"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
	OutcomeDisposed = "disposed"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions *prometheus.GaugeVec
	tombstones     prometheus.Counter
	ignoredAdds    prometheus.Counter
	brokerCreates  *prometheus.CounterVec
	brokerAttaches *prometheus.CounterVec
	operations     *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them with reg.
// Passing nil returns collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "active_sessions",
				Help:      "Sessions currently registered, by kind.",
			},
			[]string{"kind"},
		),
		tombstones: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "tombstones_total",
				Help:      "Session ids removed before they were registered.",
			},
		),
		ignoredAdds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "ignored_adds_total",
				Help:      "Adds silently dropped because the id was tombstoned.",
			},
		),
		brokerCreates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "creates_total",
				Help:      "Broker creations, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		brokerAttaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "attaches_total",
				Help:      "Broker attaches, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		operations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "duration_seconds",
				Help:      "Time from operation start to settlement.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeSessions,
			m.tombstones,
			m.ignoredAdds,
			m.brokerCreates,
			m.brokerAttaches,
			m.operations,
		)
	}
	return m
}

// SetActiveSession records whether a session of kind is registered.
func (m *Metrics) SetActiveSession(kind string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.activeSessions.WithLabelValues(kind).Set(v)
}

// RecordTombstone counts a removal of an id that was not active.
func (m *Metrics) RecordTombstone() {
	if m == nil {
		return
	}
	m.tombstones.Inc()
}

// RecordIgnoredAdd counts an add dropped because of a tombstone.
func (m *Metrics) RecordIgnoredAdd() {
	if m == nil {
		return
	}
	m.ignoredAdds.Inc()
}

// RecordCreate counts a CreateBroker call.
func (m *Metrics) RecordCreate(kind string, err error) {
	if m == nil {
		return
	}
	m.brokerCreates.WithLabelValues(kind, outcomeOf(err)).Inc()
}

// RecordAttach counts an AttachBroker call.
func (m *Metrics) RecordAttach(kind string, err error) {
	if m == nil {
		return
	}
	m.brokerAttaches.WithLabelValues(kind, outcomeOf(err)).Inc()
}

// ObserveOperation records how long an operation took to settle.
func (m *Metrics) ObserveOperation(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
