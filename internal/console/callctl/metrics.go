package callctl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports call-control counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	callTransitions   *prometheus.CounterVec
	rejectedOps       *prometheus.CounterVec
	conferences       *prometheus.CounterVec
	snapshots         *prometheus.CounterVec
	activeCalls       prometheus.Gauge
	activeConferences prometheus.Gauge
}

// NewMetrics registers the call-control metrics with reg. A nil reg uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		callTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Call state transitions by source and destination state.",
		}, []string{"from", "to"}),
		rejectedOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "operation",
			Name:      "rejected_total",
			Help:      "Operator actions rejected because another operation was in progress.",
		}, []string{"op", "current"}),
		conferences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "conference",
			Name:      "lifecycle_total",
			Help:      "Conference lifecycle events by protocol.",
		}, []string{"event", "protocol"}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "participants",
			Name:      "snapshots_total",
			Help:      "Bridge participant snapshots by reconciliation result.",
		}, []string{"result"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "console",
			Subsystem: "call",
			Name:      "active",
			Help:      "Calls currently tracked by the position.",
		}),
		activeConferences: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "console",
			Subsystem: "conference",
			Name:      "active",
			Help:      "Conferences currently tracked by the position.",
		}),
	}
}

func (m *Metrics) callTransition(from, to CallState) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) operationRejected(op, current Op) {
	if m == nil {
		return
	}
	m.rejectedOps.WithLabelValues(op.String(), current.String()).Inc()
}

func (m *Metrics) conferenceEvent(event string, protocol Protocol) {
	if m == nil {
		return
	}
	m.conferences.WithLabelValues(event, protocol.String()).Inc()
}

func (m *Metrics) snapshot(result string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) setActive(calls, conferences int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(calls))
	m.activeConferences.Set(float64(conferences))
}
