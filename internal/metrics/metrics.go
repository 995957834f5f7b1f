// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "frigate_person_counter"

// Metrics groups the collectors used by the counter and the entity platform.
// A separate instance per registry keeps tests independent of the default
// Prometheus registry.
type Metrics struct {
	// Detections counts events that incremented a person counter.
	Detections prometheus.Counter

	// EventsIgnored counts well-formed events that did not qualify.
	EventsIgnored prometheus.Counter

	// EventErrors counts events whose handling failed.
	EventErrors prometheus.Counter

	// StateWrites counts entity state publications by outcome.
	StateWrites *prometheus.CounterVec

	// EntityAvailable is 1 while an entity is available, by entity id.
	EntityAvailable *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of new person detections counted.",
		}),
		EventsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Total number of detection events that were not new person detections.",
		}),
		EventErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Total number of detection events that could not be handled.",
		}),
		StateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Total number of entity state writes to Home Assistant, by result.",
		}, []string{"result"}),
		EntityAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_available",
			Help:      "Whether the entity is currently available (1) or not (0).",
		}, []string{"entity_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Detections,
			m.EventsIgnored,
			m.EventErrors,
			m.StateWrites,
			m.EntityAvailable,
		)
	}

	return m
}

// NewNop returns collectors that are not registered anywhere.
func NewNop() *Metrics {
	return New(nil)
}
