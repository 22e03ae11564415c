// Package telemetry carries the instrumentation sinks: Prometheus
// collectors for the /metrics endpoint and the optional InfluxDB point
// writer fed from the observer fan-out.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Metrics holds the Prometheus collectors. It implements the manager's
// Metrics hook.
type Metrics struct {
	routesExecuted     prometheus.Counter
	reservationsDenied prometheus.Counter
	feedbackEvents     prometheus.Counter
	locosInAutomode    prometheus.Gauge
	boosterState       prometheus.Gauge
}

// NewMetrics creates and registers the collectors on a registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironrail",
			Name:      "routes_executed_total",
			Help:      "Number of route executions.",
		}),
		reservationsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironrail",
			Name:      "reservations_denied_total",
			Help:      "Number of reservation attempts denied by an existing owner.",
		}),
		feedbackEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironrail",
			Name:      "feedback_events_total",
			Help:      "Number of feedback sensor events received from hardware.",
		}),
		locosInAutomode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironrail",
			Name:      "locos_in_automode",
			Help:      "Locomotives currently driven by the automode engine.",
		}),
		boosterState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironrail",
			Name:      "booster_state",
			Help:      "Track power state (1 = go, 0 = stop).",
		}),
	}
	reg.MustRegister(
		m.routesExecuted,
		m.reservationsDenied,
		m.feedbackEvents,
		m.locosInAutomode,
		m.boosterState,
	)
	return m
}

// RouteExecuted implements the manager's Metrics hook.
func (m *Metrics) RouteExecuted() { m.routesExecuted.Inc() }

// ReservationDenied implements the manager's Metrics hook.
func (m *Metrics) ReservationDenied() { m.reservationsDenied.Inc() }

// FeedbackEvent implements the manager's Metrics hook.
func (m *Metrics) FeedbackEvent() { m.feedbackEvents.Inc() }

// LocoAutomode implements the manager's Metrics hook.
func (m *Metrics) LocoAutomode(delta int) { m.locosInAutomode.Add(float64(delta)) }

// BoosterState implements the manager's Metrics hook.
func (m *Metrics) BoosterState(state model.BoosterState) {
	if state == model.BoosterGo {
		m.boosterState.Set(1)
	} else {
		m.boosterState.Set(0)
	}
}
