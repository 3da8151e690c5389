// Package metrics holds the Prometheus collectors exported by the engine,
// the change event hub and the sweeper. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	moves         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	feedEvents    *prometheus.CounterVec
	dropped       prometheus.Counter
	hubDegraded   prometheus.Gauge
	subscribers   prometheus.Gauge
	outboxDepth   *prometheus.GaugeVec
	staleFindings prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "moves_total",
			Help:      "Move operations by kind, direction and result.",
		}, []string{"kind", "direction", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "transitions_total",
			Help:      "Status transitions by kind and result.",
		}, []string{"kind", "result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "notification_publishes_total",
			Help:      "Notification publishes by result.",
		}, []string{"result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "feed_events_total",
			Help:      "Change events fanned out by table and operation.",
		}, []string{"table", "op"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "feed_overflows_total",
			Help:      "Subscribers forced to resync because their buffer was full.",
		}),
		hubDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wastesync",
			Name:      "hub_degraded",
			Help:      "1 while the change event hub cannot read the feed.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wastesync",
			Name:      "hub_subscribers",
			Help:      "Open change event subscriptions.",
		}),
		outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wastesync",
			Name:      "outbox_pending",
			Help:      "Pending outbox entries awaiting retry.",
		}, []string{"outbox"}),
		staleFindings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wastesync",
			Name:      "stale_findings_total",
			Help:      "Entries escalated for manual review after exhausted retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.moves, m.transitions, m.publishes, m.feedEvents, m.dropped,
			m.hubDegraded, m.subscribers, m.outboxDepth, m.staleFindings)
	}
	return m
}

func (m *Metrics) Move(kind, direction, result string) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(kind, direction, result).Inc()
}

func (m *Metrics) Transition(kind, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedEvent(table, op string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(table, op).Inc()
}

func (m *Metrics) Overflow() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.hubDegraded.Set(1)
		return
	}
	m.hubDegraded.Set(0)
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SetOutboxDepth(moves, notifications int) {
	if m == nil {
		return
	}
	m.outboxDepth.WithLabelValues("moves").Set(float64(moves))
	m.outboxDepth.WithLabelValues("notifications").Set(float64(notifications))
}

func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.staleFindings.Inc()
}
